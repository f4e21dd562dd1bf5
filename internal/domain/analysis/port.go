package analysis

import "context"

// Analyzer is the remote inference endpoint.
type Analyzer interface {
	Health(ctx context.Context) error
	Analyze(ctx context.Context, s Submission) (Response, error)
}

// BlobStore keeps rendered image bytes and returns a url for them.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
