package results

import (
	"context"
	"errors"
)

// ErrAssetNotFound is the lookup miss of an AssetStore.
var ErrAssetNotFound = errors.New("image assets not found")

// Store is one category's append-only result collection.
type Store interface {
	ListByPatient(ctx context.Context, patientID string) ([]DiagnosticResult, error)
	Append(ctx context.Context, r *DiagnosticResult) error
}

// AssetStore resolves image urls by image id.
type AssetStore interface {
	Lookup(ctx context.Context, imageID string) (ImageAssets, error)
	Save(ctx context.Context, a ImageAssets) error
}

// URLSigner turns a stored object url into one a client can read right now.
// Stored urls stay unsigned so they never expire.
type URLSigner interface {
	Sign(ctx context.Context, rawURL string) (string, error)
}
