package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/diagnovision/internal/domain/results"
)

var (
	ErrPatientRequired = errors.New("patient id is required")
	ErrViewClosed      = errors.New("history view closed")
)

// Sink receives failures that are degraded instead of returned.
type Sink interface {
	CategoryFetchFailed(cat results.Category, patientID string, err error)
	AssetLookupFailed(imageID string, err error)
}

// Service reconciles per-category results into scan records.
type Service struct {
	Stores map[results.Category]results.Store
	Assets results.AssetStore
	// Signer is optional; it makes stored object urls readable on the way out.
	Signer results.URLSigner
	Sink   Sink
	Log    *zap.Logger
	// FetchTimeout bounds each category fetch; zero means no extra bound.
	FetchTimeout time.Duration
}

// LoadHistory fetches every category in parallel and merges the rows.
//
// A failing category contributes no rows; the failure goes to the sink and the log.
// The only errors returned are a missing patient id and cancellation of ctx.
func (s *Service) LoadHistory(ctx context.Context, patientID string) ([]results.ScanRecord, error) {
	if patientID == "" {
		return nil, ErrPatientRequired
	}

	var (
		mu   sync.Mutex
		rows = make(map[results.Category][]results.DiagnosticResult, len(s.Stores))
		g    errgroup.Group
	)
	for cat, st := range s.Stores {
		cat, st := cat, st
		g.Go(func() error {
			list, err := s.fetch(ctx, st, patientID)
			if err != nil {
				// a cancelled caller gets ctx.Err() below, nothing was degraded
				if ctx.Err() == nil {
					s.reportFetch(cat, patientID, err)
				}
				list = nil
			}
			mu.Lock()
			rows[cat] = list
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results.Merge(rows), nil
}

func (s *Service) fetch(ctx context.Context, st results.Store, patientID string) ([]results.DiagnosticResult, error) {
	if s.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.FetchTimeout)
		defer cancel()
	}
	return st.ListByPatient(ctx, patientID)
}

func (s *Service) reportFetch(cat results.Category, patientID string, err error) {
	s.logger().Warn("category fetch failed, showing partial history",
		zap.String("category", string(cat)), zap.String("patient_id", patientID), zap.Error(err))
	if s.Sink != nil {
		s.Sink.CategoryFetchFailed(cat, patientID, err)
	}
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Open loads the history and returns a View that resolves image assets lazily.
func (s *Service) Open(ctx context.Context, patientID string) (*View, error) {
	recs, err := s.LoadHistory(ctx, patientID)
	if err != nil {
		return nil, err
	}
	v := newView(patientID, recs, s.Assets, s.Sink, s.logger())
	v.signer = s.Signer
	return v, nil
}
