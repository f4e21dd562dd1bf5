package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bryanwahyu/diagnovision/internal/domain/results"
)

// View is one loaded history. Asset lookups are cached for the life of the view and
// concurrent lookups of one image share a single call to the asset store.
type View struct {
	PatientID string

	records []results.ScanRecord
	assets  results.AssetStore
	signer  results.URLSigner
	sink    Sink
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu     sync.Mutex
	cache  map[string]results.ImageAssets
	closed bool

	// testHookJoined runs once a caller has joined the lookup of an image.
	testHookJoined func(imageID string)
}

func newView(patientID string, recs []results.ScanRecord, assets results.AssetStore, sink Sink, log *zap.Logger) *View {
	ctx, cancel := context.WithCancel(context.Background())
	return &View{
		PatientID: patientID,
		records:   recs,
		assets:    assets,
		sink:      sink,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		cache:     make(map[string]results.ImageAssets),
	}
}

// Records returns the merged records, most recent first.
func (v *View) Records() []results.ScanRecord {
	out := make([]results.ScanRecord, len(v.records))
	copy(out, v.records)
	return out
}

// Record finds one record by image id.
func (v *View) Record(imageID string) (results.ScanRecord, bool) {
	for _, r := range v.records {
		if r.ImageID == imageID {
			return r, true
		}
	}
	return results.ScanRecord{}, false
}

// Assets resolves the images of one scan. A miss is not an error: it yields an
// assets value with Available false. The cache holds stored urls; signing
// happens on every call so a long-lived view never hands out expired urls.
func (v *View) Assets(ctx context.Context, imageID string) (results.ImageAssets, error) {
	a, err := v.resolve(ctx, imageID)
	if err != nil {
		return results.ImageAssets{}, err
	}
	return v.sign(ctx, a)
}

func (v *View) resolve(ctx context.Context, imageID string) (results.ImageAssets, error) {
	if a, ok, err := v.cached(imageID); err != nil || ok {
		return a, err
	}

	ch := v.group.DoChan(imageID, func() (any, error) { return v.load(imageID) })
	if v.testHookJoined != nil {
		v.testHookJoined(imageID)
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return results.ImageAssets{}, res.Err
		}
		return res.Val.(results.ImageAssets), nil
	case <-ctx.Done():
		return results.ImageAssets{}, ctx.Err()
	}
}

// sign returns a copy of a with every url signed; the maps are not shared with the cache.
func (v *View) sign(ctx context.Context, a results.ImageAssets) (results.ImageAssets, error) {
	if v.signer == nil || !a.Available {
		return a, nil
	}
	var err error
	one := func(u string) string {
		if err != nil || u == "" {
			return u
		}
		var signed string
		signed, err = v.signer.Sign(ctx, u)
		return signed
	}

	out := a
	out.OriginalURL = one(a.OriginalURL)
	out.HeatmapURL = one(a.HeatmapURL)
	out.OverlayURL = one(a.OverlayURL)
	out.GradCAMURL = one(a.GradCAMURL)
	out.Heatmaps = signAll(a.Heatmaps, one)
	out.Overlays = signAll(a.Overlays, one)
	if err != nil {
		return results.ImageAssets{}, fmt.Errorf("sign asset urls for %s: %w", a.ImageID, err)
	}
	return out, nil
}

func signAll(m map[results.Category]string, one func(string) string) map[results.Category]string {
	if m == nil {
		return nil
	}
	out := make(map[results.Category]string, len(m))
	for c, u := range m {
		out[c] = one(u)
	}
	return out
}

func (v *View) cached(imageID string) (results.ImageAssets, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return results.ImageAssets{}, false, ErrViewClosed
	}
	a, ok := v.cache[imageID]
	return a, ok, nil
}

// load runs at most once per image id at a time.
func (v *View) load(imageID string) (results.ImageAssets, error) {
	// a lookup may have finished between the caller's cache check and this call
	if a, ok, err := v.cached(imageID); err != nil || ok {
		return a, err
	}

	a, err := v.lookup(imageID)
	if err != nil {
		if v.ctx.Err() != nil {
			return results.ImageAssets{}, ErrViewClosed
		}
		v.log.Warn("asset lookup failed", zap.String("image_id", imageID), zap.Error(err))
		if v.sink != nil {
			v.sink.AssetLookupFailed(imageID, err)
		}
		return results.ImageAssets{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return results.ImageAssets{}, ErrViewClosed
	}
	v.cache[imageID] = a
	return a, nil
}

func (v *View) lookup(imageID string) (results.ImageAssets, error) {
	if v.assets == nil {
		return results.Unavailable(imageID), nil
	}
	a, err := v.assets.Lookup(v.ctx, imageID)
	if errors.Is(err, results.ErrAssetNotFound) {
		return results.Unavailable(imageID), nil
	}
	if err != nil {
		return results.ImageAssets{}, err
	}
	a.ImageID = imageID
	a.Available = true
	return a, nil
}

// Close abandons in-flight lookups; their results are dropped.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.cancel()
	v.cache = nil
}
