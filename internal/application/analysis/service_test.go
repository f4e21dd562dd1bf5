package analysis

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/diagnovision/internal/application"
	domain "github.com/bryanwahyu/diagnovision/internal/domain/analysis"
	"github.com/bryanwahyu/diagnovision/internal/domain/results"
	"github.com/bryanwahyu/diagnovision/internal/infra/inference"
)

type memStore struct {
	mu   sync.Mutex
	rows []results.DiagnosticResult
	err  error
}

func (m *memStore) ListByPatient(context.Context, string) ([]results.DiagnosticResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]results.DiagnosticResult(nil), m.rows...), nil
}

func (m *memStore) Append(_ context.Context, r *results.DiagnosticResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, *r)
	return nil
}

type memAssets struct {
	saved []results.ImageAssets
	err   error
}

func (m *memAssets) Lookup(context.Context, string) (results.ImageAssets, error) {
	return results.ImageAssets{}, results.ErrAssetNotFound
}

func (m *memAssets) Save(_ context.Context, a results.ImageAssets) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, a)
	return nil
}

type memBlobs struct {
	keys []string
	err  error
}

func (m *memBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return "http://minio/diagnovision/" + key, nil
}

type prefixSigner struct {
	err error
}

func (p prefixSigner) Sign(_ context.Context, raw string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return raw + "?sig=1", nil
}

type stubAnalyzer struct {
	healthErr error
	resp      domain.Response
	err       error
	calls     int
}

func (s *stubAnalyzer) Health(context.Context) error { return s.healthErr }

func (s *stubAnalyzer) Analyze(context.Context, domain.Submission) (domain.Response, error) {
	s.calls++
	return s.resp, s.err
}

type countingSink struct {
	finished []error
	warnings []string
}

func (c *countingSink) AnalysisFinished(err error) { c.finished = append(c.finished, err) }
func (c *countingSink) PersistenceFailed(w *domain.PersistenceWarning) {
	c.warnings = append(c.warnings, w.Target)
}

var fixedNow = time.Date(2025, 11, 1, 8, 30, 0, 0, time.UTC)

func newService(a domain.Analyzer) (*Service, *memStore, *memStore, *memAssets) {
	glaucoma, dr, assets := &memStore{}, &memStore{}, &memAssets{}
	return &Service{
		Analyzer: a,
		Results: map[results.Category]results.Store{
			results.CategoryGlaucoma: glaucoma,
			results.CategoryDR:       dr,
		},
		Assets: assets,
		Clock:  application.FixedClock{T: fixedNow},
	}, glaucoma, dr, assets
}

func conf(v float64) *float64 { return &v }

func TestAnalyzeGlaucomaOnlyEndToEnd(t *testing.T) {
	submitted := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/analyze":
			submitted <- r.FormValue("patient_id")
			_, _ = io.WriteString(w, `{"success":true,"image_id":"img-1",
				"glaucoma":{"result_msg":"No signs of Glaucoma","confidence":0.8}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, glaucoma, dr, _ := newService(inference.NewClient(srv.URL, time.Second))
	svc.ProbeHealth = true

	out, err := svc.Analyze(context.Background(), Command{PatientID: "patient-42", Image: []byte("jpeg")})
	require.NoError(t, err)
	assert.Equal(t, "patient-42", <-submitted)
	assert.Equal(t, "img-1", out.ImageID)
	assert.Equal(t, "patient-42", out.PatientID)
	require.Contains(t, out.Findings, results.CategoryGlaucoma)
	assert.NotContains(t, out.Findings, results.CategoryDR)
	g := out.Findings[results.CategoryGlaucoma]
	assert.Equal(t, "No signs of Glaucoma", g.ResultMessage)
	require.NotNil(t, g.Confidence)
	assert.InDelta(t, 0.8, *g.Confidence, 1e-9)
	assert.Equal(t, results.StatusNormal, g.Status)
	assert.Empty(t, out.Warnings)

	require.Len(t, glaucoma.rows, 1)
	row := glaucoma.rows[0]
	assert.Equal(t, "img-1", row.ImageID)
	assert.Equal(t, "patient-42", row.PatientID)
	assert.Equal(t, "No signs of Glaucoma", row.ResultMessage)
	require.NotNil(t, row.Confidence)
	assert.InDelta(t, 0.8, *row.Confidence, 1e-9)
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), row.Date)
	assert.NotEmpty(t, row.ID)
	assert.Empty(t, dr.rows)
}

func TestAnalyzeValidation(t *testing.T) {
	a := &stubAnalyzer{}
	svc, _, _, _ := newService(a)

	_, err := svc.Analyze(context.Background(), Command{Image: []byte("x")})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "patient_id", ve.Field)

	_, err = svc.Analyze(context.Background(), Command{PatientID: "p1"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "image", ve.Field)

	assert.Zero(t, a.calls)
}

func TestAnalyzeHealthProbeFailure(t *testing.T) {
	a := &stubAnalyzer{healthErr: errors.New("connection refused")}
	svc, _, _, _ := newService(a)
	svc.ProbeHealth = true
	sink := &countingSink{}
	svc.Sink = sink

	_, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("x")})
	var bu *domain.BackendUnavailableError
	require.ErrorAs(t, err, &bu)
	assert.Equal(t, DefaultHint, bu.Hint)
	assert.Zero(t, a.calls)
	require.Len(t, sink.finished, 1)
	assert.Error(t, sink.finished[0])
}

func TestAnalyzeSkipsProbeWhenDisabled(t *testing.T) {
	a := &stubAnalyzer{healthErr: errors.New("down"), resp: domain.Response{Success: true, ImageID: "img-2"}}
	svc, _, _, _ := newService(a)

	_, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, a.calls)
}

func TestAnalyzeErrorPassesThrough(t *testing.T) {
	a := &stubAnalyzer{err: &domain.AnalysisError{StatusCode: 422, Detail: "bad image"}}
	svc, glaucoma, _, _ := newService(a)

	_, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("x")})
	var ae *domain.AnalysisError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "bad image", ae.Detail)
	assert.Empty(t, glaucoma.rows)
}

func TestAnalyzePersistenceFailuresBecomeWarnings(t *testing.T) {
	a := &stubAnalyzer{resp: domain.Response{
		Success:  true,
		ImageID:  "img-3",
		Glaucoma: &domain.CategoryResponse{ResultMessage: "Signs of glaucoma", Confidence: conf(0.81)},
		DR:       &domain.CategoryResponse{ResultMessage: "No signs of DR", Confidence: conf(0.55)},
	}}
	svc, glaucoma, dr, _ := newService(a)
	glaucoma.err = errors.New("permission denied")
	sink := &countingSink{}
	svc.Sink = sink

	out, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("x")})
	require.NoError(t, err)

	assert.Equal(t, results.StatusHighRisk, out.Findings[results.CategoryGlaucoma].Status)
	assert.Equal(t, results.StatusNeedsReview, out.Findings[results.CategoryDR].Status)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, "glaucoma_results", out.Warnings[0].Target)
	assert.Equal(t, []string{"glaucoma_results"}, sink.warnings)

	require.Len(t, dr.rows, 1)
	assert.Equal(t, "img-3", dr.rows[0].ImageID)
}

func TestAnalyzeUploadsInlineImages(t *testing.T) {
	heat := base64.StdEncoding.EncodeToString([]byte("heat"))
	a := &stubAnalyzer{resp: domain.Response{
		Success:  true,
		ImageID:  "img-4",
		ImageURL: "http://inference/img-4.jpg",
		DR: &domain.CategoryResponse{
			ResultMessage: "Signs of DR",
			Confidence:    conf(0.9),
			HeatmapBase64: "data:image/jpeg;base64," + heat,
			OverlayURL:    "http://inference/img-4_dr_overlay.jpg",
		},
	}}
	svc, _, _, assets := newService(a)
	blobs := &memBlobs{}
	svc.Blobs = blobs

	out, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("x")})
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)

	assert.Equal(t, []string{"images/p1/img-4_dr_heatmap.jpg"}, blobs.keys)
	f := out.Findings[results.CategoryDR]
	assert.Equal(t, []byte("heat"), f.Heatmap.Data)
	assert.Equal(t, "http://minio/diagnovision/images/p1/img-4_dr_heatmap.jpg", f.Heatmap.URL)

	require.Len(t, assets.saved, 1)
	saved := assets.saved[0]
	assert.Equal(t, "img-4", saved.ImageID)
	assert.Equal(t, "http://inference/img-4.jpg", saved.OriginalURL)
	assert.Equal(t, f.Heatmap.URL, saved.HeatmapFor(results.CategoryDR))
	assert.Equal(t, "http://inference/img-4_dr_overlay.jpg", saved.OverlayFor(results.CategoryDR))
}

func TestAnalyzeStoresUnsignedURLs(t *testing.T) {
	heat := base64.StdEncoding.EncodeToString([]byte("heat"))
	a := &stubAnalyzer{resp: domain.Response{
		Success: true,
		ImageID: "img-6",
		Glaucoma: &domain.CategoryResponse{
			ResultMessage: "No signs of Glaucoma",
			Confidence:    conf(0.8),
			HeatmapBase64: heat,
		},
	}}
	svc, _, _, assets := newService(a)
	svc.Blobs = &memBlobs{}
	svc.Signer = prefixSigner{}

	out, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("raw")})
	require.NoError(t, err)

	const (
		original = "http://minio/diagnovision/images/p1/img-6_original.jpg"
		heatmap  = "http://minio/diagnovision/images/p1/img-6_glaucoma_heatmap.jpg"
	)
	require.Len(t, assets.saved, 1)
	assert.Equal(t, original, assets.saved[0].OriginalURL)
	assert.Equal(t, heatmap, assets.saved[0].HeatmapFor(results.CategoryGlaucoma))

	assert.Equal(t, original+"?sig=1", out.Original.URL)
	assert.Equal(t, heatmap+"?sig=1", out.Findings[results.CategoryGlaucoma].Heatmap.URL)
}

func TestAnalyzeSignFailureKeepsStoredURL(t *testing.T) {
	a := &stubAnalyzer{resp: domain.Response{
		Success:  true,
		ImageID:  "img-7",
		Glaucoma: &domain.CategoryResponse{ResultMessage: "No signs", Confidence: conf(0.9)},
	}}
	svc, _, _, _ := newService(a)
	svc.Blobs = &memBlobs{}
	svc.Signer = prefixSigner{err: errors.New("no credentials")}

	out, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("raw")})
	require.NoError(t, err)
	assert.Equal(t, "http://minio/diagnovision/images/p1/img-7_original.jpg", out.Original.URL)
}

func TestAnalyzeBlobAndAssetFailuresAreWarnings(t *testing.T) {
	a := &stubAnalyzer{resp: domain.Response{
		Success:       true,
		ImageID:       "img-5",
		HeatmapBase64: "!!not-base64!!",
		GradCAMURL:    "http://inference/img-5_gradcam.jpg",
		Glaucoma:      &domain.CategoryResponse{ResultMessage: "No signs", Confidence: conf(0.9)},
	}}
	svc, glaucoma, _, assets := newService(a)
	svc.Blobs = &memBlobs{err: errors.New("bucket missing")}
	assets.err = errors.New("db down")

	out, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("raw")})
	require.NoError(t, err)
	require.Len(t, glaucoma.rows, 1)

	var targets []string
	for _, w := range out.Warnings {
		targets = append(targets, w.Target)
	}
	assert.ElementsMatch(t, []string{"blob:original", "blob:heatmap", "images"}, targets)
	// the uploaded bytes are still returned to the caller
	assert.Equal(t, []byte("raw"), out.Original.Data)
}

func TestAnalyzeGeneratesMissingImageID(t *testing.T) {
	a := &stubAnalyzer{resp: domain.Response{
		Success:  true,
		Glaucoma: &domain.CategoryResponse{ResultMessage: "No signs", Confidence: conf(0.9)},
	}}
	svc, glaucoma, _, _ := newService(a)

	out, err := svc.Analyze(context.Background(), Command{PatientID: "p1", Image: []byte("x")})
	require.NoError(t, err)
	require.NotEmpty(t, out.ImageID)
	require.Len(t, glaucoma.rows, 1)
	assert.Equal(t, out.ImageID, glaucoma.rows[0].ImageID)
}

func TestDecodeInline(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte("abc"))
	assert.Equal(t, []byte("abc"), decodeInline(enc))
	assert.Equal(t, []byte("abc"), decodeInline("data:image/png;base64,"+enc))
	assert.Nil(t, decodeInline(""))
	assert.Nil(t, decodeInline("data:nocomma"))
	assert.Nil(t, decodeInline("***"))
}
