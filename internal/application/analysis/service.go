package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/diagnovision/internal/application"
	domain "github.com/bryanwahyu/diagnovision/internal/domain/analysis"
	"github.com/bryanwahyu/diagnovision/internal/domain/results"
)

// DefaultHint is shown when the health probe fails.
const DefaultHint = "the analysis server is not reachable; start it and check inference.base_url"

const defaultFilename = "fundus.jpg"

// Sink receives analysis outcomes for counting.
type Sink interface {
	AnalysisFinished(err error)
	PersistenceFailed(w *domain.PersistenceWarning)
}

// Service submits fundus images for analysis and records the results.
// Service is safe for concurrent use.
type Service struct {
	Analyzer domain.Analyzer
	Results  map[results.Category]results.Store
	Assets   results.AssetStore
	Blobs    domain.BlobStore
	// Signer is optional; stored urls stay unsigned, the returned Outcome gets signed ones.
	Signer results.URLSigner
	Clock    application.Clock
	Log      *zap.Logger
	Sink     Sink

	// ProbeHealth runs the health check before each analysis.
	ProbeHealth bool
	Hint        string
	// PersistTimeout bounds the writes after a successful analysis.
	PersistTimeout time.Duration
}

// Command is one upload.
type Command struct {
	PatientID   string
	Filename    string
	ContentType string
	Image       []byte
}

// Analyze validates cmd, calls the inference endpoint and stores what it returned.
//
// Storage failures never fail the call; they come back as warnings in the Outcome.
func (s *Service) Analyze(ctx context.Context, cmd Command) (domain.Outcome, error) {
	sub, err := s.validate(cmd)
	if err != nil {
		return domain.Outcome{}, err
	}

	if s.ProbeHealth {
		if err := s.Analyzer.Health(ctx); err != nil {
			s.logger().Warn("inference health probe failed", zap.Error(err))
			err = &domain.BackendUnavailableError{Hint: s.hint(), Err: err}
			s.finished(err)
			return domain.Outcome{}, err
		}
	}

	resp, err := s.Analyzer.Analyze(ctx, sub)
	if err != nil {
		s.logger().Warn("analysis failed", zap.String("patient_id", sub.PatientID), zap.Error(err))
		s.finished(err)
		return domain.Outcome{}, err
	}

	out := s.outcome(cmd, resp)
	s.persist(ctx, &out, resp)
	s.signOutcome(ctx, &out)
	s.finished(nil)

	s.logger().Info("analysis stored",
		zap.String("patient_id", out.PatientID),
		zap.String("image_id", out.ImageID),
		zap.Int("categories", len(out.Findings)),
		zap.Int("warnings", len(out.Warnings)),
	)
	return out, nil
}

func (s *Service) validate(cmd Command) (domain.Submission, error) {
	if strings.TrimSpace(cmd.PatientID) == "" {
		return domain.Submission{}, &domain.ValidationError{Field: "patient_id", Message: "is required"}
	}
	if len(cmd.Image) == 0 {
		return domain.Submission{}, &domain.ValidationError{Field: "image", Message: "is required"}
	}
	sub := domain.Submission{
		PatientID:   strings.TrimSpace(cmd.PatientID),
		Filename:    cmd.Filename,
		ContentType: cmd.ContentType,
		Image:       cmd.Image,
	}
	if sub.Filename == "" {
		sub.Filename = defaultFilename
	}
	if sub.ContentType == "" {
		sub.ContentType = http.DetectContentType(cmd.Image)
	}
	return sub, nil
}

// outcome maps the response into what the caller displays. Inline images that fail
// to decode are dropped here and reported by persist.
func (s *Service) outcome(cmd Command, resp domain.Response) domain.Outcome {
	out := domain.Outcome{
		ImageID:   resp.ImageID,
		PatientID: strings.TrimSpace(cmd.PatientID),
		Findings:  make(map[results.Category]*domain.CategoryOutcome),
		Original:  image(resp.ImageURL, resp.ImageBase64),
		Heatmap:   image(resp.HeatmapURL, resp.HeatmapBase64),
		Overlay:   image(resp.OverlayURL, resp.OverlayBase64),
	}
	if out.ImageID == "" {
		out.ImageID = uuid.NewString()
		s.logger().Warn("inference response carried no image_id, generated one", zap.String("image_id", out.ImageID))
	}
	if out.Overlay.Empty() && resp.GradCAMURL != "" {
		out.Overlay.URL = resp.GradCAMURL
	}
	// the endpoint did not echo the original back: keep what was uploaded
	if out.Original.Empty() {
		out.Original.Data = cmd.Image
	}

	for _, cat := range results.Categories {
		cr := resp.Category(cat)
		if cr == nil {
			continue
		}
		out.Findings[cat] = &domain.CategoryOutcome{
			ResultMessage: cr.ResultMessage,
			Confidence:    cr.Confidence,
			Prediction:    cr.Prediction,
			Status:        results.DeriveStatus(cr.Confidence, cr.ResultMessage),
			Heatmap:       image(cr.HeatmapURL, cr.HeatmapBase64),
			Overlay:       image(cr.OverlayURL, cr.OverlayBase64),
		}
	}
	return out
}

func (s *Service) persist(ctx context.Context, out *domain.Outcome, resp domain.Response) {
	// persistence outlives a client that hangs up right after the answer
	ctx = context.WithoutCancel(ctx)
	if s.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.PersistTimeout)
		defer cancel()
	}

	date := s.now().UTC().Format(time.RFC3339Nano)
	for _, cat := range results.Categories {
		f := out.Findings[cat]
		if f == nil {
			continue
		}
		st := s.Results[cat]
		if st == nil {
			s.warn(out, string(cat)+"_results", fmt.Errorf("no store configured for %s", cat))
			continue
		}
		row := &results.DiagnosticResult{
			ID:            uuid.NewString(),
			ImageID:       out.ImageID,
			PatientID:     out.PatientID,
			ResultMessage: f.ResultMessage,
			Confidence:    f.Confidence,
			Date:          date,
		}
		if err := st.Append(ctx, row); err != nil {
			s.warn(out, string(cat)+"_results", err)
		}
	}

	assets := results.ImageAssets{
		ImageID:    out.ImageID,
		Heatmaps:   make(map[results.Category]string),
		Overlays:   make(map[results.Category]string),
		GradCAMURL: resp.GradCAMURL,
	}
	assets.OriginalURL = s.upload(ctx, out, &out.Original, "original", resp.ImageBase64)
	assets.HeatmapURL = s.upload(ctx, out, &out.Heatmap, "heatmap", resp.HeatmapBase64)
	assets.OverlayURL = s.upload(ctx, out, &out.Overlay, "overlay", resp.OverlayBase64)
	for _, cat := range results.Categories {
		f, cr := out.Findings[cat], resp.Category(cat)
		if f == nil || cr == nil {
			continue
		}
		if u := s.upload(ctx, out, &f.Heatmap, string(cat)+"_heatmap", cr.HeatmapBase64); u != "" {
			assets.Heatmaps[cat] = u
		}
		if u := s.upload(ctx, out, &f.Overlay, string(cat)+"_overlay", cr.OverlayBase64); u != "" {
			assets.Overlays[cat] = u
		}
	}

	if s.Assets == nil || assets.Empty() {
		return
	}
	if err := s.Assets.Save(ctx, assets); err != nil {
		s.warn(out, "images", err)
	}
}

// upload stores img's bytes when it has no url yet and returns the url to record.
func (s *Service) upload(ctx context.Context, out *domain.Outcome, img *domain.Image, kind, encoded string) string {
	if encoded != "" && len(img.Data) == 0 {
		s.warn(out, "blob:"+kind, fmt.Errorf("inline %s is not valid base64", kind))
	}
	if img.URL != "" || len(img.Data) == 0 || s.Blobs == nil {
		return img.URL
	}
	key := fmt.Sprintf("images/%s/%s_%s.jpg", out.PatientID, out.ImageID, kind)
	url, err := s.Blobs.Put(ctx, key, img.Data, "image/jpeg")
	if err != nil {
		s.warn(out, "blob:"+kind, err)
		return ""
	}
	img.URL = url
	return url
}

// signOutcome signs the urls handed back to the caller. A url that cannot be
// signed is left as stored.
func (s *Service) signOutcome(ctx context.Context, out *domain.Outcome) {
	if s.Signer == nil {
		return
	}
	imgs := []*domain.Image{&out.Original, &out.Heatmap, &out.Overlay}
	for _, cat := range results.Categories {
		if f := out.Findings[cat]; f != nil {
			imgs = append(imgs, &f.Heatmap, &f.Overlay)
		}
	}
	for _, img := range imgs {
		if img.URL == "" {
			continue
		}
		signed, err := s.Signer.Sign(ctx, img.URL)
		if err != nil {
			s.logger().Warn("sign image url failed", zap.String("image_id", out.ImageID), zap.Error(err))
			continue
		}
		img.URL = signed
	}
}

func (s *Service) warn(out *domain.Outcome, target string, err error) {
	w := domain.NewPersistenceWarning(target, err)
	out.Warnings = append(out.Warnings, w)
	s.logger().Warn("persisting analysis failed",
		zap.String("target", target), zap.String("image_id", out.ImageID), zap.Error(err))
	if s.Sink != nil {
		s.Sink.PersistenceFailed(w)
	}
}

func (s *Service) finished(err error) {
	if s.Sink != nil {
		s.Sink.AnalysisFinished(err)
	}
}

func (s *Service) hint() string {
	if s.Hint != "" {
		return s.Hint
	}
	return DefaultHint
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func image(url, encoded string) domain.Image {
	return domain.Image{URL: url, Data: decodeInline(encoded)}
}

// decodeInline accepts raw base64 or a data: url. It returns nil when s does not decode.
func decodeInline(s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil
		}
		s = s[i+1:]
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return b
		}
	}
	return nil
}
