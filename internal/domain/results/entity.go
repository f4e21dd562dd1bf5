package results

import (
	"strings"
	"time"
)

// Category is a diagnostic type with its own result store.
type Category string

const (
	CategoryGlaucoma Category = "glaucoma"
	CategoryDR       Category = "dr"
)

// Categories lists the known categories in merge order.
var Categories = []Category{CategoryGlaucoma, CategoryDR}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// DiagnosticResult is one category's finding for one scan. Rows are append-only.
type DiagnosticResult struct {
	ID             string   `json:"id,omitempty"`
	ImageID        string   `json:"image_id"`
	PatientID      string   `json:"patient_id"`
	ResultMessage  string   `json:"result_msg"`
	Confidence     *float64 `json:"confidence,omitempty"`
	DoctorFeedback string   `json:"doctor_feedback,omitempty"`
	// Date is kept as stored; it may be empty or unparseable.
	Date string `json:"date"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp parses Date. ok is false when the date is missing or unparseable.
func (r DiagnosticResult) Timestamp() (t time.Time, ok bool) {
	s := strings.TrimSpace(r.Date)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Finding is a stored result plus its derived risk status.
type Finding struct {
	DiagnosticResult
	Category Category `json:"category"`
	Status   Status   `json:"status"`
}

// ScanRecord aggregates every category result sharing one image id. Not persisted.
type ScanRecord struct {
	ImageID string `json:"image_id"`
	// Date is the latest timestamp reported by any category; nil when none parsed.
	Date     *time.Time            `json:"date,omitempty"`
	Findings map[Category]*Finding `json:"findings"`
}

// Finding returns the category's finding, or nil when the category is absent.
func (r ScanRecord) Finding(c Category) *Finding {
	return r.Findings[c]
}

// ImageAssets are the image URLs attached to a scan. Every field is optional.
type ImageAssets struct {
	ImageID     string `json:"image_id"`
	Available   bool   `json:"available"`
	OriginalURL string `json:"original_url,omitempty"`

	Heatmaps map[Category]string `json:"heatmaps,omitempty"`
	Overlays map[Category]string `json:"overlays,omitempty"`

	// Legacy shared fields written before per-category images existed.
	HeatmapURL string `json:"heatmap_url,omitempty"`
	OverlayURL string `json:"overlay_url,omitempty"`
	GradCAMURL string `json:"gradcam_url,omitempty"`
}

// Unavailable is the assets value for a lookup miss.
func Unavailable(imageID string) ImageAssets {
	return ImageAssets{ImageID: imageID}
}

// HeatmapFor returns the category heatmap, falling back to the legacy shared one.
func (a ImageAssets) HeatmapFor(c Category) string {
	if u := a.Heatmaps[c]; u != "" {
		return u
	}
	return a.HeatmapURL
}

// OverlayFor returns the category overlay, falling back to the legacy shared
// overlay and then to the grad-cam url.
func (a ImageAssets) OverlayFor(c Category) string {
	if u := a.Overlays[c]; u != "" {
		return u
	}
	if a.OverlayURL != "" {
		return a.OverlayURL
	}
	return a.GradCAMURL
}

// Empty reports whether no url is set at all.
func (a ImageAssets) Empty() bool {
	if a.OriginalURL != "" || a.HeatmapURL != "" || a.OverlayURL != "" || a.GradCAMURL != "" {
		return false
	}
	for _, u := range a.Heatmaps {
		if u != "" {
			return false
		}
	}
	for _, u := range a.Overlays {
		if u != "" {
			return false
		}
	}
	return true
}
