package analysis

import (
	"github.com/bryanwahyu/diagnovision/internal/domain/results"
)

// Submission is what gets sent to the inference endpoint.
type Submission struct {
	PatientID   string
	Filename    string
	ContentType string
	Image       []byte
}

// CategoryResponse is one category block of the inference response.
type CategoryResponse struct {
	ResultMessage string    `json:"result_msg"`
	Confidence    *float64  `json:"confidence,omitempty"`
	Prediction    string    `json:"prediction,omitempty"`
	RawOutput     []float64 `json:"raw_output,omitempty"`

	HeatmapURL    string `json:"heatmap_url,omitempty"`
	OverlayURL    string `json:"overlay_url,omitempty"`
	HeatmapBase64 string `json:"heatmap_base64,omitempty"`
	OverlayBase64 string `json:"overlay_base64,omitempty"`
}

// Response is the decoded body of a successful analyze call.
type Response struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	ImageID   string `json:"image_id"`

	Glaucoma *CategoryResponse `json:"glaucoma,omitempty"`
	DR       *CategoryResponse `json:"dr,omitempty"`

	ImageURL   string `json:"image_url,omitempty"`
	HeatmapURL string `json:"heatmap_url,omitempty"`
	OverlayURL string `json:"overlay_url,omitempty"`
	GradCAMURL string `json:"gradcam_url,omitempty"`

	ImageBase64   string `json:"image_base64,omitempty"`
	HeatmapBase64 string `json:"heatmap_base64,omitempty"`
	OverlayBase64 string `json:"overlay_base64,omitempty"`
}

// Category returns the response block for c, or nil.
func (r Response) Category(c results.Category) *CategoryResponse {
	switch c {
	case results.CategoryGlaucoma:
		return r.Glaucoma
	case results.CategoryDR:
		return r.DR
	default:
		return nil
	}
}

// Image is one rendered image: a url, inline bytes, or both.
type Image struct {
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Empty reports whether neither url nor data is present.
func (i Image) Empty() bool { return i.URL == "" && len(i.Data) == 0 }

// CategoryOutcome is what the caller displays for one category.
type CategoryOutcome struct {
	ResultMessage string         `json:"result_msg"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Prediction    string         `json:"prediction,omitempty"`
	Status        results.Status `json:"status"`
	Heatmap       Image          `json:"heatmap"`
	Overlay       Image          `json:"overlay"`
}

// Outcome is the full result of one analysis, returned regardless of persistence.
type Outcome struct {
	ImageID   string                                `json:"image_id"`
	PatientID string                                `json:"patient_id"`
	Findings  map[results.Category]*CategoryOutcome `json:"findings"`

	Original Image `json:"original"`
	Heatmap  Image `json:"heatmap"`
	Overlay  Image `json:"overlay"`

	Warnings []*PersistenceWarning `json:"warnings,omitempty"`
}
