package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	appanalysis "github.com/bryanwahyu/diagnovision/internal/application/analysis"
	"github.com/bryanwahyu/diagnovision/internal/domain/analysis"
	"github.com/bryanwahyu/diagnovision/internal/middleware"
)

// handleAnalyze takes a multipart upload with an "image" file part and analyzes it
// for the signed-in patient.
func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, r.MaxUploadBytes)
	if err := req.ParseMultipartForm(r.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return &analysis.ValidationError{Field: "image", Message: fmt.Sprintf("must not exceed %d bytes", r.MaxUploadBytes)}
		}
		return &analysis.ValidationError{Field: "image", Message: "expected a multipart form"}
	}
	defer req.MultipartForm.RemoveAll()

	f, hdr, err := req.FormFile("image")
	if err != nil {
		return &analysis.ValidationError{Field: "image", Message: "is required"}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}

	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if err := middleware.ValidateImageContentType(contentType); err != nil {
		return err
	}

	out, err := r.Analysis.Analyze(req.Context(), appanalysis.Command{
		PatientID:   signedInID(req),
		Filename:    hdr.Filename,
		ContentType: contentType,
		Image:       data,
	})
	if err != nil {
		return err
	}

	// the open history no longer lists everything
	r.views.Close(middleware.SessionIDFromContext(req.Context()))
	return writeJSON(w, http.StatusOK, out)
}
