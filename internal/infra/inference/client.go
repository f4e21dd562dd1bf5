package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/bryanwahyu/diagnovision/internal/domain/analysis"
)

const (
	analyzePath = "/api/analyze"
	healthPath  = "/health"

	// error bodies bigger than this are not worth reading
	maxErrorBody = 64 << 10
)

// Client talks to the fundus analysis server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client with its own timeout. baseURL may end with a slash.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Health calls GET /health and fails on anything but a 2xx.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Analyze posts the image as multipart form data.
func (c *Client) Analyze(ctx context.Context, s analysis.Submission) (analysis.Response, error) {
	body, contentType, err := encodeForm(s)
	if err != nil {
		return analysis.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+analyzePath, body)
	if err != nil {
		return analysis.Response{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return analysis.Response{}, fmt.Errorf("analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return analysis.Response{}, &analysis.AnalysisError{
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(resp.Body),
		}
	}

	var out analysis.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return analysis.Response{}, &analysis.AnalysisError{
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("decode analysis response: %v", err),
		}
	}
	if !out.Success {
		detail := out.Error
		if detail == "" {
			detail = "analysis failed"
		}
		return analysis.Response{}, &analysis.AnalysisError{StatusCode: resp.StatusCode, Detail: detail}
	}
	return out, nil
}

func encodeForm(s analysis.Submission) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, s.Filename))
	h.Set("Content-Type", s.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(s.Image); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("patient_id", s.PatientID); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// errorDetail pulls "detail" (or "error") out of a JSON error body.
func errorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			return s
		}
		// validation errors come back as a list of objects
		return string(body.Detail)
	}
	return body.Error
}
