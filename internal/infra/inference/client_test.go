package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/diagnovision/internal/domain/analysis"
)

func submission() analysis.Submission {
	return analysis.Submission{
		PatientID:   "p1",
		Filename:    "eye.jpg",
		ContentType: "image/jpeg",
		Image:       []byte{0xff, 0xd8, 0xff, 0xe0},
	}
}

func TestAnalyzePostsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/analyze", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "p1", r.FormValue("patient_id"))

		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "eye.jpg", hdr.Filename)
		assert.Equal(t, "image/jpeg", hdr.Header.Get("Content-Type"))
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0}, data)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"image_id": "img-1",
			"glaucoma": map[string]any{"result_msg": "No signs of Glaucoma", "confidence": 0.92, "prediction": "Normal"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 0)
	resp, err := c.Analyze(context.Background(), submission())
	require.NoError(t, err)
	assert.Equal(t, "img-1", resp.ImageID)
	require.NotNil(t, resp.Glaucoma)
	assert.Equal(t, "No signs of Glaucoma", resp.Glaucoma.ResultMessage)
	assert.InDelta(t, 0.92, *resp.Glaucoma.Confidence, 1e-9)
	assert.Nil(t, resp.DR)
}

func TestAnalyzeNon2xxCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"image is not a fundus photograph"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Analyze(context.Background(), submission())
	var ae *analysis.AnalysisError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnprocessableEntity, ae.StatusCode)
	assert.Equal(t, "image is not a fundus photograph", ae.Error())
}

func TestAnalyzeNon2xxWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Analyze(context.Background(), submission())
	var ae *analysis.AnalysisError
	require.ErrorAs(t, err, &ae)
	assert.Empty(t, ae.Detail)
	assert.Contains(t, ae.Error(), "500")
}

func TestAnalyzeUnsuccessfulBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"error":"model not loaded"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Analyze(context.Background(), submission())
	var ae *analysis.AnalysisError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "model not loaded", ae.Detail)
}

func TestHealth(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	require.NoError(t, c.Health(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, c.Health(context.Background()))
}

func TestHealthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	assert.Error(t, NewClient(url, 0).Health(context.Background()))
}
