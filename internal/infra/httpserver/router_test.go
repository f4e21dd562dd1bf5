package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appanalysis "github.com/bryanwahyu/diagnovision/internal/application/analysis"
	apphistory "github.com/bryanwahyu/diagnovision/internal/application/history"
	appsession "github.com/bryanwahyu/diagnovision/internal/application/session"
	"github.com/bryanwahyu/diagnovision/internal/domain/analysis"
	"github.com/bryanwahyu/diagnovision/internal/domain/results"
	"github.com/bryanwahyu/diagnovision/internal/domain/session"
	"github.com/bryanwahyu/diagnovision/internal/infra/identity"
)

type memAuth struct {
	mu    sync.Mutex
	users map[string]session.Identity
	pass  map[string]string
}

func (m *memAuth) CreateIdentity(_ context.Context, email, password, name string) (session.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return session.Identity{}, session.ErrEmailInUse
	}
	id := session.Identity{ID: "u-" + strings.Split(email, "@")[0], Email: email, DisplayName: name}
	m.users[email] = id
	m.pass[email] = password
	return id, nil
}

func (m *memAuth) Authenticate(_ context.Context, email, password string) (session.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[email]
	if !ok || m.pass[email] != password {
		return session.Identity{}, session.ErrInvalidCredentials
	}
	return id, nil
}

type memProfiles struct {
	mu      sync.Mutex
	roles   map[string]session.Role
	saveErr error
}

func (m *memProfiles) Role(_ context.Context, id string) (session.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return session.RoleNone, session.ErrProfileNotFound
	}
	return r, nil
}

func (m *memProfiles) SaveUser(_ context.Context, p session.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.roles[p.ID] = p.Role
	return nil
}

func (m *memProfiles) SavePatient(context.Context, session.PatientProfile) error { return nil }
func (m *memProfiles) SaveDoctor(context.Context, session.DoctorProfile) error   { return nil }

type memResults struct {
	mu   sync.Mutex
	rows []results.DiagnosticResult
}

func (m *memResults) ListByPatient(_ context.Context, patientID string) ([]results.DiagnosticResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []results.DiagnosticResult
	for _, r := range m.rows {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memResults) Append(_ context.Context, r *results.DiagnosticResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *r)
	return nil
}

type memAssets struct {
	mu     sync.Mutex
	assets map[string]results.ImageAssets
}

func (m *memAssets) Lookup(_ context.Context, imageID string) (results.ImageAssets, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[imageID]
	if !ok {
		return results.ImageAssets{}, results.ErrAssetNotFound
	}
	return a, nil
}

func (m *memAssets) Save(_ context.Context, a results.ImageAssets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ImageID] = a
	return nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Health(context.Context) error { return nil }

func (stubAnalyzer) Analyze(_ context.Context, s analysis.Submission) (analysis.Response, error) {
	c := 0.93
	return analysis.Response{
		Success:  true,
		ImageID:  "img-new",
		ImageURL: "http://inference/img-new.jpg",
		Glaucoma: &analysis.CategoryResponse{ResultMessage: "No signs of Glaucoma", Confidence: &c},
	}, nil
}

type harness struct {
	srv      *httptest.Server
	sessions *appsession.Registry
	profiles *memProfiles
	glaucoma *memResults
	router   *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		profiles: &memProfiles{roles: map[string]session.Role{}},
		glaucoma: &memResults{},
	}
	h.sessions = appsession.NewRegistry(appsession.Deps{
		Auth:     &memAuth{users: map[string]session.Identity{}, pass: map[string]string{}},
		Profiles: h.profiles,
	})
	stores := map[results.Category]results.Store{
		results.CategoryGlaucoma: h.glaucoma,
		results.CategoryDR:       &memResults{},
	}
	assets := &memAssets{assets: map[string]results.ImageAssets{
		"img-1": {OriginalURL: "http://minio/img-1.jpg"},
	}}

	var handler http.Handler
	h.router, handler = newRouter(Deps{
		Sessions:  h.sessions,
		Tokens:    identity.NewTokens("0123456789abcdef0123", time.Hour),
		History:   &apphistory.Service{Stores: stores, Assets: assets},
		Analysis:  &appanalysis.Service{Analyzer: stubAnalyzer{}, Results: stores, Assets: assets},
		KeepAlive: 50 * time.Millisecond,
	})
	h.srv = httptest.NewServer(handler)
	t.Cleanup(func() {
		h.srv.Close()
		h.sessions.CloseAll()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) signUp(t *testing.T, email, role string) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": email, "password": "secret123", "display_name": "Test User", "role": role,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body["token"].(string)
}

func TestLiveness(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignUpResolvesRoleAndGuardsRoutes(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/v1/patient/history", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "/signin", resp.Header.Get("Location"))

	token := h.signUp(t, "ana@example.com", "patient")

	resp, body := h.do(t, http.MethodGet, "/v1/session", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "patient", body["role"])
	assert.Equal(t, false, body["loading"])

	resp, body = h.do(t, http.MethodGet, "/v1/doctor/patients/u-ana/history", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "doctor", body["required"])
	assert.Equal(t, "patient", body["actual"])
}

func TestSignUpProfileFailureStillSignsIn(t *testing.T) {
	h := newHarness(t)
	h.profiles.saveErr = errors.New("write refused")

	resp, body := h.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "bo@example.com", "password": "secret123", "display_name": "Bo", "role": "doctor",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["warning"])

	resp, body = h.do(t, http.MethodGet, "/v1/session", body["token"].(string), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "none", body["role"])
	assert.NotNil(t, body["identity"])
}

func TestSignUpValidation(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "not-an-email", "password": "secret123", "display_name": "X", "role": "patient",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "email", body["field"])
	assert.Zero(t, h.sessions.Len())
}

func TestSignInFailureDoesNotLeakSessions(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "cy@example.com", "patient")
	require.Equal(t, 1, h.sessions.Len())

	resp, _ := h.do(t, http.MethodPost, "/v1/auth/signin", "", map[string]string{
		"email": "cy@example.com", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, h.sessions.Len())

	resp, body := h.do(t, http.MethodPost, "/v1/auth/signin", "", map[string]string{
		"email": "cy@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, 2, h.sessions.Len())
}

func TestTokenOfReplacedIdentityIsRejected(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "eve@example.com", "patient")
	first := h.signUp(t, "fay@example.com", "patient")

	// eve signs in on the session fay's token names
	resp, body := h.do(t, http.MethodPost, "/v1/auth/signin", first, map[string]string{
		"email": "eve@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	second := body["token"].(string)
	assert.Equal(t, 2, h.sessions.Len())

	resp, _ = h.do(t, http.MethodGet, "/v1/patient/history", first, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/v1/session", second, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	who, _ := body["identity"].(map[string]any)
	require.NotNil(t, who)
	assert.Equal(t, "u-eve", who["id"])
}

func TestSignOutEndsSession(t *testing.T) {
	h := newHarness(t)
	token := h.signUp(t, "di@example.com", "patient")

	resp, _ := h.do(t, http.MethodPost, "/v1/auth/signout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, h.sessions.Len())

	resp, _ = h.do(t, http.MethodGet, "/v1/patient/history", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPatientHistoryAndAssets(t *testing.T) {
	h := newHarness(t)
	token := h.signUp(t, "ed@example.com", "patient")
	c := 0.4
	h.glaucoma.rows = []results.DiagnosticResult{
		{ID: "r1", ImageID: "img-1", PatientID: "u-ed", ResultMessage: "No signs", Confidence: &c, Date: "2025-01-02T10:00:00Z"},
		{ID: "r2", ImageID: "img-2", PatientID: "someone-else", ResultMessage: "No signs", Date: "2025-01-03T10:00:00Z"},
	}

	resp, body := h.do(t, http.MethodGet, "/v1/patient/history", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs := body["records"].([]any)
	require.Len(t, recs, 1)
	assert.Equal(t, "img-1", recs[0].(map[string]any)["image_id"])

	resp, body = h.do(t, http.MethodGet, "/v1/patient/history/img-1/assets", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assets := body["assets"].(map[string]any)
	assert.Equal(t, true, assets["available"])
	assert.Equal(t, "http://minio/img-1.jpg", assets["original_url"])

	resp, _ = h.do(t, http.MethodGet, "/v1/patient/history/img-2/assets", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/v1/patient/history", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, h.router.views.Len())
}

func TestDoctorReadsPatientHistory(t *testing.T) {
	h := newHarness(t)
	token := h.signUp(t, "fay@example.com", "doctor")
	h.glaucoma.rows = []results.DiagnosticResult{
		{ID: "r1", ImageID: "img-1", PatientID: "u-gus", ResultMessage: "Signs of glaucoma", Date: "2025-01-02T10:00:00Z"},
	}

	resp, body := h.do(t, http.MethodGet, "/v1/doctor/patients/u-gus/history", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u-gus", body["patient_id"])
	assert.Len(t, body["records"], 1)

	resp, _ = h.do(t, http.MethodGet, "/v1/doctor/patients/u-gus/history/img-1/assets", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/v1/doctor/patients/bad%20id/history", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "patient_id", body["field"])
}

func upload(t *testing.T, h *harness, token, contentType string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="eye.png"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, _ = part.Write(data)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/patient/scans", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAnalyzeUploadStoresResult(t *testing.T) {
	h := newHarness(t)
	token := h.signUp(t, "hal@example.com", "patient")

	resp, body := upload(t, h, token, "image/png", []byte("\x89PNG\r\n\x1a\nrest"))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "img-new", body["image_id"])
	assert.Equal(t, "u-hal", body["patient_id"])

	rows, err := h.glaucoma.ListByPatient(context.Background(), "u-hal")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "img-new", rows[0].ImageID)

	resp, body = upload(t, h, token, "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "image", body["field"])
}

func TestSessionEventsStream(t *testing.T) {
	h := newHarness(t)
	token := h.signUp(t, "ivy@example.com", "patient")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/v1/session/events?access_token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: session", sc.Text())
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), `"role":"patient"`)

	// signing out from another request closes the stream
	out, _ := h.do(t, http.MethodPost, "/v1/auth/signout", token, nil)
	require.Equal(t, http.StatusNoContent, out.StatusCode)

	var closed bool
	for sc.Scan() {
		if sc.Text() == "event: closed" {
			closed = true
			break
		}
	}
	assert.True(t, closed)
}

func TestSessionEventsKeepSessionAlive(t *testing.T) {
	h := newHarness(t)
	token := h.signUp(t, "jo@example.com", "patient")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/v1/session/events?access_token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// no other request reaches the session while the stream stays open
	sc := bufio.NewScanner(resp.Body)
	for beats := 0; beats < 4 && sc.Scan(); {
		if sc.Text() == ": keepalive" {
			beats++
		}
	}
	require.NoError(t, sc.Err())

	assert.Zero(t, h.sessions.Sweep(150*time.Millisecond))
	assert.Equal(t, 1, h.sessions.Len())
}

func TestSessionEventsRequireSession(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/v1/session/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
