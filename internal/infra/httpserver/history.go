package httpserver

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	apphistory "github.com/bryanwahyu/diagnovision/internal/application/history"
	"github.com/bryanwahyu/diagnovision/internal/domain/results"
	"github.com/bryanwahyu/diagnovision/internal/middleware"
)

// viewTracker keeps the open history view of each client session. Opening a new
// view closes the previous one.
type viewTracker struct {
	mu    sync.Mutex
	views map[string]*apphistory.View
}

func newViewTracker() *viewTracker {
	return &viewTracker{views: make(map[string]*apphistory.View)}
}

func (t *viewTracker) Get(sid, patientID string) (*apphistory.View, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[sid]
	if !ok || v.PatientID != patientID {
		return nil, false
	}
	return v, true
}

func (t *viewTracker) Set(sid string, v *apphistory.View) {
	t.mu.Lock()
	prev := t.views[sid]
	t.views[sid] = v
	t.mu.Unlock()
	if prev != nil && prev != v {
		prev.Close()
	}
}

func (t *viewTracker) Close(sid string) {
	t.mu.Lock()
	v := t.views[sid]
	delete(t.views, sid)
	t.mu.Unlock()
	if v != nil {
		v.Close()
	}
}

func (t *viewTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.views)
}

type historyResponse struct {
	PatientID string               `json:"patient_id"`
	Records   []results.ScanRecord `json:"records"`
}

type assetsResponse struct {
	Record results.ScanRecord  `json:"record"`
	Assets results.ImageAssets `json:"assets"`
}

func (r *Router) handlePatientHistory(w http.ResponseWriter, req *http.Request) error {
	return r.openHistory(w, req, signedInID(req))
}

func (r *Router) handleDoctorHistory(w http.ResponseWriter, req *http.Request) error {
	patientID := chi.URLParam(req, "patientId")
	if err := middleware.ValidateID("patient_id", patientID); err != nil {
		return err
	}
	return r.openHistory(w, req, patientID)
}

// openHistory always reloads so a revisit sees new scans.
func (r *Router) openHistory(w http.ResponseWriter, req *http.Request, patientID string) error {
	v, err := r.History.Open(req.Context(), patientID)
	if err != nil {
		return err
	}
	r.views.Set(middleware.SessionIDFromContext(req.Context()), v)

	recs := v.Records()
	if recs == nil {
		recs = []results.ScanRecord{}
	}
	return writeJSON(w, http.StatusOK, historyResponse{PatientID: patientID, Records: recs})
}

func (r *Router) handleCloseHistory(w http.ResponseWriter, req *http.Request) error {
	r.views.Close(middleware.SessionIDFromContext(req.Context()))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *Router) handlePatientAssets(w http.ResponseWriter, req *http.Request) error {
	return r.assets(w, req, signedInID(req))
}

func (r *Router) handleDoctorAssets(w http.ResponseWriter, req *http.Request) error {
	patientID := chi.URLParam(req, "patientId")
	if err := middleware.ValidateID("patient_id", patientID); err != nil {
		return err
	}
	return r.assets(w, req, patientID)
}

// assets resolves one scan's images through the session's view, opening one if the
// client has none for this patient yet.
func (r *Router) assets(w http.ResponseWriter, req *http.Request, patientID string) error {
	imageID := chi.URLParam(req, "imageId")
	if err := middleware.ValidateID("image_id", imageID); err != nil {
		return err
	}

	sid := middleware.SessionIDFromContext(req.Context())
	v, ok := r.views.Get(sid, patientID)
	if !ok {
		var err error
		if v, err = r.History.Open(req.Context(), patientID); err != nil {
			return err
		}
		r.views.Set(sid, v)
	}

	rec, ok := v.Record(imageID)
	if !ok {
		return errNotFound
	}
	a, err := v.Assets(req.Context(), imageID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, assetsResponse{Record: rec, Assets: a})
}

// signedInID is the identity id of the request; routes using it sit behind RequireRole.
func signedInID(req *http.Request) string {
	if id := middleware.CurrentSession(req.Context()).Identity; id != nil {
		return id.ID
	}
	return ""
}
