package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	appsession "github.com/bryanwahyu/diagnovision/internal/application/session"
	"github.com/bryanwahyu/diagnovision/internal/domain/session"
	"github.com/bryanwahyu/diagnovision/internal/middleware"
)

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	Session   session.Session `json:"session"`
	Warning   string          `json:"warning,omitempty"`
}

// sessionFor reuses the request's client session or opens a new one.
func (r *Router) sessionFor(req *http.Request) (sid string, st *appsession.Store, opened bool) {
	if st, ok := middleware.StoreFromContext(req.Context()); ok {
		return middleware.SessionIDFromContext(req.Context()), st, false
	}
	sid, st = r.Sessions.Open()
	middleware.IncrementSessionsOpen()
	return sid, st, true
}

func (r *Router) handleSignUp(w http.ResponseWriter, req *http.Request) error {
	var body signUpRequest
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateEmail(body.Email); err != nil {
		return err
	}
	if err := middleware.ValidatePassword(body.Password); err != nil {
		return err
	}
	name := middleware.SanitizeString(body.DisplayName)
	if err := middleware.ValidateDisplayName(name); err != nil {
		return err
	}
	role, err := middleware.ValidateSignUpRole(body.Role)
	if err != nil {
		return err
	}

	sid, st, opened := r.sessionFor(req)
	id, err := st.SignUp(req.Context(), body.Email, body.Password, name, role)
	var incomplete *session.ProfileIncompleteError
	if err != nil && !errors.As(err, &incomplete) {
		if opened {
			r.Sessions.Close(sid)
		}
		return err
	}

	resp, err := r.issue(sid, id, st)
	if err != nil {
		return err
	}
	if incomplete != nil {
		resp.Warning = incomplete.Error()
	}
	r.log.Info("signed up", zap.String("identity_id", id.ID), zap.Stringer("role", role))
	return writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleSignIn(w http.ResponseWriter, req *http.Request) error {
	var body signInRequest
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateEmail(body.Email); err != nil {
		return err
	}

	sid, st, opened := r.sessionFor(req)
	id, err := st.SignIn(req.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) || errors.Is(err, session.ErrTooManyAttempts) {
			middleware.IncrementSignInsFailed()
		}
		if opened {
			r.Sessions.Close(sid)
		}
		return err
	}

	resp, err := r.issue(sid, id, st)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (r *Router) issue(sid string, id session.Identity, st *appsession.Store) (authResponse, error) {
	tok, exp, err := r.Tokens.Issue(sid, id.ID)
	if err != nil {
		return authResponse{}, fmt.Errorf("issue token: %w", err)
	}
	return authResponse{Token: tok, ExpiresAt: exp, Session: st.Current()}, nil
}

// handleSignOut ends the client session. Without one it is a no-op.
func (r *Router) handleSignOut(w http.ResponseWriter, req *http.Request) error {
	if st, ok := middleware.StoreFromContext(req.Context()); ok {
		if err := st.SignOut(req.Context()); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			return err
		}
		r.Sessions.Close(middleware.SessionIDFromContext(req.Context()))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) error {
	return writeJSON(w, http.StatusOK, middleware.CurrentSession(req.Context()))
}

// handleSessionEvents streams every session change as server-sent events until
// the client leaves or the session is closed.
func (r *Router) handleSessionEvents(w http.ResponseWriter, req *http.Request) error {
	st, ok := middleware.StoreFromContext(req.Context())
	if !ok {
		return errNoSession
	}

	rc := http.NewResponseController(w)
	// streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	sid := middleware.SessionIDFromContext(req.Context())
	updates, unsubscribe := st.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil
	}

	keepAlive := time.NewTicker(r.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-req.Context().Done():
			return nil
		case s, ok := <-updates:
			if !ok {
				_, _ = fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				_ = rc.Flush()
				return nil
			}
			data, err := json.Marshal(s)
			if err != nil {
				return nil
			}
			if _, err := fmt.Fprintf(w, "event: session\ndata: %s\n\n", data); err != nil {
				return nil
			}
			if err := rc.Flush(); err != nil {
				return nil
			}
			r.Sessions.Touch(sid)
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			if err := rc.Flush(); err != nil {
				return nil
			}
			// an open stream keeps its session from being swept as idle
			r.Sessions.Touch(sid)
		}
	}
}
