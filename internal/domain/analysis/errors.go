package analysis

import (
	"fmt"
	"net/http"
)

// ValidationError is a missing or malformed input, caught before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// BackendUnavailableError means the health probe failed; Hint tells the user what to do.
type BackendUnavailableError struct {
	Hint string
	Err  error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("analysis backend unavailable: %v", e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// AnalysisError is a non-success answer from the inference endpoint.
type AnalysisError struct {
	StatusCode int
	Detail     string
}

func (e *AnalysisError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis failed: HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return "analysis failed"
}

// PersistenceWarning is a non-fatal storage failure after a successful analysis.
type PersistenceWarning struct {
	Target  string `json:"target"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (w *PersistenceWarning) Error() string {
	return fmt.Sprintf("store %s: %s", w.Target, w.Message)
}

func (w *PersistenceWarning) Unwrap() error { return w.Err }

// NewPersistenceWarning wraps err for target.
func NewPersistenceWarning(target string, err error) *PersistenceWarning {
	return &PersistenceWarning{Target: target, Message: err.Error(), Err: err}
}
