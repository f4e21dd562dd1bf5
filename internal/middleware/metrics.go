package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bryanwahyu/diagnovision/internal/domain/analysis"
	"github.com/bryanwahyu/diagnovision/internal/domain/results"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      uint64
	RequestsInProgress uint64
	RequestsSuccess    uint64
	RequestsFailed     uint64

	SessionsOpen   uint64
	SignInsFailed  uint64
	AnalysesTotal  uint64
	AnalysesFailed uint64

	PersistenceWarnings   uint64
	CategoryFetchFailures uint64
	AssetLookupFailures   uint64

	StartTime time.Time
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

// IncrementRequests increments total request counter
func IncrementRequests() {
	atomic.AddUint64(&globalMetrics.RequestsTotal, 1)
}

// IncrementInProgress increments in-progress request counter
func IncrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, 1)
}

// DecrementInProgress decrements in-progress request counter
func DecrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, ^uint64(0))
}

// IncrementSuccess increments successful request counter
func IncrementSuccess() {
	atomic.AddUint64(&globalMetrics.RequestsSuccess, 1)
}

// IncrementFailed increments failed request counter
func IncrementFailed() {
	atomic.AddUint64(&globalMetrics.RequestsFailed, 1)
}

func IncrementSessionsOpen() {
	atomic.AddUint64(&globalMetrics.SessionsOpen, 1)
}

func DecrementSessionsOpen() {
	atomic.AddUint64(&globalMetrics.SessionsOpen, ^uint64(0))
}

func IncrementSignInsFailed() {
	atomic.AddUint64(&globalMetrics.SignInsFailed, 1)
}

// Observer feeds service-level failures into the global counters.
// It satisfies history.Sink and analysis.Sink.
type Observer struct{}

func (Observer) CategoryFetchFailed(results.Category, string, error) {
	atomic.AddUint64(&globalMetrics.CategoryFetchFailures, 1)
}

func (Observer) AssetLookupFailed(string, error) {
	atomic.AddUint64(&globalMetrics.AssetLookupFailures, 1)
}

func (Observer) AnalysisFinished(err error) {
	atomic.AddUint64(&globalMetrics.AnalysesTotal, 1)
	if err != nil {
		atomic.AddUint64(&globalMetrics.AnalysesFailed, 1)
	}
}

func (Observer) PersistenceFailed(*analysis.PersistenceWarning) {
	atomic.AddUint64(&globalMetrics.PersistenceWarnings, 1)
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"requests_total":          atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_in_progress":    atomic.LoadUint64(&globalMetrics.RequestsInProgress),
		"requests_success":        atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":         atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"sessions_open":           atomic.LoadUint64(&globalMetrics.SessionsOpen),
		"signins_failed":          atomic.LoadUint64(&globalMetrics.SignInsFailed),
		"analyses_total":          atomic.LoadUint64(&globalMetrics.AnalysesTotal),
		"analyses_failed":         atomic.LoadUint64(&globalMetrics.AnalysesFailed),
		"persistence_warnings":    atomic.LoadUint64(&globalMetrics.PersistenceWarnings),
		"category_fetch_failures": atomic.LoadUint64(&globalMetrics.CategoryFetchFailures),
		"asset_lookup_failures":   atomic.LoadUint64(&globalMetrics.AssetLookupFailures),
		"uptime_seconds":          time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		IncrementRequests()
		IncrementInProgress()
		defer DecrementInProgress()

		wrapped := wrapWriter(w)
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			IncrementSuccess()
		} else {
			IncrementFailed()
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GetMetrics())
}
