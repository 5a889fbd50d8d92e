package metrics

import (
	"net/http"
	"time"
)

// InstrumentHandler wraps handlers so each request is counted and timed
// under route. Route must be a fixed label, never a raw request path, since
// paths carry payer addresses and round IDs.
func InstrumentHandler(m *Metrics, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.RecordHTTPRequest(route, r.Method, rec.status, time.Since(start).Seconds())
		})
	}
}

// statusRecorder keeps the first status written. It passes Flush through so
// event streams still work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
