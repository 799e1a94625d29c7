package correlate

import "net/http"

// Middleware wraps next with request correlation: extraction, sampling,
// span start before the handler runs, exception capture for panics that
// escape the handler, and span stop after it returns. A panic is re-raised
// after capture so the host server's own error pipeline still runs.
func (c *Correlator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, scope := c.Start(r.Context(), r)
		rw := newResponseRecorder(w)

		defer func() {
			if rec := recover(); rec != nil {
				scope.RecordPanic(rec)
				scope.Stop(http.StatusInternalServerError, rw.Header())
				panic(rec)
			}
			scope.Stop(rw.StatusCode(), rw.Header())
		}()

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// responseRecorder captures the response status code.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.status = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status = http.StatusOK
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// StatusCode returns the recorded status, 200 when the handler never
// wrote one explicitly.
func (r *responseRecorder) StatusCode() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}
