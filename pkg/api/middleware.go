package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metrics"
)

// responseRecorder captures status, byte count, and time-to-first-byte.
// finished flips once the handler has returned; the throttle reaper
// reads it from another goroutine. committed only marks the first
// response byte and must not be used as a reap signal, since a handler
// may stream long past its first write.
type responseRecorder struct {
	http.ResponseWriter

	status    int
	bytes     int64
	start     time.Time
	firstByte time.Time
	committed atomic.Bool
	finished  atomic.Bool
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.committed.CompareAndSwap(false, true) {
		rr.status = status
		rr.firstByte = time.Now()
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.committed.CompareAndSwap(false, true) {
		rr.status = http.StatusOK
		rr.firstByte = time.Now()
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) ttfb() time.Duration {
	if rr.firstByte.IsZero() {
		return 0
	}
	return rr.firstByte.Sub(rr.start)
}

// requestLogger wraps every request in a recorder, logs start and
// completion, and feeds the request metrics.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK, start: time.Now()}
		requestID := middleware.GetReqID(r.Context())
		operation := operationFor(r)

		logger.Debug("request started",
			logger.KeyRequestID, requestID,
			logger.KeyOperation, operation,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyRemoteIP, r.RemoteAddr,
		)

		next.ServeHTTP(rr, r)
		rr.finished.Store(true)

		duration := time.Since(rr.start)
		metrics.ObserveRequest(h.ops, operation, r.Method, rr.status, rr.ttfb(), duration)

		logger.Info("request completed",
			logger.KeyRequestID, requestID,
			logger.KeyOperation, operation,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, rr.status,
			logger.KeyBytesOut, rr.bytes,
			logger.KeyDurationMS, duration.Milliseconds(),
		)
	})
}

// admission gates the request on the throttle. The slot's probe
// reports whether the handler has returned, so the reaper never
// touches a request that is still streaming its response.
func (h *Handler) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.thr == nil {
			next.ServeHTTP(w, r)
			return
		}

		finished := func() bool { return false }
		if rr, ok := w.(*responseRecorder); ok {
			finished = rr.finished.Load
		}

		slot, err := h.thr.Enter(r.Context(), middleware.GetReqID(r.Context()), finished)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer slot.Release()

		next.ServeHTTP(w, r)
	})
}

// writeError renders the error taxonomy as the client-visible JSON
// body. Anything that is not an APIError is an internal fault.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	api := errors.Translate(err)

	if api.StatusCode >= http.StatusInternalServerError {
		logger.Error("request failed",
			logger.KeyRequestID, middleware.GetReqID(r.Context()),
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, api.StatusCode,
			logger.KeyError, err,
		)
	}

	writeJSONError(w, api)
}
