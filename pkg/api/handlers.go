package api

import (
	"mime"
	"net/http"
	"time"

	"github.com/shoalstore/shoal/pkg/dataplane"
	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metrics"
	"github.com/shoalstore/shoal/pkg/picker"
	"github.com/shoalstore/shoal/pkg/throttle"
	"github.com/shoalstore/shoal/pkg/types"
)

// CallerResolver produces the authenticated caller for a request.
// Authentication itself is an external collaborator; the default
// resolver trusts the identity headers a fronting auth layer injects.
type CallerResolver func(r *http.Request) (*types.Caller, error)

// DefaultCallerResolver reads X-Shoal-Account (falling back to the
// account segment of the path) and X-Shoal-Operator.
func DefaultCallerResolver(r *http.Request) (*types.Caller, error) {
	account := r.Header.Get("X-Shoal-Account")
	if account == "" {
		if key, err := types.NormalizePath(r.URL.Path); err == nil {
			account = types.AccountOf(key)
		}
	}
	if account == "" {
		return nil, errors.NewUnauthorized()
	}
	return &types.Caller{
		Account:  account,
		Operator: r.Header.Get("X-Shoal-Operator") == "true",
	}, nil
}

// Handler carries the request-path dependencies.
type Handler struct {
	core     *dataplane.Core
	pick     *picker.Picker
	thr      *throttle.Throttle
	ops      metrics.OpsMetrics
	resolver CallerResolver

	maxRequestAge time.Duration
}

// NewHandler builds a Handler. thr may be nil (no admission control),
// ops may be nil (no metrics), resolver nil means DefaultCallerResolver.
func NewHandler(core *dataplane.Core, pick *picker.Picker, thr *throttle.Throttle, ops metrics.OpsMetrics, resolver CallerResolver, maxRequestAge time.Duration) *Handler {
	if resolver == nil {
		resolver = DefaultCallerResolver
	}
	return &Handler{
		core:          core,
		pick:          pick,
		thr:           thr,
		ops:           ops,
		resolver:      resolver,
		maxRequestAge: maxRequestAge,
	}
}

// Entry serves the object namespace: every method on /{account}/...
func (h *Handler) Entry(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		// Preflight is answered by the CORS layer in front; a bare 200
		// keeps simple clients alive.
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.checkRequestAge(r); err != nil {
		writeError(w, r, err)
		return
	}

	key, err := types.NormalizePath(r.URL.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !types.IsRootPath(key) && !types.IsStoragePath(key) {
		writeError(w, r, errors.NewInvalidPath(r.URL.Path))
		return
	}

	caller, err := h.resolver(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch r.Method {
	case http.MethodPut:
		err = h.core.PutEntry(w, r, caller, key)
	case http.MethodGet:
		err = h.core.GetEntry(w, r, caller, key, false)
	case http.MethodHead:
		err = h.core.GetEntry(w, r, caller, key, true)
	case http.MethodDelete:
		err = h.core.DeleteEntry(w, r, caller, key)
	default:
		err = errors.NewMethodNotAllowed(r.Method)
	}
	if err != nil {
		writeError(w, r, err)
	}
}

// Ping is the dependency-gated health probe: 200 only when both the
// metadata index and the placement selector can serve.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	indexReady := h.core.Envelope().Index().Ready(r.Context()) == nil
	pickerReady := h.pick.IsReady()

	status := http.StatusOK
	if !indexReady || !pickerReady {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"index":  indexReady,
		"picker": pickerReady,
	})
}

// checkRequestAge rejects requests whose Date header is further in the
// past than the configured skew.
func (h *Handler) checkRequestAge(r *http.Request) error {
	if h.maxRequestAge <= 0 {
		return nil
	}
	raw := r.Header.Get("Date")
	if raw == "" {
		return nil
	}
	sent, err := http.ParseTime(raw)
	if err != nil {
		return errors.NewBadRequest("invalid Date header %q", raw)
	}
	if age := time.Since(sent); age > h.maxRequestAge {
		return errors.NewRequestExpired(int64(age.Seconds()), int64(h.maxRequestAge.Seconds()))
	}
	return nil
}

// operationFor names the request for metrics and logs.
func operationFor(r *http.Request) string {
	switch r.Method {
	case http.MethodPut:
		mediatype, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediatype == "application/json" || mediatype == "application/x-json-stream" {
			switch params["type"] {
			case "directory":
				return "mkdir"
			case "link":
				return "putlink"
			}
		}
		return "putobject"
	case http.MethodGet:
		return "getentry"
	case http.MethodHead:
		return "headentry"
	case http.MethodDelete:
		return "delete"
	case http.MethodOptions:
		return "options"
	default:
		return "unknown"
	}
}
