package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/errors"
	"github.com/vinayprograms/presencekit/heartbeat"
	"github.com/vinayprograms/presencekit/logging"
	"github.com/vinayprograms/presencekit/presence"
	"github.com/vinayprograms/presencekit/telemetry"
)

// maxHeartbeatBody bounds POST /api/devices/{id}/heartbeat bodies.
const maxHeartbeatBody = 64 * 1024

// StatusReader answers status queries without side effects.
// *dispatch.Dispatcher satisfies it.
type StatusReader interface {
	State(ctx context.Context, deviceID string) (*presence.Snapshot, error)
	Devices(ctx context.Context) ([]string, error)
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	// Reader answers status queries. Required.
	Reader StatusReader

	// Bus receives heartbeats posted over HTTP. Required.
	Bus bus.MessageBus

	// RequestTimeout bounds status queries. Default: 5s
	RequestTimeout time.Duration

	// Now stamps HTTP heartbeats. Default: time.Now
	Now func() time.Time

	// Logger for request failures. Default: discard.
	Logger *logging.Logger

	// Tracer for server spans. Default: global tracer.
	Tracer *telemetry.Tracer
}

// API serves the presence HTTP endpoints:
//
//	GET  /api/devices                 known device ids
//	GET  /api/devices/{id}            device snapshot, 404 if never seen
//	POST /api/devices/{id}/heartbeat  publish a heartbeat for id
//	GET  /api/health                  liveness
type API struct {
	config APIConfig
}

// NewAPI creates the HTTP API.
func NewAPI(cfg APIConfig) *API {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &API{config: cfg}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/devices", a.traced("GET /api/devices", a.handleList))
	mux.Handle("GET /api/devices/{id}", a.traced("GET /api/devices/{id}", a.handleState))
	mux.Handle("POST /api/devices/{id}/heartbeat", a.traced("POST /api/devices/{id}/heartbeat", a.handleHeartbeat))
	mux.HandleFunc("GET /api/health", a.handleHealth)
}

// Handler returns the API as a standalone handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := heartbeat.ValidateDeviceID(id); err != nil {
		a.writeError(w, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid device id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.config.RequestTimeout)
	defer cancel()

	snap, err := a.config.Reader.State(ctx, id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.config.RequestTimeout)
	defer cancel()

	ids, err := a.config.Reader.Devices(ctx)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": ids,
		"count":   len(ids),
	})
}

// heartbeatRequest is the optional body of an HTTP heartbeat.
type heartbeatRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := heartbeat.ValidateDeviceID(id); err != nil {
		a.writeError(w, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid device id"))
		return
	}

	var req heartbeatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHeartbeatBody))
	if err != nil {
		a.writeError(w, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "read body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			a.writeError(w, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode body"))
			return
		}
	}

	hb := heartbeat.Heartbeat{
		DeviceID:  id,
		Timestamp: a.config.Now().UTC(),
		Metadata:  req.Metadata,
	}
	carrier := propagation.MapCarrier{}
	telemetry.InjectContext(r.Context(), carrier)
	if len(carrier) > 0 {
		hb.Trace = carrier
	}
	data, err := hb.Marshal()
	if err != nil {
		a.writeError(w, errors.Internal("encode heartbeat", errors.WithCause(err)))
		return
	}
	if err := a.config.Bus.Publish(bus.SubjectHeartbeat, data); err != nil {
		a.writeError(w, errors.Unavailable("publish heartbeat", errors.WithCause(err), errors.WithDeviceID(id)))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"deviceId": id,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError writes err as a JSON error body with a status derived from
// its code. Errors without a code are reported as internal.
func (a *API) writeError(w http.ResponseWriter, err error) {
	pe := errors.AsPresenceError(err)
	if pe == nil {
		pe = errors.Internal("request failed", errors.WithCause(err))
	}
	status := httpStatus(pe.Code())
	if status >= http.StatusInternalServerError {
		a.config.Logger.Error("request failed", map[string]interface{}{
			"code":      string(pe.Code()),
			"device_id": pe.DeviceID(),
			"error":     err.Error(),
		})
	}
	writeJSON(w, status, pe)
}

// httpStatus maps an error code to an HTTP status.
func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput, errors.ErrCodeUnsupported:
		return http.StatusBadRequest
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeCanceled:
		return http.StatusRequestTimeout
	case errors.ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response status for spans.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) traced(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := a.config.Tracer.StartServerSpan(r.Context(), route, propagation.HeaderCarrier(r.Header))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		var err error
		if rec.status >= http.StatusInternalServerError {
			err = errors.New(errors.ErrCodeInternal, http.StatusText(rec.status))
		}
		telemetry.EndSpan(span, err,
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", rec.status),
		)
	})
}
