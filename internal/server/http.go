package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/middleware"
	"github.com/matt-riley/expz/internal/service"
	"github.com/matt-riley/expz/internal/transport"
)

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	errUnauthenticated  = errors.New("no authenticated deployment")
)

type HTTPServer struct {
	service Service
	opts    options
}

type vardataRequest struct {
	User     json.RawMessage `json:"user"`
	FlagKeys []string        `json:"flag_keys,omitempty"`
}

// NewHTTPHandler routes the SDK API:
//
//	GET  /sdk/v2/flags           flag configs, optionally narrowed by X-Expz-Flag-Keys
//	GET  /sdk/v2/vardata         variants for the user in X-Expz-User
//	POST /sdk/v2/vardata         variants for {user, flag_keys}
//	GET  /sdk/stream/v1/vardata  SSE variants stream
//	GET  /sdk/stream/v1/flags    SSE flag config stream
func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{service: svc, opts: newOptions(opts)}

	api := http.NewServeMux()
	server.route(api, "GET "+transport.PathFlags, server.handleFlags)
	server.route(api, "GET "+transport.PathVariants, server.handleVariantsFromHeaders)
	server.route(api, "POST "+transport.PathVariants, server.handleVariantsFromBody)
	server.route(api, "GET "+transport.PathStreamVariants, server.handleStreamVariants)
	server.route(api, "GET "+transport.PathStreamFlags, server.handleStreamFlags)

	var protected http.Handler = api
	if server.opts.auth != nil {
		protected = server.opts.auth(api)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", handleHealthz)
	if m := server.opts.metrics; m != nil {
		root.Handle("GET /metrics", m.Handler())
	}
	root.Handle("/", protected)
	return root
}

func (s *HTTPServer) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	if m := s.opts.metrics; m != nil {
		_, route, _ := strings.Cut(pattern, " ")
		mux.Handle(pattern, m.Instrument(route, handler))
		return
	}
	mux.HandleFunc(pattern, handler)
}

func (s *HTTPServer) handleFlags(w http.ResponseWriter, r *http.Request) {
	deploymentID, keys, err := s.flagsRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	payload, err := s.flagsPayload(r.Context(), deploymentID, keys)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleVariantsFromHeaders(w http.ResponseWriter, r *http.Request) {
	deploymentID, user, keys, err := s.variantsRequestFromHeaders(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeVariants(w, r, deploymentID, user, keys)
}

func (s *HTTPServer) handleVariantsFromBody(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := middleware.DeploymentIDFromContext(r.Context())
	if !ok {
		writeServiceError(w, errUnauthenticated)
		return
	}

	var request vardataRequest
	if err := decodeJSONBody(w, r, &request, s.opts.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	user, err := service.DecodeUser(request.User)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	keys, err := service.NormalizeFlagKeys(request.FlagKeys)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.writeVariants(w, r, deploymentID, user, keys)
}

func (s *HTTPServer) writeVariants(w http.ResponseWriter, r *http.Request, deploymentID string, user core.User, keys []string) {
	payload, err := s.variantsPayload(r.Context(), deploymentID, user, keys)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleStreamVariants(w http.ResponseWriter, r *http.Request) {
	deploymentID, user, keys, err := s.variantsRequestFromHeaders(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.serveStream(w, r, transport.EventVariants, func(ctx context.Context) ([]byte, error) {
		return s.variantsPayload(ctx, deploymentID, user, keys)
	})
}

func (s *HTTPServer) handleStreamFlags(w http.ResponseWriter, r *http.Request) {
	deploymentID, keys, err := s.flagsRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.serveStream(w, r, transport.EventFlags, func(ctx context.Context) ([]byte, error) {
		return s.flagsPayload(ctx, deploymentID, keys)
	})
}

// serveStream sends the current payload as eventName, then again whenever it
// changes, with keepalive events while it does not.
func (s *HTTPServer) serveStream(w http.ResponseWriter, r *http.Request, eventName string, load func(context.Context) ([]byte, error)) {
	ctx := r.Context()
	initial, err := load(ctx)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		middleware.LoggerFromContext(ctx).Error("streaming unsupported", "error", err)
		return
	}

	if m := s.opts.metrics; m != nil {
		m.ActiveStreams.WithLabelValues("sse").Inc()
		defer m.ActiveStreams.WithLabelValues("sse").Dec()
	}

	var eventID int64
	send := func(name string, payload []byte) error {
		eventID++
		if err := writeSSEEvent(w, eventID, name, payload); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil {
			return writeError{err}
		}
		return nil
	}

	if err := send(eventName, initial); err != nil {
		return
	}

	watcher := changeWatcher{pollInterval: s.opts.pollInterval, keepaliveInterval: s.opts.keepaliveInterval}
	err = watcher.watch(ctx, initial, load,
		func(payload []byte) error { return send(eventName, payload) },
		func() error { return send(transport.EventKeepalive, []byte(`{}`)) },
	)
	if err != nil && ctx.Err() == nil && !isWriteError(err) {
		middleware.LoggerFromContext(ctx).Warn("stream closed on error", "error", err)
		writeSSEError(w, rc, serviceErrorMessage(err))
	}
}

func (s *HTTPServer) flagsRequest(r *http.Request) (string, []string, error) {
	deploymentID, ok := middleware.DeploymentIDFromContext(r.Context())
	if !ok {
		return "", nil, errUnauthenticated
	}
	keys, err := flagKeysFromHeader(r.Header.Get(transport.HeaderFlagKeys))
	if err != nil {
		return "", nil, err
	}
	return deploymentID, keys, nil
}

func (s *HTTPServer) variantsRequestFromHeaders(r *http.Request) (string, core.User, []string, error) {
	deploymentID, keys, err := s.flagsRequest(r)
	if err != nil {
		return "", core.User{}, nil, err
	}
	user, err := userFromHeader(r.Header.Get(transport.HeaderUser))
	if err != nil {
		return "", core.User{}, nil, err
	}
	return deploymentID, user, keys, nil
}

func (s *HTTPServer) flagsPayload(ctx context.Context, deploymentID string, keys []string) ([]byte, error) {
	flags, err := s.service.Flags(ctx, deploymentID, keys...)
	if err != nil {
		return nil, err
	}
	return encodeFlags(flags)
}

func (s *HTTPServer) variantsPayload(ctx context.Context, deploymentID string, user core.User, keys []string) ([]byte, error) {
	variants, err := s.service.Evaluate(ctx, deploymentID, user, keys)
	if err != nil {
		return nil, err
	}
	return encodeVariants(variants)
}

func encodeFlags(flags []core.FlagConfig) ([]byte, error) {
	if flags == nil {
		flags = []core.FlagConfig{}
	}
	payload, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("encode flags: %w", err)
	}
	return payload, nil
}

func encodeVariants(variants map[string]core.Variant) ([]byte, error) {
	if variants == nil {
		variants = map[string]core.Variant{}
	}
	payload, err := json.Marshal(variants)
	if err != nil {
		return nil, fmt.Errorf("encode variants: %w", err)
	}
	return payload, nil
}

func userFromHeader(value string) (core.User, error) {
	if strings.TrimSpace(value) == "" {
		return core.User{}, nil
	}
	var raw json.RawMessage
	if err := transport.DecodeHeaderJSON(value, &raw); err != nil {
		return core.User{}, fmt.Errorf("%w: %v", service.ErrInvalidUser, err)
	}
	return service.DecodeUser(raw)
}

func flagKeysFromHeader(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var keys []string
	if err := transport.DecodeHeaderJSON(value, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidFlagKeys, err)
	}
	return service.NormalizeFlagKeys(keys)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidUser), errors.Is(err, service.ErrInvalidFlagKeys):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, errUnauthenticated), errors.Is(err, service.ErrDeploymentRequired):
		writeJSONError(w, http.StatusUnauthorized, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidUser):
		return "invalid user"
	case errors.Is(err, service.ErrInvalidFlagKeys):
		return "invalid flag keys"
	case errors.Is(err, errUnauthenticated), errors.Is(err, service.ErrDeploymentRequired):
		return "unauthorized"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return "internal server error"
	}
}

// writeError marks failures writing to the client, which end a stream
// silently.
type writeError struct{ err error }

func (e writeError) Error() string { return e.err.Error() }
func (e writeError) Unwrap() error { return e.err }

func isWriteError(err error) bool {
	var we writeError
	return errors.As(err, &we)
}

func writeSSEError(w http.ResponseWriter, rc *http.ResponseController, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", transport.EventError, payload)
	_ = rc.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return writeError{err}
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return writeError{err}
		}
	}

	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return writeError{err}
	}
	return nil
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n"))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
