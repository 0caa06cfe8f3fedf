package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/metrics"
	"github.com/matt-riley/bucketz/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service          Service
	metrics          *metrics.Metrics
	maxJSONBodyBytes int64
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// 1 MiB default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetrics records request metrics and serves them on GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

type evaluateJSONRequest struct {
	Environment string          `json:"environment"`
	Feature     string          `json:"feature"`
	Attributes  core.Attributes `json:"attributes,omitempty"`
	Draft       bool            `json:"draft,omitempty"`
	Trace       bool            `json:"trace,omitempty"`
}

type evaluateAllJSONRequest struct {
	Environment string          `json:"environment"`
	Attributes  core.Attributes `json:"attributes,omitempty"`
	Draft       bool            `json:"draft,omitempty"`
	Trace       bool            `json:"trace,omitempty"`
}

type evaluateExperimentJSONRequest struct {
	Experiment string          `json:"experiment"`
	Attributes core.Attributes `json:"attributes,omitempty"`
	Trace      bool            `json:"trace,omitempty"`
}

type evaluateAllJSONResponse struct {
	Results map[string]core.Result `json:"results"`
}

type listFeaturesJSONResponse struct {
	Environment string                   `json:"environment"`
	Draft       bool                     `json:"draft"`
	Features    []service.FeatureSummary `json:"features"`
}

func (r evaluateJSONRequest) toService() service.EvaluateRequest {
	return service.EvaluateRequest{
		Environment: r.Environment,
		Feature:     r.Feature,
		Attributes:  r.Attributes,
		Draft:       r.Draft,
		Trace:       r.Trace,
	}
}

func (r evaluateAllJSONRequest) toService() service.EvaluateAllRequest {
	return service.EvaluateAllRequest{
		Environment: r.Environment,
		Attributes:  r.Attributes,
		Draft:       r.Draft,
		Trace:       r.Trace,
	}
}

// NewHTTPHandler serves the evaluation API. Authentication is applied by the
// caller around the /v1/ routes.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluate/all", server.handleEvaluateAll)
	mux.HandleFunc("POST /v1/evaluate/experiment", server.handleEvaluateExperiment)
	mux.HandleFunc("GET /v1/features", server.handleListFeatures)
	mux.HandleFunc("GET /v1/snapshot", server.handleSnapshot)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		// ServeMux records the matched pattern on the request.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := s.service.Evaluate(r.Context(), request.toService())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	var request evaluateAllJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	results, err := s.service.EvaluateAll(r.Context(), request.toService())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateAllJSONResponse{Results: results})
}

func (s *HTTPServer) handleEvaluateExperiment(w http.ResponseWriter, r *http.Request) {
	var request evaluateExperimentJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := s.service.EvaluateExperiment(r.Context(), service.ExperimentRequest{
		Experiment: request.Experiment,
		Attributes: request.Attributes,
		Trace:      request.Trace,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	environment := strings.TrimSpace(query.Get("environment"))

	draft, err := parseDraftParam(query.Get("draft"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid draft parameter")
		return
	}

	features, err := s.service.ListFeatures(r.Context(), environment, draft)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listFeaturesJSONResponse{
		Environment: environment,
		Draft:       draft,
		Features:    features,
	})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Info())
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"revision": s.service.Info().Revision,
	})
}

func parseDraftParam(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownEnvironment):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return "invalid request"
	case errors.Is(err, service.ErrUnknownEnvironment):
		return "unknown environment"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
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

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	return decodeJSON(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes), dst)
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(body io.Reader, dst any) error {
	decoder := json.NewDecoder(body)
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
