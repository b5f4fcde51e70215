// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the DOS proxy.
// It translates GA4GH DOS requests into indexd calls, maps the responses back
// into the DOS schema, and enriches single objects with a signed download URL.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dosproxy/dos-indexd-go/internal/config"
	"github.com/dosproxy/dos-indexd-go/internal/download"
	errordefs "github.com/dosproxy/dos-indexd-go/internal/errors"
	"github.com/dosproxy/dos-indexd-go/internal/indexd"
	"github.com/dosproxy/dos-indexd-go/internal/mapper"
	"github.com/dosproxy/dos-indexd-go/internal/metrics"
	"github.com/dosproxy/dos-indexd-go/internal/model"
	"github.com/dosproxy/dos-indexd-go/internal/swagger"
	"github.com/dosproxy/dos-indexd-go/internal/telemetry"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID stores the request correlation ID
	ContextKeyCorrelationID ContextKey = "correlationId"

	// maxListBodySize bounds the optional list request body
	maxListBodySize = 1 << 20

	welcomeMessage = "<h1>Welcome to the DOS lambda, send requests to /ga4gh/dos/v1/</h1>"
)

// Mux handles HTTP requests for the DOS proxy.
type Mux struct {
	mux      *http.ServeMux   // HTTP request multiplexer
	indexd   *indexd.Client   // Upstream index service
	download *download.Client // Signed URL service, optional
	swagger  *swagger.Source  // Swagger document source
	metrics  *metrics.Metrics // Metrics for monitoring
	logger   *slog.Logger

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS ("*" allows any)
}

// NewMux creates a new HTTP mux with all DOS endpoints.
// dl may be nil, in which case objects are never enriched with a signed URL.
func NewMux(cfg config.Config, idx *indexd.Client, dl *download.Client, sw *swagger.Source, logger *slog.Logger) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		indexd:             idx,
		download:           dl,
		swagger:            sw,
		metrics:            metrics.NewMetrics(),
		logger:             logger.With(slog.String("component", "server")),
		corsAllowedOrigins: cfg.CORSAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/{$}", m.withMiddleware("/", m.method(http.MethodGet, m.handleWelcome)))
	m.mux.HandleFunc("/swagger.json", m.withMiddleware("/swagger.json", m.method(http.MethodGet, m.handleSwagger)))

	// Register DOS endpoints
	m.route(http.MethodPost, "/ga4gh/dos/v1/dataobjects/list", m.handleListDataObjects)
	m.route(http.MethodGet, "/ga4gh/dos/v1/dataobjects/{data_object_id}", m.handleGetDataObject)
	m.route(http.MethodGet, "/ga4gh/dos/v1/dataobjects/{data_object_id}/versions", m.handleGetDataObjectVersions)

	return m.mux
}

// route registers h for pattern, restricted to method, with common middleware.
// The pattern doubles as the metrics route label.
func (m *Mux) route(method, pattern string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(pattern, m.method(method, h)))
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method+", OPTIONS")
			err := errordefs.New(errordefs.DOS_METHOD_NOT_ALLOWED,
				fmt.Sprintf("method %s not allowed", r.Method), correlationIDFrom(r.Context()))
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status and any error written,
// for request logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		rec.Header().Set("X-Correlation-Id", correlationID)

		allowed := m.setCORSHeaders(rec, r)

		if r.Method == http.MethodOptions {
			// Handle CORS preflight requests
			if allowed {
				rec.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				rec.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				rec.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			rec.WriteHeader(http.StatusOK)
		} else {
			h(rec, r)
		}

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		duration := time.Since(start)
		m.metrics.ObserveHTTP(r.Method, route, rec.status, duration)
		m.logRequest(r, rec.status, duration, correlationID, rec.err)
	}
}

// setCORSHeaders sets the allow-origin header when the request origin is
// permitted and reports whether it was.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			return true
		}
		if origin != "" && allowedOrigin == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			return true
		}
	}
	return false
}

// correlationIDFrom returns the correlation ID stored by withMiddleware.
func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// writeJSON writes a successful JSON response
func (m *Mux) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeRaw writes an already encoded JSON body unchanged
func (m *Mux) writeRaw(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	m.writeJSON(w, err.HTTPStatus, err)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	level := slog.LevelInfo
	msg := "request completed"
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		msg = "request completed with error"
		level = slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
	}
	m.logger.LogAttrs(r.Context(), level, msg, attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests.
// The proxy is ready when indexd answers a one-item list query.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	one := 1
	if _, err := m.indexd.List(ctx, model.ListQuery{Limit: &one}); err != nil {
		m.logger.WarnContext(ctx, "readiness check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWelcome handles GET /
func (m *Mux) handleWelcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, welcomeMessage)
}

// handleSwagger handles GET /swagger.json
func (m *Mux) handleSwagger(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSwagger")
	defer span.End()

	doc, err := m.swagger.Document(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "swagger document unavailable")
		m.writeErrorDef(w, errordefs.From(err).WithCorrelationID(correlationIDFrom(ctx)))
		return
	}
	m.writeRaw(w, http.StatusOK, doc)
}

// signedURLResult carries the outcome of a concurrent signed URL lookup.
type signedURLResult struct {
	url string
	ok  bool
}

// handleGetDataObject handles GET /ga4gh/dos/v1/dataobjects/{data_object_id}
func (m *Mux) handleGetDataObject(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetDataObject")
	defer span.End()

	id := r.PathValue("data_object_id")
	correlationID := correlationIDFrom(ctx)
	credential := r.Header.Get("Authorization")

	// Add request attributes to span
	span.SetAttributes(
		attribute.String("data_object_id", id),
		attribute.Bool("has_credential", credential != ""),
	)

	// The signed URL is requested alongside the record and only awaited once
	// the record has been mapped.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var signed chan signedURLResult
	if credential != "" && m.download.Enabled() {
		signed = make(chan signedURLResult, 1)
		go func() {
			u, ok := m.download.SignedURL(ctx, id, credential)
			signed <- signedURLResult{url: u, ok: ok}
		}()
	}

	rec, err := m.indexd.GetRecord(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "failed to get index record")
		m.writeErrorDef(w, m.recordError(id, err, correlationID))
		return
	}

	obj, err := mapper.RecordToDataObject(rec)
	if err != nil {
		span.SetStatus(codes.Error, "malformed index record")
		m.writeErrorDef(w, m.recordError(id, err, correlationID))
		return
	}

	if signed != nil {
		if res := <-signed; res.ok {
			obj = mapper.AppendSignedURL(obj, res.url)
		}
	}
	span.SetAttributes(attribute.Int("url_count", len(obj.URLs)))

	m.writeJSON(w, http.StatusOK, model.GetDataObjectResponse{DataObject: obj})
}

// handleGetDataObjectVersions handles GET /ga4gh/dos/v1/dataobjects/{data_object_id}/versions.
// The upstream record is returned verbatim.
func (m *Mux) handleGetDataObjectVersions(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetDataObjectVersions")
	defer span.End()

	id := r.PathValue("data_object_id")
	span.SetAttributes(attribute.String("data_object_id", id))

	raw, err := m.indexd.GetRawRecord(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "failed to get index record")
		m.writeErrorDef(w, m.recordError(id, err, correlationIDFrom(ctx)))
		return
	}
	m.writeRaw(w, http.StatusOK, raw)
}

// handleListDataObjects handles POST /ga4gh/dos/v1/dataobjects/list.
// An absent or empty body lists with no paging parameters at all.
func (m *Mux) handleListDataObjects(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleListDataObjects")
	defer span.End()
	defer r.Body.Close()

	correlationID := correlationIDFrom(ctx)

	req, err := decodeListRequest(r.Body)
	if err != nil {
		span.SetStatus(codes.Error, "invalid list request")
		m.writeErrorDef(w, errordefs.New(errordefs.DOS_VALIDATION, err.Error(), correlationID))
		return
	}

	// Add request attributes to span
	span.SetAttributes(
		attribute.Bool("has_page_size", req.PageSize != nil),
		attribute.Bool("has_page_token", req.PageToken != nil),
	)

	list, err := m.indexd.List(ctx, mapper.ListRequestToQuery(req))
	if err != nil {
		span.SetStatus(codes.Error, "failed to list index records")
		e := errordefs.From(err)
		if e.Code == errordefs.DOS_BAD_REQUEST {
			e = errordefs.New(errordefs.DOS_BAD_REQUEST, "The request was malformed "+e.Message, "")
		}
		m.writeErrorDef(w, e.WithCorrelationID(correlationID))
		return
	}

	resp := mapper.ListToListResponse(list)
	span.SetAttributes(attribute.Int("result_count", len(resp.DataObjects)))
	m.writeJSON(w, http.StatusOK, resp)
}

// decodeListRequest parses the optional list body. page_size must be positive
// when given.
func decodeListRequest(body io.Reader) (model.ListRequest, error) {
	var req model.ListRequest

	data, err := io.ReadAll(io.LimitReader(body, maxListBodySize+1))
	if err != nil {
		return req, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) > maxListBodySize {
		return req, fmt.Errorf("request body too large")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return req, nil
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.PageSize != nil && *req.PageSize <= 0 {
		return req, fmt.Errorf("page_size must be a positive integer")
	}
	return req, nil
}

// recordError converts a record lookup failure into the response error.
// Not-found errors carry the requested identifier and the upstream message.
func (m *Mux) recordError(id string, err error, correlationID string) *errordefs.Error {
	e := errordefs.From(err)
	if e.Code != errordefs.DOS_NOT_FOUND {
		return e.WithCorrelationID(correlationID)
	}
	msg := fmt.Sprintf("Data Object with data_object_id %s was not found. %s", id, e.Message)
	return errordefs.New(errordefs.DOS_NOT_FOUND, strings.TrimSpace(msg), correlationID)
}
