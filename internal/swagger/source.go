// Package swagger serves the DOS API description.
// The document is fetched from an external source on every request, decoded
// from YAML or JSON, and re-encoded as JSON with basePath pointing at this
// deployment.
package swagger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	errordefs "github.com/dosproxy/dos-indexd-go/internal/errors"
	"github.com/dosproxy/dos-indexd-go/internal/metrics"
	"github.com/dosproxy/dos-indexd-go/internal/telemetry"
)

// maxDocumentSize caps how much of the source document is read.
const maxDocumentSize = 5 << 20

// Source retrieves the swagger document from its upstream location.
type Source struct {
	url      string
	basePath string
	hc       *http.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewSource creates a Source for the document at url. basePath replaces the
// document's own basePath.
func NewSource(url, basePath string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Source {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
	}
	return &Source{
		url:      url,
		basePath: basePath,
		hc:       &http.Client{Transport: transport, Timeout: timeout},
		metrics:  m,
		logger:   logger.With(slog.String("component", "swagger_source")),
	}
}

// Document fetches and rewrites the swagger document.
// Every failure is reported as DOS_UPSTREAM.
func (s *Source) Document(ctx context.Context) (json.RawMessage, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "swagger.document")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", s.url))

	data, err := s.fetch(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.WarnContext(ctx, "swagger source unavailable",
			slog.String("url", s.url),
			slog.String("error", err.Error()),
		)
		return nil, errordefs.Wrap(errordefs.DOS_UPSTREAM, "swagger document unavailable", err)
	}

	doc, err := Rewrite(data, s.basePath)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errordefs.Wrap(errordefs.DOS_UPSTREAM, "swagger document could not be decoded", err)
	}
	return doc, nil
}

// fetch downloads the raw document.
func (s *Source) fetch(ctx context.Context) ([]byte, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		s.metrics.ObserveUpstream("swagger", "document", "error", time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()
	s.metrics.ObserveUpstream("swagger", "document", strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch swagger document: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
}

// Rewrite decodes a YAML or JSON swagger document, sets its basePath and
// returns it as JSON.
func Rewrite(data []byte, basePath string) (json.RawMessage, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding swagger document: %w", err)
	}
	doc, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("swagger document is not an object")
	}
	doc["basePath"] = basePath

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding swagger document: %w", err)
	}
	return out, nil
}

// normalize converts YAML mappings with non-string keys (such as response
// codes) into string-keyed maps that encoding/json accepts.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
