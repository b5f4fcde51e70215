// internal/indexd/client.go
// Package indexd provides a client for the upstream indexd service.
// Untrusted JSON is validated here, at the boundary, before it is decoded
// into typed records for the mapper.
package indexd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	errordefs "github.com/dosproxy/dos-indexd-go/internal/errors"
	"github.com/dosproxy/dos-indexd-go/internal/metrics"
	"github.com/dosproxy/dos-indexd-go/internal/model"
	"github.com/dosproxy/dos-indexd-go/internal/telemetry"
)

// maxBodySize caps how much of an upstream response is read.
const maxBodySize = 10 << 20

// Client for interacting with the indexd service.
type Client struct {
	base    *url.URL     // Base URL of indexd; records live under /index/
	hc      *http.Client // HTTP client with bounded timeouts
	metrics *metrics.Metrics
	logger  *slog.Logger

	recordSchema *gojsonschema.Schema
	listSchema   *gojsonschema.Schema
}

// New creates a new indexd client with the specified base URL.
// Every request is bounded by timeout; a timed-out call is reported the same
// way as a non-success status.
func New(baseURL string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid indexd URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid indexd URL %q: scheme and host are required", baseURL)
	}

	recordSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid record schema: %w", err)
	}
	listSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(listSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid list schema: %w", err)
	}

	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
		MaxIdleConnsPerHost: 10,
	}

	return &Client{
		base:         base,
		hc:           &http.Client{Transport: transport, Timeout: timeout},
		metrics:      m,
		logger:       logger.With(slog.String("component", "indexd_client")),
		recordSchema: recordSchema,
		listSchema:   listSchema,
	}, nil
}

// GetRecord retrieves and validates the record for id.
// Returns a DOS_NOT_FOUND error carrying the upstream status and message when
// indexd does not answer with success, and DOS_MALFORMED_RECORD when the body
// lacks did, file_name or size.
func (c *Client) GetRecord(ctx context.Context, id string) (model.IndexRecord, error) {
	body, err := c.fetchRecord(ctx, "get_record", id)
	if err != nil {
		return model.IndexRecord{}, err
	}

	if err := validate(c.recordSchema, body); err != nil {
		return model.IndexRecord{}, errordefs.Wrap(errordefs.DOS_MALFORMED_RECORD,
			fmt.Sprintf("index record %s failed validation", id), err)
	}

	var rec model.IndexRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return model.IndexRecord{}, errordefs.Wrap(errordefs.DOS_MALFORMED_RECORD,
			fmt.Sprintf("index record %s could not be decoded", id), err)
	}
	rec.Raw = json.RawMessage(body)
	return rec, nil
}

// GetRawRecord retrieves the record for id and returns the body verbatim.
// Only JSON well-formedness is checked.
func (c *Client) GetRawRecord(ctx context.Context, id string) (json.RawMessage, error) {
	body, err := c.fetchRecord(ctx, "get_raw_record", id)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errordefs.New(errordefs.DOS_MALFORMED_RECORD,
			fmt.Sprintf("index record %s is not valid JSON", id), "")
	}
	return json.RawMessage(body), nil
}

// List queries the indexd collection endpoint. limit and start are sent only
// when set on q. Any non-success answer is reported as DOS_BAD_REQUEST with
// the upstream message embedded.
func (c *Client) List(ctx context.Context, q model.ListQuery) (model.IndexList, error) {
	u := c.base.JoinPath("index/")
	params := url.Values{}
	if q.Limit != nil {
		params.Set("limit", strconv.Itoa(*q.Limit))
	}
	if q.Start != nil {
		params.Set("start", *q.Start)
	}
	u.RawQuery = params.Encode()

	status, body, err := c.do(ctx, "list", u.String())
	if err != nil {
		return model.IndexList{}, errordefs.Wrap(errordefs.DOS_BAD_REQUEST,
			fmt.Sprintf("indexd list request failed: %v", err), err)
	}
	if status < 200 || status > 299 {
		e := errordefs.New(errordefs.DOS_BAD_REQUEST, upstreamMessage(status, body), "")
		e.UpstreamStatus = status
		return model.IndexList{}, e
	}

	if err := validate(c.listSchema, body); err != nil {
		return model.IndexList{}, errordefs.Wrap(errordefs.DOS_MALFORMED_RECORD,
			"index list failed validation", err)
	}

	var list model.IndexList
	if err := json.Unmarshal(body, &list); err != nil {
		return model.IndexList{}, errordefs.Wrap(errordefs.DOS_MALFORMED_RECORD,
			"index list could not be decoded", err)
	}
	return list, nil
}

// fetchRecord performs GET /index/{id} and maps every non-success outcome to
// DOS_NOT_FOUND.
func (c *Client) fetchRecord(ctx context.Context, op, id string) ([]byte, error) {
	u, err := c.recordURL(id)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.DOS_NOT_FOUND, err.Error(), err)
	}

	status, body, err := c.do(ctx, op, u)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.DOS_NOT_FOUND,
			fmt.Sprintf("indexd request failed: %v", err), err)
	}
	if status < 200 || status > 299 {
		e := errordefs.New(errordefs.DOS_NOT_FOUND, upstreamMessage(status, body), "")
		e.UpstreamStatus = status
		return nil, e
	}
	return body, nil
}

// recordURL builds {base}/index/{id}. Prefixed identifiers such as
// "dg.4503/<uuid>" keep their slash; dot segments are rejected so an
// identifier can never address another indexd endpoint.
func (c *Client) recordURL(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty data object id")
	}
	segments := strings.Split(id, "/")
	for i, s := range segments {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("invalid data object id %q", id)
		}
		segments[i] = url.PathEscape(s)
	}

	u := *c.base
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/index/" + strings.Join(segments, "/")
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return "", fmt.Errorf("invalid data object id %q: %w", id, err)
	}
	u.Path = unescaped
	return u.String(), nil
}

// do executes a GET and returns the status and a bounded body.
func (c *Client) do(ctx context.Context, op, target string) (int, []byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "indexd."+op)
	defer span.End()
	span.SetAttributes(attribute.String("http.url", target))

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream("indexd", op, "error", time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		c.logger.WarnContext(ctx, "indexd request failed",
			slog.String("operation", op),
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	c.metrics.ObserveUpstream("indexd", op, strconv.Itoa(resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, fmt.Errorf("reading indexd response: %w", err)
	}

	c.logger.DebugContext(ctx, "indexd request completed",
		slog.String("operation", op),
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)
	return resp.StatusCode, body, nil
}

// upstreamMessage extracts indexd's own error text. indexd answers errors as
// {"error": "..."}; some deployments use {"message": "..."}.
func upstreamMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 512 {
			text = text[:512]
		}
		return text
	}
	return fmt.Sprintf("indexd returned %d %s", status, http.StatusText(status))
}
