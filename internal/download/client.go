// Package download provides a client for the signed URL service.
// Signed URLs are an optional enrichment of a DataObject: every failure is
// absorbed here, logged and counted, and reported to the caller only as an
// absent result.
package download

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

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dosproxy/dos-indexd-go/internal/metrics"
	"github.com/dosproxy/dos-indexd-go/internal/model"
	"github.com/dosproxy/dos-indexd-go/internal/telemetry"
)

// Failure reasons used as the metrics label.
const (
	reasonRequest   = "request"
	reasonTransport = "transport"
	reasonStatus    = "status"
	reasonDecode    = "decode"
	reasonEmpty     = "empty"
)

// Client for interacting with the signed URL service.
type Client struct {
	base    string       // Base URL; signed URLs are served at {base}/{id}
	hc      *http.Client // HTTP client with bounded timeouts
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a new download client. An empty baseURL yields a client whose
// SignedURL always reports absence without making a request.
func New(baseURL string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Transport: transport, Timeout: timeout},
		metrics: m,
		logger:  logger.With(slog.String("component", "download_client")),
	}
}

// Enabled reports whether a signed URL service is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.base != ""
}

// SignedURL asks the signing service for a direct download URL for id,
// forwarding credential as the Authorization header unmodified.
// The boolean is false whenever no URL could be obtained.
func (c *Client) SignedURL(ctx context.Context, id, credential string) (string, bool) {
	if !c.Enabled() || credential == "" {
		return "", false
	}

	ctx, span := telemetry.Tracer().Start(ctx, "download.signed_url")
	defer span.End()
	span.SetAttributes(attribute.String("data_object_id", id))

	signed, reason, err := c.fetch(ctx, id, credential)
	if err != nil && ctx.Err() != nil {
		// Caller gave up on the enrichment; nothing to report.
		return "", false
	}
	if err != nil {
		span.SetStatus(codes.Error, reason)
		c.metrics.EnrichmentFailed(reason)
		attrs := []any{
			slog.String("data_object_id", id),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		}
		if sub := CredentialSubject(credential); sub != "" {
			attrs = append(attrs, slog.String("subject", sub))
		}
		c.logger.WarnContext(ctx, "signed url unavailable", attrs...)
		return "", false
	}
	return signed, true
}

// fetch performs the request and classifies failures for metrics.
func (c *Client) fetch(ctx context.Context, id, credential string) (string, string, error) {
	start := time.Now()
	escaped, err := escapeID(id)
	if err != nil {
		return "", reasonRequest, err
	}
	target := c.base + "/" + escaped

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return "", reasonRequest, err
	}
	req.Header.Set("Authorization", credential)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream("download", "signed_url", "error", time.Since(start))
		return "", reasonTransport, err
	}
	defer resp.Body.Close()
	c.metrics.ObserveUpstream("download", "signed_url", strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", reasonStatus, fmt.Errorf("download service returned %s", resp.Status)
	}

	var payload model.SignedURLResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", reasonDecode, fmt.Errorf("decoding download response: %w", err)
	}
	if payload.URL == "" {
		return "", reasonEmpty, fmt.Errorf("download response has no url")
	}
	return payload.URL, "", nil
}

// CredentialSubject returns the "sub" claim of a bearer JWT without verifying
// it. It is used for log attributes only and returns "" for anything that is
// not a parseable JWT.
func CredentialSubject(credential string) string {
	token := strings.TrimSpace(credential)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// escapeID escapes each segment of an identifier, keeping "/" separators.
// Empty and dot segments are rejected.
func escapeID(id string) (string, error) {
	segments := strings.Split(id, "/")
	for i, s := range segments {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("invalid data object id %q", id)
		}
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/"), nil
}
