// Package conformance provides a test harness for verifying DOS proxy compliance.
// The harness runs the proxy against an in-memory indexd, a token-checking
// signed URL service and a static swagger source.
package conformance

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dosproxy/dos-indexd-go/internal/config"
	"github.com/dosproxy/dos-indexd-go/internal/download"
	"github.com/dosproxy/dos-indexd-go/internal/indexd"
	"github.com/dosproxy/dos-indexd-go/internal/metrics"
	"github.com/dosproxy/dos-indexd-go/internal/server"
	"github.com/dosproxy/dos-indexd-go/internal/swagger"
)

// swaggerDocument is served by the stub swagger source.
const swaggerDocument = `swagger: '2.0'
info:
  title: Data Object Service
  version: 0.3.0
basePath: /ga4gh/dos/v1
paths:
  /dataobjects/list:
    post:
      responses:
        200:
          description: A list of Data Objects
`

// Harness provides a test harness for DOS conformance testing.
type Harness struct {
	server  *httptest.Server
	indexd  *httptest.Server
	signer  *httptest.Server
	swagger *httptest.Server

	records *recordStore
	secret  []byte
	cfg     Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// BasePath is the mount point written into swagger.json
	BasePath string

	// SigningSecret is the HMAC key the signer stub accepts tokens for
	SigningSecret string

	// UpstreamTimeout bounds every proxied upstream call
	UpstreamTimeout time.Duration
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.BasePath == "" {
		cfg.BasePath = "/api/ga4gh/dos/v1"
	}
	if cfg.SigningSecret == "" {
		cfg.SigningSecret = "conformance-secret"
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = 2 * time.Second
	}

	h := &Harness{
		records: newRecordStore(),
		secret:  []byte(cfg.SigningSecret),
		cfg:     cfg,
	}
	h.indexd = httptest.NewServer(h.records)
	h.signer = httptest.NewServer(http.HandlerFunc(h.handleSign))
	h.swagger = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, swaggerDocument)
	}))

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := metrics.NewMetrics()

	idx, err := indexd.New(h.indexd.URL, cfg.UpstreamTimeout, m, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to initialize indexd client: %w", err)
	}
	dl := download.New(h.signer.URL+"/user/data/download", cfg.UpstreamTimeout, m, logger)
	sw := swagger.NewSource(h.swagger.URL+"/data_object_service.swagger.yaml", cfg.BasePath, cfg.UpstreamTimeout, m, logger)

	proxyCfg := config.Config{
		BasePath:           cfg.BasePath,
		UpstreamTimeout:    cfg.UpstreamTimeout,
		CORSAllowedOrigins: []string{"*"},
	}
	h.server = httptest.NewServer(server.NewMux(proxyCfg, idx, dl, sw, logger))

	return h, nil
}

// URL returns the base URL of the proxy under test.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the proxy and every stub upstream.
func (h *Harness) Close() {
	for _, s := range []*httptest.Server{h.server, h.indexd, h.signer, h.swagger} {
		if s != nil {
			s.Close()
		}
	}
}

// AddRecord stores an indexd record in the in-memory index.
func (h *Harness) AddRecord(record string) error {
	return h.records.add([]byte(record))
}

// Token mints a bearer credential the signer stub accepts.
func (h *Harness) Token(subject string, ttl time.Duration) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString(h.secret)
	if err != nil {
		panic(fmt.Sprintf("signing conformance token: %v", err))
	}
	return signed
}

// SignedURL returns the URL the signer stub issues for id.
func (h *Harness) SignedURL(id string) string {
	return "https://signed.example.org/" + id + "?X-Amz-Signature=conformance"
}

// handleSign emulates the signed URL service: a valid bearer token yields
// {"url": ...}, anything else is rejected.
func (h *Harness) handleSign(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/user/data/download/")
	tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	_, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
		return
	}
	if _, ok := h.records.get(id); !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such file"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"url": h.SignedURL(id)})
}

// recordStore is an in-memory indexd serving /index/ and /index/{did}.
type recordStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func newRecordStore() *recordStore {
	return &recordStore{records: make(map[string][]byte)}
}

func (s *recordStore) add(record []byte) error {
	var head struct {
		DID string `json:"did"`
	}
	if err := json.Unmarshal(record, &head); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	if head.DID == "" {
		return fmt.Errorf("record has no did")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[head.DID] = record
	return nil
}

func (s *recordStore) get(did string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[did]
	return rec, ok
}

// list returns up to limit dids ordered lexically, starting after start.
func (s *recordStore) list(start string, limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for did := range s.records {
		if did > start {
			ids = append(ids, did)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (s *recordStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/index/" {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error": "limit must be a positive integer"}`)
				return
			}
			limit = n
		}
		start := r.URL.Query().Get("start")
		ids := s.list(start, limit)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ids":   ids,
			"size":  len(ids),
			"start": start,
			"limit": limit,
		})
		return
	}

	did := strings.TrimPrefix(r.URL.Path, "/index/")
	rec, ok := s.get(did)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error": "no record found"}`)
		return
	}
	_, _ = w.Write(rec)
}

// RunConformanceTests runs all conformance tests against the proxy.
// The harness must hold at least three records.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("GetDataObject", h.testGetDataObject)
	t.Run("NotFound", h.testNotFound)
	t.Run("SignedURLEnrichment", h.testSignedURLEnrichment)
	t.Run("Pagination", h.testPagination)
	t.Run("Versions", h.testVersions)
	t.Run("Swagger", h.testSwagger)
}

// get issues a GET against the proxy and decodes a JSON body into out.
func (h *Harness) get(t *testing.T, path string, header http.Header, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.URL()+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return h.do(t, req, out)
}

func (h *Harness) do(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decoding response: %v", req.Method, req.URL.Path, err)
		}
	}
	return resp.StatusCode
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		if status := h.get(t, path, nil, nil); status != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, status)
		}
	}
}

// dataObjectEnvelope mirrors the DOS single object response.
type dataObjectEnvelope struct {
	DataObject struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Size      int64  `json:"size"`
		Checksums []struct {
			Checksum string `json:"checksum"`
			Type     string `json:"type"`
		} `json:"checksums"`
		URLs []struct {
			URL            string          `json:"url"`
			SystemMetadata json.RawMessage `json:"system_metadata"`
		} `json:"urls"`
	} `json:"data_object"`
}

// testGetDataObject checks the mapping invariants for every stored record.
func (h *Harness) testGetDataObject(t *testing.T) {
	for _, did := range h.records.list("", 1000) {
		raw, _ := h.records.get(did)
		var src struct {
			FileName string            `json:"file_name"`
			Size     int64             `json:"size"`
			Hashes   map[string]string `json:"hashes"`
			URLs     []string          `json:"urls"`
		}
		if err := json.Unmarshal(raw, &src); err != nil {
			t.Fatalf("stored record %s: %v", did, err)
		}

		var got dataObjectEnvelope
		if status := h.get(t, "/ga4gh/dos/v1/dataobjects/"+did, nil, &got); status != http.StatusOK {
			t.Errorf("GET %s: status %d", did, status)
			continue
		}
		obj := got.DataObject
		if obj.ID != did || obj.Name != src.FileName || obj.Size != src.Size {
			t.Errorf("GET %s: identity fields = %+v", did, obj)
		}
		if len(obj.Checksums) != len(src.Hashes) {
			t.Errorf("GET %s: %d checksums for %d hashes", did, len(obj.Checksums), len(src.Hashes))
		}
		for _, c := range obj.Checksums {
			if src.Hashes[c.Type] != c.Checksum {
				t.Errorf("GET %s: checksum %s = %s, want %s", did, c.Type, c.Checksum, src.Hashes[c.Type])
			}
		}
		if len(obj.URLs) != len(src.URLs) {
			t.Fatalf("GET %s: %d urls for %d source urls", did, len(obj.URLs), len(src.URLs))
		}
		for i, u := range obj.URLs {
			if u.URL != src.URLs[i] {
				t.Errorf("GET %s: url[%d] = %s, want %s", did, i, u.URL, src.URLs[i])
			}
			var meta map[string]any
			if err := json.Unmarshal(u.SystemMetadata, &meta); err != nil || meta["did"] != did {
				t.Errorf("GET %s: url[%d] system_metadata is not the source record", did, i)
			}
		}
	}
}

// testNotFound checks the error contract for an unknown identifier.
func (h *Harness) testNotFound(t *testing.T) {
	var body struct {
		Msg        string `json:"msg"`
		StatusCode int    `json:"status_code"`
	}
	status := h.get(t, "/ga4gh/dos/v1/dataobjects/does-not-exist", nil, &body)
	if status != http.StatusNotFound || body.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d (%d)", status, body.StatusCode)
	}
	if !strings.Contains(body.Msg, "does-not-exist") {
		t.Errorf("message %q does not name the identifier", body.Msg)
	}
}

// testSignedURLEnrichment checks that a signed URL is appended only for an
// accepted credential, and that a rejected one never fails the request.
func (h *Harness) testSignedURLEnrichment(t *testing.T) {
	did := h.records.list("", 1)[0]
	raw, _ := h.records.get(did)
	var src struct {
		URLs []string `json:"urls"`
	}
	_ = json.Unmarshal(raw, &src)

	tests := []struct {
		name     string
		token    string
		wantURLs int
	}{
		{"valid token", h.Token("conformance-user", time.Hour), len(src.URLs) + 1},
		{"expired token", h.Token("conformance-user", -time.Hour), len(src.URLs)},
		{"garbage token", "not-a-token", len(src.URLs)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got dataObjectEnvelope
			header := http.Header{"Authorization": []string{"Bearer " + tt.token}}
			if status := h.get(t, "/ga4gh/dos/v1/dataobjects/"+did, header, &got); status != http.StatusOK {
				t.Fatalf("status %d, want 200", status)
			}
			urls := got.DataObject.URLs
			if len(urls) != tt.wantURLs {
				t.Fatalf("got %d urls, want %d", len(urls), tt.wantURLs)
			}
			if tt.wantURLs > len(src.URLs) && urls[len(urls)-1].URL != h.SignedURL(did) {
				t.Errorf("last url = %s, want %s", urls[len(urls)-1].URL, h.SignedURL(did))
			}
		})
	}
}

// testPagination walks the whole index with page_size 1 and checks that
// every identifier is visited once, in order.
func (h *Harness) testPagination(t *testing.T) {
	want := h.records.list("", 1000)

	var seen []string
	token := ""
	for i := 0; i <= len(want); i++ {
		body := `{"page_size": 1}`
		if token != "" {
			body = fmt.Sprintf(`{"page_size": 1, "page_token": %q}`, token)
		}
		req, err := http.NewRequest(http.MethodPost, h.URL()+"/ga4gh/dos/v1/dataobjects/list", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")

		var page struct {
			DataObjects []struct {
				ID string `json:"id"`
			} `json:"data_objects"`
			NextPageToken *string `json:"next_page_token"`
		}
		if status := h.do(t, req, &page); status != http.StatusOK {
			t.Fatalf("list page %d: status %d", i, status)
		}
		if len(page.DataObjects) == 0 {
			if page.NextPageToken != nil {
				t.Errorf("empty page carries next_page_token %q", *page.NextPageToken)
			}
			break
		}
		for _, o := range page.DataObjects {
			seen = append(seen, o.ID)
		}
		if page.NextPageToken == nil || *page.NextPageToken != page.DataObjects[len(page.DataObjects)-1].ID {
			t.Fatalf("next_page_token = %v, want last id", page.NextPageToken)
		}
		token = *page.NextPageToken
	}

	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("paged ids = %v, want %v", seen, want)
	}

	// Without a body the listing is unpaged.
	req, _ := http.NewRequest(http.MethodPost, h.URL()+"/ga4gh/dos/v1/dataobjects/list", nil)
	var all struct {
		DataObjects []struct {
			ID string `json:"id"`
		} `json:"data_objects"`
	}
	if status := h.do(t, req, &all); status != http.StatusOK || len(all.DataObjects) != len(want) {
		t.Errorf("unpaged list: status %d, %d objects, want %d", status, len(all.DataObjects), len(want))
	}
}

// testVersions checks that the versions route returns indexd's body unchanged.
func (h *Harness) testVersions(t *testing.T) {
	did := h.records.list("", 1)[0]
	raw, _ := h.records.get(did)

	resp, err := http.Get(h.URL() + "/ga4gh/dos/v1/dataobjects/" + did + "/versions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != string(raw) {
		t.Errorf("versions: status %d, body %s", resp.StatusCode, body)
	}
}

// testSwagger checks the basePath rewrite.
func (h *Harness) testSwagger(t *testing.T) {
	var doc map[string]any
	if status := h.get(t, "/swagger.json", nil, &doc); status != http.StatusOK {
		t.Fatalf("swagger.json: status %d", status)
	}
	if doc["basePath"] != h.cfg.BasePath {
		t.Errorf("basePath = %v, want %s", doc["basePath"], h.cfg.BasePath)
	}
}
