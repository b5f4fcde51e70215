// integration/dos_download_test.go
// Package integration provides integration tests for the DOS proxy and the
// signed URL service interaction.
package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dosproxy/dos-indexd-go/internal/config"
	"github.com/dosproxy/dos-indexd-go/internal/download"
	"github.com/dosproxy/dos-indexd-go/internal/indexd"
	"github.com/dosproxy/dos-indexd-go/internal/metrics"
	"github.com/dosproxy/dos-indexd-go/internal/server"
	"github.com/dosproxy/dos-indexd-go/internal/swagger"
)

const (
	testDID    = "c8215adc-d77a-4cb1-b1e4-8dd96d7e8821"
	testRecord = `{"did": "c8215adc-d77a-4cb1-b1e4-8dd96d7e8821", "file_name": "testdata.txt", "size": 9,
		"rev": "5582aee1", "hashes": {"md5": "73d643ec3f4beb9020eef0beed440ad0"}, "metadata": {},
		"urls": ["s3://cdistest-gen3data/testdata.txt"]}`
)

// createTestJWT creates a signed JWT for testing.
func createTestJWT(t *testing.T, key ed25519.PrivateKey, subject string, ttl time.Duration) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss": "https://fence.example.org/user",
		"sub": subject,
		"exp": float64(time.Now().Add(ttl).Unix()),
		"iat": float64(time.Now().Unix()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = "test-key-123"

	tokenString, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return tokenString
}

// newSigner returns a signed URL service that verifies bearer tokens against pub.
func newSigner(t *testing.T, pub ed25519.PublicKey) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			return pub, nil
		}, jwt.WithValidMethods([]string{"EdDSA"}))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
			return
		}
		sub, _ := token.Claims.GetSubject()
		id := strings.TrimPrefix(r.URL.Path, "/user/data/download/")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url": "https://cdistest-gen3data.s3.amazonaws.com/" + id + "?user=" + sub,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newProxy wires the proxy from environment configuration, the way cmd/dosd does.
func newProxy(t *testing.T, signerURL string) http.Handler {
	t.Helper()

	idxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index/"+testDID {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, testRecord)
	}))
	t.Cleanup(idxSrv.Close)

	t.Setenv("DOS_INDEXD_URL", idxSrv.URL)
	t.Setenv("DOS_DOWNLOAD_URL", signerURL+"/user/data/download/")
	t.Setenv("DOS_UPSTREAM_TIMEOUT", "2s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := metrics.NewMetrics()
	idx, err := indexd.New(cfg.IndexdURL, cfg.UpstreamTimeout, m, logger)
	if err != nil {
		t.Fatalf("indexd.New() error = %v", err)
	}
	dl := download.New(cfg.DownloadURL, cfg.UpstreamTimeout, m, logger)
	sw := swagger.NewSource(cfg.SwaggerURL, cfg.BasePath, cfg.UpstreamTimeout, m, logger)
	return server.NewMux(cfg, idx, dl, sw, logger)
}

func getURLs(t *testing.T, mux http.Handler, authorization string) []string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ga4gh/dos/v1/dataobjects/"+testDID, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var response struct {
		DataObject struct {
			URLs []struct {
				URL string `json:"url"`
			} `json:"urls"`
		} `json:"data_object"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	urls := make([]string, 0, len(response.DataObject.URLs))
	for _, u := range response.DataObject.URLs {
		urls = append(urls, u.URL)
	}
	return urls
}

// TestSignedURLWithCredential tests that the caller's credential reaches the
// signing service and decides whether a signed URL is appended.
func TestSignedURLWithCredential(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	signer := newSigner(t, pub)
	mux := newProxy(t, signer.URL)
	failures := metrics.NewMetrics().EnrichmentFailureTotal.WithLabelValues("status")

	t.Run("ValidToken", func(t *testing.T) {
		urls := getURLs(t, mux, "Bearer "+createTestJWT(t, key, "user-1", time.Hour))
		if len(urls) != 2 {
			t.Fatalf("urls = %v, want source url plus signed url", urls)
		}
		want := "https://cdistest-gen3data.s3.amazonaws.com/" + testDID + "?user=user-1"
		if urls[1] != want {
			t.Errorf("signed url = %q, want %q", urls[1], want)
		}
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		before := testutil.ToFloat64(failures)
		urls := getURLs(t, mux, "Bearer "+createTestJWT(t, key, "user-1", -time.Hour))
		if len(urls) != 1 {
			t.Errorf("urls = %v, want only the source url", urls)
		}
		if got := testutil.ToFloat64(failures) - before; got != 1 {
			t.Errorf("enrichment failures delta = %v, want 1", got)
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		urls := getURLs(t, mux, "Bearer "+createTestJWT(t, otherKey, "user-1", time.Hour))
		if len(urls) != 1 {
			t.Errorf("urls = %v, want only the source url", urls)
		}
	})

	t.Run("NoCredential", func(t *testing.T) {
		if urls := getURLs(t, mux, ""); len(urls) != 1 {
			t.Errorf("urls = %v, want only the source url", urls)
		}
	})
}
