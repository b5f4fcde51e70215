// Package config provides tests for the configuration loading.
package config

import (
	"reflect"
	"testing"
	"time"
)

var allKeys = []string{
	"DOS_ENV",
	"DOS_PORT",
	"DOS_INDEXD_URL",
	"DOS_DOWNLOAD_URL",
	"DOS_SWAGGER_URL",
	"DOS_BASE_PATH",
	"DOS_UPSTREAM_TIMEOUT",
	"DOS_CORS_ALLOWED_ORIGINS",
	"DOS_TRACE_STDOUT",
}

// clearEnv blanks every DOS_ variable for the duration of the test.
// Load treats empty values as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

// TestLoad tests the Load function with default values.
func TestLoad(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOS_INDEXD_URL", "https://indexd.example.org/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want %v", cfg.Env, "dev")
	}
	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want %v", cfg.Port, "8080")
	}
	if cfg.IndexdURL != "https://indexd.example.org" {
		t.Errorf("Load() IndexdURL = %v, want trailing slash trimmed", cfg.IndexdURL)
	}
	if cfg.DownloadURL != "" {
		t.Errorf("Load() DownloadURL = %v, want empty", cfg.DownloadURL)
	}
	if cfg.BasePath != "/api/ga4gh/dos/v1" {
		t.Errorf("Load() BasePath = %v, want %v", cfg.BasePath, "/api/ga4gh/dos/v1")
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("Load() UpstreamTimeout = %v, want 5s", cfg.UpstreamTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Errorf("Load() CORSAllowedOrigins = %v, want [*]", cfg.CORSAllowedOrigins)
	}
	if cfg.SwaggerURL != defaultSwaggerURL {
		t.Errorf("Load() SwaggerURL = %v, want default", cfg.SwaggerURL)
	}
}

// TestLoadWithEnv tests the Load function with environment variables set.
func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOS_ENV", "prod")
	t.Setenv("DOS_PORT", "9090")
	t.Setenv("DOS_INDEXD_URL", "http://localhost:8000")
	t.Setenv("DOS_DOWNLOAD_URL", "http://localhost:8001/user/data/download/")
	t.Setenv("DOS_SWAGGER_URL", "http://localhost:8002/swagger.yaml")
	t.Setenv("DOS_BASE_PATH", "/ga4gh/dos/v1")
	t.Setenv("DOS_UPSTREAM_TIMEOUT", "750ms")
	t.Setenv("DOS_CORS_ALLOWED_ORIGINS", "https://a.example.org, https://b.example.org")
	t.Setenv("DOS_TRACE_STDOUT", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != "prod" {
		t.Errorf("Load() Env = %v, want %v", cfg.Env, "prod")
	}
	if cfg.Port != "9090" {
		t.Errorf("Load() Port = %v, want %v", cfg.Port, "9090")
	}
	if cfg.DownloadURL != "http://localhost:8001/user/data/download" {
		t.Errorf("Load() DownloadURL = %v", cfg.DownloadURL)
	}
	if cfg.SwaggerURL != "http://localhost:8002/swagger.yaml" {
		t.Errorf("Load() SwaggerURL = %v", cfg.SwaggerURL)
	}
	if cfg.BasePath != "/ga4gh/dos/v1" {
		t.Errorf("Load() BasePath = %v", cfg.BasePath)
	}
	if cfg.UpstreamTimeout != 750*time.Millisecond {
		t.Errorf("Load() UpstreamTimeout = %v, want 750ms", cfg.UpstreamTimeout)
	}
	wantOrigins := []string{"https://a.example.org", "https://b.example.org"}
	if !reflect.DeepEqual(cfg.CORSAllowedOrigins, wantOrigins) {
		t.Errorf("Load() CORSAllowedOrigins = %v, want %v", cfg.CORSAllowedOrigins, wantOrigins)
	}
	if !cfg.TraceStdout {
		t.Error("Load() TraceStdout = false, want true")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing indexd url", map[string]string{}},
		{"invalid timeout", map[string]string{"DOS_INDEXD_URL": "http://x", "DOS_UPSTREAM_TIMEOUT": "soon"}},
		{"negative timeout", map[string]string{"DOS_INDEXD_URL": "http://x", "DOS_UPSTREAM_TIMEOUT": "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}
