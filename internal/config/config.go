// Package config provides configuration loading for the DOS proxy.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the DOS proxy.
// It is built once at startup and passed by value into the clients and router.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	IndexdURL   string // indexd base URL; records live under {IndexdURL}/index/
	DownloadURL string // Signed URL service base URL; empty disables enrichment
	SwaggerURL  string // Source of the DOS swagger document (YAML or JSON)
	BasePath    string // Mount point written into swagger.json basePath

	UpstreamTimeout time.Duration // Per-call timeout for every upstream request

	CORSAllowedOrigins []string // Allowed origins for CORS ("*" allows any)

	TraceStdout bool // Export spans to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv             = "dev"
	defaultPort            = "8080"
	defaultSwaggerURL      = "https://raw.githubusercontent.com/david4096/data-object-schemas/client_headers/openapi/data_object_service.swagger.yaml"
	defaultBasePath        = "/api/ga4gh/dos/v1"
	defaultUpstreamTimeout = 5 * time.Second
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("DOS_ENV", defaultEnv),
		Port:               getEnv("DOS_PORT", defaultPort),
		IndexdURL:          strings.TrimRight(os.Getenv("DOS_INDEXD_URL"), "/"),
		DownloadURL:        strings.TrimRight(os.Getenv("DOS_DOWNLOAD_URL"), "/"),
		SwaggerURL:         getEnv("DOS_SWAGGER_URL", defaultSwaggerURL),
		BasePath:           getEnv("DOS_BASE_PATH", defaultBasePath),
		UpstreamTimeout:    defaultUpstreamTimeout,
		CORSAllowedOrigins: []string{"*"},
		TraceStdout:        parseBool(os.Getenv("DOS_TRACE_STDOUT")),
	}

	if v, exists := os.LookupEnv("DOS_UPSTREAM_TIMEOUT"); exists && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("DOS_UPSTREAM_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("DOS_UPSTREAM_TIMEOUT must be positive, got %s", v)
		}
		cfg.UpstreamTimeout = d
	}

	// Handle CORS configuration
	if corsOrigins := os.Getenv("DOS_CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		cfg.CORSAllowedOrigins = nil
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	// Validate required parameters
	if cfg.IndexdURL == "" {
		return cfg, fmt.Errorf("DOS_INDEXD_URL is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
