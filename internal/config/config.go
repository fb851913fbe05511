// Package config resolves agent settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding environment variable is unset or
// fails to parse.
const (
	DefaultBaseURL      = "http://cluster-1-pi5:8000"
	DefaultAPIPrefix    = "/api/v1"
	DefaultEndpoint     = "/metrics/"
	DefaultPostInterval = 30 * time.Second
	DefaultProcessLimit = 40
)

// Config holds everything the agent needs to run. All fields are resolved
// once at startup; the agent never reloads configuration.
type Config struct {
	// Collector endpoint, assembled as BaseURL + APIPrefix + Endpoint.
	BaseURL   string
	APIPrefix string
	Endpoint  string

	// Identity reported in each payload. Defaults to the local hostname.
	ServerName string

	PostInterval time.Duration
	ProcessLimit int

	// Optional bearer token attached to every request.
	APIToken string

	// Ambient settings, not part of the wire contract.
	LogLevel string

	// Self-telemetry exporter selection: none, stdout, otlp-grpc, otlp-http.
	MetricsExporter string
	TracesExporter  string
	OTLPEndpoint    string
	OTLPInsecure    bool
}

// Load resolves configuration from the process environment. A .env file in
// the working directory is merged in first when present; real environment
// variables win over .env entries.
func Load() (*Config, error) {
	// Same behavior as python-dotenv's load_dotenv: best effort, absence is
	// not an error.
	_ = godotenv.Load()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	cfg := &Config{
		BaseURL:         strings.TrimRight(getEnv("HOMELAB_DB_BASE_URL", DefaultBaseURL), "/"),
		APIPrefix:       strings.TrimRight(getEnv("HOMELAB_DB_API_PREFIX", DefaultAPIPrefix), "/"),
		Endpoint:        getEnv("HOMELAB_DB_ENDPOINT", DefaultEndpoint),
		ServerName:      getEnv("SERVER_NAME", hostname),
		PostInterval:    time.Duration(getIntEnv("POST_INTERVAL_SECONDS", int(DefaultPostInterval/time.Second))) * time.Second,
		ProcessLimit:    getIntEnv("PROCESS_LIMIT", DefaultProcessLimit),
		APIToken:        os.Getenv("API_TOKEN"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MetricsExporter: getEnv("OTEL_METRICS_EXPORTER", "none"),
		TracesExporter:  getEnv("OTEL_TRACES_EXPORTER", "none"),
		OTLPEndpoint:    os.Getenv("OTEL_ENDPOINT"),
		OTLPInsecure:    getBoolEnv("OTEL_INSECURE", false),
	}

	if cfg.PostInterval < time.Second {
		cfg.PostInterval = DefaultPostInterval
	}
	if cfg.ProcessLimit < 1 {
		cfg.ProcessLimit = DefaultProcessLimit
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PostURL returns the fully assembled collector URL.
func (c *Config) PostURL() string {
	return c.BaseURL + c.APIPrefix + c.Endpoint
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("HOMELAB_DB_BASE_URL %q is not an absolute URL", cfg.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("HOMELAB_DB_BASE_URL scheme %q is not http or https", u.Scheme)
	}
	if cfg.ServerName == "" {
		return fmt.Errorf("SERVER_NAME is empty and hostname detection failed")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
