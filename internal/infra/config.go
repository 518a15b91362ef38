package infra

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config represents application configuration loaded from environment
// variables. Provider credentials, model selection and worker counts are
// mutable at runtime through the Store; everything else is fixed at startup.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string
	ScratchPath string

	ProviderAPIKey  string
	ProviderBaseURL string
	ImageModel      string
	TextModel       string

	ImageWorkers   int
	TextWorkers    int
	ProviderRetry  int
	RequestTimeout time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	CORSAllowedOrigins []string
	JobRateLimit       int
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		ScratchPath:      getEnv("SCRATCH_PATH", ""),
		ProviderAPIKey:   os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL:  getEnv("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
		ImageModel:       getEnv("IMAGE_MODEL", "gemini-3-pro-image-preview"),
		TextModel:        getEnv("TEXT_MODEL", "gemini-2.5-flash"),
		ImageWorkers:     getEnvInt("IMAGE_WORKERS", 2),
		TextWorkers:      getEnvInt("TEXT_WORKERS", 4),
		ProviderRetry:    getEnvInt("PROVIDER_MAX_RETRIES", 2),
		RequestTimeout:   time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 180)),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		JobRateLimit:     getEnvInt("JOB_RATE_LIMIT_PER_MINUTE", 0),
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}
	return cfg, nil
}

// Snapshot is an immutable copy of the mutable configuration, captured once
// at job submission so a running job never observes a mid-run change.
type Snapshot struct {
	Version         uint64
	ProviderAPIKey  string
	ProviderBaseURL string
	ImageModel      string
	TextModel       string
	ImageWorkers    int
	TextWorkers     int
	ProviderRetry   int
	RequestTimeout  time.Duration
}

// Workers returns the pool size for a kind family name ("image" or "text").
func (snap Snapshot) Workers(family string) int {
	n := snap.ImageWorkers
	if family == "text" {
		n = snap.TextWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Store guards the runtime-mutable part of the configuration. Updates apply
// to work submitted after the update, never to in-flight work.
type Store struct {
	mu      sync.RWMutex
	version uint64
	current Snapshot
}

// NewStore seeds a Store from the startup configuration.
func NewStore(cfg *Config) *Store {
	s := &Store{version: 1}
	s.current = Snapshot{
		Version:         1,
		ProviderAPIKey:  cfg.ProviderAPIKey,
		ProviderBaseURL: cfg.ProviderBaseURL,
		ImageModel:      cfg.ImageModel,
		TextModel:       cfg.TextModel,
		ImageWorkers:    cfg.ImageWorkers,
		TextWorkers:     cfg.TextWorkers,
		ProviderRetry:   cfg.ProviderRetry,
		RequestTimeout:  cfg.RequestTimeout,
	}
	return s
}

// Snapshot returns the current configuration copy.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the current snapshot and publishes it with
// a bumped version.
func (s *Store) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	fn(&next)
	s.version++
	next.Version = s.version
	s.current = next
	return next
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
