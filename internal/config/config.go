// Package config provides application configuration loaded from environment
// variables with defaults and validation. An optional YAML file named by
// CONFIG_FILE supplies values beneath the environment: a key set in both
// places takes the environment value.
//
// The YAML file is a flat mapping using the same names as the environment:
//
//	LLM_ENDPOINT: http://localhost:11434
//	LLM_MODEL: llama3
//	CACHE_BACKEND: sql
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-llm-chat")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig is shared by the redis store and cache backends.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
	Prefix   string // REDIS_PREFIX
}

// LLMConfig seeds the default settings document and bounds each turn.
type LLMConfig struct {
	Endpoint       string        // LLM_ENDPOINT
	APIKey         string        // LLM_API_KEY
	Model          string        // LLM_MODEL, sent as the request model when set
	Temperature    float64       // LLM_TEMPERATURE
	MaxTokens      int           // LLM_MAX_TOKENS
	TopP           float64       // LLM_TOP_P
	RequestTimeout time.Duration // REQUEST_TIMEOUT, wait for response headers
	WordDelay      time.Duration // SIMULATED_WORD_DELAY, pacing of cached replays
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend       string        // CACHE_BACKEND: memory|sql|redis
	TTL           time.Duration // CACHE_TTL, default entry lifetime
	ChatTTL       time.Duration // CACHE_CHAT_TTL, lifetime of chat completions
	MaxEntries    int           // CACHE_MAX_ENTRIES, negative disables the bound
	SweepInterval time.Duration // CACHE_SWEEP_INTERVAL
	SimpleLookup  bool          // CACHE_SIMPLE_LOOKUP
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // 0 disables; SSE responses are long-lived
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath       string // SQLite path
	StoreBackend string // STORE_BACKEND: sql|redis
	Redis        RedisConfig

	// Chat
	LLM                     LLMConfig
	Cache                   CacheConfig
	SavedConversationsLimit int // SAVED_CONVERSATIONS_LIMIT

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables and the optional
// CONFIG_FILE, applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Server
		Port:              src.getStr("PORT", "8080"),
		ReadTimeout:       src.getDur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: src.getDur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      src.getDur("WRITE_TIMEOUT", 0),
		IdleTimeout:       src.getDur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    src.getInt("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(src.getStr("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(src.getStr("LOG_LEVEL", "info")),
		LogPretty:      src.getBool("LOG_PRETTY", false),
		SwaggerEnabled: src.getBool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(src.getStr("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath:       src.getStr("DB_PATH", "chat.db"),
		StoreBackend: strings.ToLower(src.getStr("STORE_BACKEND", "sql")),
		Redis: RedisConfig{
			Addr:     src.getStr("REDIS_ADDR", "localhost:6379"),
			Password: src.getStr("REDIS_PASSWORD", ""),
			DB:       src.getInt("REDIS_DB", 0),
			Prefix:   src.getStr("REDIS_PREFIX", "llmchat:"),
		},

		// Chat
		LLM: LLMConfig{
			Endpoint:       src.getStr("LLM_ENDPOINT", "http://localhost:1234"),
			APIKey:         src.getStr("LLM_API_KEY", ""),
			Model:          src.getStr("LLM_MODEL", ""),
			Temperature:    src.getFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:      src.getInt("LLM_MAX_TOKENS", 2048),
			TopP:           src.getFloat("LLM_TOP_P", 0.9),
			RequestTimeout: src.getDur("REQUEST_TIMEOUT", 30*time.Second),
			WordDelay:      src.getDur("SIMULATED_WORD_DELAY", 20*time.Millisecond),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(src.getStr("CACHE_BACKEND", "memory")),
			TTL:           src.getDur("CACHE_TTL", 5*time.Minute),
			ChatTTL:       src.getDur("CACHE_CHAT_TTL", 10*time.Minute),
			MaxEntries:    src.getInt("CACHE_MAX_ENTRIES", 100),
			SweepInterval: src.getDur("CACHE_SWEEP_INTERVAL", time.Minute),
			SimpleLookup:  src.getBool("CACHE_SIMPLE_LOOKUP", false),
		},
		SavedConversationsLimit: src.getInt("SAVED_CONVERSATIONS_LIMIT", 50),

		// Rate limiting
		RateRPS:   src.getFloat("RATE_RPS", 5.0),
		RateBurst: src.getInt("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(src.getStr("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: src.getBool("ENABLE_HSTS", false),
			HSTSMaxAge: src.getDur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     src.getBool("OTEL_ENABLED", false),
			Endpoint:    src.getStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    src.getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: src.getStr("OTEL_SERVICE_NAME", "go-llm-chat"),
			SampleRatio: src.getFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.LLM.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.LLM.Endpoint), "/")

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.WriteTimeout < 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.StoreBackend {
	case "sql":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "redis":
	default:
		return errors.New("STORE_BACKEND must be one of: sql, redis")
	}
	switch cfg.Cache.Backend {
	case "memory", "redis":
	case "sql":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	default:
		return errors.New("CACHE_BACKEND must be one of: memory, sql, redis")
	}
	if (cfg.StoreBackend == "redis" || cfg.Cache.Backend == "redis") && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("REDIS_ADDR must not be empty")
	}
	if u, err := url.Parse(cfg.LLM.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("LLM_ENDPOINT must be an http(s) URL")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return errors.New("LLM_TEMPERATURE must be between 0 and 2")
	}
	if cfg.LLM.MaxTokens < 1 {
		return errors.New("LLM_MAX_TOKENS must be >= 1")
	}
	if cfg.LLM.TopP <= 0 || cfg.LLM.TopP > 1 {
		return errors.New("LLM_TOP_P must be in (0,1]")
	}
	if cfg.LLM.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be > 0")
	}
	if cfg.LLM.WordDelay < 0 {
		return errors.New("SIMULATED_WORD_DELAY must be >= 0")
	}
	if cfg.Cache.TTL <= 0 || cfg.Cache.ChatTTL <= 0 {
		return errors.New("CACHE_TTL and CACHE_CHAT_TTL must be > 0")
	}
	if cfg.Cache.SweepInterval <= 0 {
		return errors.New("CACHE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.SavedConversationsLimit < 1 {
		return errors.New("SAVED_CONVERSATIONS_LIMIT must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- value source: environment over the optional YAML file ----

type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if strings.TrimSpace(path) == "" {
		return source{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return source{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	file := make(map[string]string, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		file[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return source{file: file}, nil
}

func (s source) lookup(k string) (string, bool) {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v, true
	}
	if v, ok := s.file[k]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (s source) getStr(k, def string) string {
	if v, ok := s.lookup(k); ok {
		return v
	}
	return def
}

func (s source) getFloat(k string, def float64) float64 {
	if v, ok := s.lookup(k); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func (s source) getInt(k string, def int) int {
	if v, ok := s.lookup(k); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func (s source) getBool(k string, def bool) bool {
	if v, ok := s.lookup(k); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func (s source) getDur(k string, def time.Duration) time.Duration {
	if v, ok := s.lookup(k); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
