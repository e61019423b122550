package toolserver

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document store backends selected by DOCSTORE_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

type (
	// Config is the immutable service configuration, loaded once at startup.
	// No package reads the environment after FromEnv returns.
	Config struct {
		// HTTPAddr is the listen address of the tool server.
		HTTPAddr string
		// RPCPath is the path serving the JSON-RPC endpoint and the event
		// stream.
		RPCPath string
		// ServerName and ServerVersion identify the server during initialize.
		ServerName    string
		ServerVersion string

		// DocstoreBackend selects the document store adapter.
		DocstoreBackend string
		RedisURL        string
		RedisPassword   string
		MongoURI        string
		MongoDatabase   string
		MongoCollection string

		// LettaBaseURL is the agent platform endpoint. Empty selects the
		// in-memory platform, which only makes sense for local development.
		LettaBaseURL   string
		LettaToken     string
		LettaRateLimit float64
		LettaBurst     int

		// BaseDir anchors relative workflow import URIs.
		BaseDir string
		// SkillImports are skill manifest files loaded into the index at
		// startup.
		SkillImports []string

		// GuardEnabled turns DNS-rebinding protection on. AllowedHosts and
		// AllowedOrigins extend the default local allowlists.
		GuardEnabled   bool
		AllowedHosts   []string
		AllowedOrigins []string

		// ActivityEnabled publishes workflow and session events to Pulse
		// streams on the Redis connection.
		ActivityEnabled      bool
		ActivityStreamMaxLen int

		// OverlayPath points to the optional YAML overlay file.
		OverlayPath string
		// Overlay holds the parsed overlay, zero when no file is configured.
		Overlay Overlay

		// ShutdownGrace bounds the drain period on SIGTERM.
		ShutdownGrace time.Duration
	}

	// Overlay is the optional YAML configuration layered over the
	// environment: model-tier pricing for cost-aware callers and allowlist
	// extensions that are unwieldy as environment variables.
	Overlay struct {
		// ModelTiers maps a complexity tier (0-3) to its default model and
		// pricing.
		ModelTiers map[int]ModelTier `yaml:"model_tiers"`
		// AllowedHosts and AllowedOrigins extend the transport guard.
		AllowedHosts   []string `yaml:"allowed_hosts"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		// SkillImports are additional manifest files for the skill index.
		SkillImports []string `yaml:"skill_imports"`
	}

	// ModelTier is the default model and per-million-token pricing of one
	// complexity tier.
	ModelTier struct {
		Model           string  `yaml:"model"`
		InputPerMTokUSD float64 `yaml:"input_per_mtok_usd"`
		OutputPerMTokUSD float64 `yaml:"output_per_mtok_usd"`
	}
)

// FromEnv loads the configuration from the environment and, when
// CONFIG_OVERLAY names a file, merges the YAML overlay into it.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:      envOr("TOOLSERVER_ADDR", ":8800"),
		RPCPath:       envOr("TOOLSERVER_RPC_PATH", "/mcp"),
		ServerName:    envOr("TOOLSERVER_NAME", "workflow-toolserver"),
		ServerVersion: envOr("TOOLSERVER_VERSION", "dev"),

		DocstoreBackend: envOr("DOCSTORE_BACKEND", BackendMemory),
		RedisURL:        envOr("REDIS_URL", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		MongoURI:        envOr("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   envOr("MONGO_DATABASE", "controlplane"),
		MongoCollection: envOr("MONGO_COLLECTION", "documents"),

		LettaBaseURL:   os.Getenv("LETTA_BASE_URL"),
		LettaToken:     os.Getenv("LETTA_API_TOKEN"),
		LettaRateLimit: envFloatOr("LETTA_RATE_LIMIT", 0),
		LettaBurst:     envIntOr("LETTA_RATE_BURST", 1),

		BaseDir:      envOr("WORKFLOW_BASE_DIR", "."),
		SkillImports: splitList(os.Getenv("SKILL_IMPORTS")),

		GuardEnabled:   envBoolOr("ENABLE_DNS_REBINDING_PROTECTION", true),
		AllowedHosts:   splitList(os.Getenv("ALLOWED_HOSTS")),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),

		ActivityEnabled:      envBoolOr("ACTIVITY_STREAMS_ENABLED", false),
		ActivityStreamMaxLen: envIntOr("ACTIVITY_STREAM_MAXLEN", 0),

		OverlayPath:   os.Getenv("CONFIG_OVERLAY"),
		ShutdownGrace: envDurationOr("SHUTDOWN_GRACE", 15*time.Second),
	}

	switch cfg.DocstoreBackend {
	case BackendMemory, BackendRedis, BackendMongo:
	default:
		return Config{}, fmt.Errorf("unknown DOCSTORE_BACKEND %q", cfg.DocstoreBackend)
	}

	if cfg.OverlayPath != "" {
		overlay, err := LoadOverlay(cfg.OverlayPath)
		if err != nil {
			return Config{}, err
		}
		cfg.Overlay = overlay
		cfg.AllowedHosts = append(cfg.AllowedHosts, overlay.AllowedHosts...)
		cfg.AllowedOrigins = append(cfg.AllowedOrigins, overlay.AllowedOrigins...)
		cfg.SkillImports = append(cfg.SkillImports, overlay.SkillImports...)
	}
	return cfg, nil
}

// LoadOverlay reads and parses one YAML overlay file.
func LoadOverlay(path string) (Overlay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Overlay{}, fmt.Errorf("read overlay %q: %w", path, err)
	}
	var overlay Overlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return Overlay{}, fmt.Errorf("parse overlay %q: %w", path, err)
	}
	for tier := range overlay.ModelTiers {
		if tier < 0 || tier > 3 {
			return Overlay{}, fmt.Errorf("overlay %q: model tier %d out of range", path, tier)
		}
	}
	return overlay, nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// splitList splits a comma-separated list, trimming blanks.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
