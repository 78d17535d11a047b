package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Supabase    SupabaseConfig    `yaml:"supabase"`
	Models      ModelsConfig      `yaml:"models"`
	Triage      TriageConfig      `yaml:"triage"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Judgment    JudgmentConfig    `yaml:"judgment"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Trace       TraceConfig       `yaml:"trace"`
	Events      EventsConfig      `yaml:"events"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	Env           string `yaml:"env"`
	WebhookSecret string `yaml:"webhook_secret"`
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
	// PipelineTimeoutMs bounds one full event run inside a worker.
	PipelineTimeoutMs int `yaml:"pipeline_timeout_ms"`
	// AdminToken guards the operator endpoints. Empty disables them.
	AdminToken string `yaml:"admin_token"`
	// APIRequestsPerSecond limits operator API calls per client address.
	APIRequestsPerSecond float64 `yaml:"api_requests_per_second"`
}

type RedisConfig struct {
	// URL takes precedence over Addr (e.g. rediss://default:pw@host:6379).
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Namespace prefixes keys private to this service. Shared ban, strike and
	// rate-limit keys never carry it.
	Namespace string `yaml:"namespace"`
}

type SupabaseConfig struct {
	URL           string `yaml:"url"`
	ServiceKey    string `yaml:"service_key"`
	MatchFunction string `yaml:"match_function"`
	TraceTable    string `yaml:"trace_table"`
}

type ModelConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	TimeoutMs   int     `yaml:"timeout_ms"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// RequestsPerSecond paces calls to the provider. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type ModelsConfig struct {
	Fast         ModelConfig `yaml:"fast"`
	HighFidelity ModelConfig `yaml:"high_fidelity"`
}

type TriageConfig struct {
	MaxSearchTerms int  `yaml:"max_search_terms"`
	SkipLowRisk    bool `yaml:"skip_low_risk"`
}

type RetrievalConfig struct {
	TopK              int     `yaml:"top_k"`
	MatchThreshold    float64 `yaml:"match_threshold"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	EmbeddingEndpoint string  `yaml:"embedding_endpoint"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	EmbeddingAPIKey   string  `yaml:"embedding_api_key"`
}

type JudgmentConfig struct {
	ConfidenceThreshold     int `yaml:"confidence_threshold"`
	UngroundedConfidenceCap int `yaml:"ungrounded_confidence_cap"`
}

type RateLimitConfig struct {
	Capacity      int `yaml:"capacity"`
	WindowSeconds int `yaml:"window_seconds"`
}

type EnforcementConfig struct {
	StrikeTTLSeconds         int `yaml:"strike_ttl_seconds"`
	StandardBanTTLSeconds    int `yaml:"standard_ban_ttl_seconds"`
	ExtendedBanTTLSeconds    int `yaml:"extended_ban_ttl_seconds"`
	ExtendedStrikeThreshold  int `yaml:"extended_strike_threshold"`
	ProvisionalBanTTLSeconds int `yaml:"provisional_ban_ttl_seconds"`
	MaxAttempts              int `yaml:"max_attempts"`
	RetryBaseDelayMs         int `yaml:"retry_base_delay_ms"`
	StoreTimeoutMs           int `yaml:"store_timeout_ms"`
	// AppliedMarkerTTLSeconds is how long an event id stays marked as applied.
	AppliedMarkerTTLSeconds int `yaml:"applied_marker_ttl_seconds"`
}

type TraceConfig struct {
	// Backend is "redis" or "postgres".
	Backend          string `yaml:"backend"`
	PostgresDSN      string `yaml:"postgres_dsn"`
	RetentionHours   int    `yaml:"retention_hours"`
	MirrorToSupabase bool   `yaml:"mirror_to_supabase"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                 "8000",
			Env:                  "development",
			Workers:              8,
			QueueSize:            1000,
			PipelineTimeoutMs:    60000,
			APIRequestsPerSecond: 5,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "sentinel-auditor:",
		},
		Supabase: SupabaseConfig{
			MatchFunction: "match_documents",
			TraceTable:    "agent_traces",
		},
		Models: ModelsConfig{
			Fast: ModelConfig{
				Endpoint:          "https://api.groq.com/openai/v1/chat/completions",
				Model:             "llama-3.1-8b-instant",
				TimeoutMs:         8000,
				MaxTokens:         1024,
				RequestsPerSecond: 10,
			},
			HighFidelity: ModelConfig{
				Endpoint:          "https://api.groq.com/openai/v1/chat/completions",
				Model:             "llama-3.3-70b-versatile",
				TimeoutMs:         15000,
				Temperature:       0.1,
				MaxTokens:         1024,
				RequestsPerSecond: 2,
			},
		},
		Triage: TriageConfig{
			MaxSearchTerms: 5,
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			MatchThreshold: 0.3,
			TimeoutMs:      4000,
			EmbeddingModel: "sentence-transformers/all-MiniLM-L6-v2",
		},
		Judgment: JudgmentConfig{
			ConfidenceThreshold:     90,
			UngroundedConfidenceCap: 75,
		},
		RateLimit: RateLimitConfig{
			Capacity:      5,
			WindowSeconds: 60,
		},
		Enforcement: EnforcementConfig{
			StrikeTTLSeconds:         604800,
			StandardBanTTLSeconds:    3600,
			ExtendedBanTTLSeconds:    86400,
			ExtendedStrikeThreshold:  3,
			ProvisionalBanTTLSeconds: 300,
			MaxAttempts:              3,
			RetryBaseDelayMs:         100,
			StoreTimeoutMs:           2000,
			AppliedMarkerTTLSeconds:  604800,
		},
		Trace: TraceConfig{
			Backend:        "redis",
			RetentionHours: 24 * 30,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "sentinel-auditor",
		},
	}
}

// LoadConfig reads a YAML file over the defaults and applies environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the deployment's environment variables
// (.env files are loaded by cmd/ before this runs).
func (c *Config) ApplyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "AUDITOR_ENV")
	setString(&c.Server.WebhookSecret, "SUPABASE_WEBHOOK_SECRET")
	setInt(&c.Server.Workers, "AUDITOR_WORKERS")
	setString(&c.Server.AdminToken, "AUDITOR_ADMIN_TOKEN")

	setString(&c.Redis.URL, "REDIS_URL")
	if host := os.Getenv("REDIS_HOST"); host != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		c.Redis.Addr = host + ":" + port
	}
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Redis.Namespace, "AUDITOR_NAMESPACE")

	setString(&c.Supabase.URL, "SUPABASE_URL")
	setString(&c.Supabase.ServiceKey, "SUPABASE_KEY")
	setString(&c.Supabase.ServiceKey, "SUPABASE_SERVICE_KEY")

	setString(&c.Models.Fast.APIKey, "GROQ_API_KEY")
	setString(&c.Models.HighFidelity.APIKey, "GROQ_API_KEY")
	setString(&c.Models.Fast.Endpoint, "FAST_MODEL_ENDPOINT")
	setString(&c.Models.Fast.Model, "FAST_MODEL")
	setString(&c.Models.HighFidelity.Endpoint, "HIGH_FIDELITY_MODEL_ENDPOINT")
	setString(&c.Models.HighFidelity.Model, "HIGH_FIDELITY_MODEL")

	setString(&c.Retrieval.EmbeddingEndpoint, "EMBEDDING_ENDPOINT")
	setString(&c.Retrieval.EmbeddingAPIKey, "EMBEDDING_API_KEY")

	setInt(&c.Judgment.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")

	setString(&c.Trace.Backend, "TRACE_BACKEND")
	setString(&c.Trace.PostgresDSN, "TRACE_POSTGRES_DSN")

	setString(&c.Events.PubSubProject, "PUBSUB_PROJECT")
	setString(&c.Events.PubSubTopic, "PUBSUB_TOPIC")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate rejects configurations that would break enforcement invariants.
func (c *Config) Validate() error {
	if c.Judgment.ConfidenceThreshold < 0 || c.Judgment.ConfidenceThreshold > 100 {
		return fmt.Errorf("judgment.confidence_threshold must be within [0,100], got %d", c.Judgment.ConfidenceThreshold)
	}
	if c.Judgment.UngroundedConfidenceCap < 0 || c.Judgment.UngroundedConfidenceCap > 100 {
		return fmt.Errorf("judgment.ungrounded_confidence_cap must be within [0,100], got %d", c.Judgment.UngroundedConfidenceCap)
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit capacity and window_seconds must be positive")
	}
	e := c.Enforcement
	if e.StandardBanTTLSeconds <= 0 || e.ExtendedBanTTLSeconds <= 0 || e.StrikeTTLSeconds <= 0 {
		return fmt.Errorf("enforcement TTLs must be positive")
	}
	if e.ExtendedBanTTLSeconds < e.StandardBanTTLSeconds {
		return fmt.Errorf("enforcement.extended_ban_ttl_seconds (%d) is shorter than the standard tier (%d)",
			e.ExtendedBanTTLSeconds, e.StandardBanTTLSeconds)
	}
	if e.ExtendedStrikeThreshold < 2 {
		return fmt.Errorf("enforcement.extended_strike_threshold must be at least 2")
	}
	if e.AppliedMarkerTTLSeconds <= 0 || e.ProvisionalBanTTLSeconds <= 0 {
		return fmt.Errorf("enforcement.applied_marker_ttl_seconds and provisional_ban_ttl_seconds must be positive")
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("enforcement.max_attempts must be positive")
	}
	switch c.Trace.Backend {
	case "redis":
	case "postgres":
		if c.Trace.PostgresDSN == "" {
			return fmt.Errorf("trace.postgres_dsn is required for the postgres trace backend")
		}
	default:
		return fmt.Errorf("unknown trace.backend %q", c.Trace.Backend)
	}
	if c.Redis.Namespace == "" || !strings.HasSuffix(c.Redis.Namespace, ":") {
		return fmt.Errorf("redis.namespace must be non-empty and end with ':'")
	}
	return nil
}

// IsProduction reports whether JSON logging and strict checks apply.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (m ModelConfig) Timeout() time.Duration { return ms(m.TimeoutMs) }

func (r RetrievalConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }

func (s ServerConfig) PipelineTimeout() time.Duration { return ms(s.PipelineTimeoutMs) }

func (r RateLimitConfig) Window() time.Duration { return secs(r.WindowSeconds) }

func (t TraceConfig) Retention() time.Duration { return time.Duration(t.RetentionHours) * time.Hour }

func (e EnforcementConfig) StrikeTTL() time.Duration      { return secs(e.StrikeTTLSeconds) }
func (e EnforcementConfig) StandardBanTTL() time.Duration { return secs(e.StandardBanTTLSeconds) }
func (e EnforcementConfig) ExtendedBanTTL() time.Duration { return secs(e.ExtendedBanTTLSeconds) }
func (e EnforcementConfig) RetryBaseDelay() time.Duration { return ms(e.RetryBaseDelayMs) }
func (e EnforcementConfig) StoreTimeout() time.Duration   { return ms(e.StoreTimeoutMs) }
func (e EnforcementConfig) AppliedMarkerTTL() time.Duration {
	return secs(e.AppliedMarkerTTLSeconds)
}

func ms(v int) time.Duration   { return time.Duration(v) * time.Millisecond }
func secs(v int) time.Duration { return time.Duration(v) * time.Second }

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
