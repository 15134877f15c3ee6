// Package config defines the single typed configuration record for the
// platform. It is loaded once at process start and validated before any
// component is constructed.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Heuristic HeuristicConfig `mapstructure:"heuristic"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Adapters  AdapterConfig   `mapstructure:"adapters"`
	Store     StoreConfig     `mapstructure:"store"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	MockMode  bool            `mapstructure:"mock_mode"`
	JSONLogs  bool            `mapstructure:"json_logs"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SchedulerConfig configures the daily report trigger.
type SchedulerConfig struct {
	Hour             int `mapstructure:"hour" validate:"min=0,max=23"`
	Minute           int `mapstructure:"minute" validate:"min=0,max=59"`
	MaxConcurrent    int `mapstructure:"max_concurrent" validate:"min=1"`
	MaxRetries       int `mapstructure:"max_retries" validate:"min=0"`
	PerReportTimeout time.Duration `mapstructure:"per_report_timeout"`
	GracefulTimeout  time.Duration `mapstructure:"graceful_timeout"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

// HeuristicConfig holds the node scoring weights. The weights must sum to
// 1.0; Validate enforces it.
type HeuristicConfig struct {
	Weights             Weights `mapstructure:"weights"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" validate:"min=0,max=1"`
	PeerScoreThreshold  float64 `mapstructure:"peer_score_threshold" validate:"min=0,max=1"`
}

// Weights are the node-score coefficients.
type Weights struct {
	Centrality float64 `mapstructure:"centrality" validate:"min=0,max=1"`
	Capacity   float64 `mapstructure:"capacity" validate:"min=0,max=1"`
	Reputation float64 `mapstructure:"reputation" validate:"min=0,max=1"`
	Fees       float64 `mapstructure:"fees" validate:"min=0,max=1"`
	Uptime     float64 `mapstructure:"uptime" validate:"min=0,max=1"`
}

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	return w.Centrality + w.Capacity + w.Reputation + w.Fees + w.Uptime
}

// RetrievalConfig configures hybrid retrieval.
type RetrievalConfig struct {
	K            int           `mapstructure:"k" validate:"min=1"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	VectorWeight float64       `mapstructure:"vector_weight" validate:"min=0,max=1"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Alias        string        `mapstructure:"alias" validate:"required"`
}

// BreakerConfig configures the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold" validate:"min=1"`
	FailureWindow     time.Duration `mapstructure:"failure_window"`
	ResetTimeout      time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxProbes int           `mapstructure:"half_open_max_probes" validate:"min=1"`
}

// EmbeddingConfig pins the embedding model and version participating in
// cache keys and index names.
type EmbeddingConfig struct {
	ModelID string `mapstructure:"model_id" validate:"required"`
	Version string `mapstructure:"version" validate:"required"`
	Dim     int    `mapstructure:"dim" validate:"min=1"`
}

// ReasoningConfig configures the LLM reasoning layer.
type ReasoningConfig struct {
	ModelID       string        `mapstructure:"model_id" validate:"required"`
	PromptVersion string        `mapstructure:"prompt_version" validate:"required"`
	MaxHits       int           `mapstructure:"max_hits" validate:"min=1"`
	Timeout       time.Duration `mapstructure:"timeout"`
	AnswerTTL     time.Duration `mapstructure:"answer_ttl"`
}

// LimitsConfig bounds decision output per run.
type LimitsConfig struct {
	MaxOpenPerRun     int `mapstructure:"max_open_per_run" validate:"min=0"`
	MaxAttemptsPerDay int `mapstructure:"max_attempts_per_day" validate:"min=1"`
	PerNodeApplyCap   int `mapstructure:"per_node_apply_cap" validate:"min=1"`
}

// AdapterConfig holds external endpoints and the shared call timeout.
type AdapterConfig struct {
	NodeSourceURL  string        `mapstructure:"node_source_url"`
	NodeControlURL string        `mapstructure:"node_control_url"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=1"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN    string `mapstructure:"dsn"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Skip         bool   `mapstructure:"skip"`
}

// Default returns the configuration documented defaults.
func Default() Config {
	return Config{
		DryRun: true,
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Hour:             6,
			Minute:           0,
			MaxConcurrent:    10,
			MaxRetries:       3,
			PerReportTimeout: 300 * time.Second,
			GracefulTimeout:  60 * time.Second,
			RetryBackoff:     30 * time.Second,
		},
		Heuristic: HeuristicConfig{
			Weights: Weights{
				Centrality: 0.4,
				Capacity:   0.2,
				Reputation: 0.2,
				Fees:       0.1,
				Uptime:     0.1,
			},
			ConfidenceThreshold: 0.6,
			PeerScoreThreshold:  0.5,
		},
		Retrieval: RetrievalConfig{
			K:            8,
			CacheTTL:     time.Hour,
			VectorWeight: 0.5,
			Timeout:      5 * time.Second,
			Alias:        "docs",
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			FailureWindow:     60 * time.Second,
			ResetTimeout:      30 * time.Second,
			HalfOpenMaxProbes: 1,
		},
		Embedding: EmbeddingConfig{
			ModelID: "text-embedding-3-small",
			Version: "v1",
			Dim:     1536,
		},
		Reasoning: ReasoningConfig{
			ModelID:       "gpt-4o-mini",
			PromptVersion: "p1",
			MaxHits:       6,
			Timeout:       60 * time.Second,
			AnswerTTL:     time.Hour,
		},
		Limits: LimitsConfig{
			MaxOpenPerRun:     3,
			MaxAttemptsPerDay: 3,
			PerNodeApplyCap:   4,
		},
		Adapters: AdapterConfig{
			CallTimeout: 10 * time.Second,
			MaxRetries:  3,
			RedisAddr:   "localhost:6379",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
	}
}

// Load reads the configuration file at path (optional), merges MCP_*
// environment overrides on top of the defaults, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	// Every default is registered under its dotted key: AutomaticEnv only
	// resolves MCP_* variables for keys viper knows about.
	var defaults map[string]any
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return Config{}, fmt.Errorf("flatten defaults: %w", err)
	}
	setDefaults(v, "", defaults)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	v.SetEnvPrefix("MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	// Unknown keys are rejected, not ignored.
	decode := func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults walks the decoded default tree and registers each leaf with
// viper under its dotted key.
func setDefaults(v *viper.Viper, prefix string, values map[string]any) {
	for key, val := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, full, nested)
			continue
		}
		v.SetDefault(full, val)
	}
}

// Validate checks ranges, enums and cross-field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if diff := math.Abs(c.Heuristic.Weights.Sum() - 1.0); diff >= 1e-9 {
		return fmt.Errorf("config validation: heuristic weights must sum to 1.0, got %v", c.Heuristic.Weights.Sum())
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config validation: store.dsn required for postgres driver")
	}
	if c.Reasoning.AnswerTTL < c.Retrieval.CacheTTL {
		return fmt.Errorf("config validation: reasoning.answer_ttl must be >= retrieval.cache_ttl")
	}
	return nil
}
