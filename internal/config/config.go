// Package config is the reference ConfigurationProvider (§6, A2):
// CouncilConfig/DeliberationConfig/SynthesisConfig/PerformanceConfig are
// loaded from YAML plus environment overrides, with an optional
// fsnotify-driven hot reload. The orchestration/synthesis/pool packages
// depend only on the Provider interface, never on this package's
// loading mechanics.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/council-proxy/core/internal/models"
)

// CouncilConfig is the active set of council members and the
// minimum-size gate evaluated once at round 0.
type CouncilConfig struct {
	Members                    []models.CouncilMember `yaml:"members"`
	RequireMinimumForConsensus bool                    `yaml:"require_minimum_for_consensus"`
	MinimumSize                int                     `yaml:"minimum_size"`
}

// Validate enforces CouncilConfig's invariants: non-empty, unique ids,
// each member individually valid.
func (c CouncilConfig) Validate() error {
	if len(c.Members) == 0 {
		return models.NewError(models.ErrInvalidRequest, "council_config.members must not be empty", nil)
	}
	seen := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.ID] {
			return models.NewError(models.ErrInvalidRequest, "council_config.members has duplicate id "+m.ID, nil)
		}
		seen[m.ID] = true
	}
	if c.MinimumSize < 0 {
		return models.NewError(models.ErrInvalidRequest, "council_config.minimum_size must be >= 0", nil)
	}
	return nil
}

// DeliberationConfig controls the §4.7 step-6 deliberation rounds run
// when the synthesis strategy is not iterative-consensus.
type DeliberationConfig struct {
	Rounds int `yaml:"rounds"`
}

func (d DeliberationConfig) Validate() error {
	if d.Rounds < 0 {
		return models.NewError(models.ErrInvalidRequest, "deliberation_config.rounds must be >= 0", nil)
	}
	return nil
}

// ModeratorStrategy is the §4.5 tagged union for meta-synthesis's
// moderator selection.
type ModeratorStrategy struct {
	Tag      string `yaml:"tag"` // "permanent" | "rotate" | "strongest"
	MemberID string `yaml:"member_id,omitempty"`
}

const (
	ModeratorPermanent = "permanent"
	ModeratorRotate    = "rotate"
	ModeratorStrongest = "strongest"
)

func (m ModeratorStrategy) Validate() error {
	switch m.Tag {
	case ModeratorPermanent:
		if m.MemberID == "" {
			return models.NewError(models.ErrInvalidRequest, "moderator_strategy.member_id required for permanent", nil)
		}
	case ModeratorRotate, ModeratorStrongest:
	default:
		return models.NewError(models.ErrInvalidRequest, "moderator_strategy.tag must be permanent|rotate|strongest", nil)
	}
	return nil
}

// NegotiationMode is C6's §4.6 negotiationMode option.
type NegotiationMode string

const (
	NegotiationParallel   NegotiationMode = "parallel"
	NegotiationSequential NegotiationMode = "sequential"
)

// IterativeConsensusConfig is the §4.6 configuration table, fully enumerated.
type IterativeConsensusConfig struct {
	MaxRounds                 int                          `yaml:"max_rounds"`
	AgreementThreshold        float64                      `yaml:"agreement_threshold"`
	FallbackStrategy          models.SynthesisStrategy      `yaml:"fallback_strategy"`
	EarlyTerminationEnabled   bool                          `yaml:"early_termination_enabled"`
	EarlyTerminationThreshold float64                       `yaml:"early_termination_threshold"`
	NegotiationMode           NegotiationMode               `yaml:"negotiation_mode"`
	RandomizationSeed         *int64                        `yaml:"randomization_seed,omitempty"`
	PerRoundTimeout           time.Duration                 `yaml:"per_round_timeout"`
	HumanEscalationEnabled    bool                          `yaml:"human_escalation_enabled"`
	EscalationChannels        []string                      `yaml:"escalation_channels"`
	EscalationRateLimit       int                           `yaml:"escalation_rate_limit"`
	ExampleCount              int                           `yaml:"example_count"`
	PromptTemplates           map[string]string             `yaml:"prompt_templates"`
}

func (c IterativeConsensusConfig) Validate() error {
	if c.MaxRounds < 1 || c.MaxRounds > 10 {
		return models.NewError(models.ErrInvalidRequest, "iterative_consensus.max_rounds must be in [1,10]", nil)
	}
	if c.AgreementThreshold < 0.7 || c.AgreementThreshold > 1.0 {
		return models.NewError(models.ErrInvalidRequest, "iterative_consensus.agreement_threshold must be in [0.7,1.0]", nil)
	}
	switch c.FallbackStrategy {
	case models.StrategyConsensusExtraction, models.StrategyWeightedFusion, models.StrategyMetaSynthesis:
	default:
		return models.NewError(models.ErrInvalidRequest, "iterative_consensus.fallback_strategy must be one of the three non-iterative strategies", nil)
	}
	if c.NegotiationMode != NegotiationParallel && c.NegotiationMode != NegotiationSequential {
		return models.NewError(models.ErrInvalidRequest, "iterative_consensus.negotiation_mode must be parallel|sequential", nil)
	}
	if c.EscalationRateLimit < 0 {
		return models.NewError(models.ErrInvalidRequest, "iterative_consensus.escalation_rate_limit must be >= 0", nil)
	}
	return nil
}

// EarlyTerminationThresholdOrDefault applies §4.6's default of 0.95.
func (c IterativeConsensusConfig) EarlyTerminationThresholdOrDefault() float64 {
	if c.EarlyTerminationThreshold <= 0 {
		return 0.95
	}
	return c.EarlyTerminationThreshold
}

// EscalationRateLimitOrDefault applies §4.6's default of 5/hr.
func (c IterativeConsensusConfig) EscalationRateLimitOrDefault() int {
	if c.EscalationRateLimit <= 0 {
		return 5
	}
	return c.EscalationRateLimit
}

// SynthesisConfig is the §4.5 tagged-union strategy selection plus its
// per-variant payload.
type SynthesisConfig struct {
	Strategy           models.SynthesisStrategy  `yaml:"strategy"`
	Weights            map[string]float64        `yaml:"weights,omitempty"`
	ReducerMemberID     string                   `yaml:"reducer_member_id,omitempty"`
	ModeratorStrategy   ModeratorStrategy         `yaml:"moderator_strategy,omitempty"`
	AgreementThreshold  float64                   `yaml:"agreement_threshold"`
	IterativeConsensus  IterativeConsensusConfig  `yaml:"iterative_consensus,omitempty"`
}

func (s SynthesisConfig) Validate() error {
	switch s.Strategy {
	case models.StrategyConsensusExtraction:
	case models.StrategyWeightedFusion:
		if len(s.Weights) == 0 {
			return models.NewError(models.ErrInvalidRequest, "synthesis_config.weights required for weighted-fusion", nil)
		}
	case models.StrategyMetaSynthesis:
		if err := s.ModeratorStrategy.Validate(); err != nil {
			return err
		}
	case models.StrategyIterativeConsensus:
		if err := s.IterativeConsensus.Validate(); err != nil {
			return err
		}
	default:
		return models.NewError(models.ErrInvalidRequest, "synthesis_config.strategy must be one of the four enumerated tags", nil)
	}
	return nil
}

// HealthConfig configures the Health Tracker (C2)'s sliding window and
// circuit-breaker thresholds. Spec §4.2: "all numeric thresholds MUST be
// configurable; defaults shown." DegradedLatency is in nanoseconds, same
// convention as IterativeConsensusConfig.PerRoundTimeout.
type HealthConfig struct {
	WindowSize       int           `yaml:"window_size"`
	FailureThreshold int           `yaml:"failure_threshold"`
	DegradedLatency  time.Duration `yaml:"degraded_latency"`
}

func (h HealthConfig) Validate() error {
	if h.WindowSize <= 0 {
		return models.NewError(models.ErrInvalidRequest, "health_config.window_size must be > 0", nil)
	}
	if h.FailureThreshold <= 0 {
		return models.NewError(models.ErrInvalidRequest, "health_config.failure_threshold must be > 0", nil)
	}
	if h.DegradedLatency <= 0 {
		return models.NewError(models.ErrInvalidRequest, "health_config.degraded_latency must be > 0", nil)
	}
	return nil
}

// PerformanceConfig is the §6 ConfigurationProvider.getPerformanceConfig() shape.
type PerformanceConfig struct {
	GlobalTimeoutSec    float64 `yaml:"global_timeout_sec"`
	EnableFastFallback  bool    `yaml:"enable_fast_fallback"`
	StreamingEnabled    bool    `yaml:"streaming_enabled"`
}

func (p PerformanceConfig) Validate() error {
	if p.GlobalTimeoutSec <= 0 {
		return models.NewError(models.ErrInvalidRequest, "performance_config.global_timeout_sec must be > 0", nil)
	}
	return nil
}

// GlobalTimeout returns the configured global deadline as a time.Duration.
func (p PerformanceConfig) GlobalTimeout() time.Duration {
	return time.Duration(p.GlobalTimeoutSec * float64(time.Second))
}

// Config is the full root document loaded from YAML. Infrastructure
// sections (EventSink backends, Redis, logging) are ambient and live
// alongside the core's four config sections.
type Config struct {
	Council      CouncilConfig      `yaml:"council"`
	Deliberation DeliberationConfig `yaml:"deliberation"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Performance  PerformanceConfig  `yaml:"performance"`
	Health       HealthConfig       `yaml:"health"`
	Services     ServicesConfig     `yaml:"services"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// LoggingConfig controls the A1 structured-logging setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// ServiceEndpoint is a trimmed version of the teacher's config: only the
// infrastructure this domain actually wires (Postgres/Redis/Kafka/RabbitMQ/Prometheus),
// dropping Cognee/ChromaDB/Neo4j/Qdrant/Weaviate/Grafana/LangChain/LlamaIndex as
// irrelevant to the Council Proxy (see DESIGN.md).
type ServiceEndpoint struct {
	Host    string `yaml:"host"`
	Port    string `yaml:"port"`
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// ResolvedURL builds the full URL from host:port, or returns URL if set.
func (e ServiceEndpoint) ResolvedURL() string {
	if e.URL != "" {
		return e.URL
	}
	if e.Host == "" {
		return ""
	}
	if e.Port == "" {
		return e.Host
	}
	return e.Host + ":" + e.Port
}

// ServicesConfig holds the infrastructure endpoints the reference
// binary wires up (EventSink backends, escalation rate limiter).
type ServicesConfig struct {
	Postgres   ServiceEndpoint `yaml:"postgres"`
	Redis      ServiceEndpoint `yaml:"redis"`
	Kafka      ServiceEndpoint `yaml:"kafka"`
	RabbitMQ   ServiceEndpoint `yaml:"rabbitmq"`
	Prometheus ServiceEndpoint `yaml:"prometheus"`
}

// Validate checks every section's invariants.
func (c Config) Validate() error {
	if err := c.Council.Validate(); err != nil {
		return err
	}
	if err := c.Deliberation.Validate(); err != nil {
		return err
	}
	if err := c.Synthesis.Validate(); err != nil {
		return err
	}
	if err := c.Performance.Validate(); err != nil {
		return err
	}
	return c.Health.Validate()
}

// Default returns a minimally valid Config suitable as a starting point
// before YAML/env overrides are applied.
func Default() Config {
	return Config{
		Council: CouncilConfig{
			MinimumSize:                1,
			RequireMinimumForConsensus: false,
		},
		Deliberation: DeliberationConfig{Rounds: 0},
		Synthesis: SynthesisConfig{
			Strategy:           models.StrategyConsensusExtraction,
			AgreementThreshold: 0.8,
		},
		Performance: PerformanceConfig{
			GlobalTimeoutSec:   120,
			EnableFastFallback: true,
			StreamingEnabled:   false,
		},
		Health: HealthConfig{
			WindowSize:       100,
			FailureThreshold: 5,
			DegradedLatency:  10 * time.Second,
		},
		Services: ServicesConfig{
			Postgres:   ServiceEndpoint{Host: "localhost", Port: "5432", Enabled: false},
			Redis:      ServiceEndpoint{Host: "localhost", Port: "6379", Enabled: false},
			Kafka:      ServiceEndpoint{Host: "localhost", Port: "9092", Enabled: false},
			RabbitMQ:   ServiceEndpoint{Host: "localhost", Port: "5672", Enabled: false},
			Prometheus: ServiceEndpoint{Host: "localhost", Port: "9090", Enabled: true},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// applyEnvOverrides layers environment variables over a YAML-loaded (or
// default) Config, matching the teacher's env-precedence idiom.
func applyEnvOverrides(cfg *Config) {
	cfg.Performance.GlobalTimeoutSec = getFloatEnv("COUNCIL_GLOBAL_TIMEOUT_SEC", cfg.Performance.GlobalTimeoutSec)
	cfg.Performance.EnableFastFallback = getBoolEnv("COUNCIL_ENABLE_FAST_FALLBACK", cfg.Performance.EnableFastFallback)
	cfg.Performance.StreamingEnabled = getBoolEnv("COUNCIL_STREAMING_ENABLED", cfg.Performance.StreamingEnabled)

	cfg.Council.MinimumSize = getIntEnv("COUNCIL_MINIMUM_SIZE", cfg.Council.MinimumSize)
	cfg.Council.RequireMinimumForConsensus = getBoolEnv("COUNCIL_REQUIRE_MINIMUM", cfg.Council.RequireMinimumForConsensus)

	cfg.Health.WindowSize = getIntEnv("COUNCIL_HEALTH_WINDOW_SIZE", cfg.Health.WindowSize)
	cfg.Health.FailureThreshold = getIntEnv("COUNCIL_HEALTH_FAILURE_THRESHOLD", cfg.Health.FailureThreshold)
	cfg.Health.DegradedLatency = time.Duration(getFloatEnv("COUNCIL_HEALTH_DEGRADED_LATENCY_SEC",
		cfg.Health.DegradedLatency.Seconds()) * float64(time.Second))

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Services.Postgres.Host = getEnv("SVC_POSTGRES_HOST", cfg.Services.Postgres.Host)
	cfg.Services.Postgres.Port = getEnv("SVC_POSTGRES_PORT", cfg.Services.Postgres.Port)
	cfg.Services.Postgres.Enabled = getBoolEnv("SVC_POSTGRES_ENABLED", cfg.Services.Postgres.Enabled)

	cfg.Services.Redis.Host = getEnv("SVC_REDIS_HOST", cfg.Services.Redis.Host)
	cfg.Services.Redis.Port = getEnv("SVC_REDIS_PORT", cfg.Services.Redis.Port)
	cfg.Services.Redis.Enabled = getBoolEnv("SVC_REDIS_ENABLED", cfg.Services.Redis.Enabled)

	cfg.Services.Kafka.Host = getEnv("SVC_KAFKA_HOST", cfg.Services.Kafka.Host)
	cfg.Services.Kafka.Enabled = getBoolEnv("SVC_KAFKA_ENABLED", cfg.Services.Kafka.Enabled)

	cfg.Services.RabbitMQ.Host = getEnv("SVC_RABBITMQ_HOST", cfg.Services.RabbitMQ.Host)
	cfg.Services.RabbitMQ.Enabled = getBoolEnv("SVC_RABBITMQ_ENABLED", cfg.Services.RabbitMQ.Enabled)

	_ = getEnvSlice // not called by any override in this package
}
