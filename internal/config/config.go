package config

import (
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Routing    RoutingConfig    `yaml:"routing"`
	Memory     MemoryConfig     `yaml:"memory"`
	Response   ResponseConfig   `yaml:"response"`
	Features   FeaturesConfig   `yaml:"features"`
	Policy     PolicyConfig     `yaml:"policy"`
	Limits     LimitsConfig     `yaml:"limits"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	// Debug exposes internal error detail in terminal error responses.
	Debug bool `yaml:"debug"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ClassifierConfig controls the learned classifier stage. The rule engine
// always runs as the second stage.
type ClassifierConfig struct {
	LearnedAddress      string        `yaml:"learned_address"`
	LearnedTimeout      time.Duration `yaml:"learned_timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	RecentTurns         int           `yaml:"recent_turns"`
}

type RoutingConfig struct {
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	StreamTimeout  time.Duration        `yaml:"stream_timeout"`
	EnableFallback bool                 `yaml:"enable_fallback"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type MemoryConfig struct {
	// Backend is "postgres" or "memory".
	Backend         string        `yaml:"backend"`
	MaxHistoryTurns int           `yaml:"max_history_turns"`
	SemanticSearch  bool          `yaml:"semantic_search"`
	SimilarTopK     int           `yaml:"similar_top_k"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type ResponseConfig struct {
	DefaultFormat    string `yaml:"default_format"`
	Attribution      bool   `yaml:"attribution"`
	ShowThinking     bool   `yaml:"show_thinking"`
	ThinkingPosition string `yaml:"thinking_position"`
	MergeStrategy    string `yaml:"merge_strategy"`
}

type FeaturesConfig struct {
	LocalModels bool `yaml:"local_models"`
	Thinking    bool `yaml:"thinking"`
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type LimitsConfig struct {
	DefaultRPM int `yaml:"default_rpm"`
	// DailyTokenBudget is the per-user soft limit after which non-premium
	// users are routed with cost optimization.
	DailyTokenBudget int64 `yaml:"daily_token_budget"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     180 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "aegis",
			User:            "aegis",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Classifier: ClassifierConfig{
			LearnedTimeout:      2 * time.Second,
			ConfidenceThreshold: 0.7,
			RecentTurns:         3,
		},
		Routing: RoutingConfig{
			RequestTimeout: 30 * time.Second,
			StreamTimeout:  120 * time.Second,
			EnableFallback: true,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
		Memory: MemoryConfig{
			Backend:         "postgres",
			MaxHistoryTurns: 20,
			SemanticSearch:  false,
			SimilarTopK:     3,
			CacheTTL:        10 * time.Minute,
		},
		Response: ResponseConfig{
			DefaultFormat:    "markdown",
			Attribution:      true,
			ShowThinking:     false,
			ThinkingPosition: "before",
			MergeStrategy:    "sequential",
		},
		Features: FeaturesConfig{
			LocalModels: false,
			Thinking:    true,
		},
		Policy: PolicyConfig{
			Enabled:           false,
			BundlePath:        "/etc/aegis/policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Limits: LimitsConfig{
			DefaultRPM:       60,
			DailyTokenBudget: 200_000,
		},
	}
}
