// Package config loads service settings from defaults, an optional YAML
// file and FINGUARD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hubenschmidt/finguard-observability/internal/cost"
)

// EnvPrefix prefixes every environment override, e.g. FINGUARD_SERVER_PORT.
const EnvPrefix = "FINGUARD"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cost      CostConfig      `mapstructure:"cost"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
	Index     IndexConfig     `mapstructure:"index"`
}

type ServerConfig struct {
	Port                  string        `mapstructure:"port"`
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	TraceEventBuffer      int           `mapstructure:"trace_event_buffer"`
}

// ProviderConfig addresses one model provider.
type ProviderConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type LLMConfig struct {
	Engine        string         `mapstructure:"engine"`
	SystemPrompt  string         `mapstructure:"system_prompt"`
	MaxTokens     int            `mapstructure:"max_tokens"`
	PoolSize      int            `mapstructure:"pool_size"`
	TokenEncoding string         `mapstructure:"token_encoding"`
	Ollama        ProviderConfig `mapstructure:"ollama"`
	OpenAI        ProviderConfig `mapstructure:"openai"`
	Anthropic     ProviderConfig `mapstructure:"anthropic"`
	Agent         ProviderConfig `mapstructure:"agent"`
}

type EmbeddingConfig struct {
	Engine     string        `mapstructure:"engine"`
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	VectorSize int           `mapstructure:"vector_size"`
	PoolSize   int           `mapstructure:"pool_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

type RetrievalConfig struct {
	Backend        string  `mapstructure:"backend"`
	TopK           int     `mapstructure:"top_k"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
}

type QdrantConfig struct {
	URL        string `mapstructure:"url"`
	Collection string `mapstructure:"collection"`
	PoolSize   int    `mapstructure:"pool_size"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CostConfig struct {
	InputPer1K  float64      `mapstructure:"input_per_1k"`
	OutputPer1K float64      `mapstructure:"output_per_1k"`
	Models      []ModelRates `mapstructure:"models"`
}

// ModelRates overrides pricing for one model. Names stay out of map keys,
// which viper splits on "." and lowercases.
type ModelRates struct {
	Model       string  `mapstructure:"model"`
	InputPer1K  float64 `mapstructure:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k"`
}

type TelemetryConfig struct {
	Stdout      bool   `mapstructure:"stdout"`
	Pretty      bool   `mapstructure:"pretty"`
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type IndexConfig struct {
	Dir           string  `mapstructure:"dir"`
	Concurrency   int     `mapstructure:"concurrency"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	MinChunkChars int     `mapstructure:"min_chunk_chars"`
}

// Model returns the configured pricing model.
func (c CostConfig) Model() *cost.Model {
	overrides := make(map[string]cost.Rates, len(c.Models))
	for _, m := range c.Models {
		overrides[m.Model] = cost.Rates{InputPer1K: m.InputPer1K, OutputPer1K: m.OutputPer1K}
	}
	return cost.NewModel(cost.Rates{InputPer1K: c.InputPer1K, OutputPer1K: c.OutputPer1K}, overrides)
}

// legacyEnv maps keys to the unprefixed variable names older deployments set.
var legacyEnv = map[string]string{
	"server.port":                    "GATEWAY_PORT",
	"server.max_concurrent_sessions": "MAX_CONCURRENT_CALLS",
	"llm.ollama.url":                 "OLLAMA_URL",
	"llm.ollama.model":               "OLLAMA_MODEL",
	"llm.system_prompt":              "LLM_SYSTEM_PROMPT",
	"llm.max_tokens":                 "LLM_MAX_TOKENS",
	"llm.pool_size":                  "LLM_POOL_SIZE",
	"llm.openai.api_key":             "OPENAI_API_KEY",
	"llm.anthropic.api_key":          "ANTHROPIC_API_KEY",
	"embedding.model":                "EMBEDDING_MODEL",
	"embedding.vector_size":          "VECTOR_SIZE",
	"retrieval.top_k":                "TOP_K_RESULTS",
	"retrieval.score_threshold":      "RAG_SCORE_THRESHOLD",
	"qdrant.url":                     "QDRANT_URL",
	"qdrant.pool_size":               "QDRANT_POOL_SIZE",
	"postgres.dsn":                   "DATABASE_URL",
	"redis.addr":                     "REDIS_ADDR",
}

// Load reads configuration. An empty path skips the config file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.LLM.Engine {
	case "ollama", "openai", "anthropic", "agent":
	default:
		errs = append(errs, fmt.Errorf("llm.engine %q: want ollama, openai, anthropic or agent", c.LLM.Engine))
	}
	switch c.Embedding.Engine {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("embedding.engine %q: want ollama or openai", c.Embedding.Engine))
	}
	switch c.Retrieval.Backend {
	case "qdrant", "pgvector", "memory":
	default:
		errs = append(errs, fmt.Errorf("retrieval.backend %q: want qdrant, pgvector or memory", c.Retrieval.Backend))
	}
	if c.Retrieval.Backend == "pgvector" && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required for the pgvector backend"))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Cost.InputPer1K < 0 || c.Cost.OutputPer1K < 0 {
		errs = append(errs, errors.New("cost rates must not be negative"))
	}
	seen := make(map[string]bool, len(c.Cost.Models))
	for i, m := range c.Cost.Models {
		switch {
		case m.Model == "":
			errs = append(errs, fmt.Errorf("cost.models[%d]: model is required", i))
		case seen[m.Model]:
			errs = append(errs, fmt.Errorf("cost.models[%d]: duplicate model %q", i, m.Model))
		case m.InputPer1K < 0 || m.OutputPer1K < 0:
			errs = append(errs, fmt.Errorf("cost.models[%d]: cost rates must not be negative", i))
		}
		seen[m.Model] = true
	}
	if c.Server.MaxConcurrentSessions <= 0 {
		errs = append(errs, errors.New("server.max_concurrent_sessions must be positive"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.max_concurrent_sessions", 100)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trace_event_buffer", 256)

	v.SetDefault("llm.engine", "ollama")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.pool_size", 50)
	v.SetDefault("llm.token_encoding", "cl100k_base")
	v.SetDefault("llm.ollama.url", "http://localhost:11434")
	v.SetDefault("llm.ollama.api_key", "")
	v.SetDefault("llm.ollama.model", "llama3.2:3b")
	v.SetDefault("llm.openai.url", "")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.anthropic.url", "")
	v.SetDefault("llm.anthropic.api_key", "")
	v.SetDefault("llm.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.agent.url", "")
	v.SetDefault("llm.agent.api_key", "")
	v.SetDefault("llm.agent.model", "gpt-4o-mini")

	v.SetDefault("embedding.engine", "ollama")
	v.SetDefault("embedding.url", "http://localhost:11434")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.vector_size", 768)
	v.SetDefault("embedding.pool_size", 10)
	v.SetDefault("embedding.cache_ttl", 24*time.Hour)

	v.SetDefault("retrieval.backend", "qdrant")
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.score_threshold", 0.0)

	v.SetDefault("qdrant.url", "http://localhost:6333")
	v.SetDefault("qdrant.collection", "finguard_policies")
	v.SetDefault("qdrant.pool_size", 10)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	defaults := cost.DefaultRates()
	v.SetDefault("cost.input_per_1k", defaults.InputPer1K)
	v.SetDefault("cost.output_per_1k", defaults.OutputPer1K)
	v.SetDefault("cost.models", []any{})

	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.pretty", false)
	v.SetDefault("telemetry.service_name", "finguard-rag")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("index.dir", "")
	v.SetDefault("index.concurrency", 4)
	v.SetDefault("index.rate_per_second", 0.0)
	v.SetDefault("index.min_chunk_chars", 50)
}
