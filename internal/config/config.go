// Package config loads the loom service configuration: defaults, then
// a TOML file, then environment overrides (env wins).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	LLM       LLMConfig       `toml:"llm"`
	Fallback  LLMConfig       `toml:"fallback"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Memory    MemoryConfig    `toml:"memory"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	ToolProxy ToolProxyConfig `toml:"tool_proxy"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Tools     ToolsConfig     `toml:"tools"`
	Cache     CacheConfig     `toml:"cache"`
	RAG       RAGConfig       `toml:"rag"`
	Routing   RoutingConfig   `toml:"routing"`
	Audit     AuditConfig     `toml:"audit"`
	Janitor   JanitorConfig   `toml:"janitor"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr         string `toml:"addr"`
	SystemPrompt string `toml:"system_prompt"`
	HistoryLimit int    `toml:"history_limit"`
}

// LLMConfig names one chat provider. Provider is a family name the
// resolver understands (openai, anthropic, gemini, ollama) or any
// OpenAI-compatible service when BaseURL is set.
type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

// MemoryConfig controls the tiered memory provider. Model is the
// extraction/summary LLM.
type MemoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Model   string `toml:"model"`
}

type DatabaseConfig struct {
	// PostgresURL selects the pgx store when set; SQLitePath is the
	// embedded fallback.
	PostgresURL string `toml:"postgres_url"`
	SQLitePath  string `toml:"sqlite_path"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type ToolProxyConfig struct {
	URL            string   `toml:"url"`
	InternalKey    string   `toml:"internal_key"`
	APIKeyPrefixes []string `toml:"api_key_prefixes"`
	CodeAgentID    string   `toml:"code_agent_id"`
}

type SandboxConfig struct {
	URL          string `toml:"url"`
	CallbackAddr string `toml:"callback_addr"`
}

type ToolsConfig struct {
	// Limit caps the tool list sent to the model (default 127).
	Limit int `toml:"limit"`
	// MaxRounds caps provider round-trips per request (default 8).
	MaxRounds int `toml:"max_rounds"`
	// TimeoutMs is the tool-proxy dispatch cap (default 600000).
	TimeoutMs int `toml:"timeout_ms"`
	// CodeTools routes matching names to the code-execution backend.
	CodeTools []string `toml:"code_tools"`
}

type CacheConfig struct {
	// SemanticMinSimilarity is the cosine floor for the semantic tier
	// (default 0.90).
	SemanticMinSimilarity float64 `toml:"semantic_min_similarity"`
	// LookupTimeoutMs soft-caps cache lookups; a timeout is a miss
	// (default 500).
	LookupTimeoutMs int `toml:"lookup_timeout_ms"`
	// ScopeKeys are the argument keys inspected for resource scopes.
	ScopeKeys []string `toml:"scope_keys"`
}

type RAGConfig struct {
	Enabled         bool     `toml:"enabled"`
	MinRelevance    float64  `toml:"min_relevance"`
	MaxDocs         int      `toml:"max_docs"`
	MaxChats        int      `toml:"max_chats"`
	MaxArtifacts    int      `toml:"max_artifacts"`
	EnableArtifacts bool     `toml:"enable_artifacts"`
	Collections     []string `toml:"collections"`
}

type RoutingConfig struct {
	// DefaultModel is mandatory when nothing else selects a model.
	DefaultModel string `toml:"default_model"`
	// PipelineModel overrides the default for this deployment.
	PipelineModel string `toml:"pipeline_model"`
	// BandModels maps slider bands (economical/balanced/premium).
	BandModels map[string]string `toml:"band_models"`
	// VisionModels is the set known to accept images; empty = unknown.
	VisionModels []string `toml:"vision_models"`
	// VisionFallback replaces a text-only model when images arrive.
	VisionFallback string `toml:"vision_fallback"`
	// RouteSimpleToOllama lets task analysis send simple queries to a
	// cheap local model.
	RouteSimpleToOllama bool `toml:"route_simple_to_ollama"`
	// OllamaModel is the cheap model simple queries route to.
	OllamaModel string `toml:"ollama_model"`
	// BackgroundJobTool is forced on audit-style bulk requests.
	BackgroundJobTool string `toml:"background_job_tool"`
}

type AuditConfig struct {
	// Endpoint, when set, mirrors audit records to the platform API in
	// addition to the database table.
	Endpoint string `toml:"endpoint"`
	Buffer   int    `toml:"buffer"`
}

type JanitorConfig struct {
	// IntervalMinutes between sweeps. 0 disables the janitor.
	IntervalMinutes int `toml:"interval_minutes"`
	// SemanticMaxAgeHours evicts semantic cache rows older than this.
	SemanticMaxAgeHours int `toml:"semantic_max_age_hours"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080", HistoryLimit: 50},
		LLM:       LLMConfig{Provider: "openai", Model: "gpt-4.1"},
		Embedding: EmbeddingConfig{Model: "gemini-embedding-001", Dimensions: 1536},
		Memory:    MemoryConfig{Model: "gemini-2.5-flash-lite"},
		Database:  DatabaseConfig{SQLitePath: "loom.db"},
		Tools:     ToolsConfig{Limit: 127, MaxRounds: 8, TimeoutMs: 600_000},
		Cache: CacheConfig{
			SemanticMinSimilarity: 0.90,
			LookupTimeoutMs:       500,
			ScopeKeys: []string{
				"subscription_id", "subscriptionId",
				"account_id", "accountId",
				"project_id", "resource_group",
			},
		},
		RAG: RAGConfig{
			Enabled:         true,
			MinRelevance:    0.3,
			MaxDocs:         6,
			MaxChats:        4,
			MaxArtifacts:    4,
			EnableArtifacts: true,
		},
		Routing: RoutingConfig{DefaultModel: "gpt-4.1"},
		Audit:   AuditConfig{Buffer: 256},
		Janitor: JanitorConfig{IntervalMinutes: 15, SemanticMaxAgeHours: 24},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	applyEnv(&cfg)

	// Fallbacks between blocks.
	if cfg.Fallback.Provider != "" && cfg.Fallback.APIKey == "" {
		cfg.Fallback.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Routing.DefaultModel == "" {
		cfg.Routing.DefaultModel = cfg.LLM.Model
	}
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Server.Addr, "LOOM_ADDR")
	setStr(&cfg.LLM.APIKey, "LOOM_LLM_API_KEY")
	setStr(&cfg.Fallback.APIKey, "LOOM_FALLBACK_API_KEY")
	setStr(&cfg.Embedding.APIKey, "LOOM_EMBEDDING_API_KEY")
	setStr(&cfg.Database.PostgresURL, "LOOM_POSTGRES_URL")
	setStr(&cfg.Redis.Addr, "LOOM_REDIS_ADDR")
	setStr(&cfg.Sandbox.URL, "LOOM_SANDBOX_URL")
	setStr(&cfg.Audit.Endpoint, "LOOM_AUDIT_ENDPOINT")

	// Platform knobs keep their original names.
	setStr(&cfg.Routing.DefaultModel, "DEFAULT_CHAT_MODEL")
	setStr(&cfg.ToolProxy.URL, "TOOL_PROXY_URL")
	setStr(&cfg.ToolProxy.InternalKey, "API_INTERNAL_KEY")

	if v := os.Getenv("VISION_CAPABLE_MODELS"); v != "" {
		cfg.Routing.VisionModels = splitList(v)
	}
	if v := os.Getenv("ROUTE_SIMPLE_TO_OLLAMA"); v != "" {
		cfg.Routing.RouteSimpleToOllama = v == "true" || v == "1"
	}

	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt(&cfg.Tools.Limit, "TOOL_LIMIT")
	setInt(&cfg.Tools.MaxRounds, "MAX_TOOL_ROUNDS")
	setInt(&cfg.Tools.TimeoutMs, "TOOL_TIMEOUT_MS")

	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setFloat(&cfg.Cache.SemanticMinSimilarity, "SEMANTIC_CACHE_SIMILARITY_MIN")
	setFloat(&cfg.RAG.MinRelevance, "RAG_MIN_RELEVANCE")

	if v := os.Getenv("LOOM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
