package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

const (
	DefaultContextBudget = 50000
	DefaultModel         = "gemini-1.5-flash"
	DefaultFallbackModel = "gemini-pro"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	SheetURL string `yaml:"sheet_url"`

	LLM  LLMConfig  `yaml:"llm"`
	Chat ChatConfig `yaml:"chat"`

	GeminiAPIKey  string `yaml:"gemini_api_key"`
	GeminiBaseURL string `yaml:"gemini_base_url"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OllamaHost    string `yaml:"ollama_host"`

	// SheetRefreshInterval bounds how long a fetched spreadsheet is reused.
	// Zero means it is only refetched on manual refresh.
	SheetRefreshInterval time.Duration `yaml:"sheet_refresh_interval"`
	SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout"`

	PostgresDSN string `yaml:"postgres_dsn"`
	// SnapshotDB is a SQLite file used for parsed snapshots when PostgresDSN
	// is empty.
	SnapshotDB string `yaml:"snapshot_db"`
	Neo4jURI    string `yaml:"neo4j_uri"`
	Neo4jUser   string `yaml:"neo4j_username"`
	Neo4jPass   string `yaml:"neo4j_password"`

	Logging LoggingConfig `yaml:"logging"`
}

type LLMConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
}

type ChatConfig struct {
	ContextBudget  int    `yaml:"context_budget"`
	Persona        string `yaml:"persona"`
	FallbackPhrase string `yaml:"fallback_phrase"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		DataDir:  "data",
		LLM: LLMConfig{
			Provider:      ProviderGemini,
			Model:         DefaultModel,
			FallbackModel: DefaultFallbackModel,
		},
		Chat: ChatConfig{
			ContextBudget: DefaultContextBudget,
		},
		OllamaHost:           "http://localhost:11434",
		SheetRefreshInterval: 10 * time.Minute,
		SessionIdleTimeout:   30 * time.Minute,
		Neo4jUser:            "neo4j",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by POLICYBOT_CONFIG, and environment overrides, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := getEnv("POLICYBOT_CONFIG", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.SheetURL = getEnv("GSHEET_URL", c.SheetURL)

	c.LLM.Provider = strings.ToLower(getEnv("LLM_PROVIDER", c.LLM.Provider))
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.FallbackModel = getEnv("LLM_FALLBACK_MODEL", c.LLM.FallbackModel)

	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.GeminiAPIKey)
	c.GeminiBaseURL = getEnv("GEMINI_BASE_URL", c.GeminiBaseURL)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)

	c.PostgresDSN = getEnv("POSTGRES_DSN", c.PostgresDSN)
	c.SnapshotDB = getEnv("SNAPSHOT_DB", c.SnapshotDB)
	c.Neo4jURI = getEnv("NEO4J_URI", c.Neo4jURI)
	c.Neo4jUser = getEnv("NEO4J_USERNAME", c.Neo4jUser)
	c.Neo4jPass = getEnv("NEO4J_PASSWORD", c.Neo4jPass)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	if raw := getEnv("CONTEXT_BUDGET", ""); raw != "" {
		budget, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse CONTEXT_BUDGET: %w", err)
		}
		c.Chat.ContextBudget = budget
	}

	var err error
	if c.SheetRefreshInterval, err = getDuration("SHEET_REFRESH_INTERVAL", c.SheetRefreshInterval); err != nil {
		return err
	}
	if c.SessionIdleTimeout, err = getDuration("SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.Chat.ContextBudget <= 0 {
		return fmt.Errorf("context budget must be positive, got %d", c.Chat.ContextBudget)
	}
	if c.SheetRefreshInterval < 0 {
		return fmt.Errorf("sheet refresh interval must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
