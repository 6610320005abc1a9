package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level process configuration.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Crew      CrewConfig       `json:"crew"`
	Memory    MemoryConfig     `json:"memory"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Database  DatabaseConfig   `json:"database"`
	MCP       MCPConfig        `json:"mcp"`
	Gateway   GatewayConfig    `json:"gateway"`
	Telemetry TelemetryConfig  `json:"telemetry"`
	Bootstrap BootstrapConfig  `json:"bootstrap"`
	SkillsDir string           `json:"skills_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	APIKey         string            `json:"api_key"`
	Models         []string          `json:"models,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// CrewConfig points at the worker/task documents and run-level knobs.
type CrewConfig struct {
	Workers      string `json:"workers"`
	Tasks        string `json:"tasks"`
	Requirement  string `json:"requirement"`
	OutputDir    string `json:"output_dir"`
	MaxParallel  int    `json:"max_parallel"`
	RetryDelayMS int    `json:"retry_delay_ms"`
}

// RetryDelay returns the configured pause between attempts.
func (c CrewConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

type MemoryConfig struct {
	LongTermBackend  string `json:"long_term_backend"`  // "sqlite" or "postgres"
	LongTermPath     string `json:"long_term_path"`
	ShortTermBackend string `json:"short_term_backend"` // "file" or "qdrant"
	EntityBackend    string `json:"entity_backend"`     // "file" or "neo4j"
	IndexDir         string `json:"index_dir"`
	RetainIndex      bool   `json:"retain_index"`
	TopK             int    `json:"top_k"`
	ContextTokens    int    `json:"context_tokens"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type GatewayConfig struct {
	Slack   ChannelConfig `json:"slack"`
	Discord ChannelConfig `json:"discord"`
}

// ChannelConfig is a notification target on one chat platform.
type ChannelConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type TelemetryConfig struct {
	Disabled bool `json:"disabled"`
}

type BootstrapConfig struct {
	Installer      string   `json:"installer"`
	InstallCommand []string `json:"install_command"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("read config: %w", err)}
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("parse config: %w", err)}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Crew.Workers == "" {
		c.Crew.Workers = "configs/workers.yaml"
	}
	if c.Crew.Tasks == "" {
		c.Crew.Tasks = "configs/tasks.yaml"
	}
	if c.Crew.Requirement == "" {
		c.Crew.Requirement = "requirements/assignment.txt"
	}
	if c.Crew.OutputDir == "" {
		c.Crew.OutputDir = "output"
	}
	if c.Crew.MaxParallel <= 0 {
		c.Crew.MaxParallel = 4
	}
	if c.Memory.LongTermBackend == "" {
		c.Memory.LongTermBackend = "sqlite"
	}
	if c.Memory.LongTermPath == "" {
		c.Memory.LongTermPath = "memory/long_term_memory_storage.db"
	}
	if c.Memory.ShortTermBackend == "" {
		c.Memory.ShortTermBackend = "file"
	}
	if c.Memory.EntityBackend == "" {
		c.Memory.EntityBackend = "file"
	}
	if c.Memory.IndexDir == "" {
		c.Memory.IndexDir = "memory"
	}
	if c.Memory.TopK <= 0 {
		c.Memory.TopK = 3
	}
	if c.Memory.ContextTokens <= 0 {
		c.Memory.ContextTokens = 8000
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
}
