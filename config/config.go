// Package config provides configuration types and loading for the quarry
// service. Configuration is read from an optional YAML file, with environment
// variables taking precedence for connection-level settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the quarry service.
type Config struct {
	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Qdrant configures the vector engine connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Redis configures the key-value cache connection.
	Redis RedisConfig `yaml:"redis"`

	// Embedder configures the embedding provider.
	Embedder EmbedderConfig `yaml:"embedder"`

	// LLM configures the completion provider.
	LLM LLMConfig `yaml:"llm"`

	// Gates configures the quality-gate collaborator.
	Gates GatesConfig `yaml:"gates"`

	// Indexer configures the incremental indexer.
	Indexer IndexerConfig `yaml:"indexer"`

	// Session configures session lifecycle windows.
	Session SessionConfig `yaml:"session"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host to bind (default: 0.0.0.0).
	Host string `yaml:"host"`

	// Port to listen on (default: 8420).
	Port int `yaml:"port"`

	// ShutdownTimeout bounds graceful shutdown (default: 10s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QdrantConfig configures the vector engine client.
type QdrantConfig struct {
	// Host of the Qdrant gRPC endpoint (default: localhost).
	Host string `yaml:"host"`

	// Port of the Qdrant gRPC endpoint (default: 6334).
	Port int `yaml:"port"`

	// APIKey for authenticated deployments (optional).
	APIKey string `yaml:"api_key"`

	// UseTLS enables TLS on the client connection.
	UseTLS bool `yaml:"use_tls"`

	// VectorSize is the dense vector dimension for all collections
	// (default: 1024).
	VectorSize uint64 `yaml:"vector_size"`
}

// RedisConfig configures the cache client.
type RedisConfig struct {
	// Addr is the host:port of the Redis server (default: localhost:6379).
	Addr string `yaml:"addr"`

	// Password for authenticated deployments (optional).
	Password string `yaml:"password"`

	// DB selects the Redis logical database (default: 0).
	DB int `yaml:"db"`
}

// EmbedderConfig configures the embedding provider client.
type EmbedderConfig struct {
	// BaseURL of the embedding provider (default: http://localhost:8080).
	BaseURL string `yaml:"base_url"`

	// APIKey for authenticated providers (optional).
	APIKey string `yaml:"api_key"`

	// Timeout for provider requests (default: 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the completion provider client.
type LLMConfig struct {
	// BaseURL of the completion provider (default: http://localhost:11434).
	BaseURL string `yaml:"base_url"`

	// APIKey for authenticated providers (optional).
	APIKey string `yaml:"api_key"`

	// Model name passed through to the provider.
	Model string `yaml:"model"`

	// Timeout for provider requests (default: 60s).
	Timeout time.Duration `yaml:"timeout"`
}

// GatesConfig configures the quality-gate collaborator.
type GatesConfig struct {
	// BaseURL of the quality-gate service. Empty disables gate checks.
	BaseURL string `yaml:"base_url"`

	// Timeout for a full gate run (default: 120s).
	Timeout time.Duration `yaml:"timeout"`
}

// IndexerConfig configures the incremental indexer.
type IndexerConfig struct {
	// IncludePatterns select files to index. Defaults cover common code
	// extensions.
	IncludePatterns []string `yaml:"include_patterns"`

	// ExcludePatterns reject files and directories.
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// ChunkSize is the greedy-packing budget per chunk in characters
	// (default: 1000).
	ChunkSize int `yaml:"chunk_size"`

	// FileBatchSize is the number of files processed per batch (default: 20).
	FileBatchSize int `yaml:"file_batch_size"`

	// EmbedBatchSize is the number of chunks per embedding call
	// (default: 100).
	EmbedBatchSize int `yaml:"embed_batch_size"`

	// WatchDebounce delays watcher-triggered reindex runs (default: 2s).
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// SessionConfig configures session lifecycle windows. The stale and resume
// windows are inherited operational constants; they are configurable here
// rather than hard-coded.
type SessionConfig struct {
	// StaleAfter marks an active session stale once its last activity is
	// older than this (default: 2h).
	StaleAfter time.Duration `yaml:"stale_after"`

	// ResumeWindow bounds how far back auto-resume looks for a previous
	// session (default: 24h).
	ResumeWindow time.Duration `yaml:"resume_window"`

	// MergeInterval is the minimum gap between auto-merge runs per project
	// (default: 1h).
	MergeInterval time.Duration `yaml:"merge_interval"`
}

// DefaultIncludePatterns cover common source extensions.
var DefaultIncludePatterns = []string{
	"*.go", "*.ts", "*.tsx", "*.js", "*.jsx", "*.py", "*.rs", "*.java",
	"*.kt", "*.rb", "*.c", "*.h", "*.cpp", "*.hpp", "*.cs", "*.swift",
	"*.sh", "*.sql", "*.yaml", "*.yml", "*.toml", "*.json", "*.md",
}

// DefaultExcludePatterns reject dependency trees, build output and VCS state.
var DefaultExcludePatterns = []string{
	"**/node_modules/**", "**/.git/**", "**/dist/**", "**/build/**",
	"**/target/**", "**/vendor/**", "**/__pycache__/**", "**/.venv/**",
	"*.lock", "package-lock.json", "yarn.lock", "go.sum",
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Qdrant.Host == "" {
		c.Qdrant.Host = "localhost"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.Qdrant.VectorSize == 0 {
		c.Qdrant.VectorSize = 1024
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Embedder.BaseURL == "" {
		c.Embedder.BaseURL = "http://localhost:8080"
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30 * time.Second
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:11434"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}

	if c.Gates.Timeout == 0 {
		c.Gates.Timeout = 120 * time.Second
	}

	if len(c.Indexer.IncludePatterns) == 0 {
		c.Indexer.IncludePatterns = DefaultIncludePatterns
	}
	if len(c.Indexer.ExcludePatterns) == 0 {
		c.Indexer.ExcludePatterns = DefaultExcludePatterns
	}
	if c.Indexer.ChunkSize == 0 {
		c.Indexer.ChunkSize = 1000
	}
	if c.Indexer.FileBatchSize == 0 {
		c.Indexer.FileBatchSize = 20
	}
	if c.Indexer.EmbedBatchSize == 0 {
		c.Indexer.EmbedBatchSize = 100
	}
	if c.Indexer.WatchDebounce == 0 {
		c.Indexer.WatchDebounce = 2 * time.Second
	}

	if c.Session.StaleAfter == 0 {
		c.Session.StaleAfter = 2 * time.Hour
	}
	if c.Session.ResumeWindow == 0 {
		c.Session.ResumeWindow = 24 * time.Hour
	}
	if c.Session.MergeInterval == 0 {
		c.Session.MergeInterval = time.Hour
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("qdrant: invalid port %d", c.Qdrant.Port)
	}
	if c.Qdrant.VectorSize == 0 {
		return fmt.Errorf("qdrant: vector size must be positive")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	if c.Embedder.BaseURL == "" {
		return fmt.Errorf("embedder: base_url is required")
	}
	if c.Indexer.ChunkSize < 100 {
		return fmt.Errorf("indexer: chunk_size %d is too small", c.Indexer.ChunkSize)
	}
	return nil
}

// Load reads configuration from path (optional), applies environment
// overrides, defaults and validation. An empty path yields a pure
// env/defaults configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
