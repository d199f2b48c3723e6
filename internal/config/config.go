// Package config provides application configuration management using koanf
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

// EnvPrefix is the prefix of environment variables read by Load. Nested keys are
// separated by a double underscore, e.g. DOCRAG_SERVER__PORT.
const EnvPrefix = "DOCRAG_"

// Vector backends.
const (
	VectorBackendSQLiteVec = "sqlitevec"
	VectorBackendPGVector  = "pgvector"
	VectorBackendMemory    = "memory"
)

// Ownership backends.
const (
	OwnershipBackendStore = "store"
	OwnershipBackendKeto  = "keto"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `koanf:"server"`

	// Database configuration
	Database DatabaseConfig `koanf:"database"`

	// File and vector storage
	Storage StorageConfig `koanf:"storage"`

	// External services
	Services ServicesConfig `koanf:"services"`

	// Retrieval tuning
	Search SearchConfig `koanf:"search"`

	// Ingestion pipeline
	Ingest IngestConfig `koanf:"ingest"`

	// Chat orchestration
	Chat ChatConfig `koanf:"chat"`

	// Security settings
	Security SecurityConfig `koanf:"security"`

	// Application settings
	App AppConfig `koanf:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string     `koanf:"host"`
	Port         int        `koanf:"port"`
	ReadTimeout  int        `koanf:"read_timeout"`  // seconds
	WriteTimeout int        `koanf:"write_timeout"` // seconds, 0 disables (streaming)
	TLS          TLSConfig  `koanf:"tls"`
	CORS         CORSConfig `koanf:"cors"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	MinTLS   string `koanf:"min_version"` // "1.2" or "1.3"
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path       string           `koanf:"path"`
	Encryption EncryptionConfig `koanf:"encryption"`
}

// EncryptionConfig holds database encryption settings
type EncryptionConfig struct {
	Enabled bool   `koanf:"enabled"`
	Key     string `koanf:"key"`
}

// StorageConfig holds upload and chunk index settings
type StorageConfig struct {
	UploadDir     string         `koanf:"upload_dir"`
	MaxUploadSize int64          `koanf:"max_upload_size"` // bytes
	VectorBackend string         `koanf:"vector_backend"`  // "sqlitevec", "pgvector" or "memory"
	PGVector      PGVectorConfig `koanf:"pgvector"`
}

// PGVectorConfig holds the Postgres chunk index settings
type PGVectorConfig struct {
	URL        string `koanf:"url"`
	Table      string `koanf:"table"`
	Dimensions int    `koanf:"dimensions"`
}

// ServicesConfig holds external service configuration
type ServicesConfig struct {
	Ollama OllamaConfig `koanf:"ollama"`
	Keto   KetoConfig   `koanf:"keto"`
}

// OllamaConfig holds Ollama service configuration
type OllamaConfig struct {
	BaseURL        string `koanf:"base_url"`
	EmbeddingModel string `koanf:"embedding_model"`
	LLMModel       string `koanf:"llm_model"`
	Timeout        int    `koanf:"timeout"` // seconds
}

// KetoConfig holds Ory Keto configuration
type KetoConfig struct {
	ReadURL  string `koanf:"read_url"`
	WriteURL string `koanf:"write_url"`
	Timeout  int    `koanf:"timeout"` // seconds
}

// SearchConfig holds retrieval defaults and limits
type SearchConfig struct {
	DefaultChunksPerDocument int     `koanf:"default_chunks_per_document"`
	DefaultMinScore          float64 `koanf:"default_min_score"`
	Timeout                  int     `koanf:"timeout"` // seconds
	CandidateMultiplier      int     `koanf:"candidate_multiplier"`
	MaxCandidates            int     `koanf:"max_candidates"`
}

// IngestConfig holds text splitting settings
type IngestConfig struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
}

// ChatConfig holds chat orchestration settings
type ChatConfig struct {
	SystemPrompt          string  `koanf:"system_prompt"`
	ToolChunksPerDocument int     `koanf:"tool_chunks_per_document"`
	ToolMinScore          float64 `koanf:"tool_min_score"`
}

// SecurityConfig holds security-related settings
type SecurityConfig struct {
	AuthMode         string            `koanf:"auth_mode"`         // "mock" or "static"
	Tokens           map[string]string `koanf:"tokens"`            // token -> tenant, static mode only
	ErrorMode        string            `koanf:"error_mode"`        // "detailed" or "secure"
	OwnershipBackend string            `koanf:"ownership_backend"` // "store" or "keto"
	RateLimit        RateLimitConfig   `koanf:"rate_limit"`
}

// RateLimitConfig holds the per-tenant token bucket settings
type RateLimitConfig struct {
	Enabled bool    `koanf:"enabled"`
	RPS     float64 `koanf:"rps"`
	Burst   int     `koanf:"burst"`
}

// AppConfig holds general application settings
type AppConfig struct {
	Environment string `koanf:"environment"` // "development", "staging", "production"
	LogLevel    string `koanf:"log_level"`   // "debug", "info", "warn", "error"
	LogFormat   string `koanf:"log_format"`  // "text" or "json"
}

const defaultSystemPrompt = `You are a helpful assistant that answers questions about the user's documents.
Use the provided document excerpts to answer. Cite the document name and page when you use an excerpt.
If the excerpts do not contain the answer, say so.`

// Load loads configuration from multiple sources with precedence:
// 1. config.yaml (if exists)
// 2. config.json (if exists)
// 3. .env file, then environment variables (highest precedence)
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom is Load with config files looked up in dir.
func LoadFrom(dir string) (*Config, error) {
	k := koanf.New(".")

	// Set defaults
	setDefaults(k)

	// Load from config files (optional)
	loadConfigFiles(k, dir)

	// .env never overrides variables that are already set
	if err := godotenv.Load(dir + "/.env"); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	// Load from environment variables (highest precedence)
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	// Unmarshal into config struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

var listKeys = map[string]bool{
	"server.cors.allowed_origins": true,
}

// transformEnv maps DOCRAG_SEARCH__MAX_CANDIDATES to search.max_candidates.
// List keys take comma separated values.
func transformEnv(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	k = strings.ReplaceAll(k, "__", ".")
	if listKeys[k] {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return k, parts
	}
	return k, v
}

// setDefaults sets default configuration values
func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		// Server defaults
		"server.host":                 "localhost",
		"server.port":                 8080,
		"server.read_timeout":         30,
		"server.write_timeout":        0,
		"server.tls.enabled":          false,
		"server.tls.min_version":      "1.3",
		"server.cors.allowed_origins": []string{"http://localhost:3000"},

		// Database defaults
		"database.path":               "docrag.db",
		"database.encryption.enabled": false,

		// Storage defaults
		"storage.upload_dir":          "uploads",
		"storage.max_upload_size":     int64(50 << 20),
		"storage.vector_backend":      VectorBackendSQLiteVec,
		"storage.pgvector.table":      "document_chunks",
		"storage.pgvector.dimensions": 768,

		// Services defaults
		"services.ollama.base_url":        "http://localhost:11434",
		"services.ollama.embedding_model": "nomic-embed-text",
		"services.ollama.llm_model":       "llama3",
		"services.ollama.timeout":         60,
		"services.keto.read_url":          "http://localhost:4466",
		"services.keto.write_url":         "http://localhost:4467",
		"services.keto.timeout":           10,

		// Search defaults
		"search.default_chunks_per_document": 50,
		"search.default_min_score":           0.7,
		"search.timeout":                     10,
		"search.candidate_multiplier":        4,
		"search.max_candidates":              200,

		// Ingest defaults
		"ingest.chunk_size":    1000,
		"ingest.chunk_overlap": 200,

		// Chat defaults
		"chat.system_prompt":            defaultSystemPrompt,
		"chat.tool_chunks_per_document": 10,
		"chat.tool_min_score":           0.3,

		// Security defaults
		"security.auth_mode":          "mock",
		"security.error_mode":         "detailed",
		"security.ownership_backend":  OwnershipBackendStore,
		"security.rate_limit.enabled": true,
		"security.rate_limit.rps":     10.0,
		"security.rate_limit.burst":   20,

		// App defaults
		"app.environment": "development",
		"app.log_level":   "info",
		"app.log_format":  "text",
	}

	for key, value := range defaults {
		_ = k.Set(key, value) // Ignore error for setting defaults
	}
}

// loadConfigFiles loads configuration from files
func loadConfigFiles(k *koanf.Koanf, dir string) {
	// Try to load YAML config
	if path := dir + "/config.yaml"; fileExists(path) {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to load config file")
		}
	}

	// Try to load JSON config
	if path := dir + "/config.json"; fileExists(path) {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to load config file")
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate TLS configuration
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS cert file does not exist: %s", cfg.Server.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.Server.TLS.KeyFile)
		}
	}

	// Validate database encryption
	if cfg.Database.Encryption.Enabled && cfg.Database.Encryption.Key == "" {
		return fmt.Errorf("database encryption key is required when encryption is enabled")
	}

	switch cfg.Storage.VectorBackend {
	case VectorBackendSQLiteVec, VectorBackendMemory:
	case VectorBackendPGVector:
		if cfg.Storage.PGVector.URL == "" {
			return fmt.Errorf("pgvector url is required when vector backend is pgvector")
		}
		if cfg.Storage.PGVector.Dimensions <= 0 {
			return fmt.Errorf("pgvector dimensions must be positive")
		}
	default:
		return fmt.Errorf("unknown vector backend: %q", cfg.Storage.VectorBackend)
	}

	if cfg.Search.DefaultChunksPerDocument <= 0 {
		return fmt.Errorf("search default_chunks_per_document must be positive")
	}
	if cfg.Search.CandidateMultiplier <= 0 || cfg.Search.MaxCandidates <= 0 {
		return fmt.Errorf("search candidate_multiplier and max_candidates must be positive")
	}
	if cfg.Search.Timeout <= 0 {
		return fmt.Errorf("search timeout must be positive")
	}

	if cfg.Ingest.ChunkSize <= 0 || cfg.Ingest.ChunkOverlap < 0 || cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		return fmt.Errorf("ingest chunk_overlap must be smaller than a positive chunk_size")
	}

	// Validate security settings
	switch cfg.Security.AuthMode {
	case "mock":
	case "static":
		if len(cfg.Security.Tokens) == 0 {
			return fmt.Errorf("security tokens are required when auth mode is static")
		}
	default:
		return fmt.Errorf("unknown auth mode: %q", cfg.Security.AuthMode)
	}

	switch cfg.Security.OwnershipBackend {
	case OwnershipBackendStore, OwnershipBackendKeto:
	default:
		return fmt.Errorf("unknown ownership backend: %q", cfg.Security.OwnershipBackend)
	}

	if cfg.Security.RateLimit.Enabled && (cfg.Security.RateLimit.RPS <= 0 || cfg.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive when enabled")
	}

	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SearchTimeout returns the deadline applied to one vector search call.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.Timeout) * time.Second
}

// GetTLSConfig returns a TLS configuration based on the config
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.Server.TLS.Enabled {
		return nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12, // Set default minimum version
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}

	// Set minimum TLS version
	switch c.Server.TLS.MinTLS {
	case "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	default:
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig
}

// GetDatabaseDSN returns the database connection string with encryption if enabled
func (c *Config) GetDatabaseDSN() string {
	dsn := c.Database.Path + "?_foreign_keys=on"
	if c.Database.Encryption.Enabled {
		// SQLCipher format
		dsn += fmt.Sprintf("&_pragma_key=%s&_pragma_cipher_page_size=4096", c.Database.Encryption.Key)
	}
	return dsn
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// SecureErrors reports whether error responses must omit internal details.
func (c *Config) SecureErrors() bool {
	return c.Security.ErrorMode == "secure" || c.IsProduction()
}
