package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BootstrapConfig is the application-wide configuration cmd/mira loads
// once at process start: listen address, storage DSNs, secrets, and the
// LLM provider credentials. It is deliberately separate from MiraConfig,
// which is hot-reloaded at runtime; everything here requires a restart to
// change.
type BootstrapConfig struct {
	Server   ServerBootstrapConfig   `yaml:"server"`
	Database DatabaseBootstrapConfig `yaml:"database"`
	Valkey   ValkeyBootstrapConfig   `yaml:"valkey"`
	Vault    VaultBootstrapConfig    `yaml:"vault"`
	Auth     AuthBootstrapConfig     `yaml:"auth"`
	LLM      LLMBootstrapConfig      `yaml:"llm"`
	UserData UserDataBootstrapConfig `yaml:"user_data"`
	// MiraConfigPath points at the hot-reloaded MiraConfig YAML file
	// (segment timeout thresholds, search intent weights).
	MiraConfigPath string `yaml:"mira_config_path"`
}

type ServerBootstrapConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseBootstrapConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ValkeyBootstrapConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type VaultBootstrapConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	RoleID  string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
}

type AuthBootstrapConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// StaticAPIKey is loaded from config but not read by any server
	// component; the HTTP and websocket layers authenticate with JWTs only.
	StaticAPIKey string `yaml:"static_api_key"`
}

type LLMBootstrapConfig struct {
	AnthropicAPIKey   string `yaml:"anthropic_api_key"`
	AnthropicModel    string `yaml:"anthropic_model"`
	OpenAICompatModel string `yaml:"openai_compat_model"`
	EmbeddingAPIKey   string `yaml:"embedding_api_key"`
	EmbeddingBaseURL  string `yaml:"embedding_base_url"`
	EmbeddingModel    string `yaml:"embedding_model"`
	// SummaryModel and ExtractionModel override AnthropicModel for the
	// continuum collapse pipeline's two LLM-backed adapters, letting a
	// deployment run a cheaper model for summarization/extraction than
	// for conversational replies.
	SummaryModel    string `yaml:"summary_model"`
	ExtractionModel string `yaml:"extraction_model"`
	// LinkingModel and RefinementModel do the same for the LT-Memory
	// relationship classifier and refinement/consolidation reviewers.
	LinkingModel    string `yaml:"linking_model"`
	RefinementModel string `yaml:"refinement_model"`
	// BedrockRegion, when set, routes the Anthropic-native path through
	// AWS Bedrock's Converse API instead of the direct Anthropic endpoint.
	// Credentials come from the default AWS chain.
	BedrockRegion string `yaml:"bedrock_region"`
	BedrockModel  string `yaml:"bedrock_model"`
}

type UserDataBootstrapConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// LoadBootstrap reads, env-expands, and validates the bootstrap config at
// path.
func LoadBootstrap(path string) (*BootstrapConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read bootstrap config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg BootstrapConfig
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse bootstrap config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config: bootstrap config must be a single YAML document")
	}

	applyBootstrapEnvOverrides(&cfg)
	applyBootstrapDefaults(&cfg)

	if err := validateBootstrapConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyBootstrapDefaults(cfg *BootstrapConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Valkey.Addr == "" {
		cfg.Valkey.Addr = "localhost:6379"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.LLM.AnthropicModel == "" {
		cfg.LLM.AnthropicModel = "claude-sonnet-4-5"
	}
	if cfg.LLM.SummaryModel == "" {
		cfg.LLM.SummaryModel = cfg.LLM.AnthropicModel
	}
	if cfg.LLM.ExtractionModel == "" {
		cfg.LLM.ExtractionModel = cfg.LLM.AnthropicModel
	}
	if cfg.LLM.LinkingModel == "" {
		cfg.LLM.LinkingModel = cfg.LLM.AnthropicModel
	}
	if cfg.LLM.RefinementModel == "" {
		cfg.LLM.RefinementModel = cfg.LLM.AnthropicModel
	}
	if cfg.LLM.EmbeddingModel == "" {
		cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.UserData.BaseDir == "" {
		cfg.UserData.BaseDir = "./data/users"
	}
	if cfg.MiraConfigPath == "" {
		cfg.MiraConfigPath = "./config/mira.yaml"
	}
}

func applyBootstrapEnvOverrides(cfg *BootstrapConfig) {
	if value := strings.TrimSpace(os.Getenv("MIRA_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("MIRA_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.DSN = value
	}
	if value := strings.TrimSpace(os.Getenv("VALKEY_ADDR")); value != "" {
		cfg.Valkey.Addr = value
	}
	if value := strings.TrimSpace(os.Getenv("VALKEY_PASSWORD")); value != "" {
		cfg.Valkey.Password = value
	}
	if value := strings.TrimSpace(os.Getenv("VAULT_ADDR")); value != "" {
		cfg.Vault.Address = value
		cfg.Vault.Enabled = true
	}
	if value := strings.TrimSpace(os.Getenv("VAULT_TOKEN")); value != "" {
		cfg.Vault.Token = value
	}
	if value := strings.TrimSpace(os.Getenv("VAULT_ROLE_ID")); value != "" {
		cfg.Vault.RoleID = value
	}
	if value := strings.TrimSpace(os.Getenv("VAULT_SECRET_ID")); value != "" {
		cfg.Vault.SecretID = value
	}
	if value := strings.TrimSpace(os.Getenv("JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("MIRA_JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" {
		cfg.LLM.AnthropicAPIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")); value != "" {
		cfg.LLM.EmbeddingAPIKey = value
	}
}

// ConfigValidationError aggregates every bootstrap config problem found,
// rather than failing on the first one, so an operator fixes a
// misconfigured environment in one pass.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "bootstrap config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateBootstrapConfig(cfg *BootstrapConfig) error {
	var issues []string

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		issues = append(issues, "database.dsn is required (or set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		issues = append(issues, "auth.jwt_secret is required (or set JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.LLM.AnthropicAPIKey) == "" {
		issues = append(issues, "llm.anthropic_api_key is required (or set ANTHROPIC_API_KEY)")
	}
	if cfg.Vault.Enabled && strings.TrimSpace(cfg.Vault.Address) == "" {
		issues = append(issues, "vault.address is required when vault is enabled")
	}
	if cfg.Vault.Enabled && strings.TrimSpace(cfg.Vault.Token) == "" && (strings.TrimSpace(cfg.Vault.RoleID) == "" || strings.TrimSpace(cfg.Vault.SecretID) == "") {
		issues = append(issues, "vault requires either a token or both role_id and secret_id")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
