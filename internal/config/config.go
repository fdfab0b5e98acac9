package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = 1

// EnvPrefix prefixes every environment override, e.g. BLASTRADIUS_AI_APIKEY.
const EnvPrefix = "BLASTRADIUS"

// AnalysisConfig is built once per process and passed down by value.
// Nothing below the CLI reads the environment.
type AnalysisConfig struct {
	Version    int    `json:"version" mapstructure:"version" validate:"eq=1"`
	SourceRoot string `json:"sourceRoot" mapstructure:"sourceRoot"`

	Traversal TraversalConfig `json:"traversal" mapstructure:"traversal"`
	Timeouts  TimeoutsConfig  `json:"timeouts" mapstructure:"timeouts"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	Analyzer  AnalyzerConfig  `json:"analyzer" mapstructure:"analyzer"`
	Consumers ConsumersConfig `json:"consumers" mapstructure:"consumers"`
	Risk      RiskConfig      `json:"risk" mapstructure:"risk"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// TraversalConfig bounds the dependency closure.
type TraversalConfig struct {
	MaxDepth int `json:"maxDepth" mapstructure:"maxDepth" validate:"gte=1,lte=10"`
}

// TimeoutsConfig contains per-collaborator timeouts in milliseconds.
type TimeoutsConfig struct {
	AIMs         int `json:"aiMs" mapstructure:"aiMs" validate:"gte=100"`
	MetadataMs   int `json:"metadataMs" mapstructure:"metadataMs" validate:"gte=100"`
	RepoSearchMs int `json:"repoSearchMs" mapstructure:"repoSearchMs" validate:"gte=100"`
}

// DatabaseConfig points at the live database used for read-only introspection.
type DatabaseConfig struct {
	DSN     string `json:"dsn" mapstructure:"dsn"`
	Name    string `json:"name" mapstructure:"name"`
	MaxConn int32  `json:"maxConn" mapstructure:"maxConn" validate:"gte=1,lte=32"`
}

// AnalyzerConfig selects the static dependency sources.
type AnalyzerConfig struct {
	ScipIndexPath string   `json:"scipIndexPath" mapstructure:"scipIndexPath"`
	EdgesFile     string   `json:"edgesFile" mapstructure:"edgesFile"`
	ScanTables    bool     `json:"scanTables" mapstructure:"scanTables"`
	Ignore        []string `json:"ignore" mapstructure:"ignore"`
	MaxFileBytes  int64    `json:"maxFileBytes" mapstructure:"maxFileBytes" validate:"gt=0"`
}

// ConsumersConfig configures consumer discovery.
type ConsumersConfig struct {
	Method           string `json:"method" mapstructure:"method" validate:"oneof=local remote off"`
	RepositoriesFile string `json:"repositoriesFile" mapstructure:"repositoriesFile"`
	CheckoutRoot     string `json:"checkoutRoot" mapstructure:"checkoutRoot"`
	GitHubToken      string `json:"-" mapstructure:"githubToken"`
	GitHubAPIURL     string `json:"githubApiUrl" mapstructure:"githubApiUrl" validate:"omitempty,url"`
	RequestsPerMin   int    `json:"requestsPerMin" mapstructure:"requestsPerMin" validate:"gte=1"`
	MaxParallel      int    `json:"maxParallel" mapstructure:"maxParallel" validate:"gte=1,lte=64"`
}

// RiskConfig configures the risk scorer.
type RiskConfig struct {
	RulesFile string `json:"rulesFile" mapstructure:"rulesFile"`
}

// AIConfig configures the optional AI signal source.
type AIConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Model   string `json:"model" mapstructure:"model" validate:"required_if=Enabled true"`
	APIKey  string `json:"-" mapstructure:"apiKey"`
	BaseURL string `json:"baseUrl" mapstructure:"baseUrl" validate:"omitempty,url"`
}

// StoreConfig configures the local run store.
type StoreConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format" validate:"oneof=text json"`
	Level  string `json:"level" mapstructure:"level" validate:"oneof=debug info warn warning error"`
	File   string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() AnalysisConfig {
	return AnalysisConfig{
		Version:    CurrentVersion,
		SourceRoot: ".",
		Traversal:  TraversalConfig{MaxDepth: 3},
		Timeouts: TimeoutsConfig{
			AIMs:         8000,
			MetadataMs:   5000,
			RepoSearchMs: 15000,
		},
		Database: DatabaseConfig{MaxConn: 4},
		Analyzer: AnalyzerConfig{
			ScipIndexPath: ".scip/index.scip",
			ScanTables:    true,
			Ignore:        []string{".git", "node_modules", "vendor", "build", "dist", "target", "__pycache__"},
			MaxFileBytes:  1 << 20,
		},
		Consumers: ConsumersConfig{
			Method:           "local",
			RepositoriesFile: ".blastradius/repos.toml",
			GitHubAPIURL:     "https://api.github.com",
			RequestsPerMin:   10,
			MaxParallel:      4,
		},
		Risk: RiskConfig{},
		AI: AIConfig{
			Model: "gpt-4o-mini",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    ".blastradius/runs.db",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// AITimeout returns the AI collaborator deadline.
func (c AnalysisConfig) AITimeout() time.Duration {
	return time.Duration(c.Timeouts.AIMs) * time.Millisecond
}

// MetadataTimeout returns the database introspection deadline.
func (c AnalysisConfig) MetadataTimeout() time.Duration {
	return time.Duration(c.Timeouts.MetadataMs) * time.Millisecond
}

// RepoSearchTimeout returns the per-repository search deadline.
func (c AnalysisConfig) RepoSearchTimeout() time.Duration {
	return time.Duration(c.Timeouts.RepoSearchMs) * time.Millisecond
}

// Load reads <root>/.blastradius/config.json, applies BLASTRADIUS_* environment
// overrides, and validates the result. A missing file yields the defaults.
func Load(root string) (AnalysisConfig, error) {
	return load(filepath.Join(root, ".blastradius"), "")
}

// LoadFile is Load for an explicit config file path.
func LoadFile(path string) (AnalysisConfig, error) {
	return load("", path)
}

func load(dir, file string) (AnalysisConfig, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("json")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return AnalysisConfig{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AnalysisConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AnalysisConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AnalysisConfig{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d AnalysisConfig) {
	v.SetDefault("version", d.Version)
	v.SetDefault("sourceRoot", d.SourceRoot)
	v.SetDefault("traversal.maxDepth", d.Traversal.MaxDepth)
	v.SetDefault("timeouts.aiMs", d.Timeouts.AIMs)
	v.SetDefault("timeouts.metadataMs", d.Timeouts.MetadataMs)
	v.SetDefault("timeouts.repoSearchMs", d.Timeouts.RepoSearchMs)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.maxConn", d.Database.MaxConn)
	v.SetDefault("analyzer.scipIndexPath", d.Analyzer.ScipIndexPath)
	v.SetDefault("analyzer.edgesFile", d.Analyzer.EdgesFile)
	v.SetDefault("analyzer.scanTables", d.Analyzer.ScanTables)
	v.SetDefault("analyzer.ignore", d.Analyzer.Ignore)
	v.SetDefault("analyzer.maxFileBytes", d.Analyzer.MaxFileBytes)
	v.SetDefault("consumers.method", d.Consumers.Method)
	v.SetDefault("consumers.repositoriesFile", d.Consumers.RepositoriesFile)
	v.SetDefault("consumers.checkoutRoot", d.Consumers.CheckoutRoot)
	v.SetDefault("consumers.githubToken", d.Consumers.GitHubToken)
	v.SetDefault("consumers.githubApiUrl", d.Consumers.GitHubAPIURL)
	v.SetDefault("consumers.requestsPerMin", d.Consumers.RequestsPerMin)
	v.SetDefault("consumers.maxParallel", d.Consumers.MaxParallel)
	v.SetDefault("risk.rulesFile", d.Risk.RulesFile)
	v.SetDefault("ai.enabled", d.AI.Enabled)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.apiKey", d.AI.APIKey)
	v.SetDefault("ai.baseUrl", d.AI.BaseURL)
	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// Save writes the configuration to <root>/.blastradius/config.json.
// Secrets are never written.
func (c AnalysisConfig) Save(root string) error {
	dir := filepath.Join(root, ".blastradius")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c AnalysisConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ConfigError{
			Field:   fe.Namespace(),
			Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ConfigError{Field: "", Message: err.Error()}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
