// Package config provides configuration loading and management for the
// crm-bridge sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables used by crm-bridge.
const EnvPrefix = "CRM_BRIDGE"

// Sync modes supported by the paginated fetcher.
const (
	// ModeIncremental fetches records modified on or after the persisted
	// watermark (or the configured lookback window on first run).
	ModeIncremental = "incremental"

	// ModeFull walks the source export endpoint using its opaque
	// continuation cursor.
	ModeFull = "full"
)

// Config represents the root configuration structure.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Target      TargetConfig      `yaml:"target"`
	Database    *DatabaseConfig   `yaml:"database,omitempty"`
	Sync        SyncConfig        `yaml:"sync"`
	Pipelines   []PipelineConfig  `yaml:"pipelines"`
	Transitions TransitionsConfig `yaml:"transitions"`
	Server      ServerConfig      `yaml:"server"`
}

// SourceConfig defines how to reach the field-service ("Source") API.
type SourceConfig struct {
	// BaseURL is the API root, e.g. https://api.servicetitan.io/crm/v2
	BaseURL string `yaml:"baseURL"`

	// TokenURL is the OAuth client-credentials token endpoint
	TokenURL string `yaml:"tokenURL"`

	// TenantID is the tenant path segment used on every call
	TenantID string `yaml:"tenantID"`

	// AppKey is the application-identifying header value sent on every call
	AppKey string `yaml:"appKey"`

	// ClientID identifies the OAuth client
	ClientID string `yaml:"clientID"`

	// ClientSecretFile is the path to a file containing the client secret.
	// Falls back to the CRM_BRIDGE_SOURCE_CLIENT_SECRET environment variable.
	ClientSecretFile string `yaml:"clientSecretFile,omitempty"`

	// PageSize is the page size requested from list/export endpoints
	PageSize int `yaml:"pageSize,omitempty"`

	// LookbackDays is the incremental window used when no cursor exists
	LookbackDays int `yaml:"lookbackDays,omitempty"`

	// PageDelay is the fixed pause between pages (e.g. "250ms")
	PageDelay string `yaml:"pageDelay,omitempty"`

	// RequestTimeout is the per-request deadline (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// MaxRetries is the retry cap for 429/5xx responses from the source
	MaxRetries int `yaml:"maxRetries,omitempty"`
}

// TargetConfig defines how to reach the CRM ("Target") API.
type TargetConfig struct {
	// BaseURL is the API root, e.g. https://services.leadconnectorhq.com
	BaseURL string `yaml:"baseURL"`

	// APIKeyFile is the path to a file containing the static bearer token.
	// Falls back to the CRM_BRIDGE_TARGET_API_KEY environment variable.
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// APIVersion is sent as the Version header on every call
	APIVersion string `yaml:"apiVersion"`

	// LocationID scopes opportunity queries to one CRM location
	LocationID string `yaml:"locationID"`

	// Concurrency bounds in-flight requests (default 5)
	Concurrency int `yaml:"concurrency,omitempty"`

	// RatePerSecond caps the aggregate call rate (default 8)
	RatePerSecond float64 `yaml:"ratePerSecond,omitempty"`

	// MaxRetries is the retry cap for 429/5xx responses (default 3)
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// RequestTimeout is the per-request deadline (e.g. "20s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`
}

// DatabaseConfig defines database connection settings.
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum size of the connection pool
	MaxConns int32 `yaml:"maxConns,omitempty"`
}

// SyncConfig controls which entities sync and on what schedule.
type SyncConfig struct {
	// Entities lists the mirrored entity names, in run order
	Entities []string `yaml:"entities"`

	// Schedule is a cron expression for serve mode (default "*/15 * * * *")
	Schedule string `yaml:"schedule,omitempty"`
}

// PipelineConfig defines one CRM pipeline's ordered stages with their
// semantic roles. Immutable at runtime.
type PipelineConfig struct {
	Name   string        `yaml:"name"`
	ID     string        `yaml:"id"`
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig maps one pipeline stage ID to a semantic role.
type StageConfig struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

// TransitionsConfig tunes the stage-transition engine.
type TransitionsConfig struct {
	// SalesPipeline names the pipeline holding pre-sale opportunities
	SalesPipeline string `yaml:"salesPipeline"`

	// InstallPipeline names the pipeline opportunities move to when an
	// install job is created
	InstallPipeline string `yaml:"installPipeline"`

	// InstallBusinessUnits are the source business units treated as
	// install-type jobs
	InstallBusinessUnits []string `yaml:"installBusinessUnits"`

	// LeadAttribution is the deterministic priority order used when more
	// than one source fact could justify the same transition. Valid values:
	// "sold-by", "first-lead".
	LeadAttribution []string `yaml:"leadAttribution,omitempty"`
}

// ServerConfig defines the read-only status API settings for serve mode.
type ServerConfig struct {
	// Address to listen on (default ":8080")
	Address string `yaml:"address,omitempty"`
}

// Option defines the interface for configuration options.
type Option func(*loaderConfig) error

type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file.
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Load reads, parses, defaults, and validates a configuration.
func Load(opts ...Option) (*Config, error) {
	lc := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(lc); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(lc.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.PageSize == 0 {
		c.Source.PageSize = 100
	}
	if c.Source.LookbackDays == 0 {
		c.Source.LookbackDays = 30
	}
	if c.Source.PageDelay == "" {
		c.Source.PageDelay = "250ms"
	}
	if c.Source.RequestTimeout == "" {
		c.Source.RequestTimeout = "30s"
	}
	if c.Source.MaxRetries == 0 {
		c.Source.MaxRetries = 3
	}
	if c.Target.Concurrency == 0 {
		c.Target.Concurrency = 5
	}
	if c.Target.RatePerSecond == 0 {
		c.Target.RatePerSecond = 8
	}
	if c.Target.MaxRetries == 0 {
		c.Target.MaxRetries = 3
	}
	if c.Target.RequestTimeout == "" {
		c.Target.RequestTimeout = "20s"
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "*/15 * * * *"
	}
	if len(c.Sync.Entities) == 0 {
		c.Sync.Entities = []string{"customers", "jobs", "estimates", "appointments"}
	}
	if len(c.Transitions.LeadAttribution) == 0 {
		c.Transitions.LeadAttribution = []string{"sold-by", "first-lead"}
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validateURL(c.Source.BaseURL, "source.baseURL"); err != nil {
		return err
	}
	if err := validateURL(c.Source.TokenURL, "source.tokenURL"); err != nil {
		return err
	}
	if c.Source.TenantID == "" {
		return fmt.Errorf("source.tenantID is required")
	}
	if c.Source.ClientID == "" {
		return fmt.Errorf("source.clientID is required")
	}
	if err := validateURL(c.Target.BaseURL, "target.baseURL"); err != nil {
		return err
	}
	if c.Target.APIVersion == "" {
		return fmt.Errorf("target.apiVersion is required")
	}

	if _, err := c.Source.PageDelayDuration(); err != nil {
		return err
	}
	if _, err := c.Source.RequestTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Target.RequestTimeoutDuration(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Pipelines))
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if p.Name == "" || p.ID == "" {
			return fmt.Errorf("pipeline %d: name and id are required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate pipeline name: %s", p.Name)
		}
		names[p.Name] = true

		roles := make(map[string]bool, len(p.Stages))
		for _, s := range p.Stages {
			if s.ID == "" {
				return fmt.Errorf("pipeline %s: stage with empty id", p.Name)
			}
			if s.Role != "" && roles[s.Role] {
				return fmt.Errorf("pipeline %s: duplicate stage role %q", p.Name, s.Role)
			}
			roles[s.Role] = true
		}
	}

	for _, rule := range c.Transitions.LeadAttribution {
		if rule != "sold-by" && rule != "first-lead" {
			return fmt.Errorf("transitions.leadAttribution: unknown rule %q", rule)
		}
	}

	return nil
}

func validateURL(raw, field string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is not a valid URL: %s", field, raw)
	}
	return nil
}

// PageDelayDuration parses the inter-page delay.
func (s *SourceConfig) PageDelayDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.PageDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid source.pageDelay: %w", err)
	}
	return d, nil
}

// RequestTimeoutDuration parses the source request deadline.
func (s *SourceConfig) RequestTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid source.requestTimeout: %w", err)
	}
	return d, nil
}

// RequestTimeoutDuration parses the target request deadline.
func (t *TargetConfig) RequestTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(t.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid target.requestTimeout: %w", err)
	}
	return d, nil
}

// Lookback returns the incremental window used when no cursor exists.
func (s *SourceConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackDays) * 24 * time.Hour
}

// GetClientSecret returns the source OAuth client secret using the following
// priority: the secret file if configured, then the
// CRM_BRIDGE_SOURCE_CLIENT_SECRET environment variable.
func (s *SourceConfig) GetClientSecret() (string, error) {
	return readSecret(s.ClientSecretFile, EnvPrefix+"_SOURCE_CLIENT_SECRET", "source client secret")
}

// GetAPIKey returns the target API bearer token using the following priority:
// the key file if configured, then the CRM_BRIDGE_TARGET_API_KEY environment
// variable.
func (t *TargetConfig) GetAPIKey() (string, error) {
	return readSecret(t.APIKeyFile, EnvPrefix+"_TARGET_API_KEY", "target API key")
}

// GetPassword returns the database password using the following priority:
// the password file if configured, then the CRM_BRIDGE_DATABASE_PASSWORD
// environment variable. File contents are whitespace-trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	return readSecret(d.PasswordFile, EnvPrefix+"_DATABASE_PASSWORD", "database password")
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special characters.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	), nil
}

func readSecret(file, envVar, what string) (string, error) {
	if file != "" {
		// filepath.Clean prevents path traversal
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return "", fmt.Errorf("failed to read %s from file %s: %w", what, file, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("no %s configured: set the file path or %s environment variable", what, envVar)
}
