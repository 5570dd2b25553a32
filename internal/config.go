package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/formsync/internal/api"
	"github.com/starford/formsync/internal/docstore"
	"github.com/starford/formsync/internal/workspace"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Storage  StorageConfig     `yaml:"storage"`
	Store    StoreConfig       `yaml:"store"`
	Autosave AutosaveConfig    `yaml:"autosave"`
	Shared   SharedConfig      `yaml:"shared"`
	Pull     PullConfig        `yaml:"pull"`
	Rules    RulesConfig       `yaml:"rules"`
	Auth     AuthConfig        `yaml:"auth"`
	MCP      MCPConfig         `yaml:"mcp"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Autosave.Validate(); err != nil {
		return err
	}
	if err := c.Shared.Validate(); err != nil {
		return err
	}
	if err := c.Pull.Validate(); err != nil {
		return err
	}
	if err := c.Rules.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// Workspace returns the workspace timings described by the configuration.
func (c *Config) Workspace() workspace.Config {
	return workspace.Config{
		PageDelay:         c.Autosave.PageDelay,
		QuickDelay:        c.Autosave.QuickDelay,
		Debounce:          c.Shared.Debounce,
		FanoutConcurrency: c.Shared.Concurrency,
		PullInterval:      c.Pull.Interval,
		Retry: docstore.RetryPolicy{
			Attempts:  c.Store.Retry.Attempts,
			BaseDelay: c.Store.Retry.BaseDelay,
			MaxJitter: c.Store.Retry.MaxJitter,
		},
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StorageConfig selects the document backend.
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	return validation.Errors{
		"driver": validation.Validate(c.Driver, validation.Required,
			validation.In(DriverMemory, DriverSQLite, DriverPostgres, DriverRedis)),
		"sqlite.path":  validation.Validate(c.SQLite.Path, validation.When(c.Driver == DriverSQLite, validation.Required)),
		"postgres.url": validation.Validate(c.Postgres.URL, validation.When(c.Driver == DriverPostgres, validation.Required)),
		"redis.url":    validation.Validate(c.Redis.URL, validation.When(c.Driver == DriverRedis, validation.Required)),
	}.Filter()
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds the Postgres connection string.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the Redis connection URL.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig tunes the document store.
type StoreConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(&c.Retry,
		validation.Field(&c.Retry.Attempts, validation.Required, validation.Min(1)),
		validation.Field(&c.Retry.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.Retry.MaxJitter, validation.Min(time.Duration(0))),
	)
}

// RetryConfig controls retry-with-backoff of store calls.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxJitter time.Duration `yaml:"max_jitter"`
}

// AutosaveConfig holds the page auto-save delays.
type AutosaveConfig struct {
	PageDelay  time.Duration `yaml:"page_delay"`
	QuickDelay time.Duration `yaml:"quick_delay"`
}

// Validate validates the auto-save configuration.
func (c *AutosaveConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.PageDelay, validation.Required),
		validation.Field(&c.QuickDelay, validation.Required),
	)
}

// SharedConfig tunes shared-field fan-out.
type SharedConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	Concurrency int           `yaml:"concurrency"`
}

// Validate validates the shared-field configuration.
func (c *SharedConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Required),
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
	)
}

// PullConfig holds the pull link refresh interval.
type PullConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Validate validates the pull configuration.
func (c *PullConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Required),
	)
}

// RulesConfig points at an optional directory of rule packs.
type RulesConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the rules configuration.
func (c *RulesConfig) Validate() error {
	if c.Watch && c.Dir == "" {
		return fmt.Errorf("rules: watch is enabled but dir is empty")
	}
	return nil
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): every request acts as DefaultUser, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
//   - "jwt": HS256 bearer tokens whose subject is the user; JWTSecret must be non-empty.
type AuthConfig struct {
	Mode        string `yaml:"mode"`
	Token       string `yaml:"token"`
	JWTSecret   string `yaml:"jwt_secret"`
	DefaultUser string `yaml:"default_user"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = api.AuthDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(api.AuthDisabled, api.AuthToken, api.AuthJWT)),
	); err != nil {
		return err
	}
	switch {
	case c.Mode == api.AuthToken && c.Token == "":
		return fmt.Errorf("auth: mode is %q but token is empty", api.AuthToken)
	case c.Mode == api.AuthJWT && c.JWTSecret == "":
		return fmt.Errorf("auth: mode is %q but jwt_secret is empty", api.AuthJWT)
	case c.Mode == api.AuthDisabled && c.DefaultUser == "":
		return fmt.Errorf("auth: mode is %q but default_user is empty", api.AuthDisabled)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode != api.AuthDisabled
}

// API converts the configuration to the API's auth settings.
func (c *AuthConfig) API() api.Auth {
	return api.Auth{
		Mode:        c.Mode,
		Token:       c.Token,
		JWTSecret:   c.JWTSecret,
		DefaultUser: c.DefaultUser,
	}
}

// MCPConfig holds the stdio MCP server settings.
type MCPConfig struct {
	// User is the user every MCP tool acts as; defaults to auth.default_user.
	User string `yaml:"user"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	ws := workspace.DefaultConfig()
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			SQLite: SQLiteConfig{
				Path: "./formsync.db",
			},
		},
		Store: StoreConfig{
			Retry: RetryConfig{
				Attempts:  ws.Retry.Attempts,
				BaseDelay: ws.Retry.BaseDelay,
				MaxJitter: ws.Retry.MaxJitter,
			},
		},
		Autosave: AutosaveConfig{
			PageDelay:  ws.PageDelay,
			QuickDelay: ws.QuickDelay,
		},
		Shared: SharedConfig{
			Debounce:    ws.Debounce,
			Concurrency: ws.FanoutConcurrency,
		},
		Pull: PullConfig{
			Interval: ws.PullInterval,
		},
		Auth: AuthConfig{
			Mode:        api.AuthDisabled,
			DefaultUser: "local",
		},
	}
}
