package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/draftsync/internal/models"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App         ApplicationConfig `yaml:"app"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Auth        AuthConfig        `yaml:"auth"`
	Client      ClientConfig      `yaml:"client"`
}

// Validate validates the configuration. The client section is only checked
// when it is configured; the follow command requires it separately.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Attachments.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.Client.ServerURL == "" {
		return nil
	}
	return c.Client.Validate()
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

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AttachmentsConfig holds the directory uploaded attachment files are kept in.
type AttachmentsConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the attachments configuration.
func (c *AttachmentsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// OwnerConfig is the reviewer identity the follow command logs in as.
type OwnerConfig struct {
	Kind     string `yaml:"kind"`
	ID       int64  `yaml:"id"`
	Username string `yaml:"username"`
}

// Owner converts the configured identity.
func (c OwnerConfig) Owner() models.Owner {
	return models.Owner{Kind: c.Kind, ID: c.ID, Username: c.Username}
}

// ConnectRateConfig paces channel dials. Zero PerSecond disables pacing.
type ConnectRateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

var serverURLRe = regexp.MustCompile(`^https?://[^/\s]+`)

// ClientConfig configures the sync core run by the follow command.
type ClientConfig struct {
	ServerURL           string            `yaml:"server_url"`
	Token               string            `yaml:"token"`
	Owner               OwnerConfig       `yaml:"owner"`
	Scope               models.Scope      `yaml:"scope"`
	VisibleFile         string            `yaml:"visible_file"`
	SaveDebounce        time.Duration     `yaml:"save_debounce"`
	SavedPulse          time.Duration     `yaml:"saved_pulse"`
	ConnectTimeout      time.Duration     `yaml:"connect_timeout"`
	MaxParallelConnects int               `yaml:"max_parallel_connects"`
	ConnectRate         ConnectRateConfig `yaml:"connect_rate"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ServerURL, validation.Required, validation.Match(serverURLRe)),
		validation.Field(&c.VisibleFile, validation.Required),
		validation.Field(&c.SaveDebounce, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.SavedPulse, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.ConnectTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxParallelConnects, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := validation.ValidateStruct(&c.ConnectRate,
		validation.Field(&c.ConnectRate.PerSecond, validation.Min(0.0)),
		validation.Field(&c.ConnectRate.Burst, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("client: connect_rate: %w", err)
	}
	if err := c.Owner.Owner().Validate(); err != nil {
		return fmt.Errorf("client: owner: %w", err)
	}
	if err := c.Scope.Validate(); err != nil {
		return fmt.Errorf("client: scope: %w", err)
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./draftsync.db",
		},
		Attachments: AttachmentsConfig{
			Path: "./attachments",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Client: ClientConfig{
			Owner:               OwnerConfig{Kind: models.OwnerKindHuman},
			Scope:               models.Scope{StepName: models.AllSteps},
			VisibleFile:         "./visible.txt",
			SaveDebounce:        500 * time.Millisecond,
			SavedPulse:          500 * time.Millisecond,
			ConnectTimeout:      10 * time.Second,
			MaxParallelConnects: 8,
		},
	}
}
