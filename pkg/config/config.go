package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// Environment variables that override file values.
const (
	EnvClientEmail = "GA_CLIENT_EMAIL"
	EnvPrivateKey  = "GA_PRIVATE_KEY"
	EnvPropertyID  = "GA_PROPERTY_ID"
	EnvLogLevel    = "LOG_LEVEL"
	EnvHostAddress = "GAPLUGIN_HOST_ADDRESS"
	EnvListen      = "GAPLUGIN_LISTEN"
)

// Config is the complete plugin configuration.
type Config struct {
	Host         HostConfig         `yaml:"host"`
	Analytics    AnalyticsConfig    `yaml:"analytics"`
	Server       ServerConfig       `yaml:"server"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Store        StoreConfig        `yaml:"store"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// HostConfig configures the bridge connection to the embedding host.
type HostConfig struct {
	// Address is a tcp host:port. Empty speaks the bridge over stdio.
	Address          string        `yaml:"address" validate:"omitempty,hostname_port"`
	Modules          []string      `yaml:"modules" validate:"min=1,dive,required"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
	RetryAttempts    int           `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryDelay       time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// AnalyticsConfig configures the GA4 Data API client.
type AnalyticsConfig struct {
	ClientEmail string `yaml:"client_email" validate:"omitempty,email"`
	PrivateKey  string `yaml:"private_key"`
	PropertyID  string `yaml:"property_id" validate:"omitempty,numeric"`

	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout" validate:"gte=0"`
}

// Enabled reports whether service account credentials are present.
func (a AnalyticsConfig) Enabled() bool {
	return a.ClientEmail != "" && a.PrivateKey != ""
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen            string   `yaml:"listen" validate:"required"`
	AllowedOrigins    []string `yaml:"allowed_origins" validate:"dive,url"`
	RequestsPerSecond float64  `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int      `yaml:"burst" validate:"gte=0"`
}

// ProvisioningConfig configures the provisioning workflow.
type ProvisioningConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=64"`
}

// StoreConfig configures the provisioning journal.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			Modules:          []string{"xmc"},
			HandshakeTimeout: 10 * time.Second,
			RetryAttempts:    3,
			RetryDelay:       time.Second,
		},
		Analytics: AnalyticsConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			BreakerTimeout:    30 * time.Second,
		},
		Server: ServerConfig{
			Listen:            ":8080",
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Provisioning: ProvisioningConfig{
			Concurrency: 4,
		},
		Store: StoreConfig{
			Path: "gaplugin.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is the YAML file. A missing file is not an error unless
	// Required is set.
	Path     string
	Required bool

	// EnvFiles are loaded with godotenv before overrides are applied.
	// Variables already set in the process win. Missing files are skipped.
	EnvFiles []string

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds the configuration from defaults, file and environment.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.Path != "" {
		if err := cfg.mergeFile(opts.Path, opts.Required); err != nil {
			return nil, err
		}
	}

	for _, file := range opts.EnvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg.applyEnv(lookup)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvClientEmail); ok {
		c.Analytics.ClientEmail = v
	}
	if v, ok := lookup(EnvPrivateKey); ok {
		c.Analytics.PrivateKey = UnescapeKey(v)
	}
	if v, ok := lookup(EnvPropertyID); ok {
		c.Analytics.PropertyID = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvHostAddress); ok {
		c.Host.Address = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Server.Listen = v
	}
}

// UnescapeKey turns literal \n sequences into newlines, the form PEM keys
// take when stored in a single-line variable.
func UnescapeKey(key string) string {
	return strings.ReplaceAll(key, `\n`, "\n")
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (c.Analytics.ClientEmail == "") != (c.Analytics.PrivateKey == "") {
		return fmt.Errorf("invalid configuration: analytics client email and private key must be set together")
	}
	if c.Host.Address == "" && c.Telemetry.Logging.Output == "stdout" {
		return fmt.Errorf("invalid configuration: logs cannot go to stdout while the host bridge uses stdio")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
