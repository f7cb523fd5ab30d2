package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrInvalidValue       = errors.New("invalid value")
	ErrMissingRequired    = errors.New("missing required field")
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

// Log formats.
const (
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func invalid(field, value string, allowed ...string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: fmt.Sprintf("%q is not one of %s", value, strings.Join(allowed, ", ")),
		Err:     ErrInvalidValue,
	}
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (json, logfmt).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatLogfmt
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, ok := levelOptions[strings.ToLower(c.Level)]; !ok {
		return invalid("logging.level", c.Level, "debug", "info", "warn", "error")
	}
	switch strings.ToLower(c.Format) {
	case FormatJSON, FormatLogfmt:
	default:
		return invalid("logging.format", c.Format, FormatJSON, FormatLogfmt)
	}
	return nil
}

var levelOptions = map[string]level.Option{
	"debug": level.AllowDebug(),
	"info":  level.AllowInfo(),
	"warn":  level.AllowWarn(),
	"error": level.AllowError(),
}

// NewLogger builds the application logger. The returned closer releases
// the output file, if one was opened.
func (c *LoggingConfig) NewLogger() (log.Logger, io.Closer, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch c.Output {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output: %w", err)
		}
		w, closer = f, f
	}
	return c.newLogger(w), closer, nil
}

func (c *LoggingConfig) newLogger(w io.Writer) log.Logger {
	var logger log.Logger
	{
		w = log.NewSyncWriter(w)
		if strings.ToLower(c.Format) == FormatJSON {
			logger = log.NewJSONLogger(w)
		} else {
			logger = log.NewLogfmtLogger(w)
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
		logger = level.NewFilter(logger, levelOptions[strings.ToLower(c.Level)])
	}
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// StoreConfig selects and configures the CSCA/CRL store.
type StoreConfig struct {
	// Driver is one of memory, postgres or pgx.
	Driver string `yaml:"driver" json:"driver,omitempty"`

	// DSN is the database connection string for the SQL drivers.
	DSN string `yaml:"dsn" json:"dsn,omitempty"`

	// CSCADir is loaded into the memory store at startup.
	CSCADir string `yaml:"csca-dir" json:"csca_dir,omitempty"`

	// CRLDir is loaded into the memory store at startup.
	CRLDir string `yaml:"crl-dir" json:"crl_dir,omitempty"`

	// Migrate creates the SQL schema when it is missing.
	Migrate bool `yaml:"migrate" json:"migrate,omitempty"`
}

// SetDefaults sets default values for the store configuration.
func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres, DriverPgx:
		if c.DSN == "" {
			return &ConfigError{Field: "store.dsn", Message: "required for SQL drivers", Err: ErrMissingRequired}
		}
		return nil
	default:
		return invalid("store.driver", c.Driver, DriverMemory, DriverPostgres, DriverPgx)
	}
}

// RevocationConfig holds the revocation policy.
type RevocationConfig struct {
	// UnknownIsBlocking makes an UNKNOWN revocation status fail link
	// certificate validation.
	UnknownIsBlocking bool `yaml:"unknown-is-blocking" json:"unknown_is_blocking"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace,omitempty"`

	// TextfilePath, when set, receives the registry in the node exporter
	// textfile format when the command exits.
	TextfilePath string `yaml:"textfile-path" json:"textfile_path,omitempty"`
}

// SetDefaults sets default values for the metrics configuration.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "gopkd"
	}
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Logging    *LoggingConfig    `yaml:"logging" json:"logging,omitempty"`
	Store      *StoreConfig      `yaml:"store" json:"store,omitempty"`
	Revocation *RevocationConfig `yaml:"revocation" json:"revocation,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics" json:"metrics,omitempty"`
}

// DefaultAppConfig returns the configuration used when no file is given.
func DefaultAppConfig() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills in missing sections and values.
func (c *AppConfig) SetDefaults() {
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.SetDefaults()
	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	c.Store.SetDefaults()
	if c.Revocation == nil {
		c.Revocation = &RevocationConfig{}
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	c.Metrics.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return c.Store.Validate()
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig parses YAML configuration data, applying defaults and
// validating the result. Unknown keys are rejected.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: fmt.Sprintf("failed to parse config: %v", err), Err: err}
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
