// Package config loads server configuration.
//
// Values are layered, lowest priority first:
//
//  1. Defaults (Default)
//  2. A YAML file, when a path is given
//  3. ROOMSTATE_* environment variables
//
// The result is validated with struct tags before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMSTATE_"

// Config is the full server configuration.
type Config struct {
	// ServerName is this server's federation name. Event ids without an
	// origin belong to it.
	ServerName string `yaml:"server_name" validate:"required,hostname_rfc1123|hostname_port"`

	// Listen is the federation HTTP listen address.
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// Database is the SQLite file path.
	Database string `yaml:"database" validate:"required"`

	// PolicyFile is an optional CUE authorization policy. Empty uses the
	// built-in policy.
	PolicyFile string `yaml:"policy_file"`

	Log         Log         `yaml:"log"`
	Resolution  Resolution  `yaml:"resolution"`
	Replication Replication `yaml:"replication"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Resolution tunes the state engine.
type Resolution struct {
	MaxBackfill int `yaml:"max_backfill" validate:"gte=1"`
}

// Replication tunes the outbound HTTP client.
type Replication struct {
	// Peers maps server names to base URLs. Unlisted servers are reached
	// at https://{name}.
	Peers map[string]string `yaml:"peers" validate:"dive,keys,required,endkeys,required,url"`

	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	MinWait     time.Duration `yaml:"min_wait" validate:"gt=0"`
	MaxWait     time.Duration `yaml:"max_wait" validate:"gtefield=MinWait"`
	Breaker     Breaker       `yaml:"breaker"`
}

// Breaker tunes the per-destination circuit breakers.
type Breaker struct {
	MaxRequests      uint32        `yaml:"max_requests" validate:"gte=1"`
	Interval         time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	MinRequests      uint32        `yaml:"min_requests" validate:"gte=1"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gt=0,lte=1"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`
}

// Default returns a configuration that runs a local server.
func Default() *Config {
	return &Config{
		ServerName: "localhost",
		Listen:     ":8448",
		Database:   "roomstate.db",
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Resolution: Resolution{
			MaxBackfill: 64,
		},
		Replication: Replication{
			Peers:       map[string]string{},
			Timeout:     10 * time.Second,
			MaxAttempts: 4,
			MinWait:     50 * time.Millisecond,
			MaxWait:     2 * time.Second,
			Breaker: Breaker{
				MaxRequests:      5,
				Interval:         30 * time.Second,
				Timeout:          60 * time.Second,
				MinRequests:      3,
				FailureThreshold: 0.6,
			},
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "roomstate",
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are errors.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays ROOMSTATE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	str("SERVER_NAME", &c.ServerName)
	str("LISTEN", &c.Listen)
	str("DATABASE", &c.Database)
	str("POLICY_FILE", &c.PolicyFile)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("METRICS_NAMESPACE", &c.Metrics.Namespace)

	if v, ok := lookup(EnvPrefix + "MAX_BACKFILL"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_BACKFILL: %w", EnvPrefix, err)
		}
		c.Resolution.MaxBackfill = n
	}

	if v, ok := lookup(EnvPrefix + "METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS_ENABLED: %w", EnvPrefix, err)
		}
		c.Metrics.Enabled = b
	}

	// ROOMSTATE_PEERS=name=url,name=url adds to the file's peers.
	if v, ok := lookup(EnvPrefix + "PEERS"); ok && v != "" {
		if c.Replication.Peers == nil {
			c.Replication.Peers = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			name, url, found := strings.Cut(strings.TrimSpace(pair), "=")
			if !found || name == "" {
				return fmt.Errorf("%sPEERS: malformed entry %q", EnvPrefix, pair)
			}
			c.Replication.Peers[name] = url
		}
	}

	return nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "gte", "gt", "lte":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// SlogLevel maps Log.Level to a slog level.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Write encodes cfg as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
