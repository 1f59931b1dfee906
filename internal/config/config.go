// Package config loads chronicle's layered configuration.
//
// Values are resolved in order, later layers winning:
//
//  1. Defaults from Default()
//  2. A YAML file, when a path is given
//  3. Environment variables prefixed CHRONICLE_, with a double underscore
//     between nesting levels (CHRONICLE_STORE__DRIVER=postgres sets
//     store.driver)
//
// The result is checked with struct tags before it is returned.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/chronicle/internal/logging"
)

// Config is the full configuration of the CLI and the server.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Integrity IntegrityConfig `koanf:"integrity"`
	Publish   PublishConfig   `koanf:"publish"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Replay    ReplayConfig    `koanf:"replay"`
	Registry  RegistryConfig  `koanf:"registry"`
	Server    ServerConfig    `koanf:"server"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Logging   logging.Config  `koanf:"logging"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `koanf:"driver" validate:"oneof=memory sqlite postgres"`

	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `koanf:"dsn" validate:"required_unless=Driver memory"`

	PageSize             int `koanf:"page_size" validate:"gte=1,lte=100000"`
	CompressionThreshold int `koanf:"compression_threshold" validate:"gte=0"`
}

// IntegrityConfig selects how chain hashes are signed.
type IntegrityConfig struct {
	// Signer is none, hmac or ed25519.
	Signer string `koanf:"signer" validate:"oneof=none hmac ed25519"`

	// HMACKeys is "id=hex,id=hex". HMACActiveKeyID names the signing key.
	HMACKeys        string `koanf:"hmac_keys" validate:"required_if=Signer hmac"`
	HMACActiveKeyID string `koanf:"hmac_active_key_id" validate:"required_if=Signer hmac"`

	// Ed25519Seed is the hex-encoded 32-byte private seed.
	Ed25519Seed  string `koanf:"ed25519_seed" validate:"required_if=Signer ed25519,omitempty,hexadecimal,len=64"`
	Ed25519KeyID string `koanf:"ed25519_key_id" validate:"required_if=Signer ed25519"`

	// RequireSignatures fails verification of unsigned envelopes.
	RequireSignatures bool `koanf:"require_signatures"`
}

// PublishConfig configures best-effort notification of appended envelopes.
type PublishConfig struct {
	// Driver is none, channel (in-process) or nats.
	Driver string `koanf:"driver" validate:"oneof=none channel nats"`
	URL    string `koanf:"url" validate:"required_if=Driver nats"`

	Topic      string `koanf:"topic" validate:"required"`
	QueueGroup string `koanf:"queue_group"`
	Buffer     int    `koanf:"buffer" validate:"gte=1"`

	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// ArchiveConfig configures the asynchronous archive hand-off.
type ArchiveConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir" validate:"required_if=Enabled true"`
	Buffer  int    `koanf:"buffer" validate:"gte=1"`

	RetryAttempts int           `koanf:"retry_attempts" validate:"gte=1"`
	RetryBackoff  time.Duration `koanf:"retry_backoff" validate:"gte=0"`
}

// ReplayConfig configures replays and projection rebuilds.
type ReplayConfig struct {
	PageSize int `koanf:"page_size" validate:"gte=1"`

	// CheckpointEvery saves a checkpoint after that many applied envelopes.
	// 0 disables checkpoints.
	CheckpointEvery int `koanf:"checkpoint_every" validate:"gte=0"`
}

// RegistryConfig locates the event type registry.
type RegistryConfig struct {
	// Path is a YAML registry file. Empty means no registry: any event
	// type is accepted and payloads are not schema-checked.
	Path string `koanf:"path"`
}

// ServerConfig configures the long-running server.
type ServerConfig struct {
	Listen          string        `koanf:"listen" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	MaxPageSize     int           `koanf:"max_page_size" validate:"gte=1"`
}

// TracingConfig configures OpenTelemetry span export over OTLP/HTTP.
type TracingConfig struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the collector URL, e.g. http://localhost:4318.
	Endpoint    string  `koanf:"endpoint" validate:"required_if=Enabled true,omitempty,url"`
	ServiceName string  `koanf:"service_name" validate:"required"`
	SampleRatio float64 `koanf:"sample_ratio" validate:"gte=0,lte=1"`
}

// Default returns the built-in defaults: an in-memory store with no
// signatures, in-process publishing and archiving disabled.
func Default() Config {
	log := logging.DefaultConfig()
	log.Output = nil
	return Config{
		Store: StoreConfig{
			Driver:               "memory",
			PageSize:             500,
			CompressionThreshold: 4096,
		},
		Integrity: IntegrityConfig{
			Signer: "none",
		},
		Publish: PublishConfig{
			Driver:          "channel",
			Topic:           "chronicle.events",
			QueueGroup:      "chronicle",
			Buffer:          1024,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Archive: ArchiveConfig{
			Dir:           "chronicle-archive",
			Buffer:        1024,
			RetryAttempts: 3,
			RetryBackoff:  100 * time.Millisecond,
		},
		Replay: ReplayConfig{
			PageSize:        500,
			CheckpointEvery: 1000,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8377",
			ShutdownTimeout: 15 * time.Second,
			ReadTimeout:     30 * time.Second,
			MaxPageSize:     1000,
		},
		Tracing: TracingConfig{
			ServiceName: "chronicle",
			SampleRatio: 1,
		},
		Logging: log,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns every violation joined.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param())
	}
}
