package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the collector. It is built once at
// startup and passed to every component that needs it.
type Config struct {
	APIKey                    string        `env:"API_KEY,required"`
	Host                      string        `env:"HOST,default=0.0.0.0"`
	ControlPort               int           `env:"CONTROL_PORT,default=8765"`
	HTTPPort                  int           `env:"HTTP_PORT,default=8080"`
	ArtifactRoot              string        `env:"ARTIFACT_ROOT,default=screenshots"`
	StalenessThresholdSeconds int           `env:"STALENESS_THRESHOLD_SECONDS,default=300"`
	IdleTimeout               time.Duration `env:"IDLE_TIMEOUT,default=2m"`
	AuthTimeout               time.Duration `env:"AUTH_TIMEOUT,default=10s"`
	ShutdownGrace             time.Duration `env:"SHUTDOWN_GRACE,default=10s"`
	MaxMessageBytes           int64         `env:"MAX_MESSAGE_BYTES,default=67108864"`
	MaxMalformedFrames        int           `env:"MAX_MALFORMED_FRAMES,default=3"`
	DBName                    string        `env:"DB_NAME,default=central_monitor.db"`
	NATSURL                   string        `env:"NATS_URL"`
	LogLevel                  string        `env:"LOG_LEVEL,default=info"`
	LogFormat                 string        `env:"LOG_FORMAT,default=console"`
}

// Load reads an optional .env file and returns a Config populated from
// environment variables.
func Load(ctx context.Context) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom populates a Config from the given lookuper and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("API_KEY must not be empty"))
	}
	if !validPort(c.ControlPort) {
		errs = append(errs, fmt.Errorf("CONTROL_PORT %d out of range", c.ControlPort))
	}
	if !validPort(c.HTTPPort) {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort))
	}
	if c.ControlPort != 0 && c.ControlPort == c.HTTPPort {
		errs = append(errs, errors.New("CONTROL_PORT and HTTP_PORT must differ"))
	}
	if c.ArtifactRoot == "" {
		errs = append(errs, errors.New("ARTIFACT_ROOT must not be empty"))
	}
	if c.StalenessThresholdSeconds <= 0 {
		errs = append(errs, errors.New("STALENESS_THRESHOLD_SECONDS must be positive"))
	}
	if c.IdleTimeout <= 0 || c.AuthTimeout <= 0 || c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT, AUTH_TIMEOUT and SHUTDOWN_GRACE must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_BYTES must be positive"))
	}
	if c.MaxMalformedFrames <= 0 {
		errs = append(errs, errors.New("MAX_MALFORMED_FRAMES must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ControlAddr is the listen address of the WebSocket ingestion endpoint.
func (c Config) ControlAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ControlPort))
}

// HTTPAddr is the listen address of the query API.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HTTPPort))
}

func (c Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdSeconds) * time.Second
}

func validPort(p int) bool {
	// 0 lets the OS pick, used by tests.
	return p >= 0 && p <= 65535
}
