package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// ZoneDir is the directory holding per-zone notify config files.
	ZoneDir string `koanf:"zone_dir" validate:"required"`

	// StatePath is where the acknowledgement database lives. Empty
	// disables persistence.
	StatePath string `koanf:"state_path"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables metrics.
	MetricsAddr string `koanf:"metrics_addr"`

	// RetryInterval is the seconds between notify attempts to one target.
	RetryInterval int `koanf:"retry_interval" validate:"required,gte=1,lte=3600"`

	// MaxRetries is the attempts per target before it is abandoned.
	MaxRetries int `koanf:"max_retries" validate:"required,gte=1,lte=100"`

	// PollInterval is the seconds between zone directory sweeps.
	PollInterval int `koanf:"poll_interval" validate:"required,gte=1,lte=3600"`

	// RejectBurst caps immediate resends triggered by rejected replies
	// within one retry interval.
	RejectBurst int `koanf:"reject_burst" validate:"required,gte=1,lte=10000"`
}

// envLoader loads environment variables with the prefix "NOTIFYD_",
// transforming keys to lowercase and removing the prefix.
// It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "NOTIFYD_",
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, "NOTIFYD_")), value
		},
	}), nil)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	// Load default values using structs provider.
	k.Load(structs.Provider(AppConfig{
		Env:           "prod",
		LogLevel:      "info",
		ZoneDir:       "/etc/notifyd/zones",
		StatePath:     "/var/lib/notifyd/acks.db",
		RetryInterval: 15,
		MaxRetries:    5,
		PollInterval:  10,
		RejectBurst:   32,
	}, "koanf"), nil)

	err := envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
