// Package config loads the daemon configuration from DNSFENCE_-prefixed
// environment variables over baked-in defaults, then validates the result.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

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

	// TunDevice is the tunnel device node packets are read from.
	TunDevice string `koanf:"tun_device" validate:"required"`

	// ResolverURL is the DoH endpoint. The host must be an IP literal so
	// resolving the resolver never depends on the tunnel it serves.
	ResolverURL string `koanf:"resolver_url" validate:"required,ip_url"`

	// ConnectTimeout bounds resolver connection establishment;
	// RequestTimeout bounds a whole DoH exchange.
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"required,gt=0"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"required,gt=0"`

	// CacheSize is the response cache capacity in entries.
	CacheSize uint `koanf:"cache_size" validate:"required,gte=1"`

	// Dispatch tuning: queue depth and worker pool bounds.
	QueueCapacity     int           `koanf:"queue_capacity" validate:"required,gte=1"`
	MinWorkers        int           `koanf:"min_workers" validate:"required,gte=1"`
	MaxWorkers        int           `koanf:"max_workers" validate:"required,gtefield=MinWorkers"`
	WorkerIdleTimeout time.Duration `koanf:"worker_idle_timeout" validate:"required,gt=0"`
	DrainTimeout      time.Duration `koanf:"drain_timeout" validate:"required,gt=0"`

	// DataDir is where downloaded blocklists persist across restarts.
	DataDir string `koanf:"data_dir" validate:"required"`

	// TrustedURL and TrustedSigURL locate the signed primary blocklist;
	// empty disables updates and the daemon serves last-known lists.
	TrustedURL    string `koanf:"trusted_url" validate:"omitempty,url"`
	TrustedSigURL string `koanf:"trusted_sig_url" validate:"required_with=TrustedURL,omitempty,url"`

	// CommunityURLs are unverified supplemental lists, fetched best-effort.
	CommunityURLs []string `koanf:"community_urls" validate:"omitempty,dive,url"`

	// PublicKey overrides the baked-in Ed25519 verification key (base64).
	PublicKey string `koanf:"public_key" validate:"omitempty,base64"`
}

// DEFAULT_APP_CONFIG defines the default settings for the firewall daemon.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:               "prod",
	LogLevel:          "info",
	TunDevice:         "/dev/net/tun",
	ResolverURL:       "https://1.1.1.1/dns-query",
	ConnectTimeout:    5 * time.Second,
	RequestTimeout:    10 * time.Second,
	CacheSize:         1000,
	QueueCapacity:     256,
	MinWorkers:        2,
	MaxWorkers:        8,
	WorkerIdleTimeout: 30 * time.Second,
	DrainTimeout:      5 * time.Second,
	DataDir:           "/var/lib/dnsfence",
}

// validIPURL accepts an http(s) URL whose host is an IP literal. Hostname
// endpoints are rejected: looking one up would require the very DNS path
// this process intercepts.
func validIPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	return net.ParseIP(u.Hostname()) != nil
}

// envLoader loads environment variables with the prefix "DNSFENCE_",
// lowercasing keys and splitting comma- or space-separated values into
// slices. Declared as a var so tests can mock failures.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNSFENCE_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNSFENCE_"))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG via the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation wires the custom ip_url tag.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("ip_url", validIPURL)
}

// Load parses environment variables over defaults and returns a validated
// AppConfig.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
