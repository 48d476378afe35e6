// Package config loads proxy and bucket settings from defaults, an optional
// YAML file and TOKENBUCKET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

const envPrefix = "TOKENBUCKET"

type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	Upstream        string        `mapstructure:"upstream" validate:"required,url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	// RequestTimeout bounds every proxied request, including the time it
	// spends waiting for a token, so it must exceed Bucket.MaxWait.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	Log             Log           `mapstructure:"log"`
	Bucket          Bucket        `mapstructure:"bucket"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Bucket holds the per-client token bucket parameters.
type Bucket struct {
	FillInterval  time.Duration `mapstructure:"fill_interval" validate:"gt=0"`
	Capacity      uint64        `mapstructure:"capacity" validate:"gt=0"`
	Quantum       uint64        `mapstructure:"quantum" validate:"gt=0"`
	InitialTokens uint64        `mapstructure:"initial_tokens" validate:"ltefield=Capacity"`
	MaxWait       time.Duration `mapstructure:"max_wait" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(waitWithinTimeout, Config{})
	return v
}

// waitWithinTimeout reports a max_wait that the request timeout would cut
// short.
func waitWithinTimeout(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.RequestTimeout > 0 && c.Bucket.MaxWait >= c.RequestTimeout {
		sl.ReportError(c.Bucket.MaxWait, "Bucket.MaxWait", "MaxWait", "ltrequesttimeout", "")
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8081")
	v.SetDefault("upstream", "http://httpbin.org")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("bucket.fill_interval", time.Second)
	v.SetDefault("bucket.capacity", 100)
	v.SetDefault("bucket.quantum", 100)
	v.SetDefault("bucket.initial_tokens", 100)
	v.SetDefault("bucket.max_wait", 0)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Load reads the config file at path, if any, and applies environment
// overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// Watcher holds the config read from a file and reloads it whenever the
// file is written.
type Watcher struct {
	v   *viper.Viper
	cfg *Config
}

// NewWatcher reads and validates the config at path. Nothing is watched
// until Start is called.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config: watch needs a file path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{v: v, cfg: cfg}, nil
}

// Config returns the config as first read by NewWatcher.
func (w *Watcher) Config() *Config { return w.cfg }

// Start watches the file and calls onChange with the reloaded config, or
// the error that prevented reloading, on every write. Call it once.
func (w *Watcher) Start(onChange func(*Config, error)) {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(w.v))
	})
	w.v.WatchConfig()
}

// Path returns the config file location from CONFIG_PATH, falling back to
// configs/config.yaml when that file exists.
func Path() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	def := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(def); err == nil {
		return def
	}
	return ""
}
