// Package config loads daemon and CLI settings from YAML, .env and BIBSYNC_* variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/logging"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/service"
)

// EnvPrefix prefixes every environment override, e.g. BIBSYNC_REMOTE_API_KEY.
const EnvPrefix = "BIBSYNC"

type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Libraries []LibraryConfig `mapstructure:"libraries" validate:"dive"`
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Control   ControlConfig   `mapstructure:"control"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type LibraryConfig struct {
	ID   int64  `mapstructure:"id" validate:"required,gt=0"`
	Kind string `mapstructure:"kind" validate:"required,oneof=personal group"`
	Name string `mapstructure:"name"`
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=pull bidirectional"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN      string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

type SyncConfig struct {
	Schedule          string `mapstructure:"schedule"`
	FetchBatch        int    `mapstructure:"fetch_batch" validate:"min=1,max=50"`
	PushBatch         int    `mapstructure:"push_batch" validate:"min=1,max=50"`
	DeleteConcurrency int    `mapstructure:"delete_concurrency" validate:"min=1,max=32"`
}

type ControlConfig struct {
	Addr     string        `mapstructure:"addr" validate:"required"`
	JWTKey   string        `mapstructure:"jwt_key"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	TLSCert  string        `mapstructure:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey   string        `mapstructure:"tls_key" validate:"required_with=TLSCert"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format" validate:"omitempty,oneof=json console"`
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "https://api.zotero.org")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 0)
	v.SetDefault("sync.schedule", "@every 15m")
	v.SetDefault("sync.fetch_batch", 50)
	v.SetDefault("sync.push_batch", 50)
	v.SetDefault("sync.delete_concurrency", 5)
	v.SetDefault("control.addr", "127.0.0.1:7443")
	v.SetDefault("control.jwt_key", "")
	v.SetDefault("control.token_ttl", "15m")
	v.SetDefault("control.tls_cert", "")
	v.SetDefault("control.tls_key", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
}

// Load reads path (optional), a .env file in the working directory (optional)
// and the environment. It does not validate; see Validate and ValidateControl.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks everything the daemon needs. A missing API key or library
// list is ErrConfigMissing; malformed values are ErrValidation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Remote.APIKey) == "" {
		return fmt.Errorf("remote.api_key not set: %w", errs.ErrConfigMissing)
	}
	if len(c.Libraries) == 0 {
		return fmt.Errorf("no libraries configured: %w", errs.ErrConfigMissing)
	}
	if strings.TrimSpace(c.Control.JWTKey) == "" {
		return fmt.Errorf("control.jwt_key not set: %w", errs.ErrConfigMissing)
	}
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}
	seen := make(map[int64]bool, len(c.Libraries))
	for _, l := range c.Libraries {
		if seen[l.ID] {
			return fmt.Errorf("library %d listed twice: %w", l.ID, errs.ErrValidation)
		}
		seen[l.ID] = true
	}
	return nil
}

// ValidateControl checks the subset the CLI needs.
func (c *Config) ValidateControl() error {
	if strings.TrimSpace(c.Control.JWTKey) == "" {
		return fmt.Errorf("control.jwt_key not set: %w", errs.ErrConfigMissing)
	}
	if err := validate.Struct(c.Control); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make([]string, 0, len(ve))
		for _, fe := range ve {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s: %w", strings.Join(fields, ", "), errs.ErrValidation)
	}
	return fmt.Errorf("invalid config: %v: %w", err, errs.ErrValidation)
}

// LibraryModels converts configured libraries, defaulting mode to pull.
func (c *Config) LibraryModels() []model.Library {
	out := make([]model.Library, 0, len(c.Libraries))
	for _, l := range c.Libraries {
		mode := model.SyncMode(l.Mode)
		if mode == "" {
			mode = model.ModePull
		}
		out = append(out, model.Library{
			ID:   l.ID,
			Kind: model.LibraryKind(l.Kind),
			Name: l.Name,
			Mode: mode,
		})
	}
	return out
}

// LibraryIDs returns configured ids in configuration order.
func (c *Config) LibraryIDs() []int64 {
	ids := make([]int64, len(c.Libraries))
	for i, l := range c.Libraries {
		ids[i] = l.ID
	}
	return ids
}

// ServiceOptions maps sync tuning to engine options.
func (c *Config) ServiceOptions() service.Options {
	return service.Options{
		FetchBatch:        c.Sync.FetchBatch,
		PushBatch:         c.Sync.PushBatch,
		DeleteConcurrency: c.Sync.DeleteConcurrency,
	}
}

// LoggingConfig maps the logging section.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		File:      c.Logging.File,
		MaxSizeMB: c.Logging.MaxSizeMB,
	}
}
