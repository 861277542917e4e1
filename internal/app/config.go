package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/oauth2"

	"github.com/huohua/socialcall/internal/authorizer"
	"github.com/huohua/socialcall/internal/tokenstore"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore, e.g. SOCIALCALL_AUTH__CLIENT_ID sets auth.client_id.
const EnvPrefix = "SOCIALCALL_"

// TokenStorageType selects where the authorization token is persisted.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeEnv     TokenStorageType = "env"
)

// Config is the complete application configuration.
type Config struct {
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `koanf:"log_format" validate:"oneof=text json"`
	LogExporter string `koanf:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`

	Auth   AuthConfig   `koanf:"auth"`
	API    APIConfig    `koanf:"api"`
	Server ServerConfig `koanf:"server"`
}

// AuthConfig configures the OAuth2 client and token storage.
type AuthConfig struct {
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	AuthURL      string   `koanf:"auth_url" validate:"required,url"`
	TokenURL     string   `koanf:"token_url" validate:"required,url"`
	RedirectURL  string   `koanf:"redirect_url" validate:"required,url"`
	Scopes       []string `koanf:"scopes"`

	Storage        TokenStorageType `koanf:"storage" validate:"oneof=file keyring env"`
	File           string           `koanf:"file" validate:"required_if=Storage file"`
	KeyringService string           `koanf:"keyring_service" validate:"required_if=Storage keyring"`
	KeyringUser    string           `koanf:"keyring_user" validate:"required_if=Storage keyring"`
	EnvVar         string           `koanf:"env_var" validate:"required_if=Storage env"`
}

// APIConfig configures the REST transport.
type APIConfig struct {
	BaseURL          string        `koanf:"base_url" validate:"required,url"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxResponseBytes int64         `koanf:"max_response_bytes" validate:"gt=0"`
	UserAgent        string        `koanf:"user_agent"`
}

// ServerConfig configures the local HTTP server.
type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required,listen_addr"`
}

func defaults() map[string]any {
	return map[string]any{
		"log_level":    "info",
		"log_format":   "text",
		"log_exporter": "none",

		"auth.auth_url":        authorizer.Endpoint.AuthURL,
		"auth.token_url":       authorizer.Endpoint.TokenURL,
		"auth.redirect_url":    "http://127.0.0.1:4000/oauth/callback",
		"auth.storage":         string(TokenStorageTypeFile),
		"auth.file":            "~/.config/socialcall/token.json",
		"auth.keyring_service": "socialcall",
		"auth.keyring_user":    "default",
		"auth.env_var":         "SOCIALCALL_TOKEN",

		"api.base_url":           "https://api.weibo.com/2",
		"api.timeout":            "30s",
		"api.max_response_bytes": 10 << 20,
		"api.user_agent":         "socialcall",

		"server.addr": "127.0.0.1:4000",
	}
}

// LoadConfig merges, in increasing precedence: defaults, the TOML file at path
// (skipped when empty), SOCIALCALL_ environment variables from environ, and
// overrides keyed by dotted config path.
func LoadConfig(path string, overrides map[string]any, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if environ != nil {
		err := k.Load(env.Provider(".", env.Opt{
			Prefix:        EnvPrefix,
			TransformFunc: transformEnv,
			EnvironFunc:   environ,
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load environment: %w", err)
		}
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// transformEnv maps SOCIALCALL_API__BASE_URL to api.base_url. Scopes may be
// given as a comma-separated list.
func transformEnv(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "auth.scopes" {
		return key, strings.Split(value, ",")
	}
	return key, value
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("listen_addr", isListenAddr); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// isListenAddr accepts host:port with port 0-65535; port 0 picks a free port.
func isListenAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level: %w", err)
	}
	return level, nil
}

// OAuth2Config builds the OAuth2 client configuration.
func (c *AuthConfig) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: authorizer.Endpoint.AuthStyle,
		},
	}
}

// NewTokenStore creates the configured storage backend.
func (c *AuthConfig) NewTokenStore() (tokenstore.TokenStore, error) {
	switch c.Storage {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(c.File)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(c.KeyringService, c.KeyringUser)
	case TokenStorageTypeEnv:
		return tokenstore.NewEnvStore(c.EnvVar)
	default:
		return nil, fmt.Errorf("unsupported token storage %q", c.Storage)
	}
}
