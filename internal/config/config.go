package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "PLANNER"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "planner.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 60
	defaultTokenIssuer      = "planner-auth"
	defaultTokenAudience    = "planner-api"
	defaultHeartbeatSeconds = 15
	defaultAPIURL           = "http://localhost:8080"
	defaultLoadAttempts     = 3
	defaultRetryBackoff     = 250 * time.Millisecond
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	TokenIssuer       string
	TokenAudience     string
	TokenTTL          time.Duration
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// ClientConfig captures configuration for the planner CLI.
type ClientConfig struct {
	APIURL       string
	Email        string
	LogLevel     string
	LoadAttempts int
	RetryBackoff time.Duration
	// TokenPath is where the CLI keeps the access token between runs; empty disables it.
	TokenPath string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)

	configViper.SetDefault("api.url", defaultAPIURL)
	configViper.SetDefault("sync.load_attempts", defaultLoadAttempts)
	configViper.SetDefault("sync.retry_backoff", defaultRetryBackoff)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	return nil
}

// LoadClient parses CLI configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIURL:       strings.TrimSpace(configViper.GetString("api.url")),
		Email:        strings.TrimSpace(configViper.GetString("auth.email")),
		LogLevel:     configViper.GetString("log.level"),
		LoadAttempts: configViper.GetInt("sync.load_attempts"),
		RetryBackoff: configViper.GetDuration("sync.retry_backoff"),
		TokenPath:    strings.TrimSpace(configViper.GetString("auth.token_path")),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.APIURL)
	if c.APIURL == "" || err != nil || parsed.Host == "" {
		return fmt.Errorf("api.url must be an absolute URL")
	}
	if c.LoadAttempts < 1 {
		return fmt.Errorf("sync.load_attempts must be at least 1")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("sync.retry_backoff must not be negative")
	}
	return nil
}
