package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "GRAVITY_COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "gravity-collab.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultIssuer            = "gravity-auth"
	defaultCollabDebounce    = 2 * time.Second
	defaultCollabMaxDebounce = 10 * time.Second
	defaultLockTTL           = 30 * time.Second
	defaultPersistSchedule   = "@every 30s"
	defaultSweepSchedule     = "@every 5m"
	defaultAllowedOrigin     = "*"
	databaseDriverPostgres   = "postgres"
	databaseDriverSQLite     = "sqlite"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	CollabDebounce    time.Duration
	CollabMaxDebounce time.Duration

	WhiteboardLockTTL         time.Duration
	WhiteboardPersistSchedule string
	WhiteboardSweepSchedule   string

	RedisAddress string

	LogLevel string
	LogFile  string
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
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("collab.debounce", defaultCollabDebounce)
	configViper.SetDefault("collab.max_debounce", defaultCollabMaxDebounce)
	configViper.SetDefault("whiteboard.lock_ttl", defaultLockTTL)
	configViper.SetDefault("whiteboard.persist_schedule", defaultPersistSchedule)
	configViper.SetDefault("whiteboard.sweep_schedule", defaultSweepSchedule)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:               configViper.GetString("http.address"),
		AllowedOrigins:            splitList(configViper.GetString("cors.allowed_origins")),
		DatabaseDriver:            strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:              configViper.GetString("database.path"),
		DatabaseDSN:               configViper.GetString("database.dsn"),
		AuthSigningSecret:         configViper.GetString("auth.signing_secret"),
		AuthIssuer:                configViper.GetString("auth.issuer"),
		AuthCookieName:            configViper.GetString("auth.cookie_name"),
		CollabDebounce:            configViper.GetDuration("collab.debounce"),
		CollabMaxDebounce:         configViper.GetDuration("collab.max_debounce"),
		WhiteboardLockTTL:         configViper.GetDuration("whiteboard.lock_ttl"),
		WhiteboardPersistSchedule: configViper.GetString("whiteboard.persist_schedule"),
		WhiteboardSweepSchedule:   configViper.GetString("whiteboard.sweep_schedule"),
		RedisAddress:              strings.TrimSpace(configViper.GetString("redis.address")),
		LogLevel:                  configViper.GetString("log.level"),
		LogFile:                   strings.TrimSpace(configViper.GetString("log.file")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case databaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %s or %s", databaseDriverSQLite, databaseDriverPostgres)
	}
	if c.CollabDebounce <= 0 {
		return fmt.Errorf("collab.debounce must be positive")
	}
	if c.CollabMaxDebounce < c.CollabDebounce {
		return fmt.Errorf("collab.max_debounce must not be shorter than collab.debounce")
	}
	if c.WhiteboardLockTTL <= 0 {
		return fmt.Errorf("whiteboard.lock_ttl must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
