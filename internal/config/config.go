package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "FILEROBOT"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DatabaseDriverSQLite
	defaultDatabasePath       = "filerobot.db"
	defaultLogLevel           = "info"
	defaultSessionIssuer      = "filerobot-cms"
	defaultCookieName         = "app_session"
	defaultCollectionName     = "Filerobot"
	defaultOriginalsName      = "originals"
	defaultCollectionCacheKey = "filerobot_collection"
	defaultCollectionCacheTTL = 5 * time.Minute
	defaultMediaRoot          = "media"
	defaultMediaURL           = "/media"
	defaultMaxUploadBytes     = 10 << 20
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL server reached through database.dsn.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	UserMustMatch           bool
	DisableHistory          bool
	CollectionName          string
	OriginalsCollectionName string
	CollectionCacheKey      string
	CollectionCacheTTL      time.Duration

	MediaRoot      string
	MediaURL       string
	MaxUploadBytes int64

	MetricsEnabled bool
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("filerobot.user_must_match", true)
	configViper.SetDefault("filerobot.disable_history", false)
	configViper.SetDefault("filerobot.collection_name", defaultCollectionName)
	configViper.SetDefault("filerobot.originals_collection_name", defaultOriginalsName)
	configViper.SetDefault("filerobot.collection_cache_key", defaultCollectionCacheKey)
	configViper.SetDefault("filerobot.collection_cache_ttl", defaultCollectionCacheTTL)
	configViper.SetDefault("media.root", defaultMediaRoot)
	configViper.SetDefault("media.url", defaultMediaURL)
	configViper.SetDefault("media.max_upload_bytes", defaultMaxUploadBytes)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: normalizeOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),

		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),

		UserMustMatch:           configViper.GetBool("filerobot.user_must_match"),
		DisableHistory:          configViper.GetBool("filerobot.disable_history"),
		CollectionName:          strings.TrimSpace(configViper.GetString("filerobot.collection_name")),
		OriginalsCollectionName: strings.TrimSpace(configViper.GetString("filerobot.originals_collection_name")),
		CollectionCacheKey:      strings.TrimSpace(configViper.GetString("filerobot.collection_cache_key")),
		CollectionCacheTTL:      configViper.GetDuration("filerobot.collection_cache_ttl"),

		MediaRoot:      configViper.GetString("media.root"),
		MediaURL:       strings.TrimRight(configViper.GetString("media.url"), "/"),
		MaxUploadBytes: configViper.GetInt64("media.max_upload_bytes"),

		MetricsEnabled: configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret reports whether session tokens can be validated or minted.
// Offline commands such as provisioning run without a secret.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validateStorage() error {
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("filerobot.collection_name is required")
	}
	if c.OriginalsCollectionName == "" {
		return fmt.Errorf("filerobot.originals_collection_name is required")
	}
	if c.CollectionCacheKey == "" {
		return fmt.Errorf("filerobot.collection_cache_key is required")
	}
	if c.CollectionCacheTTL <= 0 {
		return fmt.Errorf("filerobot.collection_cache_ttl must be positive")
	}
	return nil
}

func (c AppConfig) validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return fmt.Errorf("media.root is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("media.max_upload_bytes must be positive")
	}
	return nil
}

func normalizeOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
