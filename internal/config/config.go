package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/database"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "MORECOFFEE"
	defaultHTTPAddress    = "127.0.0.1:8080"
	defaultLogLevel       = "info"
	defaultLogMaxSizeMB   = 10
	defaultLogMaxFiles    = 5
	defaultTokenTTLHours  = 24 * 30
	defaultStatisticsDays = 7
)

// AppConfig captures runtime configuration for the tracker.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	BackupRetention int
	LogLevel        string
	LogFile         string
	LogMaxSizeMB    int
	LogMaxFiles     int
	SigningSecret   string
	TokenTTL        time.Duration
	StatisticsDays  int
}

// AuthEnabled reports whether API requests must carry a bearer token.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
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
	configViper.SetDefault("database.path", database.DefaultDatabasePath())
	configViper.SetDefault("backup.retain", database.DefaultBackupRetention)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_files", defaultLogMaxFiles)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("statistics.days", defaultStatisticsDays)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		BackupRetention: configViper.GetInt("backup.retain"),
		LogLevel:        configViper.GetString("log.level"),
		LogFile:         configViper.GetString("log.file"),
		LogMaxSizeMB:    configViper.GetInt("log.max_size_mb"),
		LogMaxFiles:     configViper.GetInt("log.max_files"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_hours")) * time.Hour,
		StatisticsDays:  configViper.GetInt("statistics.days"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.BackupRetention < 0 {
		return fmt.Errorf("backup.retain must not be negative")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_hours must be positive")
	}
	if c.StatisticsDays <= 0 {
		return fmt.Errorf("statistics.days must be positive")
	}
	return nil
}
