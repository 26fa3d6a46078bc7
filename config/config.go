package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAdminUser      = "admin"
	defaultTokenLifetime  = 24 * time.Hour
	defaultGracePeriod    = 10 * time.Second
	defaultTokenCacheSize = 1024
	defaultTypingTimeout  = time.Second
	defaultPageSize       = 50
	defaultMaxPageSize    = 200
	defaultRetentionCron  = "@hourly"

	defaultMaxMessageLength     = 1000
	defaultMaxRoomNameLength    = 50
	defaultMaxUsernameLength    = 30
	defaultMaxDisplayNameLength = 50
	defaultMessageRatePerMinute = 30
	defaultMessageBurst         = 5
)

// Config is the global configuration object which is filled via the
// configuration file, environment (prefix CHATRELAY) and bound flags.
type Config struct {
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	TypingConfig      TypingConfig      `mapstructure:"typing"`
	LimitsConfig      LimitsConfig      `mapstructure:"limits"`
	RetentionConfig   RetentionConfig   `mapstructure:"retention"`
	LogLevel          string            `mapstructure:"log_level"`
	AdminUser         string            `mapstructure:"admin_user"`
}

// AuthConfig configures the local HS256 token verifier and the connection
// authentication window.
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenLifetime  time.Duration `mapstructure:"token_lifetime"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	TokenCacheSize int           `mapstructure:"token_cache_size"`
	Issuer         string        `mapstructure:"issuer"`
}

// An OIDCConfig object configures an OpenID Connect provider that can be used
// to authenticate connections instead of a local token. Clients name the
// provider in the authenticate action.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com"
}

// PersistenceConfig selects the storage backend. Type is one of "buntdb"
// (default), "sqlite" or "postgres"; DSN is the file path resp. connection
// string. FlockPath optionally overrides the lock file guarding the data
// against a second server process.
type PersistenceConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	FlockPath string `mapstructure:"flock_path"`
}

// HistoryConfig bounds the message pages served to clients.
type HistoryConfig struct {
	PageSize    int `mapstructure:"page_size"`
	MaxPageSize int `mapstructure:"max_page_size"`
}

type TypingConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LimitsConfig struct {
	MaxMessageLength     int `mapstructure:"max_message_length"`
	MaxRoomNameLength    int `mapstructure:"max_room_name_length"`
	MaxUsernameLength    int `mapstructure:"max_username_length"`
	MaxDisplayNameLength int `mapstructure:"max_display_name_length"`
	MessageRatePerMinute int `mapstructure:"message_rate_per_minute"`
	MessageBurst         int `mapstructure:"message_burst"`
}

// RetentionConfig schedules the purge of old messages. MaxAge 0 disables it.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	CronSpec string        `mapstructure:"cron_spec"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("admin-user", "a", "", "id of the admin user")
	flagSet.String("log-level", "", "log level (trace|debug|info|warn|error)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	setDefaults()
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("CHATRELAY")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("admin_user", defaultAdminUser)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("auth.token_lifetime", defaultTokenLifetime)
	viper.SetDefault("auth.grace_period", defaultGracePeriod)
	viper.SetDefault("auth.token_cache_size", defaultTokenCacheSize)
	viper.SetDefault("auth.issuer", "chatrelay")
	viper.SetDefault("persistence.type", "buntdb")
	viper.SetDefault("persistence.dsn", "chatrelay.db")
	viper.SetDefault("history.page_size", defaultPageSize)
	viper.SetDefault("history.max_page_size", defaultMaxPageSize)
	viper.SetDefault("typing.timeout", defaultTypingTimeout)
	viper.SetDefault("limits.max_message_length", defaultMaxMessageLength)
	viper.SetDefault("limits.max_room_name_length", defaultMaxRoomNameLength)
	viper.SetDefault("limits.max_username_length", defaultMaxUsernameLength)
	viper.SetDefault("limits.max_display_name_length", defaultMaxDisplayNameLength)
	viper.SetDefault("limits.message_rate_per_minute", defaultMessageRatePerMinute)
	viper.SetDefault("limits.message_burst", defaultMessageBurst)
	viper.SetDefault("retention.cron_spec", defaultRetentionCron)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.AuthConfig.GracePeriod <= 0 {
		return fmt.Errorf("auth.grace_period must be positive")
	}
	if c.TypingConfig.Timeout <= 0 {
		return fmt.Errorf("typing.timeout must be positive")
	}
	if c.LimitsConfig.MaxMessageLength <= 0 || c.LimitsConfig.MaxRoomNameLength <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	switch c.PersistenceConfig.Type {
	case "", "buntdb", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown persistence type: %s", c.PersistenceConfig.Type)
	}
	return nil
}

// OIDC returns the named provider config, or nil.
func (c *Config) OIDC(name string) *OIDCConfig {
	for i := range c.OIDCConfigs {
		if c.OIDCConfigs[i].Name == name {
			return &c.OIDCConfigs[i]
		}
	}
	return nil
}
