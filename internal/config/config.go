// Package config loads the liveview command configuration from flags,
// LIVEVIEW_* environment variables and an optional liveview.yaml file.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LIVEVIEW_LISTEN_ADDR.
const EnvPrefix = "LIVEVIEW"

// Config holds every setting of the liveview command. Each field becomes a
// flag named after its mapstructure tag.
type Config struct {
	LogLevel  string `mapstructure:"log-level" default:"info" description:"the log level (debug, info, warn, error)"`
	LogFormat string `mapstructure:"log-format" default:"text" description:"the log format (text or json)"`

	ListenAddr  string `mapstructure:"listen-addr" default:"127.0.0.1:8080" description:"the address the server listens on"`
	MetricsPath string `mapstructure:"metrics-path" default:"/metrics" description:"the path serving prometheus metrics, empty to disable"`

	Source           string        `mapstructure:"source" default:"memory" description:"the data source to serve (memory or postgres)"`
	DatabaseURL      string        `mapstructure:"database-url" default:"" description:"the PostgreSQL connection string for the postgres source"`
	TableName        string        `mapstructure:"table-name" default:"liveview_rows" description:"the table holding rows for the postgres source"`
	Channel          string        `mapstructure:"channel" default:"liveview_changes" description:"the NOTIFY channel for the postgres source"`
	InitSchema       bool          `mapstructure:"init-schema" default:"true" description:"create the rows table on startup"`
	Simulate         bool          `mapstructure:"simulate" default:"true" description:"publish simulated market data"`
	SimulateInterval time.Duration `mapstructure:"simulate-interval" default:"250ms" description:"the interval between simulated quotes"`

	ServerURL  string        `mapstructure:"server-url" default:"ws://127.0.0.1:8080/ws" description:"the websocket URL the watch command connects to"`
	Topic      string        `mapstructure:"topic" default:"market_data" description:"the topic to watch"`
	OrderBy    string        `mapstructure:"order-by" default:"/bid DESC" description:"the ordering expression of the watched view"`
	Options    string        `mapstructure:"options" default:"oof,conflation=1000ms,top_n=20,skip_n=0" description:"the query options of the watched view"`
	Filter     string        `mapstructure:"filter" default:"" description:"the initial content filter"`
	Title      string        `mapstructure:"title" default:"" description:"the title of the watched view, defaults to the topic"`
	RefreshMin time.Duration `mapstructure:"refresh-min" default:"100ms" description:"the minimum interval between redraws"`
	Demo       bool          `mapstructure:"demo" default:"false" description:"watch the two market data demo views instead of a single view"`
	// WatchMetricsAddr serves the watch command's metrics when set
	WatchMetricsAddr string `mapstructure:"watch-metrics-addr" default:"" description:"the address the watch command serves metrics on, empty to disable"`
}

// RegisterFlags adds one flag per Config field to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		description := field.Tag.Get("description")
		defaultTag := field.Tag.Get("default")

		switch {
		case field.Type == reflect.TypeOf(time.Duration(0)):
			val, _ := time.ParseDuration(defaultTag)
			flags.Duration(name, val, description)
		case field.Type.Kind() == reflect.String:
			flags.String(name, defaultTag, description)
		case field.Type.Kind() == reflect.Int:
			val, _ := strconv.Atoi(defaultTag)
			flags.Int(name, val, description)
		case field.Type.Kind() == reflect.Bool:
			val, _ := strconv.ParseBool(defaultTag)
			flags.Bool(name, val, description)
		}
	}
}

// Load resolves the configuration. Flags set on the command line win over
// the environment, which wins over the config file, which wins over defaults.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigType("yaml")
		v.SetConfigName("liveview")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be checked by their consumers.
func (c *Config) Validate() error {
	switch c.Source {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database-url is required for the postgres source")
		}
	default:
		return fmt.Errorf("unknown source '%s'", c.Source)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format '%s'", c.LogFormat)
	}
	if c.SimulateInterval <= 0 {
		return errors.New("simulate-interval must be positive")
	}
	return nil
}
