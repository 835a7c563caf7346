// Package config reads tessel settings from flags, TESSEL_* environment
// variables and .env files, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/tessel/internal/client"
	"github.com/roach88/tessel/internal/clock"
	"github.com/roach88/tessel/internal/subscribe"
)

// EnvPrefix prefixes every environment variable: max-modify-size is read
// from TESSEL_MAX_MODIFY_SIZE.
const EnvPrefix = "tessel"

// Keys.
const (
	KeyMaxModifySize        = "max-modify-size"
	KeyCompressThreshold    = "compress-threshold"
	KeyFlushInterval        = "flush-interval"
	KeySubscriptionGrace    = "subscription-grace"
	KeySubscriptionThrottle = "subscription-throttle"
	KeyDB                   = "db"
	KeyListen               = "listen"
	KeyLogLevel             = "log-level"
)

var defaults = map[string]any{
	KeyMaxModifySize:        "5MiB",
	KeyCompressThreshold:    "1KiB",
	KeyFlushInterval:        "0s",
	KeySubscriptionGrace:    subscribe.DefaultGrace.String(),
	KeySubscriptionThrottle: subscribe.DefaultThrottle.String(),
	KeyDB:                   "tessel.db",
	KeyListen:               "127.0.0.1:7420",
	KeyLogLevel:             "info",
}

// Config is the resolved configuration.
type Config struct {
	MaxModifySize        int
	CompressThreshold    int
	FlushInterval        time.Duration
	SubscriptionGrace    time.Duration
	SubscriptionThrottle time.Duration
	DB                   string
	Listen               string
	LogLevel             slog.Level
}

// LoadEnvFiles loads .env and .env.local into the process environment.
// Missing files are skipped; variables already set win.
func LoadEnvFiles(dir string) {
	for _, name := range []string{".env", ".env.local"} {
		path := name
		if dir != "" {
			path = strings.TrimSuffix(dir, "/") + "/" + name
		}
		_ = godotenv.Load(path)
	}
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return v
}

// AddFlags registers the client settings on cmd.
func AddFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String(KeyMaxModifySize, defaults[KeyMaxModifySize].(string), "largest modify buffer sent in one flush (e.g. 5MiB)")
	f.String(KeyCompressThreshold, defaults[KeyCompressThreshold].(string), "strings at least this large are compressed; 0 disables")
	f.Duration(KeyFlushInterval, 0, "flush pending operations after this long; 0 disables auto flush")
	f.Duration(KeySubscriptionGrace, subscribe.DefaultGrace, "keep a subscription this long after its last listener left")
	f.Duration(KeySubscriptionThrottle, subscribe.DefaultThrottle, "coalesce invalidations within this window")
	f.String(KeyDB, defaults[KeyDB].(string), "SQLite database of the reference engine")
	f.String(KeyLogLevel, defaults[KeyLogLevel].(string), "log level: debug, info, warn, error")
}

// AddServeFlags registers the server settings on cmd.
func AddServeFlags(cmd *cobra.Command) {
	cmd.Flags().String(KeyListen, defaults[KeyListen].(string), "address the server listens on")
}

// Bind makes flags of cmd override environment and defaults.
func Bind(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return v.BindPFlags(cmd.PersistentFlags())
}

// Load resolves every key. All invalid values are reported together.
func Load(v *viper.Viper) (Config, error) {
	var errs []error
	size := func(key string) int {
		n, err := humanize.ParseBytes(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return 0
		}
		return int(n)
	}
	duration := func(key string) time.Duration {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return 0
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", key))
		}
		return d
	}

	c := Config{
		MaxModifySize:        size(KeyMaxModifySize),
		CompressThreshold:    size(KeyCompressThreshold),
		FlushInterval:        duration(KeyFlushInterval),
		SubscriptionGrace:    duration(KeySubscriptionGrace),
		SubscriptionThrottle: duration(KeySubscriptionThrottle),
		DB:                   v.GetString(KeyDB),
		Listen:               v.GetString(KeyListen),
	}
	if c.MaxModifySize < 64 && len(errs) == 0 {
		errs = append(errs, fmt.Errorf("%s: %s is too small", KeyMaxModifySize, humanize.IBytes(uint64(c.MaxModifySize))))
	}
	level, err := ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		errs = append(errs, err)
	}
	c.LogLevel = level
	return c, errors.Join(errs...)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%s: unknown level %q", KeyLogLevel, s)
	}
	return l, nil
}

// Logger returns a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}

// ClientOptions converts the configuration into client options.
func (c Config) ClientOptions(logger *slog.Logger, clk clock.Clock) client.Options {
	threshold := c.CompressThreshold
	if threshold == 0 {
		threshold = -1
	}
	return client.Options{
		MaxModifySize:     c.MaxModifySize,
		CompressThreshold: threshold,
		FlushInterval:     c.FlushInterval,
		Grace:             orNegative(c.SubscriptionGrace),
		Throttle:          orNegative(c.SubscriptionThrottle),
		Clock:             clk,
		Logger:            logger,
	}
}

// orNegative maps an explicit zero to the "no delay" value of the
// subscribe options, where zero means default.
func orNegative(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
