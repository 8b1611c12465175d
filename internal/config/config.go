// Package config loads the gateway configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	UITUI   = "tui"
	UIPlain = "plain"

	StrategyFallback = "fallback"
	StrategySecure   = "secure"

	// SPPUUID is the Serial Port Profile service class.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"
)

// Config is the top-level gateway configuration.
type Config struct {
	Adapter     string        `yaml:"adapter"`
	ServiceUUID string        `yaml:"service_uuid"`
	UI          string        `yaml:"ui"`
	Scan        ScanConfig    `yaml:"scan"`
	Connect     ConnectConfig `yaml:"connect"`
	Log         LogConfig     `yaml:"log"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Duration  time.Duration `yaml:"duration"`   // Discovery is stopped after this long.
	AutoPower bool          `yaml:"auto_power"` // Switch the adapter on instead of refusing to scan.
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Strategy        string        `yaml:"strategy"`
	SettleDelay     time.Duration `yaml:"settle_delay"`    // Wait after cancelling discovery.
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"` // Bound for all tiers of one attempt.
	FallbackChannel uint8         `yaml:"fallback_channel"`
	Pair            *bool         `yaml:"pair"` // nil means true.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`   // used by the TUI, which owns the terminal
}

// Default returns the configuration used when no file is given.
func Default() Config {
	pair := true
	return Config{
		ServiceUUID: SPPUUID,
		UI:          UITUI,
		Scan: ScanConfig{
			Duration: 10 * time.Second,
		},
		Connect: ConnectConfig{
			Strategy:        StrategyFallback,
			SettleDelay:     500 * time.Millisecond,
			AttemptTimeout:  30 * time.Second,
			FallbackChannel: 1,
			Pair:            &pair,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "btgateway.log",
		},
	}
}

// Load reads a YAML file on top of Default. Environment variables referenced
// as ${VAR} or $VAR are expanded before parsing. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize validates the configuration and canonicalises its values.
func (c *Config) Normalize() error {
	u, err := uuid.Parse(c.ServiceUUID)
	if err != nil {
		return fmt.Errorf("config: service_uuid %q: %w", c.ServiceUUID, err)
	}
	c.ServiceUUID = u.String()

	c.UI = strings.ToLower(c.UI)
	if c.UI != UITUI && c.UI != UIPlain {
		return fmt.Errorf("config: ui must be %q or %q, got %q", UITUI, UIPlain, c.UI)
	}
	c.Connect.Strategy = strings.ToLower(c.Connect.Strategy)
	if c.Connect.Strategy != StrategyFallback && c.Connect.Strategy != StrategySecure {
		return fmt.Errorf("config: connect.strategy must be %q or %q, got %q",
			StrategyFallback, StrategySecure, c.Connect.Strategy)
	}

	var errs []error
	if c.Scan.Duration <= 0 {
		errs = append(errs, errors.New("config: scan.duration must be positive"))
	}
	if c.Connect.SettleDelay < 0 {
		errs = append(errs, errors.New("config: connect.settle_delay must not be negative"))
	}
	if c.Connect.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("config: connect.attempt_timeout must be positive"))
	}
	// RFCOMM server channels are 1..30.
	if c.Connect.FallbackChannel < 1 || c.Connect.FallbackChannel > 30 {
		errs = append(errs, fmt.Errorf("config: connect.fallback_channel %d out of range 1-30", c.Connect.FallbackChannel))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PairEnabled reports whether unbonded devices are paired before connecting.
func (c ConnectConfig) PairEnabled() bool {
	return c.Pair == nil || *c.Pair
}

// NewLogger builds a logrus logger from the log settings.
func (l LogConfig) NewLogger() (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	log.SetLevel(lvl)
	if l.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
