// Package config loads the daemon's maintenance window and, as an expansion
// of the original hardcoded constants, the control-link address and device
// list path -- all overridable, all defaulted to the values the original
// source hardcoded.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

const (
	// MinMaintenanceMS is the minimum accepted maintenance window, 30 seconds.
	MinMaintenanceMS = 30_000
	// MaxMaintenanceMS is the maximum accepted maintenance window, 30 days.
	MaxMaintenanceMS = 2_592_000_000
	// DefaultMaintenanceMS is used whenever the config file is missing,
	// out of range, or unparseable.
	DefaultMaintenanceMS = 2_592_000_000

	// DefaultConfigPath is where the maintenance window is read from.
	DefaultConfigPath = "/etc/coint/bleserver.config"
)

// ErrInvalid marks any reason the config file was rejected; the caller always
// falls back to defaults rather than aborting startup, per spec.
var ErrInvalid = errors.New("config invalid")

// Config holds the daemon's runtime configuration. Fields beyond
// MaintenanceMS are not present in the original source -- they existed there
// only as hardcoded constants -- but are given the same default values here.
type Config struct {
	MaintenanceMS     int64  `default:"2592000000"`
	CtrlLinkAddr      string `default:"127.0.0.1:1337"`
	DeviceListPath    string `default:"/etc/coint/slave_list.txt"`
	BLECallTimeoutMS  int64  `default:"10000"`
	LogLevel          logrus.Level
}

// DefaultConfig returns a Config populated entirely from struct-tag defaults,
// equivalent to the original's hardcoded constants. LogLevel has no
// `default` tag because go-defaults only special-cases primitive kinds, not
// named uint32 types; it is set explicitly to logrus.InfoLevel here.
func DefaultConfig() *Config {
	c := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(c)
	return c
}

// BLECallTimeout returns BLECallTimeoutMS as a time.Duration.
func (c *Config) BLECallTimeout() time.Duration {
	return time.Duration(c.BLECallTimeoutMS) * time.Millisecond
}

// Load reads maintenance_ms from path and returns a Config with every other
// field at its struct-tag default. On missing file, parse failure, or an
// out-of-range value it logs one diagnostic line and falls back to
// DefaultMaintenanceMS -- it never aborts startup, per spec.md §4.2/§7.
func Load(path string, logger *logrus.Logger) *Config {
	cfg := DefaultConfig()

	ms, err := readMaintenanceMS(path)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"path":  path,
			"error": err,
		}).Warn("config invalid, falling back to 30-day maintenance window")
		cfg.MaintenanceMS = DefaultMaintenanceMS
		return cfg
	}

	cfg.MaintenanceMS = ms
	return cfg
}

func readMaintenanceMS(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("%w: empty config file", ErrInvalid)
	}

	line := strings.TrimSpace(scanner.Text())
	ms, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if ms < MinMaintenanceMS || ms > MaxMaintenanceMS {
		return 0, fmt.Errorf("%w: %d out of range [%d, %d]", ErrInvalid, ms, MinMaintenanceMS, MaxMaintenanceMS)
	}

	return ms, nil
}

// NewLogger builds a *logrus.Logger configured per Config.LogLevel, following
// the text-formatter convention used throughout this codebase.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
