// Package config loads the command-line tool's settings from the environment.
package config

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultDrivers     = "local-sync,wasm"
	defaultListenAddr  = ":8080"
	defaultDBPath      = "vmrt.db"
	defaultCORSOrigins = "*"

	envDrivers     = "VMRT_DEFAULT_DRIVER"
	envLogLevel    = "VMRT_LOG_LEVEL"
	envListenAddr  = "VMRT_LISTEN_ADDR"
	envDBPath      = "VMRT_DB_PATH"
	envCORSOrigins = "VMRT_CORS_ORIGINS"
)

// Config holds settings loaded from environment variables. Command-line
// flags override them.
type Config struct {
	Drivers     []string
	LogLevel    zapcore.Level
	ListenAddr  string
	DBPath      string
	CORSOrigins []string
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return load(os.Getenv)
}

func load(getenv func(string) string) Config {
	cfg := Config{
		Drivers:     SplitList(defaultDrivers),
		LogLevel:    zapcore.InfoLevel,
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		CORSOrigins: SplitList(defaultCORSOrigins),
	}

	if v := getenv(envDrivers); v != "" {
		cfg.Drivers = SplitList(v)
	}
	if v := getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := getenv(envCORSOrigins); v != "" {
		cfg.CORSOrigins = SplitList(v)
	}
	return cfg
}

// ParseLogLevel maps a level name to a zap level. Unknown names give info.
func ParseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SplitList splits a comma separated value, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewLogger builds a logger writing to stderr. Debug level uses zap's
// development encoder; other levels use the JSON production encoder.
func NewLogger(level zapcore.Level) (*zap.Logger, error) {
	var zc zap.Config
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
