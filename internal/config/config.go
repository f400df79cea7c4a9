package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

type Config struct {
	DevicePath           string
	DeviceSectors        int64
	CacheEntries         int
	FlushInterval        time.Duration
	ReadAhead            bool
	ReadAheadWorkers     int
	WriteBackBytesPerSec int64
	EvictRetries         int
	HTTPAddr             string
	ImageCodec           string
	ImageKey             string
	LogLevel             LogLevel
}

func Load() *Config {
	return &Config{
		DevicePath:           getEnv("SECTORFS_DEVICE", "/var/lib/sectorfs/disk.img"),
		DeviceSectors:        getEnvInt64("SECTORFS_SECTORS", 8192),
		CacheEntries:         int(getEnvInt64("SECTORFS_CACHE_ENTRIES", 64)),
		FlushInterval:        getEnvDuration("SECTORFS_FLUSH_INTERVAL", time.Second),
		ReadAhead:            getEnvBool("SECTORFS_READAHEAD", true),
		ReadAheadWorkers:     int(getEnvInt64("SECTORFS_READAHEAD_WORKERS", 1)),
		WriteBackBytesPerSec: getEnvInt64("SECTORFS_WRITEBACK_RATE", 0),
		EvictRetries:         int(getEnvInt64("SECTORFS_EVICT_RETRIES", 16)),
		HTTPAddr:             getEnv("SECTORFS_HTTP", "127.0.0.1:8080"),
		ImageCodec:           getEnv("SECTORFS_IMAGE_CODEC", "zstd"),
		ImageKey:             os.Getenv("SECTORFS_IMAGE_KEY"),
		LogLevel:             parseLogLevel(getEnv("LOG_LEVEL", "info")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		v := strings.ToLower(value)
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}
