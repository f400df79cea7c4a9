package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, int64(8192), cfg.DeviceSectors)
	assert.Equal(t, 64, cfg.CacheEntries)
	assert.Equal(t, time.Second, cfg.FlushInterval)
	assert.True(t, cfg.ReadAhead)
	assert.Equal(t, 1, cfg.ReadAheadWorkers)
	assert.Zero(t, cfg.WriteBackBytesPerSec)
	assert.Equal(t, 16, cfg.EvictRetries)
	assert.Equal(t, "zstd", cfg.ImageCodec)
	assert.Equal(t, LogLevelInfo, cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SECTORFS_DEVICE", "/tmp/disk.img")
	t.Setenv("SECTORFS_SECTORS", "4096")
	t.Setenv("SECTORFS_CACHE_ENTRIES", "32")
	t.Setenv("SECTORFS_FLUSH_INTERVAL", "250ms")
	t.Setenv("SECTORFS_READAHEAD", "no")
	t.Setenv("SECTORFS_READAHEAD_WORKERS", "4")
	t.Setenv("SECTORFS_WRITEBACK_RATE", "65536")
	t.Setenv("SECTORFS_HTTP", ":9000")
	t.Setenv("SECTORFS_IMAGE_CODEC", "lz4")
	t.Setenv("SECTORFS_IMAGE_KEY", "hunter2")
	t.Setenv("LOG_LEVEL", "WARNING")

	cfg := Load()
	assert.Equal(t, "/tmp/disk.img", cfg.DevicePath)
	assert.Equal(t, int64(4096), cfg.DeviceSectors)
	assert.Equal(t, 32, cfg.CacheEntries)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.False(t, cfg.ReadAhead)
	assert.Equal(t, 4, cfg.ReadAheadWorkers)
	assert.Equal(t, int64(65536), cfg.WriteBackBytesPerSec)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "lz4", cfg.ImageCodec)
	assert.Equal(t, "hunter2", cfg.ImageKey)
	assert.Equal(t, LogLevelWarn, cfg.LogLevel)
}

func TestLoadIgnoresMalformed(t *testing.T) {
	t.Setenv("SECTORFS_SECTORS", "lots")
	t.Setenv("SECTORFS_FLUSH_INTERVAL", "-1s")
	t.Setenv("LOG_LEVEL", "loud")

	cfg := Load()
	assert.Equal(t, int64(8192), cfg.DeviceSectors)
	assert.Equal(t, time.Second, cfg.FlushInterval)
	assert.Equal(t, LogLevelInfo, cfg.LogLevel)
}
