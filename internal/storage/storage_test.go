package storage

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/sectorfs/internal/config"
	"github.com/Alexander-D-Karpov/sectorfs/internal/device"
	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/inode"
)

func testConfig(path string) *config.Config {
	return &config.Config{
		DevicePath:    path,
		DeviceSectors: 4096,
		CacheEntries:  64,
		FlushInterval: time.Hour,
		ReadAhead:     true,
		EvictRetries:  16,
	}
}

func TestCacheConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.CacheEntries = 16
	cfg.ReadAhead = false
	cfg.WriteBackBytesPerSec = 1 << 20

	c := CacheConfig(cfg)
	assert.Equal(t, 16, c.Capacity)
	assert.Equal(t, time.Hour, c.FlushInterval)
	assert.False(t, c.ReadAhead)
	assert.Equal(t, int64(1<<20), c.WriteBackBytesPerSec)
	assert.Equal(t, 1, c.ReadAheadWorkers)

	assert.Equal(t, 64, CacheConfig(nil).Capacity)
}

func TestFormatLayout(t *testing.T) {
	dev := device.NewMemory(1024)
	s, err := Format(dev, testConfig(""))
	require.NoError(t, err)
	defer s.Close()

	root, err := s.Root()
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Zero(t, root.Length())
	require.NoError(t, root.Close())

	fm, err := s.OpenInode(domain.FreeMapSector)
	require.NoError(t, err)
	assert.False(t, fm.IsDir())
	assert.NotZero(t, fm.Length())
	require.NoError(t, fm.Close())

	// Sector 0 is never free; sector 1 is reserved; the free-map file used
	// a few more.
	used := uint64(1024) - 1 - s.FreeSectors()
	assert.GreaterOrEqual(t, used, uint64(2))
	assert.Less(t, used, uint64(16))
}

func TestFormatTooSmall(t *testing.T) {
	_, err := Format(device.NewMemory(4), testConfig(""))
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestOpenUnformatted(t *testing.T) {
	_, err := Open(device.NewMemory(64), testConfig(""))
	assert.ErrorIs(t, err, domain.ErrCorrupted)
}

func TestCreateRemoveAccounting(t *testing.T) {
	s, err := Format(device.NewMemory(2048), testConfig(""))
	require.NoError(t, err)
	defer s.Close()

	before := s.FreeSectors()
	sector, err := s.Create(300*domain.SectorSize, inode.KindFile)
	require.NoError(t, err)
	assert.Equal(t, before-304, s.FreeSectors())

	i, err := s.OpenInode(sector)
	require.NoError(t, err)
	require.NoError(t, s.Remove(sector))
	assert.Equal(t, before-304, s.FreeSectors(), "release waits for last close")
	require.NoError(t, i.Close())
	assert.Equal(t, before, s.FreeSectors())

	assert.ErrorIs(t, s.Remove(domain.RootDirSector), ErrReserved)
	assert.ErrorIs(t, s.Remove(domain.FreeMapSector), ErrReserved)
}

func TestCreateExhausted(t *testing.T) {
	s, err := Format(device.NewMemory(128), testConfig(""))
	require.NoError(t, err)
	defer s.Close()

	before := s.FreeSectors()
	_, err = s.Create(1000*domain.SectorSize, inode.KindFile)
	assert.ErrorIs(t, err, domain.ErrAllocationExhausted)
	assert.Equal(t, before, s.FreeSectors())
}

func TestPersistenceAcrossMounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	cfg := testConfig(path)

	s, err := NewStorage(cfg)
	require.NoError(t, err)

	sector, err := s.Create(0, inode.KindFile)
	require.NoError(t, err)
	i, err := s.OpenInode(sector)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("sectorfs "), 20000)
	_, err = i.WriteAt(payload, 0)
	require.NoError(t, err)
	require.NoError(t, i.Close())

	free := s.FreeSectors()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = NewStorage(cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, free, s.FreeSectors())
	assert.Equal(t, domain.Sector(4096), s.Capacity())

	i, err = s.OpenInode(sector)
	require.NoError(t, err)
	defer i.Close()
	assert.Equal(t, uint32(len(payload)), i.Length())

	got := make([]byte, len(payload))
	_, err = i.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSyncWritesThrough(t *testing.T) {
	dev := device.NewMemory(256)
	s, err := Format(dev, testConfig(""))
	require.NoError(t, err)

	sector, err := s.Create(0, inode.KindFile)
	require.NoError(t, err)
	i, err := s.OpenInode(sector)
	require.NoError(t, err)
	_, err = i.WriteAt([]byte("durable"), 0)
	require.NoError(t, err)
	data, err := i.ByteToSector(0)
	require.NoError(t, err)
	require.NoError(t, i.Close())

	require.NoError(t, s.Sync())
	raw := make([]byte, domain.SectorSize)
	require.NoError(t, dev.ReadSector(data, raw))
	assert.Equal(t, "durable", string(raw[:7]))

	// A second mount over the same memory device sees the same free map.
	free := s.FreeSectors()
	require.NoError(t, s.Close())
	s, err = Open(dev, testConfig(""))
	require.NoError(t, err)
	assert.Equal(t, free, s.FreeSectors())
	require.NoError(t, s.Close())
}

func TestClosedStorage(t *testing.T) {
	s, err := Format(device.NewMemory(64), testConfig(""))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Create(0, inode.KindFile)
	assert.ErrorIs(t, err, domain.ErrClosed)
	_, err = s.OpenInode(domain.RootDirSector)
	assert.ErrorIs(t, err, domain.ErrClosed)
	_, err = s.ReadSector(0)
	assert.ErrorIs(t, err, domain.ErrClosed)
	assert.ErrorIs(t, s.Sync(), domain.ErrClosed)
}

func TestStats(t *testing.T) {
	s, err := Format(device.NewMemory(256), testConfig(""))
	require.NoError(t, err)
	defer s.Close()

	root, err := s.Root()
	require.NoError(t, err)
	defer root.Close()

	st := s.Stats()
	assert.Equal(t, domain.Sector(256), st.TotalSectors)
	assert.Equal(t, s.FreeSectors(), st.FreeSectors)
	assert.Equal(t, 2, st.OpenInodes)
	assert.Equal(t, 64, st.Cache.Capacity)
}

func TestEachOpen(t *testing.T) {
	s, err := Format(device.NewMemory(256), testConfig(""))
	require.NoError(t, err)
	defer s.Close()

	sector, err := s.Create(0, inode.KindFile)
	require.NoError(t, err)
	f, err := s.OpenInode(sector)
	require.NoError(t, err)
	root, err := s.Root()
	require.NoError(t, err)

	var open []domain.Sector
	s.EachOpen(func(i *inode.Inode) { open = append(open, i.Sector()) })
	assert.ElementsMatch(t, []domain.Sector{domain.FreeMapSector, domain.RootDirSector, sector}, open)

	require.NoError(t, f.Close())
	require.NoError(t, root.Close())
	open = open[:0]
	s.EachOpen(func(i *inode.Inode) { open = append(open, i.Sector()) })
	assert.Equal(t, []domain.Sector{domain.FreeMapSector}, open)
}
