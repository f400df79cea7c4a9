// Package storage mounts a sectorfs volume: it wires a block device, the
// free map, the block cache and the inode registry together and owns the
// fixed metadata sectors.
//
// Sector 0 holds the inode of the free-map file, whose content is the
// serialized free map. Sector 1 holds the root directory inode.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Alexander-D-Karpov/sectorfs/internal/cache"
	"github.com/Alexander-D-Karpov/sectorfs/internal/config"
	"github.com/Alexander-D-Karpov/sectorfs/internal/device"
	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/freemap"
	"github.com/Alexander-D-Karpov/sectorfs/internal/inode"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

const (
	// MinSectors is the smallest device that can hold the metadata sectors
	// and a free map.
	MinSectors = 8

	maxPersistPasses = 8
)

var (
	ErrReserved    = errors.New("sector is reserved for metadata")
	ErrTooSmall    = errors.New("device too small")
	ErrSizeChanged = errors.New("free map does not match device size")
)

type syncer interface {
	Sync() error
}

type Storage struct {
	mu     sync.RWMutex
	dev    device.BlockDevice
	free   *freemap.Map
	cache  *cache.Cache
	inodes *inode.Registry

	freeMapFile *inode.Inode
	closed      bool
}

// Stats summarizes a mounted volume.
type Stats struct {
	Cache        cache.Stats
	TotalSectors domain.Sector
	FreeSectors  uint64
	OpenInodes   int
}

// CacheConfig derives the block cache settings from cfg.
func CacheConfig(cfg *config.Config) cache.Config {
	c := cache.DefaultConfig()
	if cfg == nil {
		return c
	}
	if cfg.CacheEntries > 0 {
		c.Capacity = cfg.CacheEntries
	}
	if cfg.FlushInterval > 0 {
		c.FlushInterval = cfg.FlushInterval
	}
	c.ReadAhead = cfg.ReadAhead
	if cfg.ReadAheadWorkers > 0 {
		c.ReadAheadWorkers = cfg.ReadAheadWorkers
	}
	c.WriteBackBytesPerSec = cfg.WriteBackBytesPerSec
	if cfg.EvictRetries > 0 {
		c.EvictRetries = cfg.EvictRetries
	}
	return c
}

// NewStorage opens the device file named by cfg, formatting it when it does
// not exist yet.
func NewStorage(cfg *config.Config) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DevicePath), 0755); err != nil {
		return nil, fmt.Errorf("error creating device directory: %w", err)
	}

	_, statErr := os.Stat(cfg.DevicePath)
	fresh := os.IsNotExist(statErr)

	dev, err := device.OpenFile(cfg.DevicePath, domain.Sector(cfg.DeviceSectors))
	if err != nil {
		return nil, err
	}

	var s *Storage
	if fresh {
		s, err = Format(dev, cfg)
	} else {
		s, err = Open(dev, cfg)
	}
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return s, nil
}

// Format writes an empty volume to dev: a fresh free map with the metadata
// sectors reserved, the free-map file and an empty root directory.
func Format(dev device.BlockDevice, cfg *config.Config) (*Storage, error) {
	n := dev.Capacity()
	if n < MinSectors {
		return nil, fmt.Errorf("%w: %d sectors", ErrTooSmall, n)
	}

	free := freemap.New(n)
	free.Reserve(domain.FreeMapSector, domain.RootDirSector)

	s, err := mount(dev, free, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.inodes.Create(domain.FreeMapSector, 0, inode.KindFile); err != nil {
		return nil, s.abort(err)
	}
	if err := s.inodes.Create(domain.RootDirSector, 0, inode.KindDirectory); err != nil {
		return nil, s.abort(err)
	}
	if s.freeMapFile, err = s.inodes.Open(domain.FreeMapSector); err != nil {
		return nil, s.abort(err)
	}
	if err := s.persistFreeMap(); err != nil {
		return nil, s.abort(err)
	}
	if err := s.cache.Flush(); err != nil {
		return nil, s.abort(err)
	}

	logger.Info("volume formatted", "sectors", n, "free", s.free.Free())
	return s, nil
}

// Open mounts an existing volume, loading the free map from its file.
func Open(dev device.BlockDevice, cfg *config.Config) (*Storage, error) {
	free := &freemap.Map{}
	s, err := mount(dev, free, cfg)
	if err != nil {
		return nil, err
	}

	if s.freeMapFile, err = s.inodes.Open(domain.FreeMapSector); err != nil {
		return nil, s.abort(fmt.Errorf("error opening free map: %w", err))
	}

	data := make([]byte, s.freeMapFile.Length())
	if _, err := s.freeMapFile.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, s.abort(fmt.Errorf("error reading free map: %w", err))
	}
	if err := free.UnmarshalBinary(data); err != nil {
		return nil, s.abort(fmt.Errorf("error decoding free map: %w", err))
	}
	if free.Size() != dev.Capacity() {
		return nil, s.abort(fmt.Errorf("%w: map %d, device %d", ErrSizeChanged, free.Size(), dev.Capacity()))
	}

	logger.Info("volume mounted", "sectors", dev.Capacity(), "free", free.Free())
	return s, nil
}

func mount(dev device.BlockDevice, free *freemap.Map, cfg *config.Config) (*Storage, error) {
	c, err := cache.New(dev, CacheConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("error starting cache: %w", err)
	}
	return &Storage{
		dev:    dev,
		free:   free,
		cache:  c,
		inodes: inode.NewRegistry(c, free),
	}, nil
}

// abort tears down a half-mounted volume without persisting anything.
func (s *Storage) abort(cause error) error {
	if s.freeMapFile != nil {
		_ = s.freeMapFile.Close()
	}
	return errors.Join(cause, s.cache.Close())
}

// persistFreeMap writes the free map into its file. Growing the file
// allocates sectors and so changes the map; this repeats until the encoded
// map fits the file it describes.
func (s *Storage) persistFreeMap() error {
	f := s.freeMapFile
	for pass := 0; pass < maxPersistPasses; pass++ {
		data, err := s.free.MarshalBinary()
		if err != nil {
			return err
		}
		if uint32(len(data)) > f.Length() {
			if err := f.Extend(uint32(len(data))); err != nil {
				return fmt.Errorf("error growing free map: %w", err)
			}
			continue
		}
		if _, err := f.WriteAt(data, 0); err != nil {
			return fmt.Errorf("error writing free map: %w", err)
		}
		return nil
	}
	return fmt.Errorf("free map did not settle after %d passes", maxPersistPasses)
}

// Create allocates an inode sector and writes a new inode of length bytes.
func (s *Storage) Create(length uint32, kind inode.Kind) (domain.Sector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, domain.ErrClosed
	}

	sector, err := s.free.Allocate(1)
	if err != nil {
		return 0, err
	}
	if err := s.inodes.Create(sector, length, kind); err != nil {
		return 0, errors.Join(err, s.free.Release(sector, 1))
	}
	return sector, nil
}

// OpenInode opens the inode at sector. The caller must Close it.
func (s *Storage) OpenInode(sector domain.Sector) (*inode.Inode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	return s.inodes.Open(sector)
}

// Remove deletes the inode at sector once every opener has closed it.
func (s *Storage) Remove(sector domain.Sector) error {
	if sector == domain.FreeMapSector || sector == domain.RootDirSector {
		return ErrReserved
	}

	i, err := s.OpenInode(sector)
	if err != nil {
		return err
	}
	i.Remove()
	return i.Close()
}

// Root opens the root directory inode.
func (s *Storage) Root() (*inode.Inode, error) {
	return s.OpenInode(domain.RootDirSector)
}

// ReadSector returns the current content of a sector through the cache.
func (s *Storage) ReadSector(sector domain.Sector) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	buf := make([]byte, domain.SectorSize)
	if err := s.cache.Read(sector, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Storage) FreeSectors() uint64 {
	return s.free.Free()
}

func (s *Storage) Capacity() domain.Sector {
	return s.dev.Capacity()
}

func (s *Storage) Stats() Stats {
	return Stats{
		Cache:        s.cache.Stats(),
		TotalSectors: s.dev.Capacity(),
		FreeSectors:  s.free.Free(),
		OpenInodes:   s.inodes.OpenInodes(),
	}
}

// EachOpen calls fn for every open inode, including the free-map file
// while the volume is mounted. fn must not open or close inodes.
func (s *Storage) EachOpen(fn func(*inode.Inode)) {
	s.inodes.Each(fn)
}

// Sync persists the free map, flushes the cache and syncs the device.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	return s.syncLocked()
}

func (s *Storage) syncLocked() error {
	if err := s.persistFreeMap(); err != nil {
		return err
	}
	if err := s.cache.Flush(); err != nil {
		return err
	}
	if d, ok := s.dev.(syncer); ok {
		return d.Sync()
	}
	return nil
}

// Close persists the free map, shuts the cache down and closes the device
// when it is closable. Inodes still open by callers stay allocated.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.persistFreeMap(); err != nil {
		errs = append(errs, err)
	}
	if err := s.freeMapFile.Close(); err != nil {
		errs = append(errs, err)
	}
	var open []domain.Sector
	s.inodes.Each(func(i *inode.Inode) { open = append(open, i.Sector()) })
	if len(open) > 0 {
		logger.Warn("closing volume with open inodes", "open", len(open), "sectors", open)
	}
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := s.dev.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("volume close failed", "error", err)
		return err
	}
	logger.Info("volume closed", "free", s.free.Free())
	return nil
}
