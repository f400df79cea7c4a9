// Package cache implements the fixed-capacity sector cache that sits in
// front of a block device. It is the only component that talks to the
// device: reads and writes of any byte range within a sector go through
// it, with eviction, periodic write-back and sequential read-ahead handled
// internally.
//
// Eviction scans every entry for the unpinned, ready entry with the oldest
// recency stamp. That is O(capacity) per miss, fine for a few dozen entries
// and not meant to scale further.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Alexander-D-Karpov/sectorfs/internal/device"
	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

const DefaultCapacity = 64

type Config struct {
	// Capacity bounds the number of entries, placeholders included.
	Capacity int
	// FlushInterval is the write-back daemon period.
	FlushInterval time.Duration
	ReadAhead     bool
	// ReadAheadWorkers is the number of concurrent prefetches.
	ReadAheadWorkers int
	// WriteBackBytesPerSec limits daemon write-back. Zero means unlimited.
	WriteBackBytesPerSec int64
	// EvictRetries bounds eviction attempts per miss before ErrCacheFull.
	EvictRetries int
	// EvictBackoff is the base wait between attempts that found no victim.
	EvictBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:         DefaultCapacity,
		FlushInterval:    time.Second,
		ReadAhead:        true,
		ReadAheadWorkers: 1,
		EvictRetries:     16,
		EvictBackoff:     time.Millisecond,
	}
}

func (cfg *Config) normalize() {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ReadAheadWorkers <= 0 {
		cfg.ReadAheadWorkers = def.ReadAheadWorkers
	}
	if cfg.EvictRetries <= 0 {
		cfg.EvictRetries = def.EvictRetries
	}
	if cfg.EvictBackoff <= 0 {
		cfg.EvictBackoff = def.EvictBackoff
	}
}

type Cache struct {
	dev device.BlockDevice
	cfg Config

	// mu is the structural lock over entries. It may be held while taking
	// an entry lock, never the other way round.
	mu      sync.Mutex
	entries map[domain.Sector]*entry

	// evictMu serializes evictions so two misses never pick the same victim.
	evictMu  sync.Mutex
	released chan struct{}

	clock   atomic.Uint64
	limiter *rate.Limiter
	ra      *readAhead

	cancel    context.CancelFunc
	group     *errgroup.Group
	shutdown  chan chan error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	stats counters
}

// New starts a cache over dev together with its write-back daemon and, if
// enabled, the read-ahead worker. Close must be called to flush and stop
// them.
func New(dev device.BlockDevice, cfg Config) (*Cache, error) {
	cfg.normalize()

	c := &Cache{
		dev:      dev,
		cfg:      cfg,
		entries:  make(map[domain.Sector]*entry, cfg.Capacity),
		released: make(chan struct{}, 1),
		shutdown: make(chan chan error),
	}

	if cfg.WriteBackBytesPerSec > 0 {
		burst := int(cfg.WriteBackBytesPerSec)
		if burst < domain.SectorSize {
			burst = domain.SectorSize
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.WriteBackBytesPerSec), burst)
	}

	if cfg.ReadAhead {
		ra, err := newReadAhead(c, cfg.ReadAheadWorkers)
		if err != nil {
			return nil, fmt.Errorf("error starting read-ahead: %w", err)
		}
		c.ra = ra
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g

	g.Go(func() error { return c.writeBackLoop(gctx) })
	if c.ra != nil {
		g.Go(c.ra.run)
	}

	return c, nil
}

// Read copies the whole sector into buf, which must be one sector long.
func (c *Cache) Read(sector domain.Sector, buf []byte) error {
	if len(buf) != domain.SectorSize {
		return domain.ErrInvalidRange
	}
	return c.ReadRange(sector, buf, 0)
}

// ReadRange copies len(buf) bytes starting at offset within the sector.
func (c *Cache) ReadRange(sector domain.Sector, buf []byte, offset int) error {
	if err := checkRange(buf, offset); err != nil {
		return err
	}

	e, err := c.acquire(sector, c.readDevice, true)
	if err != nil {
		return err
	}
	defer c.unpin(e)

	e.mu.Lock()
	copy(buf, e.data[offset:])
	c.touch(e)
	e.mu.Unlock()
	return nil
}

// Write replaces the whole sector with buf, which must be one sector long.
func (c *Cache) Write(sector domain.Sector, buf []byte) error {
	if len(buf) != domain.SectorSize {
		return domain.ErrInvalidRange
	}
	return c.WriteRange(sector, buf, 0)
}

// WriteRange copies buf into the sector at offset. A partial write of a
// sector that is not cached reads it from the device first.
func (c *Cache) WriteRange(sector domain.Sector, buf []byte, offset int) error {
	if err := checkRange(buf, offset); err != nil {
		return err
	}

	fill, readAhead := c.readDevice, true
	if offset == 0 && len(buf) == domain.SectorSize {
		fill = func(e *entry) error {
			copy(e.data[:], buf)
			e.dirty = true
			return nil
		}
		readAhead = false
	}

	e, err := c.acquire(sector, fill, readAhead)
	if err != nil {
		return err
	}
	defer c.unpin(e)

	e.mu.Lock()
	copy(e.data[offset:], buf)
	e.dirty = true
	c.touch(e)
	e.mu.Unlock()
	return nil
}

// Pin loads sector and keeps it resident until the returned pin is released.
func (c *Cache) Pin(sector domain.Sector) (*Pin, error) {
	e, err := c.acquire(sector, c.readDevice, false)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	c.touch(e)
	e.mu.Unlock()
	return &Pin{c: c, e: e}, nil
}

// Contains reports whether sector has an entry, in any state.
func (c *Cache) Contains(sector domain.Sector) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sector]
	return ok
}

// Len returns the number of entries, placeholders included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Capacity() int { return c.cfg.Capacity }

func checkRange(buf []byte, offset int) error {
	if offset < 0 || offset+len(buf) > domain.SectorSize {
		return fmt.Errorf("%w: offset %d len %d", domain.ErrInvalidRange, offset, len(buf))
	}
	return nil
}

// acquire returns the entry for sector, ready and pinned. On a miss a
// loading placeholder is inserted under the structural lock before fill
// runs, so concurrent misses on the same sector wait for this one instead
// of issuing their own device read.
func (c *Cache) acquire(sector domain.Sector, fill func(*entry) error, readAhead bool) (*entry, error) {
	if c.closed.Load() {
		return nil, domain.ErrClosed
	}
	if sector >= c.dev.Capacity() {
		return nil, &domain.IOError{Op: "cache", Sector: sector, Err: device.ErrOutOfRange}
	}

	for {
		c.mu.Lock()
		if e, ok := c.entries[sector]; ok {
			e.mu.Lock()
			c.mu.Unlock()
			pinned, err := c.join(e)
			if err != nil {
				return nil, err
			}
			if pinned {
				c.stats.hits.Add(1)
				return e, nil
			}
			continue
		}

		if len(c.entries) >= c.cfg.Capacity {
			c.mu.Unlock()
			if err := c.evict(true); err != nil {
				return nil, err
			}
			continue
		}

		e := newEntry(sector, false)
		e.pins = 1
		c.entries[sector] = e
		c.mu.Unlock()

		c.stats.misses.Add(1)
		if c.ra != nil {
			c.ra.cancel(sector)
		}
		if err := c.load(e, fill); err != nil {
			return nil, err
		}
		if c.ra != nil && readAhead {
			c.ra.enqueue(sector + 1)
		}
		return e, nil
	}
}

// join pins e once it is ready. It returns false with no error when e was
// removed from the index while waiting, in which case the lookup restarts.
// Called with e.mu held; returns with it released.
func (c *Cache) join(e *entry) (bool, error) {
	defer e.mu.Unlock()
	for {
		if e.gone {
			return false, e.err
		}
		if e.state == stateReady {
			e.pins++
			return true, nil
		}
		e.cond.Wait()
	}
}

// load fills a loading placeholder and promotes it to ready. On failure the
// placeholder is removed and every waiter receives the error.
func (c *Cache) load(e *entry, fill func(*entry) error) error {
	if err := fill(e); err != nil {
		c.mu.Lock()
		if c.entries[e.sector] == e {
			delete(c.entries, e.sector)
		}
		c.mu.Unlock()

		e.mu.Lock()
		e.gone = true
		e.err = err
		e.pins = 0
		e.cond.Broadcast()
		e.mu.Unlock()
		c.notifyReleased()
		return err
	}

	e.mu.Lock()
	if e.readAhead {
		// Prefetched data ranks below anything a caller actually touched.
		e.stamp = 0
		e.readAhead = false
	} else {
		e.stamp = c.clock.Add(1)
	}
	e.state = stateReady
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

func (c *Cache) readDevice(e *entry) error {
	return c.dev.ReadSector(e.sector, e.data[:])
}

func (c *Cache) unpin(e *entry) {
	e.mu.Lock()
	e.pins--
	idle := e.pins == 0
	e.mu.Unlock()
	if idle {
		c.notifyReleased()
	}
}

// touch records an access. Called with e.mu held.
func (c *Cache) touch(e *entry) {
	e.accessed = true
	e.stamp = c.clock.Add(1)
}

func (c *Cache) notifyReleased() {
	select {
	case c.released <- struct{}{}:
	default:
	}
}

// Close stops read-ahead, blocks until the write-back daemon has flushed
// every dirty entry, then stops the daemon. Further operations fail with
// ErrClosed.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.ra != nil {
			c.ra.stop()
		}

		reply := make(chan error, 1)
		c.shutdown <- reply
		c.closeErr = <-reply

		c.cancel()
		if err := c.group.Wait(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}

		if c.closeErr != nil {
			logger.Error("cache shutdown flush failed", "error", c.closeErr)
		} else {
			s := c.Stats()
			logger.Info("cache shut down",
				"hits", s.Hits,
				"misses", s.Misses,
				"evictions", s.Evictions,
				"writebacks", s.WriteBacks,
			)
		}
	})
	return c.closeErr
}
