package cache

import (
	"time"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

// evict frees one slot. Selection and eviction are not atomic: the victim
// is re-checked under its own lock and the scan restarts if it was pinned
// or changed state in between. When wait is set, attempts that find no
// victim wait for a pin to be released; otherwise a single attempt is made.
func (c *Cache) evict(wait bool) error {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	attempts := c.cfg.EvictRetries
	if !wait {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		c.mu.Lock()
		if len(c.entries) < c.cfg.Capacity {
			c.mu.Unlock()
			return nil
		}
		victim := c.selectVictim()
		c.mu.Unlock()

		if victim == nil {
			if wait {
				c.waitReleased(attempt)
			}
			continue
		}

		evicted, err := c.evictEntry(victim)
		if err != nil {
			return err
		}
		if evicted {
			return nil
		}
		c.stats.evictRetries.Add(1)
	}
	return domain.ErrCacheFull
}

// selectVictim returns the ready, unpinned entry with the oldest stamp.
// Called with c.mu held.
func (c *Cache) selectVictim() *entry {
	var (
		victim *entry
		oldest uint64
	)
	for _, e := range c.entries {
		e.mu.Lock()
		ok := e.state == stateReady && e.pins == 0
		stamp := e.stamp
		e.mu.Unlock()

		if ok && (victim == nil || stamp < oldest) {
			victim, oldest = e, stamp
		}
	}
	return victim
}

// evictEntry writes back and removes e. It reports false if e is no longer
// evictable. A failed write-back puts e back to ready, still dirty.
func (c *Cache) evictEntry(e *entry) (bool, error) {
	e.mu.Lock()
	if e.gone || e.state != stateReady || e.pins > 0 {
		e.mu.Unlock()
		return false, nil
	}
	e.state = stateEvicting
	dirty := e.dirty
	e.mu.Unlock()

	if dirty {
		if err := c.dev.WriteSector(e.sector, e.data[:]); err != nil {
			e.mu.Lock()
			e.state = stateReady
			e.cond.Broadcast()
			e.mu.Unlock()
			return false, err
		}
		c.stats.writeBacks.Add(1)
	}

	c.mu.Lock()
	if c.entries[e.sector] == e {
		delete(c.entries, e.sector)
	}
	c.mu.Unlock()

	e.mu.Lock()
	e.gone = true
	e.dirty = false
	e.cond.Broadcast()
	e.mu.Unlock()

	c.stats.evictions.Add(1)
	logger.Debug("cache evict", "sector", e.sector, "dirty", dirty)
	return true, nil
}

func (c *Cache) waitReleased(attempt int) {
	t := time.NewTimer(c.cfg.EvictBackoff * time.Duration(attempt+1))
	defer t.Stop()
	select {
	case <-c.released:
	case <-t.C:
	}
}
