package cache

import "sync/atomic"

type counters struct {
	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	evictRetries atomic.Int64
	writeBacks   atomic.Int64
	readAheads   atomic.Int64
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits         int64
	Misses       int64
	Evictions    int64
	EvictRetries int64
	WriteBacks   int64
	ReadAheads   int64
	Entries      int
	Dirty        int
	Pinned       int
	Queued       int
	Capacity     int
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:         c.stats.hits.Load(),
		Misses:       c.stats.misses.Load(),
		Evictions:    c.stats.evictions.Load(),
		EvictRetries: c.stats.evictRetries.Load(),
		WriteBacks:   c.stats.writeBacks.Load(),
		ReadAheads:   c.stats.readAheads.Load(),
		Capacity:     c.cfg.Capacity,
	}

	c.mu.Lock()
	s.Entries = len(c.entries)
	for _, e := range c.entries {
		e.mu.Lock()
		if e.dirty {
			s.Dirty++
		}
		if e.pins > 0 {
			s.Pinned++
		}
		e.mu.Unlock()
	}
	c.mu.Unlock()

	if c.ra != nil {
		s.Queued = c.ra.pending()
	}
	return s
}
