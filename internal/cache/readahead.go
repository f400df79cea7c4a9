package cache

import (
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

// readAhead is the FIFO of speculative fetches. A sector is queued at most
// once; a synchronous miss on a queued sector removes it from the queue and
// fetches it directly.
type readAhead struct {
	c *Cache

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []domain.Sector
	queued  map[domain.Sector]struct{}
	stopped bool

	pool     *ants.PoolWithFunc
	inflight sync.WaitGroup
}

func newReadAhead(c *Cache, workers int) (*readAhead, error) {
	ra := &readAhead{
		c:      c,
		queued: make(map[domain.Sector]struct{}),
	}
	ra.cond = sync.NewCond(&ra.mu)

	pool, err := ants.NewPoolWithFunc(workers, func(arg any) {
		defer ra.inflight.Done()
		ra.fetch(arg.(domain.Sector))
	})
	if err != nil {
		return nil, err
	}
	ra.pool = pool
	return ra, nil
}

func (ra *readAhead) enqueue(sector domain.Sector) {
	if sector >= ra.c.dev.Capacity() || ra.c.Contains(sector) {
		return
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.stopped {
		return
	}
	if _, ok := ra.queued[sector]; ok {
		return
	}
	ra.queue = append(ra.queue, sector)
	ra.queued[sector] = struct{}{}
	ra.cond.Signal()
}

// cancel drops a queued request. The stale slot in the queue is skipped
// when it reaches the front.
func (ra *readAhead) cancel(sector domain.Sector) {
	ra.mu.Lock()
	delete(ra.queued, sector)
	ra.mu.Unlock()
}

// pending returns the number of queued requests.
func (ra *readAhead) pending() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return len(ra.queued)
}

func (ra *readAhead) stop() {
	ra.mu.Lock()
	ra.stopped = true
	ra.cond.Broadcast()
	ra.mu.Unlock()
}

// run hands queued sectors to the worker pool in FIFO order until stopped,
// then waits for in-flight fetches.
func (ra *readAhead) run() error {
	for {
		ra.mu.Lock()
		for len(ra.queue) == 0 && !ra.stopped {
			ra.cond.Wait()
		}
		if ra.stopped {
			ra.mu.Unlock()
			break
		}
		sector := ra.queue[0]
		ra.queue = ra.queue[1:]
		_, live := ra.queued[sector]
		delete(ra.queued, sector)
		ra.mu.Unlock()

		if !live {
			continue
		}
		ra.inflight.Add(1)
		if err := ra.pool.Invoke(sector); err != nil {
			ra.inflight.Done()
			logger.Debug("read-ahead dropped", "sector", sector, "error", err)
		}
	}

	ra.inflight.Wait()
	ra.pool.Release()
	return nil
}

// fetch inserts a read-ahead placeholder for sector, reads it and promotes
// it. Synchronous accessors that find the placeholder wait on it. The fetch
// is abandoned if the sector is already cached or no slot can be freed
// without waiting.
func (ra *readAhead) fetch(sector domain.Sector) {
	c := ra.c
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	if _, ok := c.entries[sector]; ok {
		c.mu.Unlock()
		return
	}
	if len(c.entries) >= c.cfg.Capacity {
		c.mu.Unlock()
		if err := c.evict(false); err != nil {
			return
		}
		c.mu.Lock()
		if _, ok := c.entries[sector]; ok || len(c.entries) >= c.cfg.Capacity {
			c.mu.Unlock()
			return
		}
	}
	e := newEntry(sector, true)
	e.pins = 1
	c.entries[sector] = e
	c.mu.Unlock()

	if err := c.load(e, c.readDevice); err != nil {
		logger.Debug("read-ahead failed", "sector", sector, "error", err)
		return
	}
	c.stats.readAheads.Add(1)
	logger.Debug("read-ahead promoted", "sector", sector)
	c.unpin(e)
}
