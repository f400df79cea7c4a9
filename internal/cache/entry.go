package cache

import (
	"sync"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

type state uint8

const (
	// stateLoading marks a placeholder whose buffer is not valid yet. It
	// claims the sector so concurrent misses collapse onto one device read.
	stateLoading state = iota
	stateReady
	// stateEvicting is set once a victim is chosen; accessors wait until
	// the entry is gone (or reverted to ready if write-back fails).
	stateEvicting
)

func (s state) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateReady:
		return "ready"
	case stateEvicting:
		return "evicting"
	}
	return "unknown"
}

// entry is one cached sector. Everything below mu is guarded by mu, except
// that the buffer of a loading or evicting entry belongs to the goroutine
// driving that transition.
type entry struct {
	sector domain.Sector

	mu   sync.Mutex
	cond *sync.Cond

	state     state
	readAhead bool
	gone      bool
	err       error

	data     [domain.SectorSize]byte
	dirty    bool
	accessed bool
	stamp    uint64
	pins     int

	// flushing is set while a write-back of data is in flight. A second
	// flusher waits for it, so snapshots reach the device in order.
	flushing bool
}

func newEntry(sector domain.Sector, readAhead bool) *entry {
	e := &entry{
		sector:    sector,
		state:     stateLoading,
		readAhead: readAhead,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Pin keeps a sector resident until Release is called. Release is safe to
// call more than once.
type Pin struct {
	c    *Cache
	e    *entry
	once sync.Once
}

func (p *Pin) Sector() domain.Sector { return p.e.sector }

func (p *Pin) Release() {
	p.once.Do(func() { p.c.unpin(p.e) })
}
