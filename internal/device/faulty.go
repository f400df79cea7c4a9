package device

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Faulty wraps a BlockDevice, counting transfers and failing those that
// match a rule. Used by tests to observe and break device traffic.
type Faulty struct {
	Dev BlockDevice

	mu         sync.Mutex
	failRead   map[domain.Sector]error
	failWrite  map[domain.Sector]error
	readCount  map[domain.Sector]int
	writeCount map[domain.Sector]int
	gate       chan struct{}
	readGates  map[domain.Sector]chan struct{}
	stalls     map[domain.Sector]stall

	reads  atomic.Int64
	writes atomic.Int64
}

func NewFaulty(dev BlockDevice) *Faulty {
	return &Faulty{
		Dev:        dev,
		failRead:   make(map[domain.Sector]error),
		failWrite:  make(map[domain.Sector]error),
		readCount:  make(map[domain.Sector]int),
		writeCount: make(map[domain.Sector]int),
		readGates:  make(map[domain.Sector]chan struct{}),
		stalls:     make(map[domain.Sector]stall),
	}
}

type stall struct {
	entered chan struct{}
	gate    chan struct{}
}

// FailRead makes reads of sector fail with err (ErrInjected when nil).
func (f *Faulty) FailRead(sector domain.Sector, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.failRead[sector] = err
	f.mu.Unlock()
}

// FailWrite makes writes of sector fail with err (ErrInjected when nil).
func (f *Faulty) FailWrite(sector domain.Sector, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.failWrite[sector] = err
	f.mu.Unlock()
}

// Heal drops every injected fault.
func (f *Faulty) Heal() {
	f.mu.Lock()
	f.failRead = make(map[domain.Sector]error)
	f.failWrite = make(map[domain.Sector]error)
	f.mu.Unlock()
}

// Hold blocks every read until the returned function is called.
func (f *Faulty) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// HoldRead blocks reads of sector until the returned function is called.
func (f *Faulty) HoldRead(sector domain.Sector) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.readGates[sector] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.readGates, sector)
			f.mu.Unlock()
			close(gate)
		})
	}
}

// StallWrite blocks the next write of sector until release is called.
// entered is closed when that write starts.
func (f *Faulty) StallWrite(sector domain.Sector) (entered <-chan struct{}, release func()) {
	st := stall{entered: make(chan struct{}), gate: make(chan struct{})}
	f.mu.Lock()
	f.stalls[sector] = st
	f.mu.Unlock()
	var once sync.Once
	return st.entered, func() { once.Do(func() { close(st.gate) }) }
}

func (f *Faulty) ReadSector(sector domain.Sector, buf []byte) error {
	f.mu.Lock()
	gate := f.gate
	if g, ok := f.readGates[sector]; ok {
		gate = g
	}
	err := f.failRead[sector]
	f.readCount[sector]++
	f.mu.Unlock()
	f.reads.Add(1)

	if gate != nil {
		<-gate
	}
	if err != nil {
		return &domain.IOError{Op: "read", Sector: sector, Err: err}
	}
	return f.Dev.ReadSector(sector, buf)
}

func (f *Faulty) WriteSector(sector domain.Sector, buf []byte) error {
	f.mu.Lock()
	err := f.failWrite[sector]
	f.writeCount[sector]++
	st, stalled := f.stalls[sector]
	delete(f.stalls, sector)
	f.mu.Unlock()
	f.writes.Add(1)

	if stalled {
		close(st.entered)
		<-st.gate
	}
	if err != nil {
		return &domain.IOError{Op: "write", Sector: sector, Err: err}
	}
	return f.Dev.WriteSector(sector, buf)
}

func (f *Faulty) Capacity() domain.Sector { return f.Dev.Capacity() }

// Reads returns the number of reads issued for sector.
func (f *Faulty) Reads(sector domain.Sector) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCount[sector]
}

// Writes returns the number of writes issued for sector.
func (f *Faulty) Writes(sector domain.Sector) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCount[sector]
}

// Totals returns the number of reads and writes issued so far.
func (f *Faulty) Totals() (reads, writes int64) {
	return f.reads.Load(), f.writes.Load()
}
