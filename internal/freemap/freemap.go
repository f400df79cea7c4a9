// Package freemap tracks free sectors of a block device.
package freemap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

// Allocator hands out and takes back sectors. Sector numbers handed out
// start at one; zero is reserved to mean "unallocated" in pointer tables.
type Allocator interface {
	Allocate(n int) (domain.Sector, error)
	Release(sector domain.Sector, n int) error
}

// Map is a bitmap allocator over a device of a fixed number of sectors.
// The bitmap holds the set of free sectors.
type Map struct {
	mu   sync.Mutex
	free *roaring.Bitmap
	size domain.Sector
}

func New(size domain.Sector) *Map {
	free := roaring.New()
	if size > 1 {
		free.AddRange(1, uint64(size))
	}
	return &Map{free: free, size: size}
}

// Reserve marks sectors as in use without allocating them through the
// search path. Used for fixed-location metadata.
func (m *Map) Reserve(sectors ...domain.Sector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sectors {
		m.free.Remove(uint32(s))
	}
}

// Allocate returns the first sector of a run of n free sectors, marking the
// run used.
func (m *Map) Allocate(n int) (domain.Sector, error) {
	if n <= 0 {
		return 0, fmt.Errorf("allocate %d sectors: invalid count", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.free.GetCardinality() < uint64(n) {
		return 0, domain.ErrAllocationExhausted
	}

	if n == 1 {
		s := m.free.Minimum()
		m.free.Remove(s)
		return domain.Sector(s), nil
	}

	var start, run uint32
	it := m.free.Iterator()
	for it.HasNext() {
		v := it.Next()
		if run > 0 && v == start+run {
			run++
		} else {
			start, run = v, 1
		}
		if run == uint32(n) {
			m.free.RemoveRange(uint64(start), uint64(start)+uint64(n))
			return domain.Sector(start), nil
		}
	}
	return 0, domain.ErrAllocationExhausted
}

// Release returns n sectors starting at sector. Releasing a sector that is
// already free fails without changing the map.
func (m *Map) Release(sector domain.Sector, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sector == 0 || n <= 0 || uint64(sector)+uint64(n) > uint64(m.size) {
		return fmt.Errorf("release sector %d+%d: %w", sector, n, domain.ErrInvalidOffset)
	}

	for i := 0; i < n; i++ {
		if m.free.Contains(uint32(sector) + uint32(i)) {
			return fmt.Errorf("release sector %d: %w", uint32(sector)+uint32(i), domain.ErrDoubleFree)
		}
	}
	m.free.AddRange(uint64(sector), uint64(sector)+uint64(n))
	return nil
}

func (m *Map) IsFree(sector domain.Sector) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.Contains(uint32(sector))
}

// Free returns the number of free sectors.
func (m *Map) Free() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.GetCardinality()
}

func (m *Map) Size() domain.Sector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// MarshalBinary encodes the map as a 4-byte device size followed by the
// portable roaring serialization of the free set.
func (m *Map) MarshalBinary() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.free.RunOptimize()
	body, err := m.free.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.size))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[8:], body)
	return out, nil
}

func (m *Map) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return domain.ErrCorrupted
	}
	size := domain.Sector(binary.LittleEndian.Uint32(data[0:4]))
	n := binary.LittleEndian.Uint32(data[4:8])
	if uint64(n) > uint64(len(data)-8) {
		return domain.ErrCorrupted
	}

	free := roaring.New()
	if err := free.UnmarshalBinary(data[8 : 8+n]); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCorrupted, err)
	}
	if free.Contains(0) || (!free.IsEmpty() && free.Maximum() >= uint32(size)) {
		return domain.ErrCorrupted
	}

	m.mu.Lock()
	m.free = free
	m.size = size
	m.mu.Unlock()
	return nil
}
