// Package device provides the sector-addressed block devices the cache sits
// in front of. Every transfer is exactly one sector.
package device

import (
	"errors"
	"sync"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

var (
	ErrOutOfRange = errors.New("sector out of range")
	ErrShortBuf   = errors.New("buffer is not one sector")
)

// BlockDevice is the contract the block cache relies on.
type BlockDevice interface {
	ReadSector(sector domain.Sector, buf []byte) error
	WriteSector(sector domain.Sector, buf []byte) error
	Capacity() domain.Sector
}

func check(op string, dev BlockDevice, sector domain.Sector, buf []byte) error {
	if len(buf) != domain.SectorSize {
		return &domain.IOError{Op: op, Sector: sector, Err: ErrShortBuf}
	}
	if sector >= dev.Capacity() {
		return &domain.IOError{Op: op, Sector: sector, Err: ErrOutOfRange}
	}
	return nil
}

// Memory is a RAM-backed device.
type Memory struct {
	mu   sync.RWMutex
	data []byte
	n    domain.Sector
}

func NewMemory(sectors domain.Sector) *Memory {
	return &Memory{
		data: make([]byte, int(sectors)*domain.SectorSize),
		n:    sectors,
	}
}

func (m *Memory) ReadSector(sector domain.Sector, buf []byte) error {
	if err := check("read", m, sector, buf); err != nil {
		return err
	}
	m.mu.RLock()
	off := int(sector) * domain.SectorSize
	copy(buf, m.data[off:off+domain.SectorSize])
	m.mu.RUnlock()
	return nil
}

func (m *Memory) WriteSector(sector domain.Sector, buf []byte) error {
	if err := check("write", m, sector, buf); err != nil {
		return err
	}
	m.mu.Lock()
	off := int(sector) * domain.SectorSize
	copy(m.data[off:off+domain.SectorSize], buf)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Capacity() domain.Sector { return m.n }
