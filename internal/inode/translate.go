package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

// SectorCache is the part of the block cache the inode layer uses.
type SectorCache interface {
	Read(sector domain.Sector, buf []byte) error
	ReadRange(sector domain.Sector, buf []byte, offset int) error
	Write(sector domain.Sector, buf []byte) error
	WriteRange(sector domain.Sector, buf []byte, offset int) error
}

type tier uint8

const (
	tierDirect tier = iota
	tierIndirect
	tierDouble
)

// locate maps a sector index to its tier. For the indirect tier inner is
// the slot in the indirect table; for the double tier outer selects the
// table-of-tables slot and inner the slot within that table.
func locate(idx int) (t tier, outer, inner int) {
	switch {
	case idx < DirectPointers:
		return tierDirect, 0, idx
	case idx < IndirectLimit:
		return tierIndirect, 0, idx - DirectPointers
	default:
		rel := idx - IndirectLimit
		return tierDouble, rel / PointersPerTable, rel % PointersPerTable
	}
}

// sectorAt resolves a sector index through the pointer tiers: no cache
// read for direct pointers, one for the indirect tier and two for the
// double-indirect tier.
func sectorAt(c SectorCache, d *diskInode, idx int) (domain.Sector, error) {
	if idx < 0 || idx >= MaxSectors {
		return domain.NoSector, domain.ErrInvalidOffset
	}

	var s domain.Sector
	var err error
	switch t, outer, inner := locate(idx); t {
	case tierDirect:
		s = d.Direct[inner]
	case tierIndirect:
		s, err = readPointer(c, d.Indirect, inner)
	case tierDouble:
		var table domain.Sector
		table, err = readPointer(c, d.DoubleIndirect, outer)
		if err == nil {
			s, err = readPointer(c, table, inner)
		}
	}
	if err != nil {
		return domain.NoSector, err
	}
	if s == 0 {
		return domain.NoSector, fmt.Errorf("%w: sector index %d unmapped", domain.ErrCorrupted, idx)
	}
	return s, nil
}

func readPointer(c SectorCache, table domain.Sector, slot int) (domain.Sector, error) {
	if table == 0 {
		return 0, fmt.Errorf("%w: missing pointer table", domain.ErrCorrupted)
	}
	var buf [4]byte
	if err := c.ReadRange(table, buf[:], 4*slot); err != nil {
		return 0, err
	}
	return domain.Sector(binary.LittleEndian.Uint32(buf[:])), nil
}

func readTable(c SectorCache, sector domain.Sector) (*pointerTable, error) {
	buf := make([]byte, domain.SectorSize)
	if err := c.Read(sector, buf); err != nil {
		return nil, err
	}
	return decodeTable(buf), nil
}

func writeTable(c SectorCache, sector domain.Sector, t *pointerTable) error {
	buf := make([]byte, domain.SectorSize)
	t.encode(buf)
	return c.Write(sector, buf)
}

func writeHeader(c SectorCache, sector domain.Sector, d *diskInode) error {
	buf := make([]byte, domain.SectorSize)
	d.encode(buf)
	return c.Write(sector, buf)
}
