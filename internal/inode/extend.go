package inode

import (
	"errors"
	"sort"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/freemap"
)

var zeros [domain.SectorSize]byte

// extension stages the growth of one inode. Pointer tables are read into
// local buffers, new pointers are placed there, and nothing reachable from
// the inode is written until every allocation has succeeded. Commit writes
// data, then second-level tables, then the table of tables, then the
// indirect table; the header is written last by the caller.
type extension struct {
	cache SectorCache
	alloc freemap.Allocator

	disk     diskInode
	indirect *pointerTable
	tot      *pointerTable
	tables   map[int]*pointerTable

	data      []domain.Sector
	allocated []domain.Sector
}

func newExtension(c SectorCache, a freemap.Allocator, d diskInode) *extension {
	return &extension{
		cache:  c,
		alloc:  a,
		disk:   d,
		tables: make(map[int]*pointerTable),
	}
}

// run grows the staged inode to newLength and returns it. On failure every
// sector allocated by the extension is released and the original inode is
// left untouched.
func (x *extension) run(newLength uint32) (diskInode, error) {
	if uint64(newLength) > MaxFileSize {
		return x.disk, domain.ErrTooLarge
	}
	if newLength <= x.disk.Length {
		return x.disk, nil
	}

	from, to := bytesToSectors(x.disk.Length), bytesToSectors(newLength)
	for idx := from; idx < to; idx++ {
		s, err := x.allocate()
		if err != nil {
			return x.disk, x.abort(err)
		}
		x.data = append(x.data, s)
		if err := x.place(idx, s); err != nil {
			return x.disk, x.abort(err)
		}
	}
	if err := x.allocateTables(); err != nil {
		return x.disk, x.abort(err)
	}
	if err := x.commit(); err != nil {
		return x.disk, x.abort(err)
	}

	x.disk.Length = newLength
	return x.disk, nil
}

func (x *extension) allocate() (domain.Sector, error) {
	s, err := x.alloc.Allocate(1)
	if err != nil {
		return 0, err
	}
	x.allocated = append(x.allocated, s)
	return s, nil
}

func (x *extension) place(idx int, s domain.Sector) error {
	t, outer, inner := locate(idx)
	switch t {
	case tierDirect:
		x.disk.Direct[inner] = s
	case tierIndirect:
		if x.indirect == nil {
			table, err := x.load(x.disk.Indirect)
			if err != nil {
				return err
			}
			x.indirect = table
		}
		x.indirect[inner] = s
	case tierDouble:
		if x.tot == nil {
			table, err := x.load(x.disk.DoubleIndirect)
			if err != nil {
				return err
			}
			x.tot = table
		}
		table, ok := x.tables[outer]
		if !ok {
			var err error
			if table, err = x.load(x.tot[outer]); err != nil {
				return err
			}
			x.tables[outer] = table
		}
		table[inner] = s
	}
	return nil
}

// load reads an existing table, or starts an empty one for sector zero.
func (x *extension) load(sector domain.Sector) (*pointerTable, error) {
	if sector == 0 {
		return new(pointerTable), nil
	}
	return readTable(x.cache, sector)
}

func (x *extension) outers() []int {
	outers := make([]int, 0, len(x.tables))
	for outer := range x.tables {
		outers = append(outers, outer)
	}
	sort.Ints(outers)
	return outers
}

func (x *extension) allocateTables() error {
	for _, outer := range x.outers() {
		if x.tot[outer] == 0 {
			s, err := x.allocate()
			if err != nil {
				return err
			}
			x.tot[outer] = s
		}
	}
	if x.tot != nil && x.disk.DoubleIndirect == 0 {
		s, err := x.allocate()
		if err != nil {
			return err
		}
		x.disk.DoubleIndirect = s
	}
	if x.indirect != nil && x.disk.Indirect == 0 {
		s, err := x.allocate()
		if err != nil {
			return err
		}
		x.disk.Indirect = s
	}
	return nil
}

func (x *extension) commit() error {
	for _, s := range x.data {
		if err := x.cache.Write(s, zeros[:]); err != nil {
			return err
		}
	}
	for _, outer := range x.outers() {
		if err := writeTable(x.cache, x.tot[outer], x.tables[outer]); err != nil {
			return err
		}
	}
	if x.tot != nil {
		if err := writeTable(x.cache, x.disk.DoubleIndirect, x.tot); err != nil {
			return err
		}
	}
	if x.indirect != nil {
		if err := writeTable(x.cache, x.disk.Indirect, x.indirect); err != nil {
			return err
		}
	}
	return nil
}

func (x *extension) abort(cause error) error {
	return errors.Join(cause, x.rollback())
}

// rollback releases every sector this extension allocated.
func (x *extension) rollback() error {
	var errs []error
	for _, s := range x.allocated {
		if err := x.alloc.Release(s, 1); err != nil {
			errs = append(errs, err)
		}
	}
	x.allocated = nil
	return errors.Join(errs...)
}
