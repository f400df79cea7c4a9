// Package inode implements indexed inodes on top of the block cache. Each
// inode occupies one sector and maps file offsets to data sectors through
// 124 direct pointers, one indirect table and one double-indirect table of
// tables, giving files of up to MaxFileSize bytes.
package inode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/freemap"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

// Registry is the table of open inodes. Opening a sector that is already
// open returns the same shared *Inode.
type Registry struct {
	cache SectorCache
	alloc freemap.Allocator

	mu   sync.Mutex
	open map[domain.Sector]*Inode
}

func NewRegistry(c SectorCache, a freemap.Allocator) *Registry {
	return &Registry{
		cache: c,
		alloc: a,
		open:  make(map[domain.Sector]*Inode),
	}
}

// Create writes a new inode of the given kind at sector, grown to length
// bytes of zeros. The sector itself must already be allocated.
func (r *Registry) Create(sector domain.Sector, length uint32, kind Kind) error {
	d := diskInode{Magic: kind.magic()}

	x := newExtension(r.cache, r.alloc, d)
	staged, err := x.run(length)
	if err != nil {
		return fmt.Errorf("create inode %d: %w", sector, err)
	}
	if err := writeHeader(r.cache, sector, &staged); err != nil {
		return errors.Join(fmt.Errorf("create inode %d: %w", sector, err), x.rollback())
	}

	logger.Debug("inode created", "sector", sector, "length", length, "kind", kind)
	return nil
}

// Open returns the shared handle for the inode at sector, reading it
// through the cache on first open. The handle is published before the read
// so the registry lock is not held across device IO; concurrent openers of
// the same sector wait for that read instead of issuing their own.
func (r *Registry) Open(sector domain.Sector) (*Inode, error) {
	r.mu.Lock()
	if i, ok := r.open[sector]; ok {
		i.openCount++
		r.mu.Unlock()
		<-i.ready
		if i.loadErr != nil {
			return nil, i.loadErr
		}
		return i, nil
	}
	i := &Inode{
		reg:       r,
		sector:    sector,
		openCount: 1,
		ready:     make(chan struct{}),
	}
	r.open[sector] = i
	r.mu.Unlock()

	d, err := r.load(sector)
	if err != nil {
		r.mu.Lock()
		delete(r.open, sector)
		i.openCount = 0
		i.loadErr = err
		r.mu.Unlock()
		close(i.ready)
		return nil, err
	}

	i.mu.Lock()
	i.disk = d
	i.mu.Unlock()
	close(i.ready)
	return i, nil
}

func (r *Registry) load(sector domain.Sector) (diskInode, error) {
	buf := make([]byte, domain.SectorSize)
	if err := r.cache.Read(sector, buf); err != nil {
		return diskInode{}, fmt.Errorf("open inode %d: %w", sector, err)
	}
	d, err := decodeInode(buf)
	if err != nil {
		return diskInode{}, fmt.Errorf("open inode %d: %w", sector, err)
	}
	return d, nil
}

// OpenInodes returns the number of distinct open inodes.
func (r *Registry) OpenInodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Each calls fn for every open inode whose first read has completed. fn
// must not open or close inodes.
func (r *Registry) Each(fn func(*Inode)) {
	r.mu.Lock()
	list := make([]*Inode, 0, len(r.open))
	for _, i := range r.open {
		if i.loaded() {
			list = append(list, i)
		}
	}
	r.mu.Unlock()

	for _, i := range list {
		fn(i)
	}
}

// reclaim releases every sector reachable from i: data sectors within its
// length, the pointer tables that map them, and the inode sector itself.
// Each is released exactly once.
func (r *Registry) reclaim(i *Inode) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	d := &i.disk
	n := bytesToSectors(d.Length)
	var errs []error
	release := func(s domain.Sector) {
		if s == 0 {
			return
		}
		if err := r.alloc.Release(s, 1); err != nil {
			errs = append(errs, err)
		}
	}

	for idx := 0; idx < n && idx < DirectPointers; idx++ {
		release(d.Direct[idx])
	}

	if d.Indirect != 0 {
		table, err := readTable(r.cache, d.Indirect)
		if err != nil {
			errs = append(errs, err)
		} else {
			for slot := 0; slot < PointersPerTable && DirectPointers+slot < n; slot++ {
				release(table[slot])
			}
		}
		release(d.Indirect)
	}

	if d.DoubleIndirect != 0 {
		tot, err := readTable(r.cache, d.DoubleIndirect)
		if err != nil {
			errs = append(errs, err)
		} else {
			for outer := 0; outer < PointersPerTable; outer++ {
				base := IndirectLimit + outer*PointersPerTable
				if base >= n || tot[outer] == 0 {
					break
				}
				table, err := readTable(r.cache, tot[outer])
				if err != nil {
					errs = append(errs, err)
					continue
				}
				for slot := 0; slot < PointersPerTable && base+slot < n; slot++ {
					release(table[slot])
				}
				release(tot[outer])
			}
		}
		release(d.DoubleIndirect)
	}

	release(i.sector)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reclaim inode %d: %w", i.sector, err)
	}
	logger.Debug("inode reclaimed", "sector", i.sector, "sectors", n)
	return nil
}
