package inode

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

var (
	ErrDenyOverflow  = errors.New("deny-write count would exceed open count")
	ErrDenyUnderflow = errors.New("allow-write without matching deny-write")
)

// State is the lifecycle of an open inode. Reclamation happens only on the
// transition of a MarkedForDeletion inode to zero opens.
type State uint8

const (
	StateLive State = iota
	StateMarkedForDeletion
	StateReclaimed
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateMarkedForDeletion:
		return "marked-for-deletion"
	case StateReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// Inode is the shared in-memory handle for one on-disk inode.
type Inode struct {
	reg    *Registry
	sector domain.Sector

	// mu guards disk. Growth holds it exclusively.
	mu   sync.RWMutex
	disk diskInode

	// guarded by reg.mu
	openCount int
	denyWrite int
	state     State

	// ready is closed once the first open has read the inode. loadErr is
	// set before that if the read failed.
	ready   chan struct{}
	loadErr error
}

func (i *Inode) Sector() domain.Sector { return i.sector }

func (i *Inode) loaded() bool {
	select {
	case <-i.ready:
		return i.loadErr == nil
	default:
		return false
	}
}

func (i *Inode) Length() uint32 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.disk.Length
}

func (i *Inode) Kind() Kind {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.disk.kind()
}

func (i *Inode) IsDir() bool { return i.Kind() == KindDirectory }

func (i *Inode) OpenCount() int {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.openCount
}

func (i *Inode) State() State {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.state
}

func (i *Inode) DenyWriteCount() int {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.denyWrite
}

// Reopen adds another opener to an already open inode.
func (i *Inode) Reopen() (*Inode, error) {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	if i.openCount == 0 {
		return nil, domain.ErrClosed
	}
	i.openCount++
	return i, nil
}

// Close drops one opener. A deny-write still held by the closing opener is
// dropped with it. When the last opener of a removed inode closes, every
// sector it owns is returned to the allocator.
func (i *Inode) Close() error {
	r := i.reg

	r.mu.Lock()
	if i.openCount == 0 {
		r.mu.Unlock()
		return domain.ErrClosed
	}
	i.openCount--
	if i.denyWrite > i.openCount {
		logger.Warn("inode closed without allowing writes", "sector", i.sector, "deny_write", i.denyWrite)
		i.denyWrite = i.openCount
	}
	if i.openCount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.open, i.sector)
	reclaim := i.state == StateMarkedForDeletion
	if reclaim {
		i.state = StateReclaimed
	}
	r.mu.Unlock()

	if !reclaim {
		return nil
	}
	return r.reclaim(i)
}

// Remove marks the inode for deletion at last close. Calling it again has
// no further effect.
func (i *Inode) Remove() {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	if i.state == StateLive {
		i.state = StateMarkedForDeletion
		logger.Debug("inode marked for deletion", "sector", i.sector, "open", i.openCount)
	}
}

// DenyWrite blocks writes to the inode. Each opener may call it at most
// once and must balance it with AllowWrite.
func (i *Inode) DenyWrite() error {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	if i.denyWrite >= i.openCount {
		return ErrDenyOverflow
	}
	i.denyWrite++
	return nil
}

func (i *Inode) AllowWrite() error {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	if i.denyWrite == 0 {
		return ErrDenyUnderflow
	}
	i.denyWrite--
	return nil
}

func (i *Inode) writable() error {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	if i.denyWrite > 0 {
		return domain.ErrWriteDenied
	}
	return nil
}

// ByteToSector returns the device sector holding byte offset off.
func (i *Inode) ByteToSector(off int64) (domain.Sector, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if off < 0 || off >= int64(i.disk.Length) {
		return domain.NoSector, domain.ErrInvalidOffset
	}
	return sectorAt(i.reg.cache, &i.disk, int(off/domain.SectorSize))
}

// ReadAt reads up to len(p) bytes starting at off. It returns io.EOF when
// fewer than len(p) bytes were available.
func (i *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, domain.ErrInvalidOffset
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	length := int64(i.disk.Length)
	n := 0
	for n < len(p) && off < length {
		idx := int(off / domain.SectorSize)
		sectorOff := int(off % domain.SectorSize)
		chunk := min(len(p)-n, domain.SectorSize-sectorOff, int(length-off))

		s, err := sectorAt(i.reg.cache, &i.disk, idx)
		if err != nil {
			return n, err
		}
		if sectorOff == 0 && chunk == domain.SectorSize {
			err = i.reg.cache.Read(s, p[n:n+chunk])
		} else {
			err = i.reg.cache.ReadRange(s, p[n:n+chunk], sectorOff)
		}
		if err != nil {
			return n, err
		}

		n += chunk
		off += int64(chunk)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off, growing the inode first when the write ends
// past its current length.
func (i *Inode) WriteAt(p []byte, off int64) (int, error) {
	if err := i.writable(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, domain.ErrInvalidOffset
	}
	end := off + int64(len(p))
	if end > MaxFileSize {
		return 0, domain.ErrTooLarge
	}
	if len(p) == 0 {
		return 0, nil
	}

	i.mu.RLock()
	grow := end > int64(i.disk.Length)
	i.mu.RUnlock()

	if grow {
		i.mu.Lock()
		defer i.mu.Unlock()
		if err := i.extendLocked(uint32(end)); err != nil {
			return 0, err
		}
	} else {
		i.mu.RLock()
		defer i.mu.RUnlock()
	}

	n := 0
	for n < len(p) {
		idx := int(off / domain.SectorSize)
		sectorOff := int(off % domain.SectorSize)
		chunk := min(len(p)-n, domain.SectorSize-sectorOff)

		s, err := sectorAt(i.reg.cache, &i.disk, idx)
		if err != nil {
			return n, err
		}
		if sectorOff == 0 && chunk == domain.SectorSize {
			err = i.reg.cache.Write(s, p[n:n+chunk])
		} else {
			err = i.reg.cache.WriteRange(s, p[n:n+chunk], sectorOff)
		}
		if err != nil {
			return n, err
		}

		n += chunk
		off += int64(chunk)
	}
	return n, nil
}

// Extend grows the inode to newLength bytes, zero-filling new sectors.
// A shorter newLength is a no-op.
func (i *Inode) Extend(newLength uint32) error {
	if err := i.writable(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.extendLocked(newLength)
}

func (i *Inode) extendLocked(newLength uint32) error {
	if newLength <= i.disk.Length {
		return nil
	}

	x := newExtension(i.reg.cache, i.reg.alloc, i.disk)
	staged, err := x.run(newLength)
	if err != nil {
		return fmt.Errorf("extend inode %d to %d: %w", i.sector, newLength, err)
	}
	if err := writeHeader(i.reg.cache, i.sector, &staged); err != nil {
		return errors.Join(fmt.Errorf("extend inode %d: %w", i.sector, err), x.rollback())
	}

	logger.Debug("inode extended", "sector", i.sector, "from", i.disk.Length, "to", newLength,
		"allocated", len(x.allocated))
	i.disk = staged
	return nil
}
