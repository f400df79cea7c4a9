package device

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

// File is a device backed by a regular file or disk image. The file is held
// under an exclusive flock for as long as the device is open.
type File struct {
	file *os.File
	n    domain.Sector
}

// OpenFile opens the image at path. A missing or empty image is created with
// the given number of sectors; an existing one keeps its own size.
func OpenFile(path string, sectors domain.Sector) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error locking device: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	size := info.Size()
	if size == 0 {
		size = int64(sectors) * domain.SectorSize
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("error sizing device: %w", err)
		}
	}

	return &File{file: f, n: domain.Sector(size / domain.SectorSize)}, nil
}

func (d *File) ReadSector(sector domain.Sector, buf []byte) error {
	if err := check("read", d, sector, buf); err != nil {
		return err
	}
	if _, err := d.file.ReadAt(buf, int64(sector)*domain.SectorSize); err != nil {
		return &domain.IOError{Op: "read", Sector: sector, Err: err}
	}
	return nil
}

func (d *File) WriteSector(sector domain.Sector, buf []byte) error {
	if err := check("write", d, sector, buf); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(buf, int64(sector)*domain.SectorSize); err != nil {
		return &domain.IOError{Op: "write", Sector: sector, Err: err}
	}
	return nil
}

func (d *File) Capacity() domain.Sector { return d.n }

func (d *File) Sync() error {
	return unix.Fdatasync(int(d.file.Fd()))
}

// Close syncs, unlocks and closes the file. The file is closed even when
// the sync fails.
func (d *File) Close() error {
	var errs []error
	if err := d.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("error syncing device: %w", err))
	}
	if err := unix.Flock(int(d.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("error unlocking device: %w", err))
	}
	if err := d.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
