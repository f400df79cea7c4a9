package domain

import (
	"math"
	"strconv"
)

const (
	SectorSize = 512

	// FreeMapSector holds the inode of the free-map file.
	FreeMapSector Sector = 0
	// RootDirSector holds the inode of the root directory.
	RootDirSector Sector = 1
)

// Sector is a block device sector number. Zero inside a pointer table means
// "unallocated", which is why the free map and root directory are pinned to
// the first two sectors and never handed out.
type Sector uint32

// NoSector is returned where a lookup finds no backing sector.
const NoSector Sector = math.MaxUint32

func (s Sector) String() string {
	if s == NoSector {
		return "none"
	}
	return strconv.FormatUint(uint64(s), 10)
}
