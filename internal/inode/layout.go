package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

// On-disk inode, exactly one sector:
//
//	[0:4]     length in bytes
//	[4:8]     magic (file or directory)
//	[8:504]   124 direct sector pointers
//	[504:508] indirect table pointer
//	[508:512] double-indirect table-of-tables pointer
//
// A pointer table is one sector of 128 sector numbers. Zero means absent.
const (
	DirectPointers   = 124
	PointersPerTable = domain.SectorSize / 4

	// IndirectLimit is the first sector index served by the double-indirect
	// tier.
	IndirectLimit = DirectPointers + PointersPerTable
	MaxSectors    = IndirectLimit + PointersPerTable*PointersPerTable
	MaxFileSize   = MaxSectors * domain.SectorSize

	MagicFile      uint32 = 0x494e4f44
	MagicDirectory uint32 = 0x494e4f43
)

type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

func (k Kind) magic() uint32 {
	if k == KindDirectory {
		return MagicDirectory
	}
	return MagicFile
}

type diskInode struct {
	Length         uint32
	Magic          uint32
	Direct         [DirectPointers]domain.Sector
	Indirect       domain.Sector
	DoubleIndirect domain.Sector
}

func (d *diskInode) kind() Kind {
	if d.Magic == MagicDirectory {
		return KindDirectory
	}
	return KindFile
}

func (d *diskInode) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Length)
	binary.LittleEndian.PutUint32(buf[4:8], d.Magic)
	for i, s := range d.Direct {
		off := 8 + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(s))
	}
	binary.LittleEndian.PutUint32(buf[504:508], uint32(d.Indirect))
	binary.LittleEndian.PutUint32(buf[508:512], uint32(d.DoubleIndirect))
}

func decodeInode(buf []byte) (diskInode, error) {
	var d diskInode
	d.Length = binary.LittleEndian.Uint32(buf[0:4])
	d.Magic = binary.LittleEndian.Uint32(buf[4:8])
	if d.Magic != MagicFile && d.Magic != MagicDirectory {
		return d, fmt.Errorf("%w: bad inode magic %#x", domain.ErrCorrupted, d.Magic)
	}
	if d.Length > MaxFileSize {
		return d, fmt.Errorf("%w: inode length %d", domain.ErrCorrupted, d.Length)
	}
	for i := range d.Direct {
		off := 8 + 4*i
		d.Direct[i] = domain.Sector(binary.LittleEndian.Uint32(buf[off : off+4]))
	}
	d.Indirect = domain.Sector(binary.LittleEndian.Uint32(buf[504:508]))
	d.DoubleIndirect = domain.Sector(binary.LittleEndian.Uint32(buf[508:512]))
	return d, nil
}

type pointerTable [PointersPerTable]domain.Sector

func (t *pointerTable) encode(buf []byte) {
	for i, s := range t {
		binary.LittleEndian.PutUint32(buf[4*i:4*i+4], uint32(s))
	}
}

func decodeTable(buf []byte) *pointerTable {
	t := new(pointerTable)
	for i := range t {
		t[i] = domain.Sector(binary.LittleEndian.Uint32(buf[4*i : 4*i+4]))
	}
	return t
}

func bytesToSectors(n uint32) int {
	return int((uint64(n) + domain.SectorSize - 1) / domain.SectorSize)
}
