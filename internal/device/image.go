package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

// Image layout: 48-byte header followed by the compressed sector stream.
//
//	[0:8]   magic
//	[8]     codec
//	[9:12]  reserved
//	[12:16] sector count
//	[16:48] blake2b-256 of the raw sectors
const (
	ImageMagic      = "SFSIMG01"
	imageHeaderSize = 48
)

type Codec uint8

const (
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

var (
	ErrUnknownCodec = errors.New("unknown image codec")
	ErrBadImage     = errors.New("not a sectorfs image")
)

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ExportImage writes every sector of dev to w as a compressed image.
func ExportImage(w io.Writer, dev BlockDevice, codec Codec) error {
	if codec != CodecZstd && codec != CodecLZ4 {
		return ErrUnknownCodec
	}
	n := dev.Capacity()
	buf := make([]byte, domain.SectorSize)

	h, _ := blake2b.New256(nil)
	for s := domain.Sector(0); s < n; s++ {
		if err := dev.ReadSector(s, buf); err != nil {
			return err
		}
		h.Write(buf)
	}

	hdr := make([]byte, imageHeaderSize)
	copy(hdr[0:8], ImageMagic)
	hdr[8] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(n))
	copy(hdr[16:48], h.Sum(nil))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	zw, err := newCompressor(w, codec)
	if err != nil {
		return err
	}
	for s := domain.Sector(0); s < n; s++ {
		if err := dev.ReadSector(s, buf); err != nil {
			zw.Close()
			return err
		}
		if _, err := zw.Write(buf); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// ImportImage restores an image produced by ExportImage onto dev. The digest
// is checked after the last sector is written; a mismatch leaves dev holding
// the decoded (untrusted) content and returns domain.ErrCorrupted.
func ImportImage(r io.Reader, dev BlockDevice) (domain.Sector, error) {
	hdr := make([]byte, imageHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if !bytes.Equal(hdr[0:8], []byte(ImageMagic)) {
		return 0, ErrBadImage
	}
	codec := Codec(hdr[8])
	n := domain.Sector(binary.LittleEndian.Uint32(hdr[12:16]))
	if n > dev.Capacity() {
		return 0, fmt.Errorf("image has %d sectors, device %d: %w", n, dev.Capacity(), ErrOutOfRange)
	}

	zr, err := newDecompressor(r, codec)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	h, _ := blake2b.New256(nil)
	buf := make([]byte, domain.SectorSize)
	for s := domain.Sector(0); s < n; s++ {
		if _, err := io.ReadFull(zr, buf); err != nil {
			return s, fmt.Errorf("%w: sector %d: %v", ErrBadImage, s, err)
		}
		h.Write(buf)
		if err := dev.WriteSector(s, buf); err != nil {
			return s, err
		}
	}
	if !bytes.Equal(h.Sum(nil), hdr[16:48]) {
		return n, domain.ErrCorrupted
	}
	return n, nil
}

func newCompressor(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, ErrUnknownCodec
}

type readCloser struct {
	io.Reader
	close func()
}

func (r readCloser) Close() error {
	if r.close != nil {
		r.close()
	}
	return nil
}

func newDecompressor(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, close: zr.Close}, nil
	case CodecLZ4:
		return readCloser{Reader: lz4.NewReader(r)}, nil
	}
	return nil, ErrUnknownCodec
}
