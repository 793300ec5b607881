// Package image loads a Spur-format Pharo/Squeak image file: the fixed
// 80-byte header described in spec.md §6, followed by the raw object
// space. It knows nothing about object headers or slots — that is
// pkg/memory's job — it only exposes the base address, the special-objects
// OOP, and a rebased byte buffer for pkg/memory to decode.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// HeaderSize is the fixed size, in bytes, of a Spur 64-bit image header.
const HeaderSize = 80

// SupportedVersions lists the image-format versions this loader accepts;
// anything else is a BadImage error per spec.md §6/§7.
var SupportedVersions = map[uint32]bool{
	68021: true,
	68019: true,
}

// Header is the byte-exact, little-endian layout of a Spur 64-bit image
// header, matching spec.md §6 and the field list walked one-by-one in
// original_source/stvm/image64.py's Image class.
type Header struct {
	ImageVersion      uint32
	HeaderSize        uint32
	DataSize          uint64
	OldBaseAddress    uint64
	SpecialObjectsOOP uint64
	LastHash          uint64
	SavedWindowSize   uint64
	HeaderFlags       uint64
	ExtraVMMemory     uint32
	StackPages        uint16
	EdenBytes         uint32
	MaxExtSemTableSize uint16
	reserved          uint32
	FirstSegmentSize  uint64
}

// Image is a loaded object space, rebased so that ObjectSpace[0] corresponds
// to OldBaseAddress in the original file's address space.
type Image struct {
	Header Header

	// ObjectSpace holds the raw bytes of the object space, starting at
	// Header.OldBaseAddress. Byte i of the original image corresponds to
	// ObjectSpace[i - Header.OldBaseAddress].
	ObjectSpace []byte

	// Digest is a BLAKE2b-256 hash of ObjectSpace, used to detect a
	// truncated or re-corrupted image across reloads (spec.md §7,
	// BadImage: "checksums fail" — the Spur format itself carries no
	// checksum field, so this is an stvm-level integrity check).
	Digest [32]byte
}

// BadImageError reports a malformed or unsupported image file.
type BadImageError struct {
	Reason string
}

func (e *BadImageError) Error() string {
	return fmt.Sprintf("bad image: %s", e.Reason)
}

// Load reads an image file from path, transparently decompressing it first
// if it is zstd-compressed (detected by magic number, not file extension),
// and returns the parsed header plus a rebased object-space buffer.
func Load(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stvm image: %w", err)
	}
	raw, err = maybeDecompress(raw)
	if err != nil {
		return nil, fmt.Errorf("stvm image: %w", err)
	}
	return Parse(raw)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func maybeDecompress(raw []byte) ([]byte, error) {
	if len(raw) < 4 || !bytes.Equal(raw[:4], zstdMagic) {
		return raw, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// Parse decodes a header from raw image bytes and returns the rebased
// object space. raw must contain at least HeaderSize bytes.
func Parse(raw []byte) (*Image, error) {
	if len(raw) < HeaderSize {
		return nil, &BadImageError{Reason: fmt.Sprintf("file too small for header: %d bytes", len(raw))}
	}

	h := Header{
		ImageVersion:       binary.LittleEndian.Uint32(raw[0:4]),
		HeaderSize:         binary.LittleEndian.Uint32(raw[4:8]),
		DataSize:           binary.LittleEndian.Uint64(raw[8:16]),
		OldBaseAddress:     binary.LittleEndian.Uint64(raw[16:24]),
		SpecialObjectsOOP:  binary.LittleEndian.Uint64(raw[24:32]),
		LastHash:           binary.LittleEndian.Uint64(raw[32:40]),
		SavedWindowSize:    binary.LittleEndian.Uint64(raw[40:48]),
		HeaderFlags:        binary.LittleEndian.Uint64(raw[48:56]),
		ExtraVMMemory:      binary.LittleEndian.Uint32(raw[56:60]),
		StackPages:         binary.LittleEndian.Uint16(raw[60:62]),
		EdenBytes:          binary.LittleEndian.Uint32(raw[62:66]),
		MaxExtSemTableSize: binary.LittleEndian.Uint16(raw[66:68]),
		reserved:           binary.LittleEndian.Uint32(raw[68:72]),
		FirstSegmentSize:   binary.LittleEndian.Uint64(raw[72:80]),
	}

	if !SupportedVersions[h.ImageVersion] {
		return nil, &BadImageError{Reason: fmt.Sprintf("unsupported image version %d (want 68021 or 68019)", h.ImageVersion)}
	}
	headerSize := uint64(h.HeaderSize)
	if headerSize == 0 {
		headerSize = HeaderSize
	}
	if uint64(len(raw)) < headerSize+h.DataSize {
		return nil, &BadImageError{Reason: fmt.Sprintf("declared data size %d exceeds file contents", h.DataSize)}
	}

	objectSpace := raw[headerSize : headerSize+h.DataSize]
	img := &Image{
		Header:      h,
		ObjectSpace: objectSpace,
		Digest:      blake2b.Sum256(objectSpace),
	}
	return img, nil
}

// Verify recomputes Digest over ObjectSpace and reports whether it still
// matches the digest captured at load time, catching in-process corruption
// of the byte buffer before it confuses the object decoder.
func (img *Image) Verify() error {
	got := blake2b.Sum256(img.ObjectSpace)
	if got != img.Digest {
		return &BadImageError{Reason: "object space digest mismatch"}
	}
	return nil
}

// ContainsAddress reports whether addr falls within the loaded object
// space, i.e. is a valid address to read a header from.
func (img *Image) ContainsAddress(addr uint64) bool {
	base := img.Header.OldBaseAddress
	if addr < base {
		return false
	}
	offset := addr - base
	return offset < uint64(len(img.ObjectSpace))
}

// Bytes returns a slice of n bytes of the object space starting at the
// absolute image address addr (i.e. addr, not an offset).
func (img *Image) Bytes(addr uint64, n int) ([]byte, error) {
	base := img.Header.OldBaseAddress
	if addr < base {
		return nil, fmt.Errorf("address %#x below old base address %#x", addr, base)
	}
	offset := addr - base
	end := offset + uint64(n)
	if end > uint64(len(img.ObjectSpace)) {
		return nil, fmt.Errorf("read of %d bytes at %#x runs past object space end", n, addr)
	}
	return img.ObjectSpace[offset:end], nil
}
