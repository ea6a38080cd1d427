package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"syscall"

	"github.com/twlk9/streamindex/compression"
	"github.com/twlk9/streamindex/keys"
)

const (
	// FileExt is the suffix every table file carries.
	FileExt = ".ptable"

	// FormatVersion is the only on-disk layout this package writes or reads.
	FormatVersion = 1

	HeaderSize = 32
	FooterSize = 48

	// BlockTrailerSize is the compression type byte plus a crc32 of the
	// stored block bytes.
	BlockTrailerSize = 5

	// indexEntrySize is first key + offset + stored size + entry count.
	indexEntrySize = keys.EncodedKeyLen + 8 + 4 + 4

	// DefaultEntriesPerBlock gives ~6KB uncompressed data blocks.
	DefaultEntriesPerBlock = 256

	DefaultBloomFalsePositive = 0.01
)

var (
	headerMagic = [8]byte{'S', 'I', 'D', 'X', 'P', 'T', 'B', 'L'}
	footerMagic = [8]byte{'S', 'I', 'D', 'X', 'E', 'N', 'D', 0}

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

var (
	// ErrNotFound is returned by Open when the table file does not exist.
	ErrNotFound = errors.New("table not found")

	// ErrCorrupt is returned when a table fails a magic, size or checksum check.
	ErrCorrupt = errors.New("corrupt table")

	// ErrOutOfOrder is returned by the writer when keys are not strictly ascending.
	ErrOutOfOrder = errors.New("entries out of order")

	// ErrInvalidEntry is returned by the writer for entries with a negative position.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrDiskFull is returned when a write fails because the device is out of space.
	ErrDiskFull = errors.New("disk full")

	// ErrIO wraps any other read or write failure.
	ErrIO = errors.New("i/o error")

	// ErrClosed is returned by operations on a closed table.
	ErrClosed = errors.New("table closed")
)

// IsTableFile reports whether name looks like a table filename. It does not
// touch the filesystem.
func IsTableFile(name string) bool {
	return strings.HasSuffix(name, FileExt) && len(name) > len(FileExt) &&
		!strings.ContainsAny(name, `/\`)
}

type header struct {
	version     uint32
	compression compression.Type
	count       uint64
	blockCount  uint32
}

func (h header) encode(dst []byte) {
	copy(dst[0:8], headerMagic[:])
	binary.LittleEndian.PutUint32(dst[8:12], h.version)
	dst[12] = byte(h.compression)
	dst[13], dst[14], dst[15] = 0, 0, 0
	binary.LittleEndian.PutUint64(dst[16:24], h.count)
	binary.LittleEndian.PutUint32(dst[24:28], h.blockCount)
	binary.LittleEndian.PutUint32(dst[28:32], 0)
}

func decodeHeader(src []byte) (header, error) {
	if len(src) < HeaderSize {
		return header{}, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if [8]byte(src[0:8]) != headerMagic {
		return header{}, fmt.Errorf("%w: bad header magic", ErrCorrupt)
	}
	h := header{
		version:     binary.LittleEndian.Uint32(src[8:12]),
		compression: compression.Type(src[12]),
		count:       binary.LittleEndian.Uint64(src[16:24]),
		blockCount:  binary.LittleEndian.Uint32(src[24:28]),
	}
	if h.version != FormatVersion {
		return header{}, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, h.version)
	}
	return h, nil
}

type footer struct {
	indexOffset  uint64
	indexSize    uint32
	filterOffset uint64
	filterSize   uint32
	count        uint64
	checksum     uint32
}

func (f footer) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], f.indexOffset)
	binary.LittleEndian.PutUint32(dst[8:12], f.indexSize)
	binary.LittleEndian.PutUint64(dst[12:20], f.filterOffset)
	binary.LittleEndian.PutUint32(dst[20:24], f.filterSize)
	binary.LittleEndian.PutUint64(dst[24:32], f.count)
	binary.LittleEndian.PutUint32(dst[32:36], f.checksum)
	binary.LittleEndian.PutUint32(dst[36:40], 0)
	copy(dst[40:48], footerMagic[:])
}

func decodeFooter(src []byte) (footer, error) {
	if len(src) < FooterSize {
		return footer{}, fmt.Errorf("%w: short footer", ErrCorrupt)
	}
	if [8]byte(src[40:48]) != footerMagic {
		return footer{}, fmt.Errorf("%w: bad footer magic", ErrCorrupt)
	}
	return footer{
		indexOffset:  binary.LittleEndian.Uint64(src[0:8]),
		indexSize:    binary.LittleEndian.Uint32(src[8:12]),
		filterOffset: binary.LittleEndian.Uint64(src[12:20]),
		filterSize:   binary.LittleEndian.Uint32(src[20:24]),
		count:        binary.LittleEndian.Uint64(src[24:32]),
		checksum:     binary.LittleEndian.Uint32(src[32:36]),
	}, nil
}

// blockHandle locates one data block and carries its first key so the
// reader can binary search blocks without touching disk.
type blockHandle struct {
	firstKey keys.Key
	offset   uint64
	size     uint32 // stored bytes including trailer
	count    uint32
}

func (b blockHandle) encode(dst []byte) {
	b.firstKey.Encode(dst[0:16])
	binary.LittleEndian.PutUint64(dst[16:24], b.offset)
	binary.LittleEndian.PutUint32(dst[24:28], b.size)
	binary.LittleEndian.PutUint32(dst[28:32], b.count)
}

func decodeBlockHandle(src []byte) (blockHandle, error) {
	k, err := keys.Decode(src)
	if err != nil {
		return blockHandle{}, fmt.Errorf("%w: index entry", ErrCorrupt)
	}
	return blockHandle{
		firstKey: k,
		offset:   binary.LittleEndian.Uint64(src[16:24]),
		size:     binary.LittleEndian.Uint32(src[24:28]),
		count:    binary.LittleEndian.Uint32(src[28:32]),
	}, nil
}

// classifyWriteErr maps an OS error onto the package sentinels.
func classifyWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %w", op, ErrDiskFull, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
