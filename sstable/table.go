package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/twlk9/streamindex/bufferpool"
	"github.com/twlk9/streamindex/compression"
	"github.com/twlk9/streamindex/keys"
)

var discardLogger = slog.New(slog.DiscardHandler)

// OpenOptions controls how Open validates and caches a table.
type OpenOptions struct {
	// SkipChecksum disables the whole-file checksum pass on open. Block
	// checksums are still checked on every read.
	SkipChecksum bool

	// Cache holds decoded data blocks. Nil disables caching.
	Cache *BlockCache

	Logger *slog.Logger
}

// Table is an open, immutable sorted table. It is safe for concurrent use.
type Table struct {
	path    string
	name    string
	file    *os.File
	size    int64
	hdr     header
	ft      footer
	blocks  []blockHandle
	filter  *bloom.BloomFilter
	cache   *BlockCache
	cacheID uint64
	logger  *slog.Logger
	closed  atomic.Bool
}

// Open opens the table at path and loads its index and filter into memory.
func Open(path string, opts OpenOptions) (*Table, error) {
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}
	t, err := load(f, path, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func load(f *os.File, path string, opts OpenOptions) (*Table, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}
	size := st.Size()
	if size < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, path, size)
	}

	var hb [HeaderSize]byte
	if _, err := f.ReadAt(hb[:], 0); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrIO, err)
	}
	hdr, err := decodeHeader(hb[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var fb [FooterSize]byte
	footerOff := size - FooterSize
	if _, err := f.ReadAt(fb[:], footerOff); err != nil {
		return nil, fmt.Errorf("%w: read footer: %w", ErrIO, err)
	}
	ft, err := decodeFooter(fb[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if ft.count != hdr.count ||
		ft.indexOffset+uint64(ft.indexSize) != ft.filterOffset ||
		ft.filterOffset+uint64(ft.filterSize) != uint64(footerOff) ||
		uint64(ft.indexSize) != uint64(hdr.blockCount)*indexEntrySize {
		return nil, fmt.Errorf("%w: %s: inconsistent layout", ErrCorrupt, path)
	}

	if !opts.SkipChecksum {
		sum, err := checksumRange(f, footerOff)
		if err != nil {
			return nil, fmt.Errorf("%w: checksum %s: %w", ErrIO, path, err)
		}
		if sum != ft.checksum {
			return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, path)
		}
	}

	index := make([]byte, ft.indexSize)
	if _, err := f.ReadAt(index, int64(ft.indexOffset)); err != nil {
		return nil, fmt.Errorf("%w: read index: %w", ErrIO, err)
	}
	blocks := make([]blockHandle, hdr.blockCount)
	var total uint64
	for i := range blocks {
		h, err := decodeBlockHandle(index[i*indexEntrySize:])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if h.offset+uint64(h.size) > ft.indexOffset || h.size < BlockTrailerSize || h.count == 0 {
			return nil, fmt.Errorf("%w: %s: block %d out of bounds", ErrCorrupt, path, i)
		}
		if i > 0 && !blocks[i-1].firstKey.Less(h.firstKey) {
			return nil, fmt.Errorf("%w: %s: index out of order", ErrCorrupt, path)
		}
		total += uint64(h.count)
		blocks[i] = h
	}
	if total != hdr.count {
		return nil, fmt.Errorf("%w: %s: block counts do not add up", ErrCorrupt, path)
	}

	var filter *bloom.BloomFilter
	if ft.filterSize > 0 {
		raw := make([]byte, ft.filterSize)
		if _, err := f.ReadAt(raw, int64(ft.filterOffset)); err != nil {
			return nil, fmt.Errorf("%w: read filter: %w", ErrIO, err)
		}
		filter = &bloom.BloomFilter{}
		if _, err := filter.ReadFrom(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("%w: %s: filter: %w", ErrCorrupt, path, err)
		}
	}

	name := filepath.Base(path)
	return &Table{
		path:    path,
		name:    name,
		file:    f,
		size:    size,
		hdr:     hdr,
		ft:      ft,
		blocks:  blocks,
		filter:  filter,
		cache:   opts.Cache,
		cacheID: xxhash.Sum64String(name),
		logger:  opts.Logger,
	}, nil
}

// Name returns the table's bare filename.
func (t *Table) Name() string { return t.name }

// Path returns the path the table was opened from.
func (t *Table) Path() string { return t.path }

// Count returns the number of entries in the table.
func (t *Table) Count() uint64 { return t.hdr.count }

// Size returns the file size in bytes.
func (t *Table) Size() int64 { return t.size }

// Compression returns the codec the table was written with.
func (t *Table) Compression() compression.Type { return t.hdr.compression }

// HasFilter reports whether the table carries a bloom filter.
func (t *Table) HasFilter() bool { return t.filter != nil }

// FirstKey returns the smallest key in the table. ok is false for an empty table.
func (t *Table) FirstKey() (k keys.Key, ok bool) {
	if len(t.blocks) == 0 {
		return keys.Key{}, false
	}
	return t.blocks[0].firstKey, true
}

// MayContain reports whether k can be in the table.
func (t *Table) MayContain(k keys.Key) bool {
	if t.hdr.count == 0 {
		return false
	}
	if t.filter == nil {
		return true
	}
	var b [keys.EncodedKeyLen]byte
	k.Encode(b[:])
	return t.filter.Test(b[:])
}

// MayContainStream reports whether any version of stream can be in the table.
func (t *Table) MayContainStream(stream uint64) bool {
	if t.hdr.count == 0 {
		return false
	}
	if t.filter == nil {
		return true
	}
	var b [keys.EncodedKeyLen]byte
	keys.Key{Stream: stream}.Encode(b[:])
	return t.filter.Test(b[:8])
}

// Lookup returns the position stored for k.
func (t *Table) Lookup(k keys.Key) (int64, bool, error) {
	if t.closed.Load() {
		return 0, false, ErrClosed
	}
	if !t.MayContain(k) {
		return 0, false, nil
	}
	bi := t.findBlock(k)
	if bi < 0 {
		return 0, false, nil
	}
	data, err := t.readBlock(bi)
	if err != nil {
		return 0, false, err
	}
	i := searchBlock(data, k)
	if i*keys.EncodedEntryLen >= len(data) {
		return 0, false, nil
	}
	e, err := keys.DecodeEntry(data[i*keys.EncodedEntryLen:])
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %w", ErrCorrupt, t.name, err)
	}
	if e.Key != k {
		return 0, false, nil
	}
	return e.Position, true, nil
}

// findBlock returns the index of the last block whose first key is <= k,
// or -1 if k sorts before the table.
func (t *Table) findBlock(k keys.Key) int {
	return sort.Search(len(t.blocks), func(i int) bool {
		return k.Less(t.blocks[i].firstKey)
	}) - 1
}

// searchBlock returns the index of the first entry in data that is >= k.
func searchBlock(data []byte, k keys.Key) int {
	n := len(data) / keys.EncodedEntryLen
	return sort.Search(n, func(i int) bool {
		ek, _ := keys.Decode(data[i*keys.EncodedEntryLen:])
		return ek.Compare(k) >= 0
	})
}

// readBlock returns the decoded bytes of block i. The result is shared
// with the cache and must not be modified.
func (t *Table) readBlock(i int) ([]byte, error) {
	ck := CacheKey(t.cacheID, uint64(i))
	if data, ok := t.cache.Get(ck); ok {
		return data, nil
	}

	h := t.blocks[i]
	buf := bufferpool.GetBuffer(int(h.size))
	defer bufferpool.PutBuffer(buf)
	if _, err := t.file.ReadAt(buf, int64(h.offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: block %d truncated", ErrCorrupt, t.name, i)
		}
		return nil, fmt.Errorf("%w: %s: read block %d: %w", ErrIO, t.name, i, err)
	}

	stored := buf[:len(buf)-BlockTrailerSize]
	trailer := buf[len(buf)-BlockTrailerSize:]
	if crc32.Checksum(stored, crcTable) != leUint32(trailer[1:]) {
		return nil, fmt.Errorf("%w: %s: block %d checksum mismatch", ErrCorrupt, t.name, i)
	}
	data, err := compression.Decode(compression.Type(trailer[0]), nil, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: block %d: %w", ErrCorrupt, t.name, i, err)
	}
	if len(data) != int(h.count)*keys.EncodedEntryLen {
		return nil, fmt.Errorf("%w: %s: block %d has %d bytes, want %d entries",
			ErrCorrupt, t.name, i, len(data), h.count)
	}

	t.cache.Put(ck, data)
	return data, nil
}

// Close releases the file handle. Iterators must not be used afterwards.
func (t *Table) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.file.Close()
}

// Verify opens the table at path with checksums enabled and decodes every
// block, checking that keys are strictly ascending.
func Verify(path string) error {
	t, err := Open(path, OpenOptions{})
	if err != nil {
		return err
	}
	defer t.Close()

	it := t.NewIterator()
	defer it.Close()
	var (
		prev keys.Key
		n    uint64
	)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := it.Entry().Key
		if n > 0 && !prev.Less(k) {
			return fmt.Errorf("%w: %s: %s after %s", ErrCorrupt, path, k, prev)
		}
		prev = k
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	if n != t.Count() {
		return fmt.Errorf("%w: %s: iterated %d entries, header says %d", ErrCorrupt, path, n, t.Count())
	}
	return nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
