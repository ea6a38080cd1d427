package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/twlk9/streamindex/compression"
	"github.com/twlk9/streamindex/keys"
)

// EntrySource delivers entries to WriteNew in ascending key order.
type EntrySource interface {
	Next() bool
	Entry() keys.Entry
	Err() error
}

// SliceSource adapts an already sorted slice to EntrySource.
func SliceSource(entries []keys.Entry) EntrySource {
	return &sliceSource{entries: entries, pos: -1}
}

type sliceSource struct {
	entries []keys.Entry
	pos     int
}

func (s *sliceSource) Next() bool {
	if s.pos+1 >= len(s.entries) {
		s.pos = len(s.entries)
		return false
	}
	s.pos++
	return true
}

func (s *sliceSource) Entry() keys.Entry { return s.entries[s.pos] }
func (s *sliceSource) Err() error        { return nil }

// WriterOptions controls how WriteNew lays out a table.
type WriterOptions struct {
	Compression     compression.Config
	EntriesPerBlock int

	// ExpectedEntries sizes the bloom filter. Zero falls back to a small
	// default; an underestimate only raises the false positive rate.
	ExpectedEntries uint

	// BloomFalsePositive of zero uses DefaultBloomFalsePositive, a negative
	// value writes the table without a filter.
	BloomFalsePositive float64

	// Open options for the returned table.
	Open OpenOptions

	Logger *slog.Logger
}

func (o *WriterOptions) entriesPerBlock() int {
	if o.EntriesPerBlock <= 0 {
		return DefaultEntriesPerBlock
	}
	return o.EntriesPerBlock
}

// WriteNew writes the entries of src into a new table at path and opens it.
// The data goes to path+".tmp" first and is renamed into place only after
// it has been synced, so path either holds a complete table or nothing.
func WriteNew(path string, src EntrySource, opts WriterOptions) (t *Table, err error) {
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, classifyWriteErr("create table", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
			opts.Logger.Warn("table write aborted", "path", path, "error", err)
		}
	}()

	w := newTableWriter(f, opts)
	if err := w.start(); err != nil {
		return nil, err
	}
	for src.Next() {
		if err := w.add(src.Entry()); err != nil {
			return nil, err
		}
	}
	if err := src.Err(); err != nil {
		return nil, fmt.Errorf("reading table input: %w", err)
	}
	if err := w.finish(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, classifyWriteErr("sync table", err)
	}
	if err := f.Close(); err != nil {
		return nil, classifyWriteErr("close table", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, classifyWriteErr("rename table", err)
	}
	if err := SyncDir(filepath.Dir(path)); err != nil {
		os.Remove(path)
		return nil, classifyWriteErr("sync table dir", err)
	}

	opts.Logger.Debug("table written", "path", path, "entries", w.count, "blocks", len(w.handles))

	// The new file was just checksummed while being written.
	openOpts := opts.Open
	openOpts.SkipChecksum = true
	return Open(path, openOpts)
}

type tableWriter struct {
	f      *os.File
	buf    *bufio.Writer
	crc    uint32
	offset uint64
	opts   WriterOptions

	block      []byte
	blockCount uint32
	blockFirst keys.Key
	handles    []blockHandle

	filter *bloom.BloomFilter
	last   keys.Key
	count  uint64
	stored compression.Type
}

func newTableWriter(f *os.File, opts WriterOptions) *tableWriter {
	w := &tableWriter{
		f:      f,
		buf:    bufio.NewWriterSize(f, 64*1024),
		opts:   opts,
		block:  make([]byte, 0, opts.entriesPerBlock()*keys.EncodedEntryLen),
		stored: opts.Compression.Type,
	}
	if opts.BloomFalsePositive >= 0 {
		fp := opts.BloomFalsePositive
		if fp == 0 {
			fp = DefaultBloomFalsePositive
		}
		// Each entry adds its full key and its stream.
		w.filter = bloom.NewWithEstimates(2*max(opts.ExpectedEntries, 1024), fp)
	}
	return w
}

// start reserves the header; finish rewrites it once the counts are known.
func (w *tableWriter) start() error {
	var hdr [HeaderSize]byte
	return w.write(hdr[:])
}

func (w *tableWriter) add(e keys.Entry) error {
	if !keys.IsValidPosition(e.Position) {
		return fmt.Errorf("%w: negative position %d for %s", ErrInvalidEntry, e.Position, e.Key)
	}
	if w.count > 0 && !w.last.Less(e.Key) {
		return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, e.Key, w.last)
	}
	if w.blockCount == 0 {
		w.blockFirst = e.Key
	}

	var enc [keys.EncodedEntryLen]byte
	keys.EncodeEntry(enc[:], e)
	w.block = append(w.block, enc[:]...)
	w.blockCount++
	if w.filter != nil {
		w.filter.Add(enc[:keys.EncodedKeyLen])
		w.filter.Add(enc[:8])
	}
	w.last = e.Key
	w.count++

	if int(w.blockCount) >= w.opts.entriesPerBlock() {
		return w.flushBlock()
	}
	return nil
}

func (w *tableWriter) write(p []byte) error {
	if _, err := w.buf.Write(p); err != nil {
		return classifyWriteErr("write table", err)
	}
	w.offset += uint64(len(p))
	return nil
}

func (w *tableWriter) flushBlock() error {
	if w.blockCount == 0 {
		return nil
	}
	data, typ, err := compression.Encode(w.opts.Compression, nil, w.block)
	if err != nil {
		return fmt.Errorf("compress block: %w", err)
	}
	var trailer [BlockTrailerSize]byte
	trailer[0] = byte(typ)
	binary.LittleEndian.PutUint32(trailer[1:], crc32.Checksum(data, crcTable))

	h := blockHandle{
		firstKey: w.blockFirst,
		offset:   w.offset,
		size:     uint32(len(data) + BlockTrailerSize),
		count:    w.blockCount,
	}
	if err := w.write(data); err != nil {
		return err
	}
	if err := w.write(trailer[:]); err != nil {
		return err
	}
	w.handles = append(w.handles, h)
	w.block = w.block[:0]
	w.blockCount = 0
	return nil
}

func (w *tableWriter) finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	ft := footer{count: w.count}

	ft.indexOffset = w.offset
	index := make([]byte, len(w.handles)*indexEntrySize)
	for i, h := range w.handles {
		h.encode(index[i*indexEntrySize:])
	}
	if err := w.write(index); err != nil {
		return err
	}
	ft.indexSize = uint32(len(index))

	ft.filterOffset = w.offset
	if w.filter != nil {
		var fb bytes.Buffer
		if _, err := w.filter.WriteTo(&fb); err != nil {
			return fmt.Errorf("encode filter: %w", err)
		}
		if err := w.write(fb.Bytes()); err != nil {
			return err
		}
		ft.filterSize = uint32(fb.Len())
	}

	if err := w.buf.Flush(); err != nil {
		return classifyWriteErr("flush table", err)
	}

	var hdr [HeaderSize]byte
	header{
		version:     FormatVersion,
		compression: w.stored,
		count:       w.count,
		blockCount:  uint32(len(w.handles)),
	}.encode(hdr[:])
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return classifyWriteErr("write table header", err)
	}

	sum, err := checksumRange(w.f, int64(w.offset))
	if err != nil {
		return classifyWriteErr("checksum table", err)
	}
	ft.checksum = sum

	var fbuf [FooterSize]byte
	ft.encode(fbuf[:])
	if _, err := w.f.WriteAt(fbuf[:], int64(w.offset)); err != nil {
		return classifyWriteErr("write table footer", err)
	}
	return nil
}

// checksumRange computes the file checksum over the first n bytes of r.
func checksumRange(r io.ReaderAt, n int64) (uint32, error) {
	h := crc32.New(crcTable)
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, n)); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// SyncDir fsyncs a directory so a preceding rename inside it is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
