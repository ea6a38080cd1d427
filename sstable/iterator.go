package sstable

import (
	"fmt"

	"github.com/twlk9/streamindex/keys"
)

// Iterator walks a table in ascending key order. A fresh iterator is
// unpositioned; call SeekToFirst or Seek before reading. Iterators are not
// safe for concurrent use but any number may be open on one table.
type Iterator struct {
	t     *Table
	block int
	data  []byte
	pos   int
	cur   keys.Entry
	valid bool
	err   error
}

// NewIterator returns an independent iterator over t.
func (t *Table) NewIterator() *Iterator {
	return &Iterator{t: t, block: -1}
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	it.loadBlock(0, 0)
}

// Seek positions the iterator at the first entry with key >= k.
func (it *Iterator) Seek(k keys.Key) {
	it.err = nil
	bi := it.t.findBlock(k)
	if bi < 0 {
		bi = 0
	}
	if !it.loadBlock(bi, -1) {
		return
	}
	i := searchBlock(it.data, k)
	if i*keys.EncodedEntryLen >= len(it.data) {
		it.loadBlock(bi+1, 0)
		return
	}
	it.setPos(i)
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	if (it.pos+1)*keys.EncodedEntryLen < len(it.data) {
		it.setPos(it.pos + 1)
		return
	}
	it.loadBlock(it.block+1, 0)
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Entry returns the current entry. Only meaningful while Valid.
func (it *Iterator) Entry() keys.Entry { return it.cur }

// Key returns the current key.
func (it *Iterator) Key() keys.Key { return it.cur.Key }

// Error returns the first error that invalidated the iterator.
func (it *Iterator) Error() error { return it.err }

// Close drops the iterator's block reference.
func (it *Iterator) Close() error {
	it.data = nil
	it.valid = false
	return nil
}

// loadBlock switches to block bi and, when pos >= 0, positions at pos.
func (it *Iterator) loadBlock(bi, pos int) bool {
	it.valid = false
	if bi >= len(it.t.blocks) {
		it.block = len(it.t.blocks)
		it.data = nil
		return false
	}
	if it.t.closed.Load() {
		it.err = ErrClosed
		return false
	}
	data, err := it.t.readBlock(bi)
	if err != nil {
		it.err = err
		return false
	}
	it.block = bi
	it.data = data
	if pos >= 0 {
		it.setPos(pos)
	}
	return true
}

func (it *Iterator) setPos(i int) {
	e, err := keys.DecodeEntry(it.data[i*keys.EncodedEntryLen:])
	if err != nil {
		it.err = fmt.Errorf("%w: %s: %w", ErrCorrupt, it.t.name, err)
		it.valid = false
		return
	}
	it.pos = i
	it.cur = e
	it.valid = true
}
