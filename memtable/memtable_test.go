package memtable

import (
	"sync"
	"testing"

	"github.com/twlk9/streamindex/keys"
)

func TestMemTable_AddGet(t *testing.T) {
	mt := New()
	k := keys.New("orders-1", 3)

	if _, ok := mt.Get(k); ok {
		t.Fatal("Expected empty memtable to miss")
	}
	if mt.MaxPosition() != -1 {
		t.Fatalf("Expected max position -1, got %d", mt.MaxPosition())
	}

	mt.Add(k, 100)
	mt.Add(k, 250)
	pos, ok := mt.Get(k)
	if !ok || pos != 250 {
		t.Fatalf("Expected latest position 250, got %d,%v", pos, ok)
	}
	if mt.Len() != 1 {
		t.Fatalf("Expected 1 entry, got %d", mt.Len())
	}
	if mt.MaxPosition() != 250 {
		t.Fatalf("Expected max position 250, got %d", mt.MaxPosition())
	}
}

func TestMemTable_EntriesSorted(t *testing.T) {
	mt := New()
	in := []keys.Key{
		{Stream: 5, Version: 1},
		{Stream: 1, Version: 9},
		{Stream: 5, Version: 0},
		{Stream: 1, Version: 2},
	}
	for i, k := range in {
		mt.Add(k, int64(i))
	}

	got := mt.Entries()
	if len(got) != len(in) {
		t.Fatalf("Expected %d entries, got %d", len(in), len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Key.Less(got[i].Key) {
			t.Fatalf("Entries not ascending at %d: %v then %v", i, got[i-1].Key, got[i].Key)
		}
	}

	it := mt.NewIterator()
	n := 0
	for it.Next() {
		if it.Entry() != got[n] {
			t.Fatalf("Iterator entry %d = %+v, want %+v", n, it.Entry(), got[n])
		}
		n++
	}
	if n != len(got) || it.Err() != nil {
		t.Fatalf("Iterator yielded %d entries, err %v", n, it.Err())
	}
}

func TestMemTable_Freeze(t *testing.T) {
	mt := New()
	if !mt.Add(keys.Key{Stream: 1}, 1) {
		t.Fatal("Add to active memtable failed")
	}
	mt.Freeze()
	if mt.Add(keys.Key{Stream: 2}, 2) {
		t.Fatal("Frozen memtable accepted a write")
	}
	if !mt.Frozen() || mt.Len() != 1 {
		t.Fatalf("Unexpected state after freeze: frozen=%v len=%d", mt.Frozen(), mt.Len())
	}
}

func TestMemTable_Scan(t *testing.T) {
	mt := New()
	for v := range int64(10) {
		mt.Add(keys.Key{Stream: 7, Version: v}, v*10)
		mt.Add(keys.Key{Stream: 8, Version: v}, v*10+1)
	}

	var got []keys.Entry
	mt.Scan(keys.StreamRange(7, 3, 5), func(e keys.Entry) bool {
		got = append(got, e)
		return true
	})
	if len(got) != 3 || got[0].Key.Version != 3 || got[2].Key.Version != 5 {
		t.Fatalf("Unexpected scan result %+v", got)
	}
}

func TestList_NewestWins(t *testing.T) {
	older, newer := New(), New()
	k := keys.Key{Stream: 1, Version: 1}
	older.Add(k, 10)
	older.Add(keys.Key{Stream: 1, Version: 0}, 5)
	newer.Add(k, 99)

	l := List{newer, older}
	if pos, ok := l.Get(k); !ok || pos != 99 {
		t.Fatalf("Expected newest position 99, got %d,%v", pos, ok)
	}
	if pos, ok := l.Get(keys.Key{Stream: 1, Version: 0}); !ok || pos != 5 {
		t.Fatalf("Expected fallthrough to older memtable, got %d,%v", pos, ok)
	}

	got := l.Scan(keys.StreamRange(1, keys.MinVersion, keys.MaxVersion))
	want := []keys.Entry{
		{Key: keys.Key{Stream: 1, Version: 0}, Position: 5},
		{Key: k, Position: 99},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d entries, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMemTable_ConcurrentAdd(t *testing.T) {
	mt := New()
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range 500 {
				mt.Add(keys.Key{Stream: uint64(g), Version: int64(v)}, int64(g*1000+v))
			}
		}()
	}
	wg.Wait()

	if mt.Len() != 8*500 {
		t.Fatalf("Expected %d entries, got %d", 8*500, mt.Len())
	}
	if mt.MaxPosition() != 7*1000+499 {
		t.Fatalf("Unexpected max position %d", mt.MaxPosition())
	}
}
