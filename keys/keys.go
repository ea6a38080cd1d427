package keys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrCorruption is returned when an encoded key or entry is malformed
	ErrCorruption = errors.New("data corruption detected")
)

const (
	// EncodedKeyLen is the size of an encoded Key: stream hash + version.
	EncodedKeyLen = 16

	// EncodedEntryLen is the size of an encoded Entry: key + log position.
	EncodedEntryLen = EncodedKeyLen + 8

	// MinVersion and MaxVersion bound the versions of a single stream
	// and are used to build per-stream ranges. Versions may be negative.
	MinVersion int64 = math.MinInt64
	MaxVersion int64 = math.MaxInt64

	signBit = uint64(1) << 63
)

// Key identifies one event in the log: the hash of the stream it was
// written to plus its version (event number) within that stream.
type Key struct {
	Stream  uint64
	Version int64
}

// StreamHash hashes a stream identifier into the 64-bit form used by the
// index. Different streams may collide; the owning log resolves collisions
// by reading the referenced record.
func StreamHash(streamID string) uint64 {
	return xxhash.Sum64String(streamID)
}

// New builds the key for version of streamID.
func New(streamID string, version int64) Key {
	return Key{Stream: StreamHash(streamID), Version: version}
}

// Compare orders keys by stream hash, then version.
func (k Key) Compare(o Key) int {
	switch {
	case k.Stream < o.Stream:
		return -1
	case k.Stream > o.Stream:
		return 1
	case k.Version < o.Version:
		return -1
	case k.Version > o.Version:
		return 1
	}
	return 0
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// String returns a readable form used in logs and the CLI.
func (k Key) String() string {
	return fmt.Sprintf("%016x@%d", k.Stream, k.Version)
}

// Encode writes k into dst (at least EncodedKeyLen bytes) in a form whose
// byte order matches Compare. The version has its sign bit flipped so
// negative versions still sort first.
func (k Key) Encode(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], k.Stream)
	binary.BigEndian.PutUint64(dst[8:16], uint64(k.Version)^signBit)
}

// Bytes returns the encoded form of k in a fresh slice.
func (k Key) Bytes() []byte {
	b := make([]byte, EncodedKeyLen)
	k.Encode(b)
	return b
}

// Decode reads a key written by Encode.
func Decode(src []byte) (Key, error) {
	if len(src) < EncodedKeyLen {
		return Key{}, ErrCorruption
	}
	return Key{
		Stream:  binary.BigEndian.Uint64(src[0:8]),
		Version: int64(binary.BigEndian.Uint64(src[8:16]) ^ signBit),
	}, nil
}

// Entry is one index record: a key and the log position of the event.
type Entry struct {
	Key      Key
	Position int64
}

// EncodeEntry writes e into dst (at least EncodedEntryLen bytes).
func EncodeEntry(dst []byte, e Entry) {
	e.Key.Encode(dst)
	binary.BigEndian.PutUint64(dst[EncodedKeyLen:EncodedEntryLen], uint64(e.Position))
}

// DecodeEntry reads an entry written by EncodeEntry.
func DecodeEntry(src []byte) (Entry, error) {
	if len(src) < EncodedEntryLen {
		return Entry{}, ErrCorruption
	}
	k, err := Decode(src)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:      k,
		Position: int64(binary.BigEndian.Uint64(src[EncodedKeyLen:EncodedEntryLen])),
	}, nil
}

// IsValidPosition reports whether pos can be stored in the index.
func IsValidPosition(pos int64) bool {
	return pos >= 0
}

// Range is an inclusive key interval. Used for per-stream scans.
type Range struct {
	Start Key
	End   Key
}

// StreamRange returns the range covering versions [from, to] of stream.
func StreamRange(stream uint64, from, to int64) Range {
	return Range{
		Start: Key{Stream: stream, Version: from},
		End:   Key{Stream: stream, Version: to},
	}
}

// Contains reports whether k falls inside r.
func (r Range) Contains(k Key) bool {
	return r.Start.Compare(k) <= 0 && k.Compare(r.End) <= 0
}
