package streamindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/twlk9/streamindex/sstable"
)

const (
	// ManifestFileName is the index map manifest inside an index directory.
	ManifestFileName = "indexmap"

	// ManifestVersion is the only manifest layout this package reads or writes.
	ManifestVersion = 1

	// magic + version + body hash
	manifestHeaderSize = 8 + 4 + 8

	maxManifestLevels     = 64
	maxManifestTableName  = 255
	maxManifestLevelCount = 1 << 20
)

var manifestMagic = [8]byte{'S', 'I', 'D', 'X', 'M', 'A', 'P', 0}

// manifest is the persisted form of an IndexMap: checkpoints plus the table
// names of each level, newest first.
type manifest struct {
	checkpoints Checkpoints
	levels      [][]string
}

func (m *manifest) encode() []byte {
	body := make([]byte, 16, 64)
	binary.LittleEndian.PutUint64(body[0:8], uint64(m.checkpoints.Prepare))
	binary.LittleEndian.PutUint64(body[8:16], uint64(m.checkpoints.Commit))
	body = binary.AppendUvarint(body, uint64(len(m.levels)))
	for _, level := range m.levels {
		body = binary.AppendUvarint(body, uint64(len(level)))
		for _, name := range level {
			body = binary.AppendUvarint(body, uint64(len(name)))
			body = append(body, name...)
		}
	}

	out := make([]byte, manifestHeaderSize, manifestHeaderSize+len(body))
	copy(out[0:8], manifestMagic[:])
	binary.LittleEndian.PutUint32(out[8:12], ManifestVersion)
	binary.LittleEndian.PutUint64(out[12:20], xxhash.Sum64(body))
	return append(out, body...)
}

// decodeManifest parses and validates a manifest. Every failure wraps
// ErrCorruptManifest.
func decodeManifest(data []byte) (*manifest, error) {
	if len(data) < manifestHeaderSize+16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptManifest, len(data))
	}
	if [8]byte(data[0:8]) != manifestMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptManifest)
	}
	if v := binary.LittleEndian.Uint32(data[8:12]); v != ManifestVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorruptManifest, v)
	}
	body := data[manifestHeaderSize:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(data[12:20]) {
		return nil, fmt.Errorf("%w: hash mismatch", ErrCorruptManifest)
	}

	m := &manifest{
		checkpoints: Checkpoints{
			Prepare: int64(binary.LittleEndian.Uint64(body[0:8])),
			Commit:  int64(binary.LittleEndian.Uint64(body[8:16])),
		},
	}
	if err := m.checkpoints.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptManifest, err)
	}

	r := body[16:]
	next := func(limit uint64) (uint64, error) {
		v, n := binary.Uvarint(r)
		if n <= 0 || v > limit {
			return 0, fmt.Errorf("%w: bad varint", ErrCorruptManifest)
		}
		r = r[n:]
		return v, nil
	}

	numLevels, err := next(maxManifestLevels)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	m.levels = make([][]string, numLevels)
	for i := range m.levels {
		count, err := next(maxManifestLevelCount)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, count)
		for range count {
			l, err := next(maxManifestTableName)
			if err != nil {
				return nil, err
			}
			if uint64(len(r)) < l {
				return nil, fmt.Errorf("%w: truncated table name", ErrCorruptManifest)
			}
			name := string(r[:l])
			r = r[l:]
			if !sstable.IsTableFile(name) {
				return nil, fmt.Errorf("%w: bad table name %q", ErrCorruptManifest, name)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("%w: table %q listed twice", ErrCorruptManifest, name)
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
		m.levels[i] = names
	}
	if len(r) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptManifest, len(r))
	}
	return m, nil
}

// writeFileAtomic writes data to path through a synced temporary file and a
// rename, then syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return classifyIO("create manifest", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return classifyIO("write manifest", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return classifyIO("sync manifest", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return classifyIO("close manifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return classifyIO("rename manifest", err)
	}
	if err := sstable.SyncDir(filepath.Dir(path)); err != nil {
		return classifyIO("sync manifest dir", err)
	}
	return nil
}
