package compression

import (
	"fmt"
	"strings"
)

// Type identifies the codec used for a stored block. The value is written
// into every block trailer, so existing values must never change.
type Type uint8

const (
	// None stores blocks as-is
	None Type = iota

	// Snappy favours speed over ratio
	Snappy

	// Zstd gives the best ratio at a higher CPU cost
	Zstd

	// S2 is a faster snappy-compatible codec with a better ratio
	S2
)

// String returns the string representation of the compression type
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseType maps a configuration name back to a Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	}
	return None, fmt.Errorf("unknown compression type %q", name)
}

// ZstdLevel selects the zstd encoder speed.
type ZstdLevel int

const (
	ZstdFastest ZstdLevel = 1
	ZstdDefault ZstdLevel = 3
	ZstdBetter  ZstdLevel = 6
	ZstdBest    ZstdLevel = 9
)

// Config holds compression configuration
type Config struct {
	Type Type

	// MinReductionPercent is the saving a block must reach to be stored
	// compressed. Blocks that shrink less are stored with None.
	MinReductionPercent uint8

	// ZstdLevel is only read when Type is Zstd
	ZstdLevel ZstdLevel
}

// NoCompressionConfig stores every block uncompressed.
func NoCompressionConfig() Config {
	return Config{Type: None}
}

// S2DefaultConfig is the fast codec used for young, frequently merged tables.
func S2DefaultConfig() Config {
	return Config{Type: S2, MinReductionPercent: 12}
}

// SnappyConfig returns a configuration for Snappy compression
func SnappyConfig() Config {
	return Config{Type: Snappy, MinReductionPercent: 12}
}

// ZstdBalancedConfig is used for old levels where most entries live and
// tables are rarely rewritten.
func ZstdBalancedConfig() Config {
	return Config{Type: Zstd, MinReductionPercent: 8, ZstdLevel: ZstdDefault}
}

// Tiered picks a codec by level: levels below HotLevels use Hot, the rest
// use Cold. A merge writes its output with the config of its target level.
type Tiered struct {
	Hot       Config
	Cold      Config
	HotLevels int
}

// ForLevel returns the config a table written to level should use.
func (t Tiered) ForLevel(level int) Config {
	if level < t.HotLevels {
		return t.Hot
	}
	return t.Cold
}

// DefaultTiered uses S2 on levels 0-1 and zstd below.
func DefaultTiered() *Tiered {
	return &Tiered{
		Hot:       S2DefaultConfig(),
		Cold:      ZstdBalancedConfig(),
		HotLevels: 2,
	}
}

// Uniform applies the same config to every level.
func Uniform(c Config) *Tiered {
	return &Tiered{Hot: c, Cold: c}
}

// minCompressSize is the block size below which compression is skipped.
// Encoder setup costs more than it saves on tiny blocks.
const minCompressSize = 512

// Encode compresses src according to cfg and returns the stored bytes
// together with the Type that must be recorded for them.
func Encode(cfg Config, dst, src []byte) ([]byte, Type, error) {
	if cfg.Type == None || len(src) < minCompressSize {
		return copyInto(dst, src), None, nil
	}

	c, ok := codecs[cfg.Type]
	if !ok {
		return nil, None, fmt.Errorf("unknown compression type: %d", cfg.Type)
	}
	out, err := c.encode(cfg, dst, src)
	if err != nil {
		return nil, None, err
	}

	if cfg.MinReductionPercent > 0 {
		saved := (len(src) - len(out)) * 100 / len(src)
		if saved < int(cfg.MinReductionPercent) {
			return copyInto(dst, src), None, nil
		}
	}
	return out, cfg.Type, nil
}

// Decode reverses Encode for a block stored with type t.
func Decode(t Type, dst, src []byte) ([]byte, error) {
	if t == None {
		return copyInto(dst, src), nil
	}
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
	out, err := c.decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("%s decompression failed: %w", t, err)
	}
	return out, nil
}

func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}
