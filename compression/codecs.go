package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

type codec struct {
	encode func(cfg Config, dst, src []byte) ([]byte, error)
	decode func(dst, src []byte) ([]byte, error)
}

var codecs = map[Type]codec{
	Snappy: {
		encode: func(_ Config, dst, src []byte) ([]byte, error) {
			return snappy.Encode(dst[:cap(dst)], src), nil
		},
		decode: func(dst, src []byte) ([]byte, error) {
			return snappy.Decode(dst[:cap(dst)], src)
		},
	},
	S2: {
		encode: func(_ Config, dst, src []byte) ([]byte, error) {
			return s2.Encode(dst[:cap(dst)], src), nil
		},
		decode: func(dst, src []byte) ([]byte, error) {
			return s2.Decode(dst[:cap(dst)], src)
		},
	},
	Zstd: {
		encode: zstdEncode,
		decode: zstdDecode,
	},
}

// Encoders are pooled per level; building one allocates its window.
var (
	zstdEncoders sync.Map // zstd.EncoderLevel -> *sync.Pool
	zstdDecoders = sync.Pool{
		New: func() any {
			d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
			}
			return d
		},
	}
)

func zstdEncoderLevel(l ZstdLevel) zstd.EncoderLevel {
	switch l {
	case ZstdFastest:
		return zstd.SpeedFastest
	case ZstdBetter:
		return zstd.SpeedBetterCompression
	case ZstdBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func zstdEncoderPool(level zstd.EncoderLevel) *sync.Pool {
	if p, ok := zstdEncoders.Load(level); ok {
		return p.(*sync.Pool)
	}
	p := &sync.Pool{
		New: func() any {
			e, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(level),
				zstd.WithEncoderConcurrency(1),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20),
			)
			if err != nil {
				panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
			}
			return e
		},
	}
	actual, _ := zstdEncoders.LoadOrStore(level, p)
	return actual.(*sync.Pool)
}

func zstdEncode(cfg Config, dst, src []byte) ([]byte, error) {
	pool := zstdEncoderPool(zstdEncoderLevel(cfg.ZstdLevel))
	enc := pool.Get().(*zstd.Encoder)
	defer pool.Put(enc)
	return enc.EncodeAll(src, dst[:0]), nil
}

func zstdDecode(dst, src []byte) ([]byte, error) {
	dec := zstdDecoders.Get().(*zstd.Decoder)
	defer zstdDecoders.Put(dec)
	return dec.DecodeAll(src, dst[:0])
}
