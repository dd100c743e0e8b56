// Package compress holds the block codecs used to keep staged blob bytes
// compressed in memory.
package compress

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type defines the compression algorithm used.
type Type uint8

const (
	// None stores bytes verbatim.
	None Type = iota
	// LZ4 is fast block compression, suited to short-lived staging data.
	LZ4
	// Zstd trades speed for ratio.
	Zstd
)

// ErrCorrupt is returned when a block cannot be decompressed to its recorded size.
var ErrCorrupt = errors.New("compress: corrupt block")

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ParseType maps a configuration name to a Type. The empty string is None.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block compresses data. The returned flag is false when the data was kept
// verbatim because compression did not help.
func Block(t Type, data []byte) ([]byte, bool, error) {
	if t == None || len(data) == 0 {
		return data, false, nil
	}

	var out []byte
	switch t {
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, false, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return data, false, nil
		}
		out = buf[:n]
	case Zstd:
		enc := getZstdEncoder()
		out = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, false, fmt.Errorf("unknown compression %v", t)
	}

	if len(out) >= len(data) {
		return data, false, nil
	}
	return out, true, nil
}

// Unblock reverses Block. size is the uncompressed length.
func Unblock(t Type, data []byte, size int) ([]byte, error) {
	switch t {
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, ErrCorrupt
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, ErrCorrupt
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %v", t)
	}
}
