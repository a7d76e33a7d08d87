package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression applied to stored blobs.
type Codec uint8

const (
	// CodecNone stores blobs as is.
	CodecNone Codec = 0
	// CodecLZ4 uses LZ4 block compression.
	CodecLZ4 Codec = 1
	// CodecZSTD uses ZSTD compression.
	CodecZSTD Codec = 2
)

// ParseCodec maps a configured codec name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd", "":
		return CodecZSTD, nil
	default:
		return 0, fmt.Errorf("unknown codec: %s (supported: zstd, lz4, none)", name)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZSTD:
		return "zstd"
	default:
		return "unknown"
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

// Blob layout: [codec uint8][raw size uint32][payload...]. A blob whose
// compressed form is not smaller is stored with CodecNone.
const blobHeaderSize = 5

// compress encodes data with c and prepends the blob header.
func (c Codec) compress(data []byte) ([]byte, error) {
	var payload []byte
	used := c
	switch c {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		payload = buf[:n]
	case CodecZSTD:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}
	if used == CodecNone || len(payload) == 0 || len(payload) >= len(data) {
		used, payload = CodecNone, data
	}
	out := make([]byte, blobHeaderSize+len(payload))
	out[0] = byte(used)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[blobHeaderSize:], payload)
	return out, nil
}

// decompress reverses compress. The codec is read from the header.
func decompress(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, errors.New("blob too small for header")
	}
	used := Codec(blob[0])
	size := binary.LittleEndian.Uint32(blob[1:])
	payload := blob[blobHeaderSize:]
	switch used {
	case CodecNone:
		if uint32(len(payload)) != size {
			return nil, errors.New("blob size mismatch")
		}
		return payload, nil
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case CodecZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint32(len(out)) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob codec %d", used)
	}
}
