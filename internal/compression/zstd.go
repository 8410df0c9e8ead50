// Package compression implements at-rest compression of stored objects.
package compression

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// minSize is the smallest payload worth compressing.
const minSize = 128

// zstdMagic prefixes every zstd frame. Serialized objects always start with
// an ASCII kind header, so a stored record is compressed exactly when it
// starts with the magic.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// levels maps the configured level (1-4) to an encoder speed.
var levels = map[int]zstd.EncoderLevel{
	1: zstd.SpeedFastest,
	2: zstd.SpeedDefault,
	3: zstd.SpeedBetterCompression,
	4: zstd.SpeedBestCompression,
}

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level int, enabled bool) (*Compressor, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &Compressor{decoder: decoder}, nil
	}

	encoderLevel, ok := levels[level]
	if !ok {
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Compress returns data unchanged when compression is disabled, the input is
// small, or compressing would not shrink it.
func (c *Compressor) Compress(data []byte) []byte {
	if !c.enabled || len(data) < minSize {
		return data
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// Decompress reverses Compress. Records written while compression was
// disabled are still readable, and a compressed record is always decoded
// even if compression has since been turned off.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	decompressed, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return decompressed, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
