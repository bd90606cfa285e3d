package badger

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/tileproxy/pkg/tile"
)

// codec serializes bin chunks as zstd-compressed JSON.
// EncodeAll and DecodeAll are safe for concurrent use.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// newCodec creates a codec. Level 1 is fastest, 4 compresses best; anything
// else uses the zstd default.
func newCodec(level int) (*codec, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) encode(bins []tile.Bin) ([]byte, error) {
	raw, err := json.Marshal(bins)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk: %w", err)
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *codec) decode(data []byte) ([]tile.Bin, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk: %w", err)
	}
	var bins []tile.Bin
	if err := json.Unmarshal(raw, &bins); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk: %w", err)
	}
	return bins, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}
