package store

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	formatRaw    byte = 0x00
	formatBrotli byte = 0x01
)

// Serializer encodes cache entries for durable storage. Payloads at or above
// the compression threshold are brotli-compressed; a one-byte format prefix
// keeps decoding unambiguous.
type Serializer struct {
	compressMinSize int
	level           int
}

func NewSerializer(compressMinSize int) *Serializer {
	return &Serializer{
		compressMinSize: compressMinSize,
		level:           brotli.DefaultCompression,
	}
}

func (s *Serializer) Encode(entry *types.CacheEntry) ([]byte, error) {
	if entry == nil {
		return nil, types.ErrConfigIsNil
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal cache entry")
	}

	if s.compressMinSize <= 0 || len(data) < s.compressMinSize {
		return append([]byte{formatRaw}, data...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(formatBrotli)

	writer := brotli.NewWriterLevel(&buf, s.level)
	if _, err := writer.Write(data); err != nil {
		return nil, types.WrapError(err, "failed to compress cache entry")
	}
	if err := writer.Close(); err != nil {
		return nil, types.WrapError(err, "failed to finish compression")
	}

	// Compression can lose on small or high-entropy payloads.
	if buf.Len() >= len(data)+1 {
		return append([]byte{formatRaw}, data...), nil
	}

	return buf.Bytes(), nil
}

func (s *Serializer) Decode(data []byte) (*types.CacheEntry, error) {
	if len(data) < 2 {
		return nil, types.Errorf(types.ErrCacheOperationFailed, "payload too short: %d bytes", len(data))
	}

	format, payload := data[0], data[1:]

	switch format {
	case formatBrotli:
		reader := brotli.NewReader(bytes.NewReader(payload))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, types.WrapError(err, "failed to decompress cache entry")
		}
		payload = decompressed
	case formatRaw:
	default:
		return nil, types.Errorf(types.ErrCacheOperationFailed, "unknown payload format: %d", format)
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(payload, &entry); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal cache entry")
	}

	return &entry, nil
}
