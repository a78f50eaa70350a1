package store

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func testEntry(key string, value []byte) *types.CacheEntry {
	now := time.Now().Truncate(time.Millisecond)
	return &types.CacheEntry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Version:   7,
	}
}

func TestSerializerSmallPayloadStaysRaw(t *testing.T) {
	s := NewSerializer(1024)

	encoded, err := s.Encode(testEntry("user:1", []byte("tiny")))
	require.NoError(t, err)
	assert.Equal(t, formatRaw, encoded[0])

	decoded, err := s.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "user:1", decoded.Key)
	assert.Equal(t, []byte("tiny"), decoded.Value)
	assert.EqualValues(t, 7, decoded.Version)
}

func TestSerializerLargePayloadCompressed(t *testing.T) {
	s := NewSerializer(64)

	value := bytes.Repeat([]byte("compressible "), 200)
	entry := testEntry("user:1", value)

	encoded, err := s.Encode(entry)
	require.NoError(t, err)
	assert.Equal(t, formatBrotli, encoded[0])
	assert.Less(t, len(encoded), len(value), "repetitive payload should shrink")

	decoded, err := s.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, value, decoded.Value)
	assert.True(t, entry.ExpiresAt.Equal(decoded.ExpiresAt))
}

func TestSerializerDisabledCompression(t *testing.T) {
	s := NewSerializer(0)

	value := bytes.Repeat([]byte("compressible "), 200)
	encoded, err := s.Encode(testEntry("user:1", value))
	require.NoError(t, err)
	assert.Equal(t, formatRaw, encoded[0])
}

func TestSerializerDecodeErrors(t *testing.T) {
	s := NewSerializer(1024)

	_, err := s.Decode(nil)
	assert.Error(t, err)

	_, err = s.Decode([]byte{0x42, 'x', 'y'})
	assert.Error(t, err, "unknown format byte must be rejected")

	_, err = s.Decode([]byte{formatBrotli, 0xff, 0xff})
	assert.Error(t, err, "corrupt compressed payload must be rejected")
}

func TestSerializerNilEntry(t *testing.T) {
	s := NewSerializer(1024)

	_, err := s.Encode(nil)
	assert.Error(t, err)
}
