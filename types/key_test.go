package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{"entity key", NewKey("user", "42"), "user:42"},
		{"query key", NewQueryKey("user", "42", "profile?fields=name"), "user:42:profile?fields=name"},
		{"query with separators", NewQueryKey("feed", "home", "a:b:c"), "feed:home:a:b:c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.key.String())
		})
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	keys := []Key{
		NewKey("user", "42"),
		NewQueryKey("user", "42", "profile"),
		NewQueryKey("feed", "home", "page=2:sort=asc"),
	}

	for _, key := range keys {
		parsed, err := ParseKey(key.String())
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	}
}

func TestParseKeyInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrCacheKeyEmpty},
		{"no separator", "user", ErrCacheKeyInvalid},
		{"empty kind", ":42", ErrCacheKeyInvalid},
		{"empty id", "user:", ErrCacheKeyInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.input)
			require.Error(t, err)
			assert.True(t, IsError(err, tt.want))
		})
	}
}

func TestKeyValidate(t *testing.T) {
	assert.NoError(t, NewKey("user", "42").Validate())
	assert.Error(t, NewKey("", "42").Validate())
	assert.Error(t, NewKey("user", "").Validate())
	assert.Error(t, NewKey("us:er", "42").Validate())
	assert.Error(t, NewKey("user", "4:2").Validate())
}

func TestKeyEntity(t *testing.T) {
	key := NewQueryKey("user", "42", "profile")
	assert.Equal(t, "user:42", key.Entity())
}

func TestKeyCompare(t *testing.T) {
	assert.Equal(t, 0, NewKey("a", "1").Compare(NewKey("a", "1")))
	assert.Equal(t, -1, NewKey("a", "1").Compare(NewKey("b", "1")))
	assert.Equal(t, 1, NewKey("a", "2").Compare(NewKey("a", "1")))
	assert.Equal(t, -1, NewQueryKey("a", "1", "q1").Compare(NewQueryKey("a", "1", "q2")))
}
