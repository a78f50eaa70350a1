package types

import (
	"strings"
)

// Key is a structured cache key: resource kind, identifier and an optional
// query fingerprint. Rendering is total and reversible so keys remain
// comparable across tiers and usable in dependency edges.
type Key struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Query string `json:"query,omitempty"`
}

func NewKey(kind, id string) Key {
	return Key{Kind: kind, ID: id}
}

func NewQueryKey(kind, id, query string) Key {
	return Key{Kind: kind, ID: id, Query: query}
}

func (k Key) String() string {
	if k.Query == "" {
		return k.Kind + ":" + k.ID
	}
	return k.Kind + ":" + k.ID + ":" + k.Query
}

// Entity returns the entity portion of the key, without the query
// fingerprint. Dependency edges are registered against entities.
func (k Key) Entity() string {
	return k.Kind + ":" + k.ID
}

func (k Key) IsZero() bool {
	return k.Kind == "" && k.ID == "" && k.Query == ""
}

func (k Key) Validate() error {
	if k.Kind == "" || k.ID == "" {
		return ErrCacheKeyInvalid
	}
	if strings.ContainsRune(k.Kind, ':') || strings.ContainsRune(k.ID, ':') {
		return ErrCacheKeyInvalid
	}
	return nil
}

// ParseKey is the inverse of Key.String. Anything past the second separator
// is treated as the query fingerprint, which may itself contain separators.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, ErrCacheKeyEmpty
	}

	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, Errorf(ErrCacheKeyInvalid, "key: %s", s)
	}

	key := Key{Kind: parts[0], ID: parts[1]}
	if len(parts) == 3 {
		key.Query = parts[2]
	}

	return key, nil
}

// Compare defines a total ordering over keys: kind, then id, then query.
func (k Key) Compare(other Key) int {
	if c := strings.Compare(k.Kind, other.Kind); c != 0 {
		return c
	}
	if c := strings.Compare(k.ID, other.ID); c != 0 {
		return c
	}
	return strings.Compare(k.Query, other.Query)
}
