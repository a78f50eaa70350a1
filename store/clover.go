package store

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

const cloverCollection = "cache_entries"

type CloverConfig struct {
	Path string `json:"path"`
}

// CloverStore persists cache entries in an embedded CloverDB collection so
// they survive process restarts.
type CloverStore struct {
	db         *clover.DB
	serializer *Serializer
	logger     types.Logger
	mu         sync.Mutex
}

func NewCloverStore(logger types.Logger, serializer *Serializer, config *CloverConfig) (*CloverStore, error) {
	path := ""
	if config != nil {
		path = config.Path
	}

	db, err := clover.Open(path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover store")
	}

	exists, err := db.HasCollection(cloverCollection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		if err := db.CreateCollection(cloverCollection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	logger.Debug("Clover store opened", zap.String("path", path))

	return &CloverStore{
		db:         db,
		serializer: serializer,
		logger:     logger,
	}, nil
}

func (c *CloverStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := c.db.Query(cloverCollection).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		return nil, types.WrapError(err, "failed to query clover store")
	}
	if doc == nil {
		return nil, types.ErrStoreKeyNotFound
	}

	payload, ok := doc.Get("payload").(string)
	if !ok {
		return nil, types.Errorf(types.ErrCacheOperationFailed, "malformed document for key %s", key)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, types.WrapError(err, "failed to decode stored payload")
	}

	return c.serializer.Decode(data)
}

func (c *CloverStore) Put(ctx context.Context, key string, entry *types.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := c.serializer.Encode(entry)
	if err != nil {
		return err
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("payload", base64.StdEncoding.EncodeToString(data))
	doc.Set("expires_at", entry.ExpiresAt.UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Query(cloverCollection).Where(clover.Field("key").Eq(key)).Delete(); err != nil {
		return types.WrapError(err, "failed to replace stored entry")
	}

	if _, err := c.db.InsertOne(cloverCollection, doc); err != nil {
		return types.WrapError(err, "failed to insert stored entry")
	}

	return nil
}

func (c *CloverStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Query(cloverCollection).Where(clover.Field("key").Eq(key)).Delete()
	return types.WrapError(err, "failed to delete stored entry")
}

func (c *CloverStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docs, err := c.db.Query(cloverCollection).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to list stored entries")
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		key, ok := doc.Get("key").(string)
		if !ok {
			continue
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Sweep deletes documents whose hard TTL has passed.
func (c *CloverStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	query := c.db.Query(cloverCollection).Where(clover.Field("expires_at").Gt(int64(0)).And(clover.Field("expires_at").Lt(now.UnixNano())))

	docs, err := query.FindAll()
	if err != nil {
		return 0, types.WrapError(err, "failed to find expired entries")
	}
	if len(docs) == 0 {
		return 0, nil
	}

	if err := query.Delete(); err != nil {
		return 0, types.WrapError(err, "failed to delete expired entries")
	}

	return len(docs), nil
}

func (c *CloverStore) Close() error {
	return types.WrapError(c.db.Close(), "failed to close clover store")
}
