// Package cache implements the multi-level key-value cache on Redis.
//
// Keys live in three namespaces: sess:<sessionId>: (L1), proj:<project>:
// (L2) and glob: (L3). Embedding lookups read L1→L2→L3 and promote values
// upward on hit; search results are cached at L1/L2 only.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLs per bucket.
const (
	TTLSessionEmbedding = 30 * time.Minute
	TTLSessionSearch    = 3 * time.Minute
	TTLProjectEmbedding = time.Hour
	TTLProjectSearch    = 5 * time.Minute
	TTLCollectionInfo   = 30 * time.Second
	TTLGlobalEmbedding  = 24 * time.Hour
	TTLStats            = 24 * time.Hour
	TTLFallbackEmbed    = time.Hour
)

// Level identifies which cache tier served a read.
type Level string

const (
	LevelSession Level = "l1"
	LevelProject Level = "l2"
	LevelGlobal  Level = "l3"
	LevelMiss    Level = "miss"
)

// Service wraps the Redis client with the namespace and TTL conventions.
// Safe for concurrent use; the underlying client pools connections.
type Service struct {
	rdb *redis.Client
}

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a cache service over a new Redis client.
func New(cfg Config) *Service {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// NewFromClient wraps an existing client (used by tests with miniredis).
func NewFromClient(rdb *redis.Client) *Service {
	return &Service{rdb: rdb}
}

// Ping verifies connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Service) Close() error {
	return s.rdb.Close()
}

// HashText returns the hex MD5 of the text, used in embedding and search
// cache keys.
func HashText(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return data, nil
}

func sessionKey(sessionID, rest string) string {
	return fmt.Sprintf("sess:%s:%s", sessionID, rest)
}

func projectKey(project, rest string) string {
	return fmt.Sprintf("proj:%s:%s", project, rest)
}

func globalKey(rest string) string {
	return fmt.Sprintf("glob:%s", rest)
}

// GetJSON reads a key and unmarshals it into out. Returns false when the key
// is absent.
func (s *Service) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s failed: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("cache value for %s is not valid JSON: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals value under key with the given TTL. A zero TTL persists
// the key without expiry.
func (s *Service) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	if ttl > 0 {
		err = s.rdb.SetEx(ctx, key, data, ttl).Err()
	} else {
		err = s.rdb.Set(ctx, key, data, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("cache set %s failed: %w", key, err)
	}
	return nil
}

// Delete removes keys.
func (s *Service) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// ScanKeys collects keys matching the pattern via SCAN. Callers must
// tolerate O(n) behavior on large patterns.
func (s *Service) ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s failed: %w", pattern, err)
	}
	return keys, nil
}

// DeletePattern removes all keys matching the pattern, returning the number
// deleted.
func (s *Service) DeletePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := s.ScanKeys(ctx, pattern, 0)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("delete pattern %s failed: %w", pattern, err)
	}
	return len(keys), nil
}

// ClearSession removes every key in the session's namespace.
func (s *Service) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.DeletePattern(ctx, fmt.Sprintf("sess:%s:*", sessionID))
	return err
}

// FileIndexKey is the unexpiring key holding a project's file-hash index.
func FileIndexKey(project string) string {
	return fmt.Sprintf("file_index:%s", project)
}

// SessionContextKey holds the cached session context (1 h TTL).
func SessionContextKey(project, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", project, sessionID)
}

// Info returns the server info string, used by the cache ops endpoints.
func (s *Service) Info(ctx context.Context) (string, error) {
	return s.rdb.Info(ctx).Result()
}

// DBSize returns the number of keys in the current database.
func (s *Service) DBSize(ctx context.Context) (int64, error) {
	return s.rdb.DBSize(ctx).Result()
}
