package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"storyboard/pkg/utils"
)

// MaxValueSize is the soft per-key limit of local state.
const MaxValueSize = 5 << 20

var ErrTooLarge = errors.New("value exceeds local storage limit")

// KV is small local string storage. Writes above MaxValueSize are skipped.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SetBestEffort writes value and only logs failures. Oversize values and storage errors never
// reach the caller; in-memory state stays authoritative.
func SetBestEffort(ctx context.Context, kv KV, key, value string) {
	if kv == nil {
		return
	}
	if err := kv.Set(ctx, key, value); err != nil {
		log.Warn("skipped local save", "key", key, "bytes", len(value), "error", err)
	}
}

func checkSize(key, value string) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, len(value))
	}
	return nil
}

// FileKV stores one JSON file per key under a directory.
type FileKV struct {
	Dir string
	mu  sync.Mutex
}

func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileKV{Dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.Dir, utils.SanitizeFilename(key)+".json")
}

func (f *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := utils.Load[string](f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (f *FileKV) Set(_ context.Context, key, value string) error {
	if err := checkSize(key, value); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return utils.Save(f.path(key), value)
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisKV keeps local state in redis under a key prefix.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects using a redis:// URL and pings the server.
func NewRedisKV(ctx context.Context, url, prefix string) (*RedisKV, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisKV{client: client, prefix: prefix}, nil
}

func NewRedisKVFromClient(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := checkSize(key, value); err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *RedisKV) Close() error { return r.client.Close() }
