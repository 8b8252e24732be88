package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"supportchat/internal/models"
	"supportchat/internal/redis"
)

// SessionStorage keeps the full session list of a user under one key.
// Saving an empty list removes the key.
type SessionStorage interface {
	Load(ctx context.Context, key string) ([]models.ChatSession, error)
	Save(ctx context.Context, key string, sessions []models.ChatSession) error
}

// StorageKey is the key a user's session list is stored under.
func StorageKey(userID string) string {
	return "chats_" + userID
}

// FileStorage writes one JSON file per key into a directory.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

func (f *FileStorage) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *FileStorage) Load(ctx context.Context, key string) ([]models.ChatSession, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sessions []models.ChatSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return sessions, nil
}

func (f *FileStorage) Save(ctx context.Context, key string, sessions []models.ChatSession) error {
	path := f.path(key)
	if len(sessions) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RedisStorage keeps the blobs in redis without expiry.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) Load(ctx context.Context, key string) ([]models.ChatSession, error) {
	raw, err := r.client.Get(ctx, key)
	if errors.Is(err, redis.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sessions []models.ChatSession
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return sessions, nil
}

func (r *RedisStorage) Save(ctx context.Context, key string, sessions []models.ChatSession) error {
	if len(sessions) == 0 {
		return r.client.Del(ctx, key)
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, 0)
}
