package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// AlertsKey 告警历史的固定存储键
const AlertsKey = "ws_guard_health_alerts"

// AlertStore 告警历史持久化，整体读写 JSON 数组
type AlertStore interface {
	Load(ctx context.Context) ([]Alert, error)
	Save(ctx context.Context, alerts []Alert) error
}

// MemoryStore 进程内存储
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load 读取告警
func (s *MemoryStore) Load(context.Context) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeAlerts(s.data)
}

// Save 覆盖写入告警
func (s *MemoryStore) Save(_ context.Context, alerts []Alert) error {
	data, err := json.Marshal(alerts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// FileStore 以 <dir>/ws_guard_health_alerts.json 保存
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore 创建文件存储，目录不存在时创建
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create alert dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, AlertsKey+".json")}, nil
}

// Path 文件路径
func (s *FileStore) Path() string {
	return s.path
}

// Load 读取告警，文件不存在时返回空
func (s *FileStore) Load(context.Context) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if stderrors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}
	return decodeAlerts(data)
}

// Save 先写临时文件再改名
func (s *FileStore) Save(_ context.Context, alerts []Alert) error {
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write alerts: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// RedisStore 以字符串键保存
type RedisStore struct {
	rdb redis.Cmdable
	key string
}

// NewRedisStore 创建 Redis 存储，key 为空时使用 AlertsKey
func NewRedisStore(rdb redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = AlertsKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

// Load 读取告警，键不存在时返回空
func (s *RedisStore) Load(ctx context.Context) ([]Alert, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return decodeAlerts(data)
}

// Save 覆盖写入告警
func (s *RedisStore) Save(ctx context.Context, alerts []Alert) error {
	data, err := json.Marshal(alerts)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func decodeAlerts(data []byte) ([]Alert, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var alerts []Alert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	return alerts, nil
}
