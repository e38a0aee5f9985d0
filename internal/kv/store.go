// Package kv 实现租户隔离的键值存储。
// Bridge 负责键校验、惰性过期、错误分类与指标；具体持久化由 Store 后端完成，
// 配额检查与写入在后端内原子执行，被拒绝的写入不会部分生效。
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oriys/edgejs/internal/domain"
)

// Store 是 KV 持久化后端。所有方法都以租户为作用域。
type Store interface {
	// Get 返回记录，不存在时返回 nil, nil；过期判断由调用方负责
	Get(ctx context.Context, tenantID, key string) (*domain.KVEntry, error)
	// Set 在不超过 quota 的前提下写入（覆盖时先扣除旧记录大小），quota <= 0 表示不限
	Set(ctx context.Context, tenantID string, entry domain.KVEntry, quota int64) error
	// Delete 删除记录，返回记录是否存在
	Delete(ctx context.Context, tenantID, key string) (bool, error)
	// Clear 删除租户的全部记录
	Clear(ctx context.Context, tenantID string) error
	// Usage 返回租户当前用量（字节）
	Usage(ctx context.Context, tenantID string) (int64, error)
	// SweepExpired 删除所有租户中在 now 之前过期的记录，返回删除数量
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

func quotaError(tenantID string, usage, size, quota int64) error {
	return domain.NewError(domain.KindKvQuotaExceeded,
		fmt.Sprintf("tenant %s: write of %d bytes would raise usage %d above quota %d", tenantID, size, usage, quota),
		domain.ErrKVQuotaExceeded)
}

type tenantSpace struct {
	Entries map[string]domain.KVEntry `json:"entries"`
	Usage   int64                     `json:"usage"`
}

func (sp *tenantSpace) clone() *tenantSpace {
	if sp == nil {
		return nil
	}
	return &tenantSpace{Entries: maps.Clone(sp.Entries), Usage: sp.Usage}
}

// MemoryStore 是进程内后端，用于测试与单次运行。
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantSpace
}

// NewMemoryStore 创建空的内存后端。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantSpace)}
}

func (s *MemoryStore) space(tenantID string) *tenantSpace {
	sp := s.tenants[tenantID]
	if sp == nil {
		sp = &tenantSpace{Entries: make(map[string]domain.KVEntry)}
		s.tenants[tenantID] = sp
	}
	return sp
}

func (s *MemoryStore) Get(_ context.Context, tenantID, key string) (*domain.KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.tenants[tenantID]
	if sp == nil {
		return nil, nil
	}
	e, ok := sp.Entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Set(ctx context.Context, tenantID string, entry domain.KVEntry, quota int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.space(tenantID)
	var oldSize int64
	if old, ok := sp.Entries[entry.Key]; ok {
		oldSize = old.Size()
	}
	size := entry.Size()
	if quota > 0 && sp.Usage-oldSize+size > quota {
		return quotaError(tenantID, sp.Usage, size, quota)
	}
	sp.Entries[entry.Key] = entry
	sp.Usage += size - oldSize
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenantID, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.tenants[tenantID]
	if sp == nil {
		return false, nil
	}
	old, ok := sp.Entries[key]
	if !ok {
		return false, nil
	}
	delete(sp.Entries, key)
	sp.Usage -= old.Size()
	return true, nil
}

func (s *MemoryStore) Clear(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, tenantID)
	return nil
}

func (s *MemoryStore) Usage(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp := s.tenants[tenantID]; sp != nil {
		return sp.Usage, nil
	}
	return 0, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sp := range s.tenants {
		for key, e := range sp.Entries {
			if e.Expired(now) {
				delete(sp.Entries, key)
				sp.Usage -= e.Size()
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

// snapshot 复制租户当前的记录，租户不存在时返回 nil。
func (s *MemoryStore) snapshot(tenantID string) *tenantSpace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenants[tenantID].clone()
}

// restore 把租户恢复为 snapshot 的结果。
func (s *MemoryStore) restore(tenantID string, sp *tenantSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp == nil {
		delete(s.tenants, tenantID)
		return
	}
	s.tenants[tenantID] = sp
}

// FileStore 将全部记录保存在一个 JSON 文件中，适用于本地开发。
// 语义与其他后端一致，但不提供跨进程并发保证。
type FileStore struct {
	mu   sync.Mutex
	path string
	mem  *MemoryStore
}

// NewFileStore 打开（或创建）path 指向的 JSON 文件。
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, mem: NewMemoryStore()}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("%w: %v", domain.ErrKVBackend, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &s.mem.tenants); err != nil {
			return nil, fmt.Errorf("%w: corrupt kv file %s: %v", domain.ErrKVBackend, path, err)
		}
		for _, sp := range s.mem.tenants {
			if sp.Entries == nil {
				sp.Entries = make(map[string]domain.KVEntry)
			}
		}
	}
	return s, nil
}

// save 调用方必须持有 s.mu。先写临时文件再重命名。
func (s *FileStore) save() error {
	s.mem.mu.Lock()
	data, err := json.MarshalIndent(s.mem.tenants, "", "  ")
	s.mem.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKVBackend, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKVBackend, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKVBackend, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKVBackend, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, tenantID, key string) (*domain.KVEntry, error) {
	return s.mem.Get(ctx, tenantID, key)
}

// Set 写入失败（包括落盘失败）时内存中的记录与用量保持写入前的状态。
func (s *FileStore) Set(ctx context.Context, tenantID string, entry domain.KVEntry, quota int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.mem.snapshot(tenantID)
	if err := s.mem.Set(ctx, tenantID, entry, quota); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		s.mem.restore(tenantID, prev)
		return err
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, tenantID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.mem.snapshot(tenantID)
	ok, err := s.mem.Delete(ctx, tenantID, key)
	if err != nil || !ok {
		return false, err
	}
	if err := s.save(); err != nil {
		s.mem.restore(tenantID, prev)
		return false, err
	}
	return true, nil
}

func (s *FileStore) Clear(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.mem.snapshot(tenantID)
	if err := s.mem.Clear(ctx, tenantID); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		s.mem.restore(tenantID, prev)
		return err
	}
	return nil
}

func (s *FileStore) Usage(ctx context.Context, tenantID string) (int64, error) {
	return s.mem.Usage(ctx, tenantID)
}

// SweepExpired 落盘失败时不恢复已删除的过期记录。
func (s *FileStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.mem.SweepExpired(ctx, now)
	if err != nil || n == 0 {
		return 0, err
	}
	return n, s.save()
}

func (s *FileStore) Close() error { return nil }
