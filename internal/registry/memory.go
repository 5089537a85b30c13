package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepo 是进程内的 Repo 实现, 用于测试以及不需要持久化的部署。
// 写入和读出都经过 plain 复制, 调用方修改返回值不会影响已保存的记录。
type MemoryRepo[T Record[T]] struct {
	mu   sync.RWMutex
	recs map[int]T
}

func NewMemoryRepo[T Record[T]]() *MemoryRepo[T] {
	return &MemoryRepo[T]{recs: make(map[int]T)}
}

// NewMemory 创建全部集合都在内存中的注册表
func NewMemory() *Registry {
	return &Registry{
		Plugins:     NewMemoryRepo[PluginDescriptor](),
		Devices:     NewMemoryRepo[DeviceConfig](),
		Controllers: NewMemoryRepo[ControllerConfig](),
		Scripts:     NewMemoryRepo[ScriptDescriptor](),
		Rules:       NewMemoryRepo[RuleDescriptor](),
		Advanced:    NewMemoryRepo[Advanced](),
		Stores:      NewMemoryRepo[PluginStore](),
	}
}

func (m *MemoryRepo[T]) snapshot() []T {
	out := make([]T, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, plain(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (m *MemoryRepo[T]) List(_ context.Context) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot(), nil
}

func (m *MemoryRepo[T]) ListEnabled(ctx context.Context) ([]T, error) {
	all, _ := m.List(ctx)
	return filterEnabled(all), nil
}

func (m *MemoryRepo[T]) Get(_ context.Context, id int) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return plain(rec), nil
}

func (m *MemoryRepo[T]) Create(_ context.Context, rec T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.snapshot()
	if rec.Key() == 0 {
		rec = rec.WithKey(nextKey(all))
	}
	if _, exists := m.recs[rec.Key()]; exists {
		return rec, fmt.Errorf("id %d: %w", rec.Key(), ErrDuplicate)
	}
	if labelTaken(all, rec) {
		return rec, fmt.Errorf("name %q: %w", rec.Label(), ErrDuplicate)
	}
	m.recs[rec.Key()] = plain(rec)
	return plain(rec), nil
}

func (m *MemoryRepo[T]) UpdateFields(_ context.Context, id int, fields map[string]interface{}) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return rec, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	patched, err := Patch(rec, fields)
	if err != nil {
		return rec, err
	}
	if labelTaken(m.snapshot(), patched) {
		return rec, fmt.Errorf("name %q: %w", patched.Label(), ErrDuplicate)
	}
	m.recs[id] = plain(patched)
	return plain(patched), nil
}

func (m *MemoryRepo[T]) Delete(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	delete(m.recs, id)
	return nil
}
