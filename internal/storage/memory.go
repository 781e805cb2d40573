package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Repository = (*Memory)(nil)

// Memory is an in-process Repository used by tests and by dry runs.
type Memory struct {
	mu          sync.RWMutex
	items       []WorkItem
	itemIndex   map[string]int
	directories map[string]Directory
	settings    Settings
	auth        *AuthSession
	runs        []JobRun
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		itemIndex:   make(map[string]int),
		directories: make(map[string]Directory),
	}
}

func (m *Memory) InsertNewItems(_ context.Context, items []WorkItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, item := range items {
		if _, ok := m.itemIndex[item.Path]; ok {
			continue
		}
		m.itemIndex[item.Path] = len(m.items)
		m.items = append(m.items, item)
		inserted++
	}
	return inserted, nil
}

func (m *Memory) UpdateItem(_ context.Context, item WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.itemIndex[item.Path]
	if !ok {
		return ErrNotFound
	}
	current := m.items[idx]
	current.WasSent = item.WasSent
	current.IsValid = item.IsValid
	current.SentAt = item.SentAt
	m.items[idx] = current
	return nil
}

func (m *Memory) DeleteItem(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.itemIndex[path]
	if !ok {
		return nil
	}
	m.items = append(m.items[:idx], m.items[idx+1:]...)
	delete(m.itemIndex, path)
	for i := idx; i < len(m.items); i++ {
		m.itemIndex[m.items[i].Path] = i
	}
	return nil
}

func (m *Memory) ListItems(_ context.Context, filter ItemFilter) ([]WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkItem, 0, len(m.items))
	for _, item := range m.items {
		if filter.Kind != "" && item.Kind != filter.Kind {
			continue
		}
		if item.WasSent && !filter.IncludeSent {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *Memory) SaveDirectory(_ context.Context, dir Directory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.directories[dir.Path]; ok {
		dir.CreatedAt = existing.CreatedAt
	}
	if dir.CreatedAt.IsZero() {
		dir.CreatedAt = time.Now().UTC()
	}
	m.directories[dir.Path] = dir
	return nil
}

func (m *Memory) DeleteDirectory(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.directories[path]; !ok {
		return ErrNotFound
	}
	delete(m.directories, path)
	return nil
}

func (m *Memory) ListDirectories(_ context.Context, kind JobKind) ([]Directory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Directory, 0, len(m.directories))
	for _, dir := range m.directories {
		if kind != "" && dir.Kind != kind {
			continue
		}
		out = append(out, dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) Settings(_ context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

func (m *Memory) SaveSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) AuthSession(_ context.Context) (AuthSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.auth == nil {
		return AuthSession{}, ErrNotFound
	}
	return *m.auth, nil
}

func (m *Memory) SaveAuthSession(_ context.Context, s AuthSession) error {
	m.mu.Lock()
	m.auth = &s
	m.mu.Unlock()
	return nil
}

func (m *Memory) CreateRun(_ context.Context, run JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Log = append([]string(nil), run.Log...)
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) FinishRun(_ context.Context, run JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID != run.ID {
			continue
		}
		if m.runs[i].EndedAt != nil {
			return ErrRunFinished
		}
		ended := time.Now().UTC()
		if run.EndedAt != nil {
			ended = *run.EndedAt
		}
		m.runs[i].EndedAt = &ended
		m.runs[i].FilesSent = run.FilesSent
		m.runs[i].Log = append([]string(nil), run.Log...)
		return nil
	}
	return ErrNotFound
}

func (m *Memory) ListRuns(_ context.Context, kind JobKind, limit int) ([]JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]JobRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if kind != "" && m.runs[i].Kind != kind {
			continue
		}
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
