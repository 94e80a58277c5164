package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
)

// MemoryStore — Store в памяти процесса.
//
// Используется в тестах ядра, API и пула вместо PostgresStore.
// Все операции выполняются под одним мьютексом, поэтому CAS атомарен
// относительно любых других вызовов.
type MemoryStore struct {
	mu      sync.Mutex
	apps    map[uuid.UUID]*domain.Application
	pending map[uuid.UUID]pendingEntry
	seq     uint64
	now     func() time.Time
}

type pendingEntry struct {
	notBefore time.Time
	seq       uint64
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:    make(map[uuid.UUID]*domain.Application),
		pending: make(map[uuid.UUID]pendingEntry),
		now:     time.Now,
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create сохраняет новую application.
func (s *MemoryStore) Create(_ context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apps[app.ID]; exists {
		return ErrAlreadyExists
	}

	stored := app.Clone()
	stored.Version = 1
	s.apps[app.ID] = stored
	app.Version = 1
	return nil
}

// Load возвращает копию application.
func (s *MemoryStore) Load(_ context.Context, id uuid.UUID) (*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return app.Clone(), nil
}

// CompareAndSwap заменяет запись, если версия совпадает.
func (s *MemoryStore) CompareAndSwap(_ context.Context, id uuid.UUID, expectedVersion int64, next *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.apps[id]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	s.apps[id] = stored
	next.Version = stored.Version
	return nil
}

// EnqueuePending ставит application в очередь.
func (s *MemoryStore) EnqueuePending(_ context.Context, id uuid.UUID, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[id]; !ok {
		return ErrNotFound
	}

	s.seq++
	s.pending[id] = pendingEntry{notBefore: notBefore, seq: s.seq}
	return nil
}

// DequeueReady забирает самую раннюю готовую запись.
func (s *MemoryStore) DequeueReady(_ context.Context) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var (
		found bool
		best  uuid.UUID
		seq   uint64
	)
	for id, entry := range s.pending {
		if entry.notBefore.After(now) {
			continue
		}
		if !found || entry.seq < seq {
			found, best, seq = true, id, entry.seq
		}
	}
	if !found {
		return uuid.Nil, ErrQueueEmpty
	}

	delete(s.pending, best)
	return best, nil
}

// PendingLen возвращает размер очереди (готовые и отложенные).
func (s *MemoryStore) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// List возвращает applications по фильтру, новые первыми.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.Application
	for _, app := range s.apps {
		if filter.matches(app) {
			result = append(result, *app.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if filter.Offset >= len(result) {
		return nil, nil
	}
	result = result[filter.Offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Count возвращает число applications по фильтру.
func (s *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, app := range s.apps {
		if filter.matches(app) {
			n++
		}
	}
	return n, nil
}

func (f Filter) matches(app *domain.Application) bool {
	if f.BatchID != nil && (app.BatchID == nil || *app.BatchID != *f.BatchID) {
		return false
	}
	return f.State == "" || app.State == f.State
}

// ListStalled возвращает зависшие незавершённые applications.
func (s *MemoryStore) ListStalled(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, app := range s.apps {
		if app.IsFinished() || !app.UpdatedAt.Before(before) {
			continue
		}
		if _, queued := s.pending[id]; queued {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}
