package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTable — Table в памяти процесса (один воркер-процесс, тесты).
type MemoryTable struct {
	mu     sync.Mutex
	leases map[uuid.UUID]Lease
	now    func() time.Time
}

// NewMemoryTable создаёт пустую MemoryTable.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		leases: make(map[uuid.UUID]Lease),
		now:    time.Now,
	}
}

// SetClock подменяет источник времени (для тестов).
func (t *MemoryTable) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// active возвращает действующий lease. Вызывается под mu.
func (t *MemoryTable) active(id uuid.UUID) (Lease, bool) {
	l, ok := t.leases[id]
	if !ok {
		return Lease{}, false
	}
	if !t.now().Before(l.ExpiresAt) {
		delete(t.leases, id)
		return Lease{}, false
	}
	return l, true
}

func (t *MemoryTable) Acquire(_ context.Context, id uuid.UUID, holder string, ttl time.Duration) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.active(id); ok {
		return nil, &AlreadyRunningError{ApplicationID: id, Holder: current.Holder}
	}

	l := Lease{
		ApplicationID: id,
		Holder:        holder,
		Token:         newToken(),
		ExpiresAt:     t.now().Add(ttl),
	}
	t.leases[id] = l
	return &l, nil
}

func (t *MemoryTable) Renew(_ context.Context, l *Lease, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.active(l.ApplicationID)
	if !ok || current.Token != l.Token {
		return ErrLeaseLost
	}

	current.ExpiresAt = t.now().Add(ttl)
	t.leases[l.ApplicationID] = current
	l.ExpiresAt = current.ExpiresAt
	return nil
}

func (t *MemoryTable) Release(_ context.Context, l *Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.active(l.ApplicationID)
	if !ok || current.Token != l.Token {
		return nil
	}
	delete(t.leases, l.ApplicationID)
	return nil
}

func (t *MemoryTable) Holder(_ context.Context, id uuid.UUID) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.active(id)
	if !ok {
		return "", false, nil
	}
	return current.Holder, true, nil
}
