package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
)

// Store — граница персистентности ядра.
//
// Application изменяется только через CompareAndSwap: запись принимается,
// если сохранённая версия равна expectedVersion; новая версия = expectedVersion+1.
// Очередь pending хранит одну запись на application (повторный enqueue
// переставляет её в конец с новым notBefore).
type Store interface {
	// Create сохраняет новую application. Версия новой записи — 1.
	Create(ctx context.Context, app *domain.Application) error

	// Load возвращает копию application или ErrNotFound.
	Load(ctx context.Context, id uuid.UUID) (*domain.Application, error)

	// CompareAndSwap атомарно заменяет запись. ErrVersionConflict при гонке.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, next *domain.Application) error

	// EnqueuePending ставит application в очередь (не раньше notBefore).
	EnqueuePending(ctx context.Context, id uuid.UUID, notBefore time.Time) error

	// DequeueReady забирает самую раннюю по времени постановки готовую запись.
	// ErrQueueEmpty, если готовых нет.
	DequeueReady(ctx context.Context) (uuid.UUID, error)

	// List возвращает applications по фильтру.
	List(ctx context.Context, filter Filter) ([]domain.Application, error)

	// Count возвращает число applications по фильтру без учёта Limit/Offset.
	Count(ctx context.Context, filter Filter) (int, error)

	// ListStalled возвращает незавершённые applications, не обновлявшиеся
	// с before и отсутствующие в очереди pending.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// Filter — параметры фильтрации applications.
type Filter struct {
	BatchID *uuid.UUID
	State   domain.State
	Limit   int
	Offset  int
}

// defaultListLimit — лимит List, если Filter.Limit не задан.
const defaultListLimit = 50
