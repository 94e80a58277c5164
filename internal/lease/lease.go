// Package lease — эксклюзивное право воркера вести application.
//
// Lease захватывается без ожидания: если он занят, Acquire сразу
// возвращает *AlreadyRunningError. Lease истекает по TTL, поэтому
// упавший воркер не блокирует application навсегда; живой воркер
// продлевает lease через Renew.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ошибки lease.
var (
	// ErrAlreadyRunning — lease держит другой воркер.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrLeaseLost — lease истёк или перехвачен (Renew/Release).
	ErrLeaseLost = errors.New("lease lost")
)

// AlreadyRunningError — lease занят.
type AlreadyRunningError struct {
	ApplicationID uuid.UUID
	Holder        string
}

func (e *AlreadyRunningError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("application %s already running", e.ApplicationID)
	}
	return fmt.Sprintf("application %s already running on %s", e.ApplicationID, e.Holder)
}

// Unwrap позволяет errors.Is(err, ErrAlreadyRunning).
func (e *AlreadyRunningError) Unwrap() error {
	return ErrAlreadyRunning
}

// Lease — захваченное право на application.
type Lease struct {
	ApplicationID uuid.UUID
	Holder        string

	// Token отличает этот захват от последующих тем же holder'ом.
	Token string

	ExpiresAt time.Time
}

// Table — хранилище leases.
type Table interface {
	// Acquire захватывает lease или возвращает *AlreadyRunningError.
	Acquire(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) (*Lease, error)

	// Renew продлевает lease. ErrLeaseLost — lease уже не наш.
	Renew(ctx context.Context, l *Lease, ttl time.Duration) error

	// Release освобождает lease. Чужой или истёкший lease не трогается.
	Release(ctx context.Context, l *Lease) error

	// Holder возвращает текущего владельца.
	Holder(ctx context.Context, id uuid.UUID) (string, bool, error)
}

func newToken() string {
	return uuid.NewString()
}
