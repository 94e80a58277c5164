package statemachine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
)

// Ошибки state machine.
var (
	// ErrStaleState — сохранённый шаг не совпадает с ожидаемым.
	ErrStaleState = errors.New("stale state")

	// ErrIllegalTransition — переход отсутствует в таблице.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrGuardRejected — переход есть в таблице, но guard не пропустил.
	ErrGuardRejected = errors.New("transition guard rejected")

	// ErrMatchScoreImmutable — попытка заменить уже установленный match score.
	ErrMatchScoreImmutable = errors.New("match score already set")

	// ErrCancelConflict — не удалось выставить флаг отмены из-за конкуренции.
	ErrCancelConflict = errors.New("cancel request kept conflicting")
)

// StaleStateError — проигравший в гонке переходов.
//
// Вызывающий должен перечитать application и принять решение заново.
type StaleStateError struct {
	ID       uuid.UUID
	Expected domain.Step
	Actual   domain.Step
	Version  int64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("application %s: expected %s, actual %s (version %d)",
		e.ID, e.Expected, e.Actual, e.Version)
}

// Unwrap позволяет errors.Is(err, ErrStaleState).
func (e *StaleStateError) Unwrap() error {
	return ErrStaleState
}
