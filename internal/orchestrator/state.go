package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/statemachine"
)

// Status — чем закончился один Run.
type Status string

const (
	// StatusFinished — application дошла до COMPLETE.
	StatusFinished Status = "finished"

	// StatusSuspended — application ждёт retry и стоит в очереди pending.
	StatusSuspended Status = "suspended"
)

// Result — итог одного Run.
type Result struct {
	ID     uuid.UUID
	Status Status

	// Step — шаг application на момент выхода.
	Step domain.Step

	// Outcome — итог для StatusFinished.
	Outcome domain.Outcome

	// NotBefore — когда application снова можно брать (StatusSuspended).
	NotBefore time.Time

	// Transitions — число переходов, сделанных этим Run.
	Transitions int
}

// Finished возвращает true, если application завершена.
func (r Result) Finished() bool {
	return r.Status == StatusFinished
}

// outcome — результат обработчика шага.
//
// Либо событие с input, либо приостановка до notBefore.
type outcome struct {
	event     domain.Event
	input     statemachine.Input
	suspend   bool
	notBefore time.Time
}
