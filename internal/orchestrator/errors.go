package orchestrator

import "errors"

// Ошибки decision loop.
var (
	// ErrNoHandler — для шага не зарегистрирован обработчик.
	ErrNoHandler = errors.New("no handler for step")

	// ErrStepLimit — Run сделал слишком много переходов за один запуск.
	ErrStepLimit = errors.New("step limit exceeded")

	// ErrTooManyStale — переходы раз за разом проигрывают CAS.
	ErrTooManyStale = errors.New("too many stale transitions")
)
