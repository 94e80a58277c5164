package repo

import "errors"

// Общие ошибки хранилищ.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict — CAS не прошёл: версия записи изменилась.
	ErrVersionConflict = errors.New("version conflict")

	// ErrQueueEmpty — в очереди нет готовых к выполнению applications.
	ErrQueueEmpty = errors.New("pending queue empty")
)
