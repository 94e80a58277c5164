package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shaiso/Jobpilot/internal/domain"
)

// Сентинелы классов ошибок: errors.Is(err, ErrTransient) и т.д.
var (
	ErrTransient  = errors.New("transient gateway error")
	ErrValidation = errors.New("validation gateway error")
	ErrFatal      = errors.New("fatal gateway error")

	// ErrTimeout — вызов не уложился в таймаут.
	ErrTimeout = errors.New("gateway call timed out")

	// ErrInvalidPlan — план действий не прошёл проверку.
	ErrInvalidPlan = errors.New("invalid action plan")

	// ErrInvalidResponse — ответ сервиса не соответствует схеме.
	ErrInvalidResponse = errors.New("invalid gateway response")
)

// Error — классифицированная ошибка вызова внешнего сервиса.
type Error struct {
	Class domain.FailureClass

	// Op — операция, например "decision.analyze".
	Op string

	// StatusCode — HTTP статус, если есть.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сопоставляет Error с сентинелом своего класса.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == domain.FailureTransient
	case ErrValidation:
		return e.Class == domain.FailureValidation
	case ErrFatal:
		return e.Class == domain.FailureFatal
	default:
		return false
	}
}

// TransientError, ValidationError, FatalError — конструкторы для реализаций gateway.
func TransientError(op string, err error) *Error {
	return &Error{Class: domain.FailureTransient, Op: op, Err: err}
}

func ValidationError(op string, err error) *Error {
	return &Error{Class: domain.FailureValidation, Op: op, Err: err}
}

func FatalError(op string, err error) *Error {
	return &Error{Class: domain.FailureFatal, Op: op, Err: err}
}

// Classify определяет класс ошибки.
//
// Неклассифицированные ошибки (сеть, таймауты) считаются transient.
func Classify(err error) domain.FailureClass {
	if err == nil {
		return ""
	}

	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Class.Valid() {
		return gwErr.Class
	}

	if errors.Is(err, ErrInvalidPlan) {
		return domain.FailureValidation
	}

	return domain.FailureTransient
}

// ClassifyStatus переводит HTTP статус в класс ошибки.
//
//	429, 408, 5xx — transient
//	422           — validation
//	прочие 4xx    — fatal (аутентификация, политика, неверный запрос)
func ClassifyStatus(code int) domain.FailureClass {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return domain.FailureTransient
	case code == http.StatusUnprocessableEntity:
		return domain.FailureValidation
	default:
		return domain.FailureFatal
	}
}
