package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/statemachine"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
)

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail описывает ошибку. Для INVALID_STATE заполняются шаг
// application и события, которые он ещё принимает.
type ErrorDetail struct {
	Code          ErrorCode      `json:"code"`
	Message       string         `json:"message"`
	Step          string         `json:"step,omitempty"`
	AllowedEvents []domain.Event `json:"allowed_events,omitempty"`
}

// DataResponse — тело успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — страница списка; Total считает все подходящие записи.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON пишет status и data.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error пишет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, detail ErrorDetail) {
	JSON(w, status, ErrorResponse{Error: detail})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrorDetail{Code: ErrCodeBadRequest, Message: message})
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrorDetail{Code: ErrCodeNotFound, Message: message})
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrorDetail{Code: ErrCodeConflict, Message: message})
}

func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, ErrorDetail{Code: ErrCodeUnavailable, Message: message})
}

// InvalidState отвечает 422 с текущим шагом application
// и допустимыми из него событиями.
func InvalidState(w http.ResponseWriter, app *domain.Application, message string) {
	step := app.Step()
	Error(w, http.StatusUnprocessableEntity, ErrorDetail{
		Code:          ErrCodeInvalidState,
		Message:       message,
		Step:          step.String(),
		AllowedEvents: statemachine.Allowed(step),
	})
}

// InternalError логирует err и отвечает 500 без подробностей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrorDetail{Code: ErrCodeInternalError, Message: "internal server error"})
}

// HandleError преобразует ошибку хранилища или controller в HTTP ответ.
// Возвращает false, если err == nil и ответ ещё не записан.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, repo.ErrNotFound):
		NotFound(w, notFoundMsg)
	case errors.Is(err, repo.ErrAlreadyExists),
		errors.Is(err, statemachine.ErrCancelConflict),
		errors.Is(err, statemachine.ErrStaleState):
		Conflict(w, err.Error())
	case errors.Is(err, statemachine.ErrIllegalTransition),
		errors.Is(err, statemachine.ErrGuardRejected):
		Error(w, http.StatusUnprocessableEntity, ErrorDetail{Code: ErrCodeInvalidState, Message: err.Error()})
	default:
		InternalError(w, logger, err)
	}
	return true
}
