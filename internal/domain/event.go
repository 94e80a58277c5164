package domain

// Event — событие, запрашивающее переход state machine.
type Event string

const (
	// EventCreate — запись о создании application (первая запись history).
	EventCreate Event = "create"

	EventAccept        Event = "accept"
	EventScoreComputed Event = "score_computed"
	EventContentReady  Event = "content_ready"
	EventStart         Event = "start"
	EventPortalLoaded  Event = "portal_loaded"
	EventFormFilled    Event = "form_filled"
	EventValid         Event = "valid"
	EventInvalid       Event = "invalid"
	EventConfirmed     Event = "confirmed"

	// EventFailure — ошибка executor'а или AI в рабочем шаге.
	EventFailure Event = "failure"

	EventRetry    Event = "retry"
	EventResume   Event = "resume"
	EventEscalate Event = "escalate"
	EventFinalize Event = "finalize"
	EventCancel   Event = "cancel"
)

// IsForward возвращает true для успешных событий продвижения вперёд.
// Такие переходы сбрасывают AttemptCount и LastError.
func (e Event) IsForward() bool {
	switch e {
	case EventAccept, EventScoreComputed, EventContentReady, EventStart,
		EventPortalLoaded, EventFormFilled, EventValid, EventConfirmed:
		return true
	default:
		return false
	}
}

// IsFailure возвращает true для событий, расходующих попытку.
func (e Event) IsFailure() bool {
	return e == EventFailure || e == EventInvalid
}

// Причины (cause) в history.
const (
	CauseCreated = "created"
	CauseRetry   = "retry-scheduled"
	CauseResumed = "resumed"
)
