// Package retry решает, что делать после классифицированной ошибки.
//
// Policy — чистая функция от (класс, номер попытки, шаг, наличие
// исправления). Источник jitter подменяется в тестах.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shaiso/Jobpilot/internal/domain"
)

// Default configuration values.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 5 * time.Minute
)

// Action — тип решения.
type Action string

const (
	// ActionRetry — повторить после Delay.
	ActionRetry Action = "retry"

	// ActionEscalate — попытки исчерпаны, в MAX_RETRIES.
	ActionEscalate Action = "escalate"

	// ActionAbort — фатальная ошибка, в MAX_RETRIES без повторов.
	ActionAbort Action = "abort"
)

// Failure — входные данные решения.
type Failure struct {
	Class domain.FailureClass

	// Attempt — номер израсходованной попытки (1 после первой ошибки).
	Attempt int

	// Step — шаг, в котором произошла ошибка.
	Step domain.Step

	// Corrected — Decision Service вернул исправленный план.
	Corrected bool
}

// Decision — результат Policy.Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Outcome возвращает итог application для escalate/abort.
func (d Decision) Outcome() domain.Outcome {
	switch d.Action {
	case ActionAbort:
		return domain.OutcomeFatalError
	case ActionEscalate:
		return domain.OutcomeMaxRetriesExhausted
	default:
		return domain.OutcomeNone
	}
}

// Config — конфигурация Policy.
type Config struct {
	// MaxAttempts — лимит попыток на шаг (default: 3).
	MaxAttempts int

	// StepMaxAttempts — переопределения лимита, ключ — Step.String().
	StepMaxAttempts map[string]int

	// BaseDelay и MaxDelay — границы экспоненциального backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter — доля случайного разброса задержки, 0..1.
	Jitter float64

	// Rand — источник случайности в [0, 1) (default: math/rand/v2).
	Rand func() float64
}

// Policy — retry policy.
type Policy struct {
	maxAttempts     int
	stepMaxAttempts map[string]int
	baseDelay       time.Duration
	maxDelay        time.Duration
	jitter          float64
	rand            func() float64
}

// New создаёт новую Policy.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	overrides := make(map[string]int, len(cfg.StepMaxAttempts))
	for step, n := range cfg.StepMaxAttempts {
		if n > 0 {
			overrides[step] = n
		}
	}

	return &Policy{
		maxAttempts:     cfg.MaxAttempts,
		stepMaxAttempts: overrides,
		baseDelay:       cfg.BaseDelay,
		maxDelay:        cfg.MaxDelay,
		jitter:          cfg.Jitter,
		rand:            cfg.Rand,
	}
}

// MaxAttempts возвращает лимит попыток для шага.
func (p *Policy) MaxAttempts(step domain.Step) int {
	if n, ok := p.stepMaxAttempts[step.String()]; ok {
		return n
	}
	return p.maxAttempts
}

// Decide принимает решение по ошибке.
func (p *Policy) Decide(f Failure) Decision {
	limit := p.MaxAttempts(f.Step)

	switch f.Class {
	case domain.FailureFatal:
		return Decision{Action: ActionAbort, Reason: "fatal error"}

	case domain.FailureValidation:
		if !f.Corrected {
			return Decision{Action: ActionEscalate, Reason: "validation failed without correction"}
		}
		if f.Attempt >= limit {
			return Decision{Action: ActionEscalate, Reason: exhausted(f.Attempt, limit)}
		}
		// Исправленный план применяется сразу, без backoff
		return Decision{Action: ActionRetry, Reason: "corrected plan"}

	case domain.FailureTransient:
		if f.Attempt >= limit {
			return Decision{Action: ActionEscalate, Reason: exhausted(f.Attempt, limit)}
		}
		return Decision{Action: ActionRetry, Delay: p.Backoff(f.Attempt), Reason: "transient error"}

	default:
		return Decision{Action: ActionAbort, Reason: fmt.Sprintf("unknown failure class %q", f.Class)}
	}
}

// Backoff вычисляет задержку: base * 2^(attempt-1) ± jitter, не больше maxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}

	if p.jitter > 0 {
		// Сдвиг в [-jitter, +jitter) от задержки
		spread := (p.rand()*2 - 1) * p.jitter
		delay += time.Duration(float64(delay) * spread)
	}

	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func exhausted(attempt, limit int) string {
	return fmt.Sprintf("attempts exhausted (%d/%d)", attempt, limit)
}
