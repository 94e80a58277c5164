package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/telemetry"
)

// Default configuration values.
const defaultCallTimeout = 30 * time.Second

// call выполняет fn с таймаутом и классифицирует ошибку.
//
// fn выполняется в отдельной горутине: реализация, игнорирующая ctx,
// не задержит вызывающего дольше таймаута.
func call[T any](ctx context.Context, gateway, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	started := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	var (
		res result
		fqOp = gateway + "." + op
	)
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if res.err != nil {
		res.err = classified(ctx, fqOp, timeout, res.err)
	}

	telemetry.ObserveGatewayCall(gateway, op, Classify(res.err), started)
	return res.value, res.err
}

// classified гарантирует, что ошибка — *Error.
func classified(parent context.Context, op string, timeout time.Duration, err error) error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return TransientError(op, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	}
	return &Error{Class: Classify(err), Op: op, Err: err}
}

// guardedDecision — Decision с таймаутом, классификацией и метриками.
type guardedDecision struct {
	next    Decision
	timeout time.Duration
}

// GuardDecision оборачивает Decision таймаутом на каждый вызов.
func GuardDecision(next Decision, timeout time.Duration) Decision {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &guardedDecision{next: next, timeout: timeout}
}

func (g *guardedDecision) Analyze(ctx context.Context, jobRef, resumeRef string) (Analysis, error) {
	return call(ctx, "decision", "analyze", g.timeout, func(ctx context.Context) (Analysis, error) {
		return g.next.Analyze(ctx, jobRef, resumeRef)
	})
}

func (g *guardedDecision) GenerateContent(ctx context.Context, jobRef, resumeRef, preferencesRef string) (Content, error) {
	return call(ctx, "decision", "generate_content", g.timeout, func(ctx context.Context) (Content, error) {
		return g.next.GenerateContent(ctx, jobRef, resumeRef, preferencesRef)
	})
}

func (g *guardedDecision) PlanAction(ctx context.Context, req PlanRequest) (domain.ActionPlan, error) {
	return call(ctx, "decision", "plan_action", g.timeout, func(ctx context.Context) (domain.ActionPlan, error) {
		plan, err := g.next.PlanAction(ctx, req)
		if err != nil {
			return domain.ActionPlan{}, err
		}
		if err := ValidatePlan(plan); err != nil {
			return domain.ActionPlan{}, ValidationError("decision.plan_action", err)
		}
		return plan, nil
	})
}

func (g *guardedDecision) Verify(ctx context.Context, outcomeRef string) (Verification, error) {
	return call(ctx, "decision", "verify", g.timeout, func(ctx context.Context) (Verification, error) {
		return g.next.Verify(ctx, outcomeRef)
	})
}

// guardedAutomation — Automation с таймаутом, классификацией и метриками.
type guardedAutomation struct {
	next    Automation
	timeout time.Duration
}

// GuardAutomation оборачивает Automation таймаутом на каждый вызов.
func GuardAutomation(next Automation, timeout time.Duration) Automation {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &guardedAutomation{next: next, timeout: timeout}
}

func (g *guardedAutomation) Navigate(ctx context.Context, target string) (string, error) {
	return call(ctx, "automation", "navigate", g.timeout, func(ctx context.Context) (string, error) {
		return g.next.Navigate(ctx, target)
	})
}

func (g *guardedAutomation) FillForm(ctx context.Context, plan domain.ActionPlan) (string, error) {
	return call(ctx, "automation", "fill_form", g.timeout, func(ctx context.Context) (string, error) {
		return g.next.FillForm(ctx, plan)
	})
}

func (g *guardedAutomation) ValidateForm(ctx context.Context, formStateRef string) (Validation, error) {
	return call(ctx, "automation", "validate_form", g.timeout, func(ctx context.Context) (Validation, error) {
		return g.next.ValidateForm(ctx, formStateRef)
	})
}

func (g *guardedAutomation) Submit(ctx context.Context, formStateRef string) (string, error) {
	return call(ctx, "automation", "submit", g.timeout, func(ctx context.Context) (string, error) {
		return g.next.Submit(ctx, formStateRef)
	})
}
