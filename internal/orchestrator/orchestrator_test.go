package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/gateway"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/retry"
	"github.com/shaiso/Jobpilot/internal/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) inc(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[op]++
	return c.calls[op]
}

func (c *counter) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

type fakeDecision struct {
	counter

	score       float64
	analyzeErr  error
	unconfirmed int
	verifyErrs  int
	planErrs    int

	correctionsMu sync.Mutex
	corrections   []gateway.PlanRequest
}

func (d *fakeDecision) Analyze(context.Context, string, string) (gateway.Analysis, error) {
	d.inc("analyze")
	if d.analyzeErr != nil {
		return gateway.Analysis{}, d.analyzeErr
	}
	return gateway.Analysis{MatchScore: d.score, Recommendations: []string{"highlight Go experience"}}, nil
}

func (d *fakeDecision) GenerateContent(context.Context, string, string, string) (gateway.Content, error) {
	d.inc("content")
	return gateway.Content{ContentRef: "cover-letter-1"}, nil
}

func (d *fakeDecision) PlanAction(_ context.Context, req gateway.PlanRequest) (domain.ActionPlan, error) {
	n := d.inc("plan")
	if len(req.Errors) > 0 {
		d.correctionsMu.Lock()
		d.corrections = append(d.corrections, req)
		d.correctionsMu.Unlock()
	}
	if n <= d.planErrs {
		return domain.ActionPlan{}, gateway.ValidationError("decision.plan_action", gateway.ErrInvalidPlan)
	}
	return domain.ActionPlan{Actions: []domain.Action{
		{Type: gateway.ActionFill, Selector: "#email", Value: fmt.Sprintf("candidate+%d@example.com", n)},
		{Type: gateway.ActionClick, Selector: "#next"},
	}}, nil
}

func (d *fakeDecision) Verify(context.Context, string) (gateway.Verification, error) {
	n := d.inc("verify")
	if n <= d.verifyErrs {
		return gateway.Verification{}, gateway.TransientError("decision.verify", context.DeadlineExceeded)
	}
	if n <= d.unconfirmed {
		return gateway.Verification{Confirmed: false, Reason: "no confirmation banner"}, nil
	}
	return gateway.Verification{Confirmed: true, Reason: "thank you for applying"}, nil
}

type fakeAutomation struct {
	counter

	navigate    func(ctx context.Context) error
	validations []gateway.Validation
	fillErrs    int

	plansMu sync.Mutex
	plans   []domain.ActionPlan
}

func (a *fakeAutomation) Navigate(ctx context.Context, _ string) (string, error) {
	a.inc("navigate")
	if a.navigate != nil {
		if err := a.navigate(ctx); err != nil {
			return "", err
		}
	}
	return "snapshot-1", nil
}

func (a *fakeAutomation) FillForm(_ context.Context, plan domain.ActionPlan) (string, error) {
	n := a.inc("fill")
	a.plansMu.Lock()
	a.plans = append(a.plans, plan)
	a.plansMu.Unlock()
	if n <= a.fillErrs {
		return "", gateway.ValidationError("automation.fill_form", errors.New("selector #phone not found"))
	}
	return fmt.Sprintf("form-%d", n), nil
}

func (a *fakeAutomation) ValidateForm(context.Context, string) (gateway.Validation, error) {
	n := a.inc("validate")
	if n <= len(a.validations) {
		return a.validations[n-1], nil
	}
	return gateway.Validation{Valid: true}, nil
}

func (a *fakeAutomation) Submit(context.Context, string) (string, error) {
	a.inc("submit")
	return "confirmation-1", nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (n *fakeNotifier) PublishApplicationPending(_ context.Context, id uuid.UUID, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, id)
	return nil
}

// --- Helpers ---

type testEnv struct {
	loop     *Loop
	ctrl     *statemachine.Controller
	store    *repo.MemoryStore
	clock    *testClock
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, decision gateway.Decision, automation gateway.Automation) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	store := repo.NewMemoryStore()
	store.SetClock(clock.Now)

	policy := retry.New(retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	})
	ctrl := statemachine.New(statemachine.Config{
		Store:          store,
		MatchThreshold: 0.7,
		Limits:         policy,
		Now:            clock.Now,
	})
	notifier := &fakeNotifier{}

	loop := New(Config{
		Controller: ctrl,
		Decision:   decision,
		Automation: automation,
		Policy:     policy,
		Queue:      store,
		Notifier:   notifier,
		Now:        clock.Now,
	})

	return &testEnv{loop: loop, ctrl: ctrl, store: store, clock: clock, notifier: notifier}
}

var testPayload = domain.Payload{
	ResumeRef: "resume-42",
	JobRef:    "job-7",
	TargetURL: "https://careers.example.com/jobs/7",
}

func (e *testEnv) create(t *testing.T, payload domain.Payload) uuid.UUID {
	t.Helper()
	app, err := e.ctrl.Create(context.Background(), payload, nil)
	require.NoError(t, err)
	return app.ID
}

// drive запускает Run, пока application не завершится, продвигая часы
// до NotBefore после каждой приостановки (как делает пул).
func (e *testEnv) drive(t *testing.T, id uuid.UUID) []Result {
	t.Helper()
	ctx := context.Background()

	var results []Result
	for i := 0; i < 10; i++ {
		res, err := e.loop.Run(ctx, id)
		require.NoError(t, err)
		results = append(results, res)

		if res.Finished() {
			return results
		}
		require.Equal(t, StatusSuspended, res.Status)

		e.clock.Set(res.NotBefore)
		got, err := e.store.DequeueReady(ctx)
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
	t.Fatalf("application %s did not finish", id)
	return nil
}

func (e *testEnv) load(t *testing.T, id uuid.UUID) *domain.Application {
	t.Helper()
	app, err := e.ctrl.Load(context.Background(), id)
	require.NoError(t, err)
	return app
}

func assertHistoryContinuity(t *testing.T, app *domain.Application) {
	t.Helper()
	require.NotEmpty(t, app.History)
	assert.Equal(t, domain.StepInitiated, app.History[0].From)
	for i := 1; i < len(app.History); i++ {
		assert.Equal(t, app.History[i-1].To, app.History[i].From, "entry %d", i)
	}
	assert.Equal(t, app.Step(), app.LastEntry().To)
}

func visited(app *domain.Application) map[domain.Step]bool {
	steps := make(map[domain.Step]bool)
	for _, e := range app.History {
		steps[e.To] = true
	}
	return steps
}

func countEdges(app *domain.Application, from, to domain.Step) int {
	n := 0
	for _, e := range app.History {
		if e.From == from && e.To == to {
			n++
		}
	}
	return n
}

// --- Scenario Tests ---

func TestLoop_SubmittedPath(t *testing.T) {
	decision := &fakeDecision{score: 0.9}
	automation := &fakeAutomation{}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeSubmitted, results[0].Outcome)
	assert.Equal(t, domain.StepComplete, results[0].Step)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	steps := visited(app)
	assert.True(t, steps[domain.StepReady])
	assert.True(t, steps[domain.StepSubmitted])
	assert.False(t, steps[domain.StepRejected])

	assert.InDelta(t, 0.9, *app.MatchScore, 1e-9)
	assert.Equal(t, "cover-letter-1", app.Artifacts.ContentRef)
	assert.Equal(t, "confirmation-1", app.Artifacts.ConfirmationRef)
	assert.Equal(t, 1, decision.count("content"))
	assert.Equal(t, 1, automation.count("submit"))
	assert.Zero(t, app.AttemptCount)
	assert.Nil(t, app.LastError)
}

func TestLoop_RejectedPath(t *testing.T) {
	decision := &fakeDecision{score: 0.3}
	automation := &fakeAutomation{}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	assert.Equal(t, domain.OutcomeRejected, results[len(results)-1].Outcome)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.Equal(t, 1, countEdges(app, domain.StepContentGeneration, domain.StepRejected))
	assert.Equal(t, 1, countEdges(app, domain.StepRejected, domain.StepComplete))
	for step := range visited(app) {
		assert.NotEqual(t, domain.StateInProgress, step.State)
	}

	assert.Zero(t, decision.count("content"))
	assert.Zero(t, automation.count("navigate"))
}

func TestLoop_ValidationCorrections(t *testing.T) {
	decision := &fakeDecision{score: 0.9}
	automation := &fakeAutomation{validations: []gateway.Validation{
		{Valid: false, Errors: []string{"phone is required"}},
		{Valid: false, Errors: []string{"phone format invalid"}},
	}}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	assert.Equal(t, domain.OutcomeSubmitted, results[len(results)-1].Outcome)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.Equal(t, 2, countEdges(app, domain.StepValidatingForm, domain.StepRetryQueue))
	assert.Equal(t, 2, countEdges(app, domain.StepRetryQueue, domain.StepBackToReady))
	assert.Equal(t, 2, countEdges(app, domain.StepBackToReady, domain.StepValidatingForm))
	assert.Equal(t, 1, countEdges(app, domain.StepSubmittingForm, domain.StepSubmitted))

	// Каждая ошибка валидации получила исправление с ошибками формы
	require.Len(t, decision.corrections, 2)
	assert.Equal(t, []string{"phone is required"}, decision.corrections[0].Errors)
	assert.NotNil(t, decision.corrections[1].Previous)

	// Исправленный план применён к форме и стал основным
	assert.Equal(t, 3, automation.count("fill"))
	assert.Equal(t, "form-3", app.Artifacts.FormStateRef)
	assert.Nil(t, app.Artifacts.CorrectedPlan)
	require.NotNil(t, app.Artifacts.ActionPlan)
	assert.Equal(t, "candidate+3@example.com", app.Artifacts.ActionPlan.Actions[0].Value)
}

func TestLoop_TimeoutsExhaustRetries(t *testing.T) {
	decision := &fakeDecision{score: 0.9}
	automation := &fakeAutomation{navigate: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	env := newTestEnv(t, decision, gateway.GuardAutomation(automation, 20*time.Millisecond))
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	require.Len(t, results, 3)
	assert.Equal(t, StatusSuspended, results[0].Status)
	assert.Equal(t, StatusSuspended, results[1].Status)
	assert.Equal(t, domain.OutcomeMaxRetriesExhausted, results[2].Outcome)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.Equal(t, 3, automation.count("navigate"))
	assert.Equal(t, 3, countEdges(app, domain.StepNavigatingPortal, domain.StepRetryQueue))
	assert.Equal(t, 1, countEdges(app, domain.StepRetryQueue, domain.StepMaxRetries))

	last := app.History[len(app.History)-1]
	assert.Equal(t, domain.StepMaxRetries, last.From)
	assert.Equal(t, domain.StepComplete, last.To)
	assert.Equal(t, string(domain.OutcomeMaxRetriesExhausted), last.Cause)

	require.NotNil(t, app.LastError)
	assert.Equal(t, domain.FailureTransient, app.LastError.Class)

	// Каждая приостановка будила воркеров
	assert.Len(t, env.notifier.calls, 2)
}

// --- Failure Tests ---

func TestLoop_FatalAborts(t *testing.T) {
	decision := &fakeDecision{analyzeErr: gateway.FatalError("decision.analyze", errors.New("account suspended"))}
	env := newTestEnv(t, decision, &fakeAutomation{})
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeFatalError, results[0].Outcome)
	assert.Equal(t, 1, decision.count("analyze"))

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	require.NotNil(t, app.LastError)
	assert.Equal(t, domain.FailureFatal, app.LastError.Class)
	assert.Equal(t, domain.StepJobMatching, app.LastError.Step)
}

func TestLoop_MissingPayload(t *testing.T) {
	env := newTestEnv(t, &fakeDecision{score: 0.9}, &fakeAutomation{})
	id := env.create(t, domain.Payload{ResumeRef: "resume-42"})

	results := env.drive(t, id)
	assert.Equal(t, domain.OutcomeFatalError, results[0].Outcome)
}

func TestLoop_UnconfirmedSubmissionRetried(t *testing.T) {
	decision := &fakeDecision{score: 0.9, unconfirmed: 1}
	automation := &fakeAutomation{}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	require.Len(t, results, 2)
	assert.Equal(t, StatusSuspended, results[0].Status)
	assert.Equal(t, domain.StepBackToReady, results[0].Step)
	assert.Equal(t, domain.OutcomeSubmitted, results[1].Outcome)

	// Повторяется только проверка, форма отправлена один раз
	assert.Equal(t, 1, automation.count("submit"))
	assert.Equal(t, 2, decision.count("verify"))
}

func TestLoop_VerifyTimeoutDoesNotResubmit(t *testing.T) {
	decision := &fakeDecision{score: 0.9, verifyErrs: 1}
	automation := &fakeAutomation{}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	require.Len(t, results, 2)
	assert.Equal(t, StatusSuspended, results[0].Status)
	assert.Equal(t, domain.OutcomeSubmitted, results[1].Outcome)

	assert.Equal(t, 1, automation.count("submit"), "form submitted more than once")
	assert.Equal(t, 2, decision.count("verify"))

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.Equal(t, "confirmation-1", app.Artifacts.ConfirmationRef)
	assert.Equal(t, 1, countEdges(app, domain.StepSubmittingForm, domain.StepRetryQueue))
	assert.Equal(t, 1, countEdges(app, domain.StepBackToReady, domain.StepSubmittingForm))
}

func TestLoop_FillValidationErrorCorrected(t *testing.T) {
	decision := &fakeDecision{score: 0.9}
	automation := &fakeAutomation{fillErrs: 1}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	// Исправленный план применяется без backoff в том же Run
	results := env.drive(t, id)
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeSubmitted, results[0].Outcome)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.Equal(t, 1, countEdges(app, domain.StepFillingForm, domain.StepRetryQueue))
	assert.Equal(t, 1, countEdges(app, domain.StepBackToReady, domain.StepFillingForm))

	// Исправление запрошено с ошибкой заполнения и исходным планом
	require.Len(t, decision.corrections, 1)
	assert.Contains(t, decision.corrections[0].Errors[0], "selector #phone not found")
	require.NotNil(t, decision.corrections[0].Previous)
	assert.Equal(t, "candidate+1@example.com", decision.corrections[0].Previous.Actions[0].Value)

	// Второе заполнение использует исправленный план, новый план не запрашивается
	assert.Equal(t, 2, decision.count("plan"))
	require.Len(t, automation.plans, 2)
	assert.Equal(t, "candidate+2@example.com", automation.plans[1].Actions[0].Value)
	assert.Equal(t, "candidate+2@example.com", app.Artifacts.ActionPlan.Actions[0].Value)
	assert.Nil(t, app.Artifacts.CorrectedPlan)
}

func TestLoop_InvalidPlanCorrected(t *testing.T) {
	decision := &fakeDecision{score: 0.9, planErrs: 1}
	automation := &fakeAutomation{}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	assert.Equal(t, domain.OutcomeSubmitted, results[len(results)-1].Outcome)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.Equal(t, 1, countEdges(app, domain.StepFillingForm, domain.StepRetryQueue))

	require.Len(t, decision.corrections, 1)
	assert.Contains(t, decision.corrections[0].Errors[0], gateway.ErrInvalidPlan.Error())
	assert.Equal(t, 2, decision.count("plan"))
	assert.Equal(t, 1, automation.count("fill"))
}

func TestLoop_FillValidationExhaustsAttempts(t *testing.T) {
	decision := &fakeDecision{score: 0.9}
	automation := &fakeAutomation{fillErrs: 10}
	env := newTestEnv(t, decision, automation)
	id := env.create(t, testPayload)

	results := env.drive(t, id)
	assert.Equal(t, domain.OutcomeMaxRetriesExhausted, results[len(results)-1].Outcome)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.Equal(t, 3, automation.count("fill"))
	assert.Equal(t, 3, countEdges(app, domain.StepFillingForm, domain.StepRetryQueue))
	assert.Equal(t, 1, countEdges(app, domain.StepRetryQueue, domain.StepMaxRetries))
	assert.Zero(t, automation.count("submit"))
}

func TestLoop_SuspendEnqueues(t *testing.T) {
	decision := &fakeDecision{score: 0.9, unconfirmed: 1}
	env := newTestEnv(t, decision, &fakeAutomation{})
	id := env.create(t, testPayload)

	res, err := env.loop.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	assert.True(t, res.NotBefore.Equal(env.clock.Now().Add(time.Second)))
	assert.Equal(t, 1, env.store.PendingLen())

	// До NotBefore запись не готова
	_, err = env.store.DequeueReady(context.Background())
	assert.ErrorIs(t, err, repo.ErrQueueEmpty)

	// Повторный Run до срока снова приостанавливается без переходов
	res, err = env.loop.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)
	assert.Zero(t, res.Transitions)
}

// --- Cancellation Tests ---

func TestLoop_CancelBeforeRun(t *testing.T) {
	automation := &fakeAutomation{}
	env := newTestEnv(t, &fakeDecision{score: 0.9}, automation)
	id := env.create(t, testPayload)

	_, err := env.ctrl.RequestCancel(context.Background(), id)
	require.NoError(t, err)

	results := env.drive(t, id)
	assert.Equal(t, domain.OutcomeCancelled, results[0].Outcome)
	assert.Zero(t, automation.count("navigate"))
}

func TestLoop_CancelDuringCall(t *testing.T) {
	automation := &fakeAutomation{}
	env := newTestEnv(t, &fakeDecision{score: 0.9}, automation)
	id := env.create(t, testPayload)

	// Отмена приходит, пока идёт навигация: её результат отбрасывается
	automation.navigate = func(context.Context) error {
		_, err := env.ctrl.RequestCancel(context.Background(), id)
		return err
	}

	results := env.drive(t, id)
	assert.Equal(t, domain.OutcomeCancelled, results[0].Outcome)

	app := env.load(t, id)
	assertHistoryContinuity(t, app)
	assert.False(t, visited(app)[domain.StepFillingForm])
	assert.Equal(t, 1, countEdges(app, domain.StepNavigatingPortal, domain.StepComplete))
	assert.Zero(t, automation.count("fill"))
}

func TestLoop_ContextCancelled(t *testing.T) {
	env := newTestEnv(t, &fakeDecision{score: 0.9}, &fakeAutomation{})
	id := env.create(t, testPayload)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.loop.Run(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)

	app := env.load(t, id)
	assert.Equal(t, domain.StepInitiated, app.Step())
}

func TestLoop_UnknownApplication(t *testing.T) {
	env := newTestEnv(t, &fakeDecision{score: 0.9}, &fakeAutomation{})

	_, err := env.loop.Run(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
