package mq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload_ApplicationPending(t *testing.T) {
	id := uuid.New()
	notBefore := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	body, err := json.Marshal(&Message{
		ID:      "m-1",
		Type:    MessageTypeApplicationPending,
		Payload: ApplicationPendingPayload{ApplicationID: id, NotBefore: notBefore},
	})
	require.NoError(t, err)

	// Как после доставки: payload приходит как map
	var msg Message
	require.NoError(t, json.Unmarshal(body, &msg))

	payload, err := ParsePayload[ApplicationPendingPayload](&msg)
	require.NoError(t, err)
	assert.Equal(t, id, payload.ApplicationID)
	assert.True(t, notBefore.Equal(payload.NotBefore))
}

func TestParsePayload_TypeMismatch(t *testing.T) {
	msg := &Message{Payload: map[string]any{"application_id": 42}}

	_, err := ParsePayload[ApplicationPendingPayload](msg)
	assert.Error(t, err)
}

func TestNewTransitionedPayload(t *testing.T) {
	batch := uuid.New()
	app := domain.NewApplication(domain.Payload{ResumeRef: "r", JobRef: "j", TargetURL: "u"}, &batch, time.Now())
	app.Version = 4
	app.Outcome = domain.OutcomeSubmitted

	entry := domain.HistoryEntry{
		From:    domain.StepSubmitted,
		To:      domain.StepComplete,
		Event:   domain.EventFinalize,
		Cause:   "submitted",
		Attempt: 0,
	}

	p := NewTransitionedPayload(app, entry)
	assert.Equal(t, app.ID, p.ApplicationID)
	assert.Equal(t, &batch, p.BatchID)
	assert.Equal(t, "SUBMITTED", p.From)
	assert.Equal(t, "COMPLETE", p.To)
	assert.Equal(t, domain.OutcomeSubmitted, p.Outcome)
	assert.Equal(t, int64(4), p.Version)
}

func TestTopology_BindingsReferenceDeclared(t *testing.T) {
	exchanges, queues, bindings := topology()

	declaredEx := make(map[Exchange]bool)
	for _, ex := range exchanges {
		declaredEx[ex.name] = true
	}
	declaredQ := make(map[Queue]bool)
	for _, q := range queues {
		declaredQ[q.name] = true
	}

	for _, b := range bindings {
		assert.True(t, declaredEx[b.exchange], "exchange %s", b.exchange)
		assert.True(t, declaredQ[b.queue], "queue %s", b.queue)
	}
}
