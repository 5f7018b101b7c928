package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeAdapter is a scriptable in-memory adapter used by unit tests and local
// development. It records every Initiate call and lets the caller decide the
// immediate outcome, the initiate error and the polled status per reference.
type FakeAdapter struct {
	ProcessorName string
	WebhookSecret string

	mu               sync.Mutex
	initiateErr      error
	immediateOutcome *Outcome
	initiated        []InitiateRequest
	statuses         map[string]*Outcome
	lastReference    string
}

// NewFakeAdapter creates a fake adapter answering to the given processor name.
func NewFakeAdapter(name string) *FakeAdapter {
	return &FakeAdapter{
		ProcessorName: name,
		WebhookSecret: "fake-secret",
		statuses:      make(map[string]*Outcome),
	}
}

func (a *FakeAdapter) Name() string { return a.ProcessorName }

// FailNextInitiate makes the next Initiate call return err.
func (a *FakeAdapter) FailNextInitiate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiateErr = err
}

// SetImmediateOutcome makes Initiate report a synchronous terminal result.
func (a *FakeAdapter) SetImmediateOutcome(o *Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.immediateOutcome = o
}

// SetStatus scripts the QueryStatus answer for a reference.
func (a *FakeAdapter) SetStatus(reference string, o *Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[reference] = o
}

// InitiatedCalls returns a copy of all recorded Initiate requests.
func (a *FakeAdapter) InitiatedCalls() []InitiateRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]InitiateRequest, len(a.initiated))
	copy(out, a.initiated)
	return out
}

// LastReference returns the reference assigned by the most recent Initiate.
func (a *FakeAdapter) LastReference() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReference
}

func (a *FakeAdapter) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return InitiateResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initiateErr != nil {
		err := a.initiateErr
		a.initiateErr = nil
		return InitiateResult{}, err
	}

	a.initiated = append(a.initiated, req)
	a.lastReference = "ref_" + uuid.NewString()
	return InitiateResult{
		Reference:        a.lastReference,
		ImmediateOutcome: a.immediateOutcome,
	}, nil
}

type fakeWebhookPayload struct {
	EventID   string `json:"event_id"`
	Reference string `json:"reference"`
	Outcome   string `json:"outcome"`
}

func (a *FakeAdapter) ParseNotification(payload []byte, signature string) (Notification, error) {
	if !VerifyWebhookSignature(payload, signature, a.WebhookSecret) {
		return Notification{}, ErrInvalidSignature
	}

	var p fakeWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Reference == "" {
		return Notification{}, fmt.Errorf("%w: missing reference", ErrMalformedPayload)
	}

	var outcome Outcome
	switch p.Outcome {
	case string(OutcomeSuccess):
		outcome = OutcomeSuccess
	case string(OutcomeFailed):
		outcome = OutcomeFailed
	default:
		return Notification{}, fmt.Errorf("%w: unsupported outcome %q", ErrMalformedPayload, p.Outcome)
	}

	return Notification{
		Processor: a.ProcessorName,
		Reference: p.Reference,
		Outcome:   outcome,
		EventID:   p.EventID,
	}, nil
}

// SignedWebhook builds a raw payload and matching signature for tests.
func (a *FakeAdapter) SignedWebhook(eventID, reference string, outcome Outcome) ([]byte, string) {
	payload, _ := json.Marshal(fakeWebhookPayload{
		EventID:   eventID,
		Reference: reference,
		Outcome:   string(outcome),
	})
	return payload, SignWebhookPayload(payload, a.WebhookSecret)
}

func (a *FakeAdapter) QueryStatus(ctx context.Context, reference string) (*Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statuses[reference], nil
}
