package processor

import (
	"context"
	"errors"
	"fmt"
)

// Outcome is the terminal result a processor reports for a charge.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Sentinel errors shared by all adapters.
var (
	// ErrProcessor marks a network or processor-side failure. Retryable.
	ErrProcessor = errors.New("processor error")
	// ErrInvalidSignature marks a notification whose signature did not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload marks a notification that could not be parsed.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// InitiateRequest carries everything an adapter needs to start a charge.
type InitiateRequest struct {
	PaymentPublicID string // our idempotency handle, sent to the processor
	AccountID       uint
	ProcessorPlanID string
	AmountCents     int64
	Currency        string
	MethodToken     string
}

// InitiateResult is what a processor hands back when a charge is started.
// ImmediateOutcome is set only by synchronous processors; everyone else
// settles through a later webhook.
type InitiateResult struct {
	Reference        string
	ImmediateOutcome *Outcome
}

// Notification is a parsed, signature-verified processor webhook.
type Notification struct {
	Processor string
	Reference string
	Outcome   Outcome
	EventID   string
}

// Adapter is the uniform capability interface in front of one payment
// processor. Implementations must be safe for concurrent use.
type Adapter interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	ParseNotification(payload []byte, signature string) (Notification, error)
}

// StatusQuerier is implemented by adapters that can be polled for the state
// of a reference, used by the dead-letter reconcile pass when no webhook
// ever arrived. A nil outcome means the charge is still unsettled.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, reference string) (*Outcome, error)
}

func processorErr(name string, err error) error {
	return fmt.Errorf("%s: %w: %v", name, ErrProcessor, err)
}
