package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxnotehq/voxbill/internal/pkg/env"
)

const defaultCardnetAPIBaseURL = "https://api.cardnet.example.com/v1"

// CardnetAdapter talks to the card-network direct-charge API. Cardnet is the
// only processor that can settle synchronously: the charge response may
// already carry a terminal outcome.
type CardnetAdapter struct {
	APIBaseURL    string
	APIKey        string
	WebhookSecret string

	HTTPClient *http.Client
}

// NewCardnetAdapterFromEnv builds the cardnet adapter from environment config.
func NewCardnetAdapterFromEnv() *CardnetAdapter {
	return &CardnetAdapter{
		APIBaseURL:    strings.TrimRight(env.GetEnv("CARDNET_API_BASE_URL", defaultCardnetAPIBaseURL), "/"),
		APIKey:        strings.TrimSpace(env.GetEnv("CARDNET_API_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("CARDNET_WEBHOOK_SECRET", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *CardnetAdapter) Name() string { return "cardnet" }

type cardnetChargeRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	PlanID         string `json:"plan_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	MethodToken    string `json:"method_token"`
}

type cardnetChargeResponse struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"` // "succeeded", "failed" or "processing"
}

func (a *CardnetAdapter) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if a.APIKey == "" {
		return InitiateResult{}, errors.New("CARDNET_API_KEY is not configured")
	}

	body, err := json.Marshal(cardnetChargeRequest{
		IdempotencyKey: req.PaymentPublicID,
		PlanID:         req.ProcessorPlanID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		MethodToken:    req.MethodToken,
	})
	if err != nil {
		return InitiateResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBaseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return InitiateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.HTTPClient.Do(httpReq)
	if err != nil {
		return InitiateResult{}, processorErr(a.Name(), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return InitiateResult{}, processorErr(a.Name(), fmt.Errorf("charge failed: status=%d body=%s", resp.StatusCode, string(respBody)))
	}

	var out cardnetChargeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return InitiateResult{}, processorErr(a.Name(), err)
	}
	if out.ChargeID == "" {
		return InitiateResult{}, processorErr(a.Name(), errors.New("charge response missing charge_id"))
	}

	result := InitiateResult{Reference: out.ChargeID}
	switch out.Status {
	case "succeeded":
		o := OutcomeSuccess
		result.ImmediateOutcome = &o
	case "failed":
		o := OutcomeFailed
		result.ImmediateOutcome = &o
	}
	return result, nil
}

type cardnetWebhookPayload struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"` // "charge.succeeded" or "charge.failed"
	Data    struct {
		ChargeID string `json:"charge_id"`
	} `json:"data"`
}

func (a *CardnetAdapter) ParseNotification(payload []byte, signature string) (Notification, error) {
	if !VerifyWebhookSignature(payload, signature, a.WebhookSecret) {
		return Notification{}, ErrInvalidSignature
	}

	var p cardnetWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Data.ChargeID == "" {
		return Notification{}, fmt.Errorf("%w: missing charge_id", ErrMalformedPayload)
	}

	var outcome Outcome
	switch p.Type {
	case "charge.succeeded":
		outcome = OutcomeSuccess
	case "charge.failed":
		outcome = OutcomeFailed
	default:
		return Notification{}, fmt.Errorf("%w: unsupported event type %q", ErrMalformedPayload, p.Type)
	}

	return Notification{
		Processor: a.Name(),
		Reference: p.Data.ChargeID,
		Outcome:   outcome,
		EventID:   p.EventID,
	}, nil
}

type cardnetStatusResponse struct {
	Status string `json:"status"`
}

// QueryStatus polls a charge that never produced a webhook.
func (a *CardnetAdapter) QueryStatus(ctx context.Context, reference string) (*Outcome, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIBaseURL+"/charges/"+reference, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, processorErr(a.Name(), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, processorErr(a.Name(), fmt.Errorf("status query failed: status=%d", resp.StatusCode))
	}

	var out cardnetStatusResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, processorErr(a.Name(), err)
	}
	switch out.Status {
	case "succeeded":
		o := OutcomeSuccess
		return &o, nil
	case "failed":
		o := OutcomeFailed
		return &o, nil
	default:
		return nil, nil
	}
}
