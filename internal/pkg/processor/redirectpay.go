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

const defaultRedirectPayAPIBaseURL = "https://checkout.redirectpay.example.com/api"

// RedirectPayAdapter integrates the redirect-based subscription checkout.
// Initiate only registers a checkout session; the user completes payment on
// the processor's pages and the result always arrives by webhook.
type RedirectPayAdapter struct {
	APIBaseURL    string
	MerchantID    string
	APIKey        string
	WebhookSecret string

	HTTPClient *http.Client
}

// NewRedirectPayAdapterFromEnv builds the redirectpay adapter from environment config.
func NewRedirectPayAdapterFromEnv() *RedirectPayAdapter {
	return &RedirectPayAdapter{
		APIBaseURL:    strings.TrimRight(env.GetEnv("REDIRECTPAY_API_BASE_URL", defaultRedirectPayAPIBaseURL), "/"),
		MerchantID:    strings.TrimSpace(env.GetEnv("REDIRECTPAY_MERCHANT_ID", "")),
		APIKey:        strings.TrimSpace(env.GetEnv("REDIRECTPAY_API_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("REDIRECTPAY_WEBHOOK_SECRET", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *RedirectPayAdapter) Name() string { return "redirectpay" }

type redirectPayCheckoutRequest struct {
	MerchantID  string `json:"merchant_id"`
	ExternalID  string `json:"external_id"`
	PlanID      string `json:"plan_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type redirectPayCheckoutResponse struct {
	CheckoutID string `json:"checkout_id"`
}

func (a *RedirectPayAdapter) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if a.MerchantID == "" || a.APIKey == "" {
		return InitiateResult{}, errors.New("REDIRECTPAY_MERCHANT_ID/REDIRECTPAY_API_KEY are not configured")
	}

	body, err := json.Marshal(redirectPayCheckoutRequest{
		MerchantID:  a.MerchantID,
		ExternalID:  req.PaymentPublicID,
		PlanID:      req.ProcessorPlanID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		return InitiateResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBaseURL+"/checkouts", bytes.NewReader(body))
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
		return InitiateResult{}, processorErr(a.Name(), fmt.Errorf("checkout registration failed: status=%d body=%s", resp.StatusCode, string(respBody)))
	}

	var out redirectPayCheckoutResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return InitiateResult{}, processorErr(a.Name(), err)
	}
	if out.CheckoutID == "" {
		return InitiateResult{}, processorErr(a.Name(), errors.New("checkout response missing checkout_id"))
	}

	// Always pending: the subscriber has not been through checkout yet.
	return InitiateResult{Reference: out.CheckoutID}, nil
}

type redirectPayWebhookPayload struct {
	NotificationID string `json:"notification_id"`
	CheckoutID     string `json:"checkout_id"`
	Status         string `json:"status"` // "completed" or "canceled"
}

func (a *RedirectPayAdapter) ParseNotification(payload []byte, signature string) (Notification, error) {
	if !VerifyWebhookSignature(payload, signature, a.WebhookSecret) {
		return Notification{}, ErrInvalidSignature
	}

	var p redirectPayWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.CheckoutID == "" {
		return Notification{}, fmt.Errorf("%w: missing checkout_id", ErrMalformedPayload)
	}

	var outcome Outcome
	switch p.Status {
	case "completed":
		outcome = OutcomeSuccess
	case "canceled", "expired":
		outcome = OutcomeFailed
	default:
		return Notification{}, fmt.Errorf("%w: unsupported status %q", ErrMalformedPayload, p.Status)
	}

	return Notification{
		Processor: a.Name(),
		Reference: p.CheckoutID,
		Outcome:   outcome,
		EventID:   p.NotificationID,
	}, nil
}
