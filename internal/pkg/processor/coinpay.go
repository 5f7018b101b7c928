package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxnotehq/voxbill/internal/pkg/env"
)

const defaultCoinPayAPIBaseURL = "https://api.coinpay.example.com/v2"

// CoinPayAdapter integrates the cryptocurrency payment network. A charge
// allocates a deposit address; the network notifies us once the transfer to
// that address has enough confirmations.
type CoinPayAdapter struct {
	APIBaseURL       string
	APIKey           string
	WebhookSecret    string
	MinConfirmations int

	HTTPClient *http.Client
}

// NewCoinPayAdapterFromEnv builds the coinpay adapter from environment config.
func NewCoinPayAdapterFromEnv() *CoinPayAdapter {
	minConf := 3
	if v, err := strconv.Atoi(env.GetEnv("COINPAY_MIN_CONFIRMATIONS", "")); err == nil && v > 0 {
		minConf = v
	}
	return &CoinPayAdapter{
		APIBaseURL:       strings.TrimRight(env.GetEnv("COINPAY_API_BASE_URL", defaultCoinPayAPIBaseURL), "/"),
		APIKey:           strings.TrimSpace(env.GetEnv("COINPAY_API_KEY", "")),
		WebhookSecret:    strings.TrimSpace(env.GetEnv("COINPAY_WEBHOOK_SECRET", "")),
		MinConfirmations: minConf,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *CoinPayAdapter) Name() string { return "coinpay" }

type coinPayAddressRequest struct {
	ExternalID  string `json:"external_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type coinPayAddressResponse struct {
	PaymentID string `json:"payment_id"`
	Address   string `json:"address"`
}

func (a *CoinPayAdapter) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if a.APIKey == "" {
		return InitiateResult{}, errors.New("COINPAY_API_KEY is not configured")
	}

	body, err := json.Marshal(coinPayAddressRequest{
		ExternalID:  req.PaymentPublicID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		return InitiateResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBaseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return InitiateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", a.APIKey)

	resp, err := a.HTTPClient.Do(httpReq)
	if err != nil {
		return InitiateResult{}, processorErr(a.Name(), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return InitiateResult{}, processorErr(a.Name(), fmt.Errorf("payment creation failed: status=%d body=%s", resp.StatusCode, string(respBody)))
	}

	var out coinPayAddressResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return InitiateResult{}, processorErr(a.Name(), err)
	}
	if out.PaymentID == "" {
		return InitiateResult{}, processorErr(a.Name(), errors.New("payment response missing payment_id"))
	}

	// Settlement waits for the on-chain transfer, never synchronous.
	return InitiateResult{Reference: out.PaymentID}, nil
}

type coinPayWebhookPayload struct {
	TxnID         string `json:"txn_id"`
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"` // "confirmed", "underpaid" or "expired"
	Confirmations int    `json:"confirmations"`
}

func (a *CoinPayAdapter) ParseNotification(payload []byte, signature string) (Notification, error) {
	if !VerifyWebhookSignature(payload, signature, a.WebhookSecret) {
		return Notification{}, ErrInvalidSignature
	}

	var p coinPayWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.PaymentID == "" {
		return Notification{}, fmt.Errorf("%w: missing payment_id", ErrMalformedPayload)
	}

	var outcome Outcome
	switch p.Status {
	case "confirmed":
		if p.Confirmations < a.MinConfirmations {
			return Notification{}, fmt.Errorf("%w: confirmed with %d confirmations, need %d", ErrMalformedPayload, p.Confirmations, a.MinConfirmations)
		}
		outcome = OutcomeSuccess
	case "underpaid", "expired":
		outcome = OutcomeFailed
	default:
		return Notification{}, fmt.Errorf("%w: unsupported status %q", ErrMalformedPayload, p.Status)
	}

	return Notification{
		Processor: a.Name(),
		Reference: p.PaymentID,
		Outcome:   outcome,
		EventID:   p.TxnID,
	}, nil
}
