package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedPayload(t *testing.T, secret, payload string) ([]byte, string) {
	t.Helper()
	raw := []byte(payload)
	return raw, SignWebhookPayload(raw, secret)
}

func TestCardnetParseNotification(t *testing.T) {
	a := &CardnetAdapter{WebhookSecret: "cn-secret"}

	raw, sig := signedPayload(t, "cn-secret", `{"event_id":"evt_1","type":"charge.succeeded","data":{"charge_id":"ch_1"}}`)
	n, err := a.ParseNotification(raw, sig)
	require.NoError(t, err)
	assert.Equal(t, "cardnet", n.Processor)
	assert.Equal(t, "ch_1", n.Reference)
	assert.Equal(t, OutcomeSuccess, n.Outcome)
	assert.Equal(t, "evt_1", n.EventID)

	raw, sig = signedPayload(t, "cn-secret", `{"event_id":"evt_2","type":"charge.failed","data":{"charge_id":"ch_2"}}`)
	n, err = a.ParseNotification(raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, n.Outcome)
}

func TestCardnetParseNotificationRejections(t *testing.T) {
	a := &CardnetAdapter{WebhookSecret: "cn-secret"}

	raw, _ := signedPayload(t, "cn-secret", `{"type":"charge.succeeded","data":{"charge_id":"ch_1"}}`)
	_, err := a.ParseNotification(raw, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	raw, sig := signedPayload(t, "cn-secret", `not json`)
	_, err = a.ParseNotification(raw, sig)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	raw, sig = signedPayload(t, "cn-secret", `{"type":"charge.succeeded","data":{}}`)
	_, err = a.ParseNotification(raw, sig)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	raw, sig = signedPayload(t, "cn-secret", `{"type":"charge.disputed","data":{"charge_id":"ch_1"}}`)
	_, err = a.ParseNotification(raw, sig)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRedirectPayParseNotification(t *testing.T) {
	a := &RedirectPayAdapter{WebhookSecret: "rp-secret"}

	raw, sig := signedPayload(t, "rp-secret", `{"notification_id":"n_1","checkout_id":"co_1","status":"completed"}`)
	n, err := a.ParseNotification(raw, sig)
	require.NoError(t, err)
	assert.Equal(t, "redirectpay", n.Processor)
	assert.Equal(t, "co_1", n.Reference)
	assert.Equal(t, OutcomeSuccess, n.Outcome)

	for _, status := range []string{"canceled", "expired"} {
		raw, sig = signedPayload(t, "rp-secret", `{"notification_id":"n_2","checkout_id":"co_2","status":"`+status+`"}`)
		n, err = a.ParseNotification(raw, sig)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, n.Outcome)
	}

	raw, sig = signedPayload(t, "rp-secret", `{"notification_id":"n_3","checkout_id":"","status":"completed"}`)
	_, err = a.ParseNotification(raw, sig)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCoinPayParseNotificationConfirmations(t *testing.T) {
	a := &CoinPayAdapter{WebhookSecret: "cp-secret", MinConfirmations: 3}

	raw, sig := signedPayload(t, "cp-secret", `{"txn_id":"tx_1","payment_id":"p_1","status":"confirmed","confirmations":3}`)
	n, err := a.ParseNotification(raw, sig)
	require.NoError(t, err)
	assert.Equal(t, "coinpay", n.Processor)
	assert.Equal(t, OutcomeSuccess, n.Outcome)

	// Not enough confirmations yet: the notification must be rejected so the
	// network retries once the transfer is buried deeper.
	raw, sig = signedPayload(t, "cp-secret", `{"txn_id":"tx_2","payment_id":"p_1","status":"confirmed","confirmations":1}`)
	_, err = a.ParseNotification(raw, sig)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	for _, status := range []string{"underpaid", "expired"} {
		raw, sig = signedPayload(t, "cp-secret", `{"txn_id":"tx_3","payment_id":"p_2","status":"`+status+`","confirmations":0}`)
		n, err = a.ParseNotification(raw, sig)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, n.Outcome)
	}
}

func TestFakeAdapterScripting(t *testing.T) {
	a := NewFakeAdapter("cardnet")

	res, err := a.Initiate(context.Background(), InitiateRequest{PaymentPublicID: "pub_1"})
	require.NoError(t, err)
	assert.Equal(t, a.LastReference(), res.Reference)
	assert.Nil(t, res.ImmediateOutcome)

	o := OutcomeSuccess
	a.SetImmediateOutcome(&o)
	res, err = a.Initiate(context.Background(), InitiateRequest{PaymentPublicID: "pub_2"})
	require.NoError(t, err)
	require.NotNil(t, res.ImmediateOutcome)
	assert.Equal(t, OutcomeSuccess, *res.ImmediateOutcome)

	payload, sig := a.SignedWebhook("evt_1", res.Reference, OutcomeSuccess)
	n, err := a.ParseNotification(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, res.Reference, n.Reference)
	assert.Equal(t, "evt_1", n.EventID)

	status, err := a.QueryStatus(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Nil(t, status)
	a.SetStatus(res.Reference, &o)
	status, err = a.QueryStatus(context.Background(), res.Reference)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, OutcomeSuccess, *status)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(NewFakeAdapter("cardnet"))
	r.Register(NewFakeAdapter("coinpay"))

	a, err := r.Get("cardnet")
	require.NoError(t, err)
	assert.Equal(t, "cardnet", a.Name())

	_, err = r.Get("paypal")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"cardnet", "coinpay"}, r.Names())
}
