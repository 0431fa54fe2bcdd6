package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v81"

	"github.com/coachdesk/subsync/internal/subscription"
	"github.com/coachdesk/subsync/internal/tier"
)

const testSecret = "whsec_test"

func init() {
	gin.SetMode(gin.TestMode)
}

// signPayload builds a valid Stripe-Signature header for the payload.
func signPayload(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionEvent(eventType string, periodEnd int64, status string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"api_version": %q,
		"type": %q,
		"data": {
			"object": {
				"id": "sub_1",
				"status": %q,
				"current_period_end": %d,
				"metadata": {"coach_id": "coach-1", "tier": "pro"}
			}
		}
	}`, stripe.APIVersion, eventType, status, periodEnd))
}

func setup() (*Handler, *subscription.MemoryStore, *gin.Engine) {
	store := subscription.NewMemoryStore()
	h := NewHandler(store, nil, testSecret, nil)
	r := gin.New()
	wh := r.Group("/webhooks")
	h.RegisterRoutes(wh)
	return h, store, r
}

func post(r *gin.Engine, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_SubscriptionCreated(t *testing.T) {
	_, store, r := setup()

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	payload := subscriptionEvent("customer.subscription.created", periodEnd, "active")

	w := post(r, payload, signPayload(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := store.Get(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, rec.Tier)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, time.Unix(periodEnd, 0).UTC(), rec.CurrentPeriodEnd)
}

func TestWebhook_PastDueMapsThrough(t *testing.T) {
	_, store, r := setup()

	payload := subscriptionEvent("customer.subscription.updated", time.Now().Unix(), "past_due")
	w := post(r, payload, signPayload(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := store.Get(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, rec.Status)
	assert.Equal(t, tier.Pro, rec.Tier)
}

func TestWebhook_SubscriptionDeletedExpiresRecord(t *testing.T) {
	_, store, r := setup()

	payload := subscriptionEvent("customer.subscription.deleted", time.Now().Unix(), "canceled")
	w := post(r, payload, signPayload(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := store.Get(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusExpired, rec.Status)
	assert.Equal(t, tier.Free, rec.Tier)
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	_, store, r := setup()

	payload := subscriptionEvent("customer.subscription.created", time.Now().Unix(), "active")
	w := post(r, payload, "t=123,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := store.Get(context.Background(), "coach-1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestWebhook_UnhandledTypeAcknowledged(t *testing.T) {
	_, store, r := setup()

	payload := []byte(fmt.Sprintf(`{"id": "evt_2", "api_version": %q, "type": "invoice.paid", "data": {"object": {}}}`, stripe.APIVersion))
	w := post(r, payload, signPayload(payload, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := store.Get(context.Background(), "coach-1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestWebhook_MissingMetadataIsError(t *testing.T) {
	_, _, r := setup()

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_3",
		"api_version": %q,
		"type": "customer.subscription.created",
		"data": {"object": {"id": "sub_2", "status": "active", "current_period_end": 1, "metadata": {}}}
	}`, stripe.APIVersion))
	w := post(r, payload, signPayload(payload, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
