// Package billing receives Stripe subscription lifecycle webhooks and
// maintains the payment-derived local subscription record.
//
// Checkout itself lives in the hosting application; subsync only needs
// the resulting subscription events. The reconciliation engine treats
// the record written here as local state to be corrected against the
// entitlement provider, never as ground truth.
package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/coachdesk/subsync/internal/subscription"
	"github.com/coachdesk/subsync/internal/tier"
)

var webhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "subsync",
	Subsystem: "billing",
	Name:      "webhook_events_total",
	Help:      "Total Stripe webhook events by type and result.",
}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(webhookEventsTotal)
}

// maxBodyBytes caps webhook payload size, per Stripe's own guidance.
const maxBodyBytes = int64(65536)

// Publisher broadcasts subscription changes to live listeners.
type Publisher interface {
	Publish(eventType string, data map[string]interface{})
}

// Handler processes Stripe webhooks.
type Handler struct {
	subs   subscription.Store
	events Publisher
	secret string
	logger *slog.Logger
}

// NewHandler creates a Stripe webhook handler.
func NewHandler(subs subscription.Store, events Publisher, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{subs: subs, events: events, secret: secret, logger: logger}
}

// RegisterRoutes sets up the webhook route. No session auth here; the
// request is authenticated by its Stripe signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /webhooks/stripe.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	event, err := webhook.ConstructEvent(body, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		webhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		h.logger.Warn("stripe webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		err = h.applySubscription(c, event, false)
	case "customer.subscription.deleted":
		err = h.applySubscription(c, event, true)
	default:
		// Not ours; acknowledge so Stripe stops retrying.
		webhookEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err != nil {
		webhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		h.logger.Error("stripe webhook processing failed", "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "event processing failed"})
		return
	}

	webhookEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) applySubscription(c *gin.Context, event stripe.Event, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	coachID := sub.Metadata["coach_id"]
	if coachID == "" {
		// Subscription created outside the platform; nothing to key on.
		h.logger.Warn("stripe subscription without coach_id metadata", "subscription", sub.ID)
		return errors.New("billing: subscription missing coach_id metadata")
	}

	t := tier.Tier(sub.Metadata["tier"])
	if !tier.Paid(t) {
		return errors.New("billing: subscription missing or invalid tier metadata")
	}

	rec := &subscription.Record{
		CoachID:          coachID,
		Tier:             t,
		Status:           mapStatus(sub.Status, deleted),
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if rec.Status == subscription.StatusExpired {
		rec.Tier = tier.Free
	}

	if err := h.subs.Upsert(c.Request.Context(), rec); err != nil {
		return err
	}

	h.logger.Info("subscription updated from stripe",
		"coach_id", coachID, "tier", rec.Tier, "status", rec.Status)
	if h.events != nil {
		h.events.Publish("subscription.updated", map[string]interface{}{
			"coachId": coachID,
			"tier":    string(rec.Tier),
			"status":  string(rec.Status),
		})
	}
	return nil
}

// mapStatus translates Stripe's subscription status into the local one.
func mapStatus(s stripe.SubscriptionStatus, deleted bool) subscription.Status {
	if deleted {
		return subscription.StatusExpired
	}
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return subscription.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return subscription.StatusPastDue
	default:
		return subscription.StatusExpired
	}
}
