package reconcile

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coachdesk/subsync/internal/auth"
	"github.com/coachdesk/subsync/internal/entitlement"
	"github.com/coachdesk/subsync/internal/profile"
	"github.com/coachdesk/subsync/internal/subscription"
	"github.com/coachdesk/subsync/internal/tier"
)

// Handler exposes the reconciliation endpoint and the subscription read.
type Handler struct {
	engine   *Engine
	profiles profile.Store
	subs     subscription.Store
	logger   *slog.Logger
}

// NewHandler creates a new reconcile handler.
func NewHandler(engine *Engine, profiles profile.Store, subs subscription.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, profiles: profiles, subs: subs, logger: logger}
}

// RegisterRoutes sets up the authenticated subscription routes. Extra
// middleware applies to the reconcile route only, which is the one that
// fans out to the provider.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, reconcileMW ...gin.HandlerFunc) {
	r.POST("/subscription/reconcile", append(reconcileMW, h.Reconcile)...)
	r.GET("/subscription", h.GetSubscription)
}

// Reconcile handles POST /v1/subscription/reconcile.
func (h *Handler) Reconcile(c *gin.Context) {
	userID := auth.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
		return
	}

	res, err := h.engine.Reconcile(c.Request.Context(), userID)
	if err != nil {
		var pe *entitlement.ProviderError
		if errors.As(err, &pe) {
			// Transient upstream trouble; the caller should retry later.
			// Deliberately not a downgrade.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "entitlement_provider_unavailable",
				"message": "entitlement provider could not be reached, try again later",
			})
			return
		}
		var we *WriteError
		if errors.As(err, &we) {
			h.logger.Error("reconciliation decided but not persisted", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "subscription_write_failed",
				"message": "reconciliation computed but could not be saved",
			})
			return
		}
		h.logger.Error("reconciliation failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, res)
}

// GetSubscription handles GET /v1/subscription.
func (h *Handler) GetSubscription(c *gin.Context) {
	userID := auth.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
		return
	}

	p, err := h.profiles.GetByUserID(c.Request.Context(), userID)
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_coach_profile", "message": "no coach profile for this account"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "profile lookup failed"})
		return
	}

	rec, err := h.subs.Get(c.Request.Context(), p.ID)
	if errors.Is(err, subscription.ErrNotFound) {
		// No record yet: the coach is on the implicit free tier.
		c.JSON(http.StatusOK, gin.H{"tier": tier.Free, "status": subscription.StatusExpired})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "subscription lookup failed"})
		return
	}

	c.JSON(http.StatusOK, rec)
}
