package override

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coachdesk/subsync/internal/tier"
)

// Handler provides the admin endpoints that grant and revoke overrides.
// The reconciliation engine never goes through here; it reads the store
// directly.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new override handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes sets up the admin override routes. The group is expected
// to carry the admin guard already.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/overrides/:coachID", h.Get)
	r.PUT("/overrides/:coachID", h.Grant)
	r.DELETE("/overrides/:coachID", h.Revoke)
}

// Get handles GET /v1/admin/overrides/:coachID.
func (h *Handler) Get(c *gin.Context) {
	o, err := h.store.Get(c.Request.Context(), c.Param("coachID"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no override for this coach"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "override lookup failed"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// Grant handles PUT /v1/admin/overrides/:coachID.
func (h *Handler) Grant(c *gin.Context) {
	var req struct {
		Tier      tier.Tier  `json:"tier" binding:"required"`
		ExpiresAt *time.Time `json:"expiresAt"`
		GrantedBy string     `json:"grantedBy"`
		Reason    string     `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier required"})
		return
	}
	if !tier.Valid(req.Tier) || req.Tier == tier.Free {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown or non-grantable tier"})
		return
	}

	o := &Override{
		CoachID:   c.Param("coachID"),
		Tier:      req.Tier,
		Active:    true,
		ExpiresAt: req.ExpiresAt,
		GrantedBy: req.GrantedBy,
		Reason:    req.Reason,
	}
	if err := h.store.Put(c.Request.Context(), o); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save override"})
		return
	}

	h.logger.Info("tier override granted",
		"coach_id", o.CoachID, "tier", o.Tier, "granted_by", o.GrantedBy)
	c.JSON(http.StatusOK, o)
}

// Revoke handles DELETE /v1/admin/overrides/:coachID.
func (h *Handler) Revoke(c *gin.Context) {
	coachID := c.Param("coachID")
	err := h.store.Delete(c.Request.Context(), coachID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no override for this coach"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to revoke override"})
		return
	}

	h.logger.Info("tier override revoked", "coach_id", coachID)
	c.Status(http.StatusNoContent)
}
