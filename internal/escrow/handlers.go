package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaamkart/escrow/internal/metrics"
	"github.com/kaamkart/escrow/internal/money"
)

// Handler provides HTTP endpoints for admin-driven escrow operations.
// Authorization happens upstream; the identity module forwards the acting
// admin in X-Actor-ID and this engine trusts it.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/release", h.ReleaseEscrow)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/engagements/:id/payment", h.GetEngagementPayment)
	r.POST("/disputes", h.RaiseDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

func actorID(c *gin.Context) string {
	return c.GetHeader("X-Actor-ID")
}

// errStatus maps ledger errors onto HTTP status and error codes.
func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrEngagementNotFound),
		errors.Is(err, ErrDisputeNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrDisputeClosed),
		errors.Is(err, ErrActiveExists):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidResolution),
		errors.Is(err, money.ErrInvalidPercentage):
		return http.StatusBadRequest, "validation_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func abortWith(c *gin.Context, err error) {
	status, code := errStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateEscrowRequest funds an engagement.
type CreateEscrowRequest struct {
	EngagementID string `json:"engagementId" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
}

// CreateEscrow handles POST /v1/escrow — called by the engagement module
// when the provider accepts.
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "engagementId and amount are required",
		})
		return
	}

	p, err := h.service.CreatePendingEscrow(c.Request.Context(), req.EngagementID, money.Amount(req.Amount))
	if err != nil {
		abortWith(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// ReleaseRequest identifies the engagement whose escrow to release.
type ReleaseRequest struct {
	EngagementID string `json:"engagementId" binding:"required"`
}

// ReleaseEscrow handles POST /v1/escrow/release — manual admin release.
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "engagementId is required",
		})
		return
	}

	p, err := h.service.ReleaseByEngagement(c.Request.Context(), req.EngagementID, actorID(c))
	if err != nil {
		// The release gate is a 400 with the explicit reason, not a bare 409.
		if errors.Is(err, ErrInvalidState) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
			return
		}
		abortWith(c, err)
		return
	}

	metrics.ReleasesTotal.WithLabelValues("manual").Inc()
	c.JSON(http.StatusOK, gin.H{
		"payment":        p,
		"releasedAmount": int64(p.Amount),
	})
}

// GetPayment handles GET /v1/payments/:id.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetEngagementPayment handles GET /v1/engagements/:id/payment.
func (h *Handler) GetEngagementPayment(c *gin.Context) {
	p, err := h.service.GetPaymentByEngagement(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// RaiseDisputeRequest opens a dispute on an engagement's held payment.
type RaiseDisputeRequest struct {
	EngagementID string `json:"engagementId" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
}

// RaiseDispute handles POST /v1/disputes — invoked by the engagement
// collaborator on behalf of the disputing party.
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "engagementId and reason are required",
		})
		return
	}

	d, err := h.service.RaiseDispute(c.Request.Context(), req.EngagementID, actorID(c), req.Reason)
	if err != nil {
		abortWith(c, err)
		return
	}

	metrics.DisputesOpenedTotal.Inc()
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id.
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDisputeRequest carries the administrative decision.
type ResolveDisputeRequest struct {
	Resolution       Resolution `json:"resolution" binding:"required"`
	RefundPercentage *int       `json:"refundPercentage"`
	Notes            string     `json:"notes"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (release_to_payee, full_refund, partial_refund, or no_refund)",
		})
		return
	}

	if req.Resolution == ResolutionPartialRefund && req.RefundPercentage == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "refundPercentage is required for partial_refund",
		})
		return
	}
	pct := 0
	if req.RefundPercentage != nil {
		pct = *req.RefundPercentage
	}

	d, p, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution, pct, req.Notes, actorID(c))
	if err != nil {
		abortWith(c, err)
		return
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(d.Resolution)).Inc()
	if p.Status == StatusEscrowReleased {
		metrics.ReleasesTotal.WithLabelValues("dispute").Inc()
	}
	c.JSON(http.StatusOK, gin.H{
		"dispute":      d,
		"payment":      p,
		"refundAmount": int64(p.RefundAmount),
		"payeeAmount":  int64(p.PayeeAmount()),
	})
}
