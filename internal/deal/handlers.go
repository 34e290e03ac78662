package deal

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/middleman-market/middleman/internal/pagination"
	"github.com/middleman-market/middleman/internal/validation"
)

// Handler provides HTTP endpoints for deal lifecycle operations.
type Handler struct {
	service *Service
	timer   *Timer
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service, timer *Timer) *Handler {
	return &Handler{service: service, timer: timer}
}

// RegisterRoutes sets up public (read-only) deal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deals/:id", h.GetDeal)
	r.GET("/deals/code/:code", h.GetDealByCode)
}

// RegisterProtectedRoutes sets up auth-required deal routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.GET("/deals", h.ListDeals)
	r.GET("/deals/:id/events", h.ListEvents)
	r.POST("/deals/:id/claim", h.ClaimDeal)
	r.POST("/deals/:id/transfer", h.MarkTransferred)
	r.POST("/deals/:id/confirm", h.ConfirmDeal)
	r.POST("/deals/:id/dispute", h.DisputeDeal)
}

// RegisterAdminRoutes sets up operator-only deal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/cancel", h.CancelDeal)
	r.POST("/timeout-sweep", h.SweepNow)
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title and priceCents are required",
		})
		return
	}

	if errs := validation.Check(
		validation.Required("title", req.Title),
		validation.PositiveAmount("priceCents", req.PriceCents),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sellerID := c.GetString("authUserID")
	d, err := h.service.Create(c.Request.Context(), sellerID, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// GetDealByCode handles GET /v1/deals/code/:code
func (h *Handler) GetDealByCode(c *gin.Context) {
	d, err := h.service.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ListDeals handles GET /v1/deals (deals the caller participates in)
func (h *Handler) ListDeals(c *gin.Context) {
	userID := c.GetString("authUserID")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	deals, err := h.service.ListByParticipant(c.Request.Context(), userID, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deals": deals,
		"count": len(deals),
	})
}

// ListEvents handles GET /v1/deals/:id/events with cursor pagination.
func (h *Handler) ListEvents(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetString("authUserID")

	d, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if _, ok := d.PartyOf(userID); !ok {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "only deal participants can view the audit log",
		})
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}
	afterID := ""
	if cursor != nil {
		afterID = cursor.ID
	}

	const pageSize = 100
	events, err := h.service.Events(c.Request.Context(), id, afterID, pageSize+1)
	if err != nil {
		h.renderError(c, err)
		return
	}

	events, next, more := pagination.ComputePage(events, pageSize, func(ev *Event) (time.Time, string) {
		return ev.CreatedAt, ev.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"count":      len(events),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// ClaimDeal handles POST /v1/deals/:id/claim
func (h *Handler) ClaimDeal(c *gin.Context) {
	id := c.Param("id")
	buyerID := c.GetString("authUserID")

	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "depositTxRef is required",
		})
		return
	}
	if errs := validation.Check(validation.TxRef("depositTxRef", req.DepositTxRef)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	result, err := h.service.Claim(c.Request.Context(), id, buyerID, req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// MarkTransferred handles POST /v1/deals/:id/transfer
func (h *Handler) MarkTransferred(c *gin.Context) {
	d, err := h.service.MarkTransferred(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ConfirmDeal handles POST /v1/deals/:id/confirm
func (h *Handler) ConfirmDeal(c *gin.Context) {
	d, err := h.service.Confirm(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// DisputeDeal handles POST /v1/deals/:id/dispute
func (h *Handler) DisputeDeal(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	d, err := h.service.Dispute(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), validation.SanitizeText(req.Reason, 2000))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// CancelDeal handles POST /v1/admin/deals/:id/cancel
func (h *Handler) CancelDeal(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	d, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// SweepNow handles POST /v1/admin/timeout-sweep: one synchronous sweep pass.
func (h *Handler) SweepNow(c *gin.Context) {
	if h.timer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "sweeper is not configured",
		})
		return
	}
	res := h.timer.Sweep(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{"sweep": res})
}

// renderError maps domain errors to HTTP responses. Custody failures report a
// generic message so chain-layer details never leak to clients.
func (h *Handler) renderError(c *gin.Context, err error) {
	var custodyErr *CustodyError

	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	switch {
	case errors.Is(err, ErrDealNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyClaimed):
		status = http.StatusConflict
		code = "already_claimed"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrSelfDeal):
		status = http.StatusForbidden
		code = "self_deal"
	case errors.Is(err, ErrDepositNotConfirmed):
		status = http.StatusBadRequest
		code = "deposit_not_confirmed"
	case errors.As(err, &custodyErr):
		status = http.StatusBadGateway
		code = "custody_error"
		message = "escrow operation failed, deal state unchanged"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
