package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/middleman-market/middleman/internal/deal"
)

// AnonSessionHeader carries the anonymous browsing session id. Buyers chat
// before signing in; the session id pins their conversation until they
// authenticate and claim it.
const AnonSessionHeader = "X-Anon-Session"

// Handler provides HTTP endpoints for conversations and messages.
type Handler struct {
	router *Router
}

// NewHandler creates a new chat handler.
func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

// RegisterRoutes sets up chat routes. Identity comes from the auth
// middleware (authUserID) or the anonymous session header; claim requires
// authentication and is registered separately.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/conversations", h.GetOrCreateConversation)
	r.GET("/deals/:id/messages", h.ListDealMessages)
	r.POST("/deals/:id/messages", h.PostDealMessage)
	r.GET("/conversations/:id", h.GetConversation)
	r.GET("/conversations/:id/messages", h.ListMessages)
	r.POST("/conversations/:id/messages", h.PostMessage)
	r.POST("/conversations/:id/offer", h.Offer)
	r.POST("/conversations/:id/accept-offer", h.AcceptOffer)
}

// RegisterProtectedRoutes sets up auth-required chat routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/conversations/:id/claim", h.ClaimConversation)
}

func identity(c *gin.Context) Identity {
	id := Identity{UserID: c.GetString("authUserID")}
	if id.UserID == "" {
		id.AnonSessionID = c.GetHeader(AnonSessionHeader)
	}
	return id
}

// GetOrCreateConversation handles POST /v1/deals/:id/conversations
func (h *Handler) GetOrCreateConversation(c *gin.Context) {
	conv, err := h.router.GetOrCreate(c.Request.Context(), c.Param("id"), identity(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// GetConversation handles GET /v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	conv, _, err := h.router.Get(c.Request.Context(), c.Param("id"), identity(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// ClaimConversation handles POST /v1/conversations/:id/claim
func (h *Handler) ClaimConversation(c *gin.Context) {
	userID := c.GetString("authUserID")
	conv, err := h.router.ClaimIdentity(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// PostMessage handles POST /v1/conversations/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body is required",
		})
		return
	}

	msg, err := h.router.Post(c.Request.Context(), c.Param("id"), identity(c), req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// PostDealMessage handles POST /v1/deals/:id/messages: a buyer-side
// convenience that resolves (or creates) the caller's conversation first.
func (h *Handler) PostDealMessage(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body is required",
		})
		return
	}

	id := identity(c)
	conv, err := h.router.GetOrCreate(c.Request.Context(), c.Param("id"), id)
	if err != nil {
		h.renderError(c, err)
		return
	}

	msg, err := h.router.Post(c.Request.Context(), conv.ID, id, req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages handles GET /v1/conversations/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.router.Messages(c.Request.Context(), c.Param("id"), identity(c), queryLimit(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// ListDealMessages handles GET /v1/deals/:id/messages
func (h *Handler) ListDealMessages(c *gin.Context) {
	msgs, err := h.router.DealMessages(c.Request.Context(), c.Param("id"), identity(c), queryLimit(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// Offer handles POST /v1/conversations/:id/offer
func (h *Handler) Offer(c *gin.Context) {
	var req struct {
		PriceCents int64 `json:"priceCents" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "priceCents is required",
		})
		return
	}

	msg, err := h.router.Offer(c.Request.Context(), c.Param("id"), identity(c), req.PriceCents)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// AcceptOffer handles POST /v1/conversations/:id/accept-offer
func (h *Handler) AcceptOffer(c *gin.Context) {
	conv, err := h.router.AcceptOffer(c.Request.Context(), c.Param("id"), identity(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func queryLimit(c *gin.Context) int {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func (h *Handler) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, deal.ErrDealNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrIdentityRequired):
		status = http.StatusUnauthorized
		code = "identity_required"
	case errors.Is(err, ErrConversationClosed):
		status = http.StatusConflict
		code = "conversation_closed"
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrConversationExists):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrNoOffer):
		status = http.StatusConflict
		code = "no_offer"
	case errors.Is(err, ErrEvidenceComplete):
		status = http.StatusConflict
		code = "evidence_complete"
	case errors.Is(err, ErrQuestionCap):
		status = http.StatusConflict
		code = "question_cap_reached"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
