package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/middleman-market/middleman/internal/idgen"
	"github.com/middleman-market/middleman/internal/security"
	"github.com/middleman-market/middleman/internal/validation"
)

// Handler provides HTTP endpoints for managing notification channels.
type Handler struct {
	store Store
}

// NewHandler creates a new notification channel handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up auth-required channel routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/notify/channels", h.CreateChannel)
	r.GET("/notify/channels", h.ListChannels)
	r.DELETE("/notify/channels/:id", h.DeleteChannel)
}

// CreateChannelRequest registers one delivery target.
type CreateChannelRequest struct {
	Transport string `json:"transport" binding:"required"` // "sms" or "webhook"
	Target    string `json:"target" binding:"required"`    // phone number or URL
}

// CreateChannel handles POST /v1/notify/channels
func (h *Handler) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transport and target are required",
		})
		return
	}

	if errs := validation.Check(
		validation.Required("transport", req.Transport),
		validation.Required("target", req.Target),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	switch req.Transport {
	case "sms":
		// Target format is the SMS provider's concern; store as given.
	case "webhook":
		// Registered URLs are fetched server-side; block internal targets.
		if err := security.ValidateEndpointURL(req.Target); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_target",
				"message": err.Error(),
			})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transport must be sms or webhook",
		})
		return
	}

	ch := &Channel{
		ID:        idgen.WithPrefix("ch_"),
		UserID:    c.GetString("authUserID"),
		Transport: req.Transport,
		Target:    req.Target,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if req.Transport == "webhook" {
		ch.Secret = newSigningSecret()
	}

	if err := h.store.Create(c.Request.Context(), ch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to register channel",
		})
		return
	}

	// The signing secret is shown exactly once, at registration.
	c.JSON(http.StatusCreated, gin.H{"channel": ch, "secret": ch.Secret})
}

// ListChannels handles GET /v1/notify/channels
func (h *Handler) ListChannels(c *gin.Context) {
	channels, err := h.store.GetByUser(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list channels",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels, "count": len(channels)})
}

// DeleteChannel handles DELETE /v1/notify/channels/:id
func (h *Handler) DeleteChannel(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetString("authUserID")

	channels, err := h.store.GetByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to look up channel",
		})
		return
	}
	owned := false
	for _, ch := range channels {
		if ch.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "channel not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if errors.Is(err, ErrChannelNotFound) {
			status = http.StatusNotFound
			code = "not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": "failed to delete channel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func newSigningSecret() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return idgen.WithPrefix("whsec_")
	}
	return "whsec_" + hex.EncodeToString(b)
}
