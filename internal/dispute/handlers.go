package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/middleman-market/middleman/internal/deal"
)

// Handler exposes the adjudication endpoint.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new dispute handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterAdminRoutes sets up operator-triggered adjudication. The normal
// path is automatic on joint evidence completion; this endpoint lets an
// operator force a ruling on a stuck dispute.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/adjudicate", h.Adjudicate)
}

// Adjudicate handles POST /v1/admin/deals/:id/adjudicate
func (h *Handler) Adjudicate(c *gin.Context) {
	d, err := h.orch.Adjudicate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	var custodyErr *deal.CustodyError
	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, deal.ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.As(err, &custodyErr):
		status = http.StatusBadGateway
		code = "custody_error"
		message = "escrow operation failed, deal state unchanged"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
