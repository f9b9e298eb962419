package handlers

import (
	"net/http"

	"github.com/L0stInFades/Her/internal/usage"
	"github.com/gin-gonic/gin"
)

// UsageHandler serves usage snapshot endpoints.
type UsageHandler struct {
	ledger *usage.Ledger
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(ledger *usage.Ledger) *UsageHandler {
	return &UsageHandler{ledger: ledger}
}

// Snapshot returns the current account's usage for the current period.
func (h *UsageHandler) Snapshot(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	snapshot, errSnapshot := h.ledger.Snapshot(c.Request.Context(), principal.UserID)
	if errSnapshot != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load usage failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
