package handlers

import (
	"net/http"

	"github.com/L0stInFades/Her/internal/policy"
	"github.com/gin-gonic/gin"
)

// ModelHandler serves the model catalog endpoint.
type ModelHandler struct {
	policy *policy.Cache
}

// NewModelHandler constructs a ModelHandler.
func NewModelHandler(policyCache *policy.Cache) *ModelHandler {
	return &ModelHandler{policy: policyCache}
}

// List returns the enabled model catalog, default first.
func (h *ModelHandler) List(c *gin.Context) {
	rows, errModels := h.policy.EnabledModels(c.Request.Context())
	if errModels != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load model catalog failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":          row.ID,
			"name":        row.Name,
			"provider":    row.Provider,
			"description": row.Description,
			"tags":        row.Tags,
			"is_default":  row.IsDefault,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}
