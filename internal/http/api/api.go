package api

import (
	"net/http"
	"strings"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/http/api/handlers"
	"github.com/L0stInFades/Her/internal/models"
	"github.com/L0stInFades/Her/internal/policy"
	"github.com/L0stInFades/Her/internal/relay"
	"github.com/L0stInFades/Her/internal/session"
	"github.com/L0stInFades/Her/internal/usage"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps collects the components the API surface is built from.
type Deps struct {
	DB       *gorm.DB         // Database handle.
	Sessions *session.Manager // Session issuance and verification.
	Relay    *relay.Relay     // Streaming generation pipeline.
	Ledger   *usage.Ledger    // Usage accounting.
	Policy   *policy.Cache    // Cached server policy and model catalog.
}

// RegisterRoutes registers the public API routes, middleware, and handlers.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)

	apiGroup := r.Group("/api")

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Sessions)
	apiGroup.POST("/auth/register", authHandler.Register)
	apiGroup.POST("/auth/login", authHandler.Login)
	apiGroup.POST("/auth/refresh", authHandler.Refresh)

	authed := apiGroup.Group("")
	authed.Use(authMiddleware(deps.Sessions))

	authed.POST("/auth/logout", authHandler.Logout)
	authed.POST("/auth/logout-all", authHandler.LogoutAll)

	conversationHandler := handlers.NewConversationHandler(deps.DB, deps.Policy)
	authed.POST("/conversations", conversationHandler.Create)
	authed.GET("/conversations", conversationHandler.List)
	authed.GET("/conversations/:id", conversationHandler.Get)
	authed.DELETE("/conversations/:id", conversationHandler.Delete)

	streamHandler := handlers.NewStreamHandler(deps.Relay)
	authed.POST("/messages/stream", streamHandler.Stream)

	usageHandler := handlers.NewUsageHandler(deps.Ledger)
	authed.GET("/usage", usageHandler.Snapshot)

	modelHandler := handlers.NewModelHandler(deps.Policy)
	authed.GET("/models", modelHandler.List)

	admin := authed.Group("/admin")
	admin.Use(requireAdmin())

	appConfigHandler := handlers.NewAppConfigHandler(deps.DB, deps.Policy)
	admin.GET("/config", appConfigHandler.Get)
	admin.PUT("/config", appConfigHandler.Update)
	admin.PUT("/models/:id/enabled", appConfigHandler.SetModelEnabled)
}

// authMiddleware resolves the bearer access token into a principal.
func authMiddleware(sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		principal, errAuth := sessions.Authenticate(c.Request.Context(), token)
		if errAuth != nil {
			if apperrors.Is(errAuth, apperrors.KindForbidden) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account blocked"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		handlers.SetPrincipal(c, principal)
		c.Next()
	}
}

// requireAdmin rejects principals without the admin role.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := handlers.CurrentPrincipal(c)
		if !ok || principal.Role != models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}
