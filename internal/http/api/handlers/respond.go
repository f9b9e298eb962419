package handlers

import (
	"net/http"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/session"
	"github.com/gin-gonic/gin"
)

// principalKey is the gin context key holding the authenticated principal.
const principalKey = "principal"

// SetPrincipal stores the authenticated principal on the request context.
func SetPrincipal(c *gin.Context, principal session.Principal) {
	c.Set(principalKey, principal)
}

// CurrentPrincipal returns the authenticated principal set by the auth
// middleware. The second return is false on unauthenticated requests.
func CurrentPrincipal(c *gin.Context) (session.Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		return session.Principal{}, false
	}
	principal, ok := value.(session.Principal)
	return principal, ok
}

// statusForKind maps an application error kind to an HTTP status.
func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInvalidCredential, apperrors.KindRevokedOrStolen, apperrors.KindExpired:
		return http.StatusUnauthorized
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindRateLimited, apperrors.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperrors.KindBYOKRequired, apperrors.KindModelUnavailable:
		return http.StatusBadRequest
	case apperrors.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError writes the JSON body for a typed application error.
func respondAppError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	body := gin.H{"error": err.Error(), "code": string(kind)}
	if detail := apperrors.DetailOf(err); detail != nil {
		body["detail"] = detail
	}
	c.JSON(statusForKind(kind), body)
}
