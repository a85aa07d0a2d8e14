package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Intellihackz/westland-marketplace/internal/models"
)

const (
	UserIDHeader    = "X-User-ID"
	UserEmailHeader = "X-User-Email"
	actorKey        = "actor"
)

// SessionMiddleware reads the caller identity set by the upstream session
// service and resolves admin membership once per request.
func SessionMiddleware(admins map[string]struct{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(UserIDHeader))
		actor := models.Actor{
			ID:    id,
			Email: strings.TrimSpace(c.GetHeader(UserEmailHeader)),
		}
		if _, ok := admins[id]; ok && id != "" {
			actor.Admin = true
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// RequireActor rejects requests without a caller identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ActorFrom(c).ID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

func ActorFrom(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(models.Actor); ok {
			return actor
		}
	}
	return models.Actor{}
}
