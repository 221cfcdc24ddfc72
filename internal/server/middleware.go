package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// UserResolver maps a bearer token to a user ID.
type UserResolver func(token string) (string, bool)

// TokenResolver builds a UserResolver from a static token->user map.
func TokenResolver(tokens map[string]string) UserResolver {
	return func(token string) (string, bool) {
		user, ok := tokens[token]
		return user, ok
	}
}

// AuthMiddleware gates every route: a missing or unknown token aborts with
// 401. Downstream handlers trust the resolved identity completely and scope
// every query by it.
func AuthMiddleware(resolve UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Error: "missing authorization token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		userID, ok := resolve(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Error: "invalid authorization token"})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
