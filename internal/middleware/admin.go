package middleware

import (
	"errors"
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin" // Gin web framework
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/store"
)

// AdminOnlyMiddleware checks the caller's role in the store on each request,
// so demoting a user takes effect before their token expires.
func AdminOnlyMiddleware(s store.Store, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		var user *domain.User
		err := s.View(c.Request.Context(), func(tx store.Tx) error {
			var err error
			user, err = tx.User(userID)
			return err
		})
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		case err != nil:
			log.WithError(err).WithField("user_id", userID).Error("admin lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		if !user.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}
