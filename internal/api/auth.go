package api

import (
	"errors"
	"net/http" // HTTP status codes
	"regexp"   // Regular expressions
	"slices"
	"strings" // String manipulation

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
	"golang.org/x/crypto/bcrypt" // Password hashing

	"coin_ledger/internal/domain"
	"coin_ledger/internal/store"
	"coin_ledger/internal/utils"
)

// RegisterRequest creates a user and their wallet
type RegisterRequest struct {
	Username     string `json:"username" binding:"required"`
	Password     string `json:"password" binding:"required"`
	Jurisdiction string `json:"jurisdiction" binding:"required,len=2,alpha"` // ISO-3166 alpha-2
}

// LoginRequest exchanges credentials for a token
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse carries a JWT
type AuthResponse struct {
	Token string `json:"token"`
}

// Bounded by the users.username column size
var usernamePattern = regexp.MustCompile(`^[A-Za-z]{1,64}$`)

func isValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// bcrypt ignores input past 72 bytes
func isValidPassword(password string) bool {
	return len(password) >= 8 && len(password) <= 64
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RegisterHandler creates a user and an empty wallet in one transaction
func RegisterHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		if !isValidUsername(req.Username) {
			badRequest(c, "Username must be 1-64 letters")
			return
		}
		if !isValidPassword(req.Password) {
			badRequest(c, "Password must be 8-64 characters")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			d.respondError(c, err)
			return
		}
		username := strings.ToLower(req.Username)
		role := domain.RoleUser
		if slices.Contains(d.AdminUsernames, username) {
			role = domain.RoleAdmin
		}
		user := &domain.User{
			Username:     username,
			Password:     string(hash),
			Role:         role,
			Jurisdiction: normalizeCountry(req.Jurisdiction),
		}
		var wallet *domain.Wallet
		err = d.Store.RunInTx(c.Request.Context(), func(tx store.Tx) error {
			if _, err := tx.UserByUsername(username); err == nil {
				return errUsernameTaken
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if err := tx.CreateUser(user); err != nil {
				return err
			}
			wallet = domain.NewWallet(user.ID, d.Ledger.Config().CoinType)
			return tx.CreateWallet(wallet)
		})
		if errors.Is(err, errUsernameTaken) {
			badRequest(c, "Username already exists")
			return
		}
		if err != nil {
			d.respondError(c, err)
			return
		}
		d.Log.WithFields(logrus.Fields{
			"user_id":   user.ID,
			"wallet_id": wallet.ID,
			"role":      role,
		}).Info("user registered")
		c.JSON(http.StatusCreated, gin.H{"user": user, "wallet": wallet})
	}
}

var errUsernameTaken = errors.New("username already exists")

// LoginHandler authenticates a user and returns a JWT
func LoginHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		user, err := d.userByName(c.Request.Context(), strings.ToLower(req.Username))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			d.respondError(c, err)
			return
		}
		if err != nil || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		token, err := utils.GenerateJWT(user.ID, user.Role, d.JWTSecret)
		if err != nil {
			d.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, AuthResponse{Token: token})
	}
}
