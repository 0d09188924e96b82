package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/metrics"
	"coin_ledger/internal/middleware"
)

// NewRouter registers every route on a fresh engine
func NewRouter(d *Deps, m *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log), m.GinMiddleware())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Auth routes
	r.POST("/user", RegisterHandler(d))
	r.POST("/user/login", LoginHandler(d))

	// Wallet routes (protected by JWT)
	walletGroup := r.Group("/wallet", middleware.JWTAuthMiddleware(d.JWTSecret))
	walletGroup.GET("", GetWalletHandler(d))
	walletGroup.GET("/transactions", GetTransactionHistoryHandler(d))
	walletGroup.POST("/transfer", TransferHandler(d))
	walletGroup.POST("/withdraw", WithdrawHandler(d))

	// Admin routes (JWT plus a role check against the store)
	adminGroup := r.Group("/admin", middleware.JWTAuthMiddleware(d.JWTSecret), middleware.AdminOnlyMiddleware(d.Store, d.Log))
	adminGroup.POST("/mint", MintHandler(d))
	adminGroup.POST("/proposals", ProposeHandler(d))
	adminGroup.GET("/proposals/:id", GetProposalHandler(d))
	adminGroup.POST("/proposals/:id/approve", ApproveProposalHandler(d))
	adminGroup.POST("/proposals/:id/execute", ExecuteProposalHandler(d))
	adminGroup.POST("/proposals/:id/reject", RejectProposalHandler(d))
	adminGroup.PUT("/users/:id/compliance", UpdateComplianceProfileHandler(d))
	adminGroup.GET("/transactions", ListTransactionsHandler(d))
	adminGroup.GET("/audit", ListAuditHandler(d))
	adminGroup.GET("/supply", SupplyHandler(d))

	r.POST("/webhooks/settlement", middleware.SignatureMiddleware(d.SettlementSecret), SettlementWebhookHandler(d))
	return r
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("request")
	}
}
