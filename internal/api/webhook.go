package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/settlement"
)

// SettlementWebhookHandler applies a payout provider's verdict to a pending
// withdrawal. The signature is checked by middleware before this runs.
func SettlementWebhookHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev settlement.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		ctx := c.Request.Context()
		record, err := settlement.Apply(ctx, d.Ledger, ev)
		if err != nil {
			d.respondError(c, err)
			return
		}
		d.InvalidateSender(ctx, record)
		d.Log.WithFields(logrus.Fields{"tx_id": record.ID, "status": record.Status}).Info("settlement applied")
		c.JSON(http.StatusOK, gin.H{"transaction": record})
	}
}
