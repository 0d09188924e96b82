package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"coin_ledger/internal/proposal"
)

// ProposeRequest opens a multi-signature mint
type ProposeRequest struct {
	RecipientID    uint            `json:"recipient_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	ComplianceHash string          `json:"compliance_hash" binding:"required,max=128"`
}

// RejectRequest closes a proposal
type RejectRequest struct {
	Reason string `json:"reason" binding:"required,max=512"`
}

// ProposeHandler opens a mint proposal on behalf of the caller
func ProposeHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := caller(c)
		if !ok {
			return
		}
		var req ProposeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		p, err := d.Proposals.Propose(c.Request.Context(), proposal.ProposeRequest{
			ProposerID:     adminID,
			RecipientID:    req.RecipientID,
			Amount:         req.Amount,
			ComplianceHash: req.ComplianceHash,
		})
		if err != nil {
			d.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"proposal": p})
	}
}

// GetProposalHandler returns a proposal with its approvals
func GetProposalHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := d.Proposals.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			d.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"proposal": p})
	}
}

// ApproveProposalHandler records the caller's approval
func ApproveProposalHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := caller(c)
		if !ok {
			return
		}
		p, err := d.Proposals.Approve(c.Request.Context(), c.Param("id"), adminID)
		if err != nil {
			d.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"proposal": p})
	}
}

// ExecuteProposalHandler mints an approved proposal
func ExecuteProposalHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := caller(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		p, record, err := d.Proposals.Execute(ctx, c.Param("id"), adminID)
		if err != nil {
			d.respondError(c, err)
			return
		}
		d.invalidate(ctx, p.RecipientID)
		c.JSON(http.StatusOK, gin.H{"proposal": p, "transaction": record})
	}
}

// RejectProposalHandler closes a proposal without minting
func RejectProposalHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := caller(c)
		if !ok {
			return
		}
		var req RejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		p, err := d.Proposals.Reject(c.Request.Context(), c.Param("id"), adminID, strings.TrimSpace(req.Reason))
		if err != nil {
			d.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"proposal": p})
	}
}
