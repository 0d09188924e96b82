package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProposalStatus is the state of a mint proposal. Transitions are one-way:
// proposed -> approved -> executed, and proposed|approved -> rejected.
type ProposalStatus string

const (
	ProposalProposed ProposalStatus = "proposed"
	ProposalApproved ProposalStatus = "approved"
	ProposalExecuted ProposalStatus = "executed"
	ProposalRejected ProposalStatus = "rejected"
)

// CanTransition reports whether moving from s to next is allowed.
func (s ProposalStatus) CanTransition(next ProposalStatus) bool {
	switch s {
	case ProposalProposed:
		return next == ProposalApproved || next == ProposalRejected
	case ProposalApproved:
		return next == ProposalExecuted || next == ProposalRejected
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s ProposalStatus) IsTerminal() bool {
	return s == ProposalExecuted || s == ProposalRejected
}

// MintProposal is a request to issue new coin that needs multiple approvals.
type MintProposal struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	ProposerID        uint            `gorm:"not null" json:"proposer_id"`
	RecipientID       uint            `gorm:"not null;index" json:"recipient_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(36,8);not null" json:"amount"`
	CoinType          string          `gorm:"size:16;not null" json:"coin_type"`
	ComplianceHash    string          `gorm:"size:128;not null;index" json:"compliance_hash"`
	RequiredApprovals int             `gorm:"not null" json:"required_approvals"`
	Status            ProposalStatus  `gorm:"size:16;not null;index" json:"status"`
	RejectReason      string          `gorm:"size:512" json:"reject_reason,omitempty"`
	TransactionID     *uint           `json:"transaction_id,omitempty"`
	Approvals         []MintApproval  `gorm:"foreignKey:ProposalID" json:"approvals"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MintApproval is one signer's approval of a proposal.
type MintApproval struct {
	ProposalID string    `gorm:"primaryKey;size:36" json:"-"`
	ApproverID uint      `gorm:"primaryKey" json:"approver_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApprovalCount is the number of distinct approvers.
func (p MintProposal) ApprovalCount() int {
	seen := make(map[uint]struct{}, len(p.Approvals))
	for _, a := range p.Approvals {
		seen[a.ApproverID] = struct{}{}
	}
	return len(seen)
}

// HasApproval reports whether approverID already signed.
func (p MintProposal) HasApproval(approverID uint) bool {
	for _, a := range p.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// ThresholdMet reports whether enough distinct approvals were collected.
func (p MintProposal) ThresholdMet() bool {
	return p.ApprovalCount() >= p.RequiredApprovals
}
