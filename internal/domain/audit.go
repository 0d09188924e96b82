package domain

import "time"

// Audit event types. BLOCKED and REJECTED entries record attempts that did not
// move value.
const (
	EventMint                  = "MINT"
	EventMintBlockedSanction   = "MINT_BLOCKED_SANCTION"
	EventMintBlockedSupplyCap  = "MINT_BLOCKED_SUPPLY_CAP"
	EventMintBlockedDailyLimit = "MINT_BLOCKED_DAILY_LIMIT"
	EventMintRejected          = "MINT_REJECTED"

	EventTransfer                  = "TRANSFER"
	EventTransferBlockedCompliance = "TRANSFER_BLOCKED_COMPLIANCE"
	EventTransferRejected          = "TRANSFER_REJECTED"

	EventWithdrawal                = "WITHDRAWAL"
	EventWithdrawalBlockedSanction = "WITHDRAWAL_BLOCKED_SANCTION"
	EventWithdrawalRejected        = "WITHDRAWAL_REJECTED"
	EventWithdrawalSettled         = "WITHDRAWAL_SETTLED"
	EventWithdrawalFailed          = "WITHDRAWAL_FAILED"

	EventMintProposed                 = "MINT_PROPOSED"
	EventMintProposalBlockedSupplyCap = "MINT_PROPOSAL_BLOCKED_SUPPLY_CAP"
	EventMintApproved                 = "MINT_APPROVED"
	EventMintProposalExecuted         = "MINT_PROPOSAL_EXECUTED"
	EventMintProposalRejected         = "MINT_PROPOSAL_REJECTED"

	EventComplianceProfileUpdated = "COMPLIANCE_PROFILE_UPDATED"
)

// AuditLogEntry Model. Rows are inserted and never updated.
type AuditLogEntry struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`               // UUID
	EventType     string    `gorm:"size:64;not null;index" json:"event_type"`   // One of the Event* constants
	Details       string    `gorm:"type:text" json:"details"`                   // JSON encoded context
	UserID        *uint     `gorm:"index" json:"user_id,omitempty"`             // Acting or affected user
	TransactionID *uint     `gorm:"index" json:"transaction_id,omitempty"`      // Related ledger transaction
	ProposalID    string    `gorm:"size:36;index" json:"proposal_id,omitempty"` // Related mint proposal
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`            // Write time
}
