// Package proposal runs the multi-signature mint workflow:
//
//	proposed -> approved -> executed
//	proposed|approved -> rejected
//
// A proposal executes at most once. The approved -> executed swap happens in
// the same store transaction as the ledger mint, so a failed mint leaves the
// proposal approved and a second executor finds it already executed.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/audit"
	"coin_ledger/internal/domain"
	"coin_ledger/internal/ledger"
	"coin_ledger/internal/metrics"
	"coin_ledger/internal/store"
	"coin_ledger/internal/utils"
)

// Config controls who may sign and how many signatures a mint needs. An
// empty Proposers or Approvers list admits any caller that reached the
// workflow.
type Config struct {
	RequiredApprovals int
	Proposers         []uint
	Approvers         []uint
}

// Workflow is the mint proposal state machine.
type Workflow struct {
	store   store.Store
	ledger  *ledger.Service
	audit   *audit.Sink
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	locks   *utils.KeyedMutex[string]
}

// New wires a workflow on top of l. m may be nil.
func New(s store.Store, l *ledger.Service, sink *audit.Sink, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Workflow {
	if cfg.RequiredApprovals < 1 {
		cfg.RequiredApprovals = 1
	}
	return &Workflow{
		store:   s,
		ledger:  l,
		audit:   sink,
		cfg:     cfg,
		log:     log.WithField("component", "proposal"),
		metrics: m,
		locks:   utils.NewKeyedMutex[string](),
	}
}

// ProposeRequest asks for new coin to be issued to RecipientID.
type ProposeRequest struct {
	ProposerID     uint
	RecipientID    uint
	Amount         decimal.Decimal
	ComplianceHash string
}

// Propose opens a proposal with no approvals.
func (w *Workflow) Propose(ctx context.Context, req ProposeRequest) (*domain.MintProposal, error) {
	ctx = context.WithoutCancel(ctx)
	log := w.log.WithFields(logrus.Fields{
		"op": "propose", "proposer_id": req.ProposerID, "recipient_id": req.RecipientID, "amount": req.Amount.String(),
	})

	if !req.Amount.IsPositive() {
		return nil, w.reject(log, domain.ErrInvalidAmount)
	}
	if req.ComplianceHash == "" {
		return nil, w.reject(log, fmt.Errorf("compliance hash is required: %w", domain.ErrInvalidRequest))
	}
	if !allowed(w.cfg.Proposers, req.ProposerID) {
		return nil, w.reject(log, fmt.Errorf("user %d may not propose mints: %w", req.ProposerID, domain.ErrUnauthorized))
	}

	unlock := w.locks.Lock("hash:" + req.ComplianceHash)
	defer unlock()

	coin := w.ledger.Config().CoinType
	maxSupply := w.ledger.Config().MaxSupply
	p := &domain.MintProposal{
		ID:                uuid.NewString(),
		ProposerID:        req.ProposerID,
		RecipientID:       req.RecipientID,
		Amount:            req.Amount,
		CoinType:          coin,
		ComplianceHash:    req.ComplianceHash,
		RequiredApprovals: w.cfg.RequiredApprovals,
		Status:            domain.ProposalProposed,
	}
	details := audit.Details{
		"recipient_id": req.RecipientID, "amount": req.Amount, "coin_type": coin,
		"compliance_hash": req.ComplianceHash, "required_approvals": w.cfg.RequiredApprovals,
	}

	var capBlocked bool
	err := w.store.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := tx.WalletByOwner(req.RecipientID, coin); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("recipient %d: %w", req.RecipientID, domain.ErrWalletNotFound)
			}
			return err
		}
		existing, err := tx.ProposalByComplianceHash(req.ComplianceHash)
		switch {
		case err == nil:
			return fmt.Errorf("compliance hash used by proposal %s: %w", existing.ID, domain.ErrComplianceRecordReused)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		sup, err := tx.Supply(coin)
		if err != nil {
			return err
		}
		if sup.Issued.Add(req.Amount).GreaterThan(maxSupply) {
			capBlocked = true
			details["issued"] = sup.Issued
			details["max_supply"] = maxSupply
			return domain.ErrSupplyCapExceeded
		}
		if err := tx.CreateProposal(p); err != nil {
			return err
		}
		return w.audit.Append(tx, audit.Event{
			Type: domain.EventMintProposed, UserID: req.ProposerID, ProposalID: p.ID, Details: details,
		})
	})
	if capBlocked {
		w.metrics.IncrementBlocked(domain.EventMintProposalBlockedSupplyCap)
		if aerr := w.audit.Record(ctx, audit.Event{
			Type: domain.EventMintProposalBlockedSupplyCap, UserID: req.ProposerID, Details: details,
		}); aerr != nil {
			err = errors.Join(err, aerr)
		}
		return nil, w.reject(log, err)
	}
	if err != nil {
		return nil, w.reject(log, err)
	}

	w.metrics.IncrementTransition(string(domain.ProposalProposed))
	log.WithField("proposal_id", p.ID).Info("mint proposed")
	return p, nil
}

// Approve adds approverID's signature. Signing twice is a no-op. The
// proposal becomes approved once enough distinct approvers signed.
func (w *Workflow) Approve(ctx context.Context, proposalID string, approverID uint) (*domain.MintProposal, error) {
	ctx = context.WithoutCancel(ctx)
	log := w.log.WithFields(logrus.Fields{"op": "approve", "proposal_id": proposalID, "approver_id": approverID})

	if !allowed(w.cfg.Approvers, approverID) {
		return nil, w.reject(log, fmt.Errorf("user %d may not approve mints: %w", approverID, domain.ErrUnauthorized))
	}

	unlock := w.locks.Lock(proposalID)
	defer unlock()

	var (
		p               *domain.MintProposal
		added, promoted bool
	)
	err := w.store.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.Proposal(proposalID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("proposal %s is %s: %w", proposalID, current.Status, domain.ErrInvalidState)
		}
		if added, err = tx.AddApproval(proposalID, approverID); err != nil {
			return err
		}
		if added {
			if err := w.audit.Append(tx, audit.Event{
				Type: domain.EventMintApproved, UserID: approverID, ProposalID: proposalID,
				Details: audit.Details{"approvals": current.ApprovalCount() + 1, "required_approvals": current.RequiredApprovals},
			}); err != nil {
				return err
			}
		}
		if p, err = tx.Proposal(proposalID); err != nil {
			return err
		}
		if p.Status == domain.ProposalProposed && p.ThresholdMet() {
			promoted, err = tx.CompareAndSwapProposalStatus(proposalID, domain.ProposalProposed, domain.ProposalApproved, store.ProposalUpdate{})
			if err != nil {
				return err
			}
			if promoted {
				p.Status = domain.ProposalApproved
			}
		}
		return nil
	})
	if err != nil {
		return nil, w.reject(log, err)
	}

	if promoted {
		w.metrics.IncrementTransition(string(domain.ProposalApproved))
	}
	log.WithFields(logrus.Fields{"new_approval": added, "approvals": p.ApprovalCount(), "status": p.Status}).Info("mint approval recorded")
	return p, nil
}

// Execute mints the proposal's amount exactly once. Callers that lose the
// race get domain.ErrDuplicateExecution and mint nothing.
func (w *Workflow) Execute(ctx context.Context, proposalID string, actorID uint) (*domain.MintProposal, *domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	log := w.log.WithFields(logrus.Fields{"op": "execute", "proposal_id": proposalID, "actor_id": actorID})

	unlock := w.locks.Lock(proposalID)
	defer unlock()

	p, err := w.Get(ctx, proposalID)
	if err != nil {
		return nil, nil, w.reject(log, err)
	}
	if err := executable(p); err != nil {
		if errors.Is(err, domain.ErrDuplicateExecution) {
			w.metrics.IncrementExecutionRace()
		}
		return nil, nil, w.reject(log, err)
	}

	record, err := w.ledger.Mint(ctx, ledger.MintRequest{
		UserID:      p.RecipientID,
		Amount:      p.Amount,
		Notes:       "mint proposal " + p.ID,
		ExternalRef: p.ComplianceHash,
		ActorID:     actorID,
		ProposalID:  p.ID,
		Claim: func(tx store.Tx) error {
			current, err := tx.Proposal(proposalID)
			if err != nil {
				return err
			}
			if err := executable(current); err != nil {
				return err
			}
			swapped, err := tx.CompareAndSwapProposalStatus(proposalID, domain.ProposalApproved, domain.ProposalExecuted, store.ProposalUpdate{})
			if err != nil {
				return err
			}
			if !swapped {
				return fmt.Errorf("proposal %s: %w", proposalID, domain.ErrDuplicateExecution)
			}
			return nil
		},
		Complete: func(tx store.Tx, t *domain.Transaction) error {
			if _, err := tx.CompareAndSwapProposalStatus(proposalID, domain.ProposalExecuted, domain.ProposalExecuted,
				store.ProposalUpdate{TransactionID: &t.ID}); err != nil {
				return err
			}
			return w.audit.Append(tx, audit.Event{
				Type: domain.EventMintProposalExecuted, UserID: actorID, TransactionID: t.ID, ProposalID: proposalID,
				Details: audit.Details{"recipient_id": p.RecipientID, "amount": p.Amount, "approvals": p.ApprovalCount()},
			})
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateExecution) {
			w.metrics.IncrementExecutionRace()
		}
		return nil, nil, w.reject(log, err)
	}

	p, err = w.Get(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	w.metrics.IncrementTransition(string(domain.ProposalExecuted))
	log.WithField("tx_id", record.ID).Info("mint proposal executed")
	return p, record, nil
}

// Reject closes a proposal that has not executed. Only configured proposers
// and approvers may reject.
func (w *Workflow) Reject(ctx context.Context, proposalID string, actorID uint, reason string) (*domain.MintProposal, error) {
	ctx = context.WithoutCancel(ctx)
	log := w.log.WithFields(logrus.Fields{"op": "reject", "proposal_id": proposalID, "actor_id": actorID})

	if !allowed(w.cfg.Proposers, actorID) && !allowed(w.cfg.Approvers, actorID) {
		return nil, w.reject(log, fmt.Errorf("user %d may not reject mints: %w", actorID, domain.ErrUnauthorized))
	}

	unlock := w.locks.Lock(proposalID)
	defer unlock()

	var p *domain.MintProposal
	err := w.store.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.Proposal(proposalID)
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(domain.ProposalRejected) {
			return fmt.Errorf("proposal %s is %s: %w", proposalID, current.Status, domain.ErrInvalidState)
		}
		swapped, err := tx.CompareAndSwapProposalStatus(proposalID, current.Status, domain.ProposalRejected, store.ProposalUpdate{RejectReason: reason})
		if err != nil {
			return err
		}
		if !swapped {
			return fmt.Errorf("proposal %s changed concurrently: %w", proposalID, domain.ErrInvalidState)
		}
		if err := w.audit.Append(tx, audit.Event{
			Type: domain.EventMintProposalRejected, UserID: actorID, ProposalID: proposalID,
			Details: audit.Details{"reason": reason, "previous_status": current.Status},
		}); err != nil {
			return err
		}
		p, err = tx.Proposal(proposalID)
		return err
	})
	if err != nil {
		return nil, w.reject(log, err)
	}
	w.metrics.IncrementTransition(string(domain.ProposalRejected))
	log.Info("mint proposal rejected")
	return p, nil
}

// Get loads a proposal with its approvals.
func (w *Workflow) Get(ctx context.Context, proposalID string) (*domain.MintProposal, error) {
	var p *domain.MintProposal
	err := w.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.Proposal(proposalID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, err)
	}
	return p, nil
}

// executable maps a proposal's state onto the error Execute must return.
func executable(p *domain.MintProposal) error {
	switch p.Status {
	case domain.ProposalExecuted:
		return fmt.Errorf("proposal %s: %w", p.ID, domain.ErrDuplicateExecution)
	case domain.ProposalRejected:
		return fmt.Errorf("proposal %s is rejected: %w", p.ID, domain.ErrInvalidState)
	case domain.ProposalApproved:
		if p.ThresholdMet() {
			return nil
		}
	}
	return fmt.Errorf("proposal %s has %d of %d approvals: %w",
		p.ID, p.ApprovalCount(), p.RequiredApprovals, domain.ErrApprovalThresholdNotMet)
}

func allowed(ids []uint, id uint) bool {
	return len(ids) == 0 || slices.Contains(ids, id)
}

func (w *Workflow) reject(log logrus.FieldLogger, err error) error {
	kind := domain.ErrorKind(err)
	if kind == "Internal" {
		log.WithError(err).Error("proposal operation failed")
	} else {
		log.WithError(err).WithField("kind", kind).Info("proposal operation rejected")
	}
	return err
}
