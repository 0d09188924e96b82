// Package audit writes the append-only audit log. Entries for successful
// mutations are appended inside the mutation's own transaction; entries for
// blocked attempts are recorded in a transaction of their own.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/store"
)

// Details is the structured context of an event, stored as JSON.
type Details map[string]any

// Event describes one audit entry before it is written. Zero ids are omitted.
type Event struct {
	Type          string
	UserID        uint
	TransactionID uint
	ProposalID    string
	Details       Details
}

// Sink appends events to the store.
type Sink struct {
	store store.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewSink returns a sink writing to s.
func NewSink(s store.Store, log logrus.FieldLogger) *Sink {
	return &Sink{
		store: s,
		log:   log.WithField("component", "audit"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Entry converts ev into a storable entry with a fresh id.
func (s *Sink) Entry(ev Event) (*domain.AuditLogEntry, error) {
	details := "{}"
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return nil, fmt.Errorf("encode audit details: %w", err)
		}
		details = string(b)
	}
	entry := &domain.AuditLogEntry{
		ID:         uuid.NewString(),
		EventType:  ev.Type,
		Details:    details,
		ProposalID: ev.ProposalID,
		Timestamp:  s.now(),
	}
	if ev.UserID != 0 {
		id := ev.UserID
		entry.UserID = &id
	}
	if ev.TransactionID != 0 {
		id := ev.TransactionID
		entry.TransactionID = &id
	}
	return entry, nil
}

// Append writes ev as part of tx.
func (s *Sink) Append(tx store.Tx, ev Event) error {
	entry, err := s.Entry(ev)
	if err != nil {
		return err
	}
	if err := tx.AppendAudit(entry); err != nil {
		return fmt.Errorf("append audit %s: %w", ev.Type, err)
	}
	return nil
}

// Record writes ev in its own transaction. The caller's context is detached
// from cancellation so a blocked attempt is never lost to a client hanging up.
func (s *Sink) Record(ctx context.Context, ev Event) error {
	err := s.store.RunInTx(context.WithoutCancel(ctx), func(tx store.Tx) error {
		return s.Append(tx, ev)
	})
	if err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Error("audit write failed")
	}
	return err
}

// List returns entries newest first.
func (s *Sink) List(ctx context.Context, filter store.AuditFilter) ([]domain.AuditLogEntry, error) {
	var entries []domain.AuditLogEntry
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListAudit(filter)
		return err
	})
	return entries, err
}
