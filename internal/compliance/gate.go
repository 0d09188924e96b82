// Package compliance decides whether a user may receive or move value. The
// gate only reads identity data; it never mutates anything.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"coin_ledger/internal/domain"
)

// Gate is consulted by the ledger before any value moves. A false answer
// blocks the operation; an error also blocks it.
type Gate interface {
	CheckSanctions(ctx context.Context, userID uint) (bool, error)
	CanTransact(ctx context.Context, senderID, recipientID uint) (bool, error)
}

// Rules is the screening policy applied on top of identity data.
type Rules struct {
	SanctionedJurisdictions []string
	BlockedCorridors        []Corridor
	RequireKYC              bool
}

// Corridor forbids value moving from one jurisdiction to another. "*" matches
// any jurisdiction.
type Corridor struct {
	From string
	To   string
}

func (c Corridor) matches(from, to string) bool {
	return (c.From == "*" || c.From == from) && (c.To == "*" || c.To == to)
}

// ParseCorridors parses "KP:*,IR:US" style lists.
func ParseCorridors(s string) ([]Corridor, error) {
	var out []Corridor
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		from, to, ok := strings.Cut(field, ":")
		from, to = normalize(from), normalize(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("invalid corridor %q, want FROM:TO", field)
		}
		out = append(out, Corridor{From: from, To: to})
	}
	return out, nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RuleGate screens users found in a Directory against Rules.
type RuleGate struct {
	dir        Directory
	sanctioned map[string]struct{}
	corridors  []Corridor
	requireKYC bool
	log        logrus.FieldLogger
}

var _ Gate = (*RuleGate)(nil)

// NewRuleGate builds a gate. The returned gate is safe for concurrent use.
func NewRuleGate(dir Directory, rules Rules, log logrus.FieldLogger) *RuleGate {
	sanctioned := make(map[string]struct{}, len(rules.SanctionedJurisdictions))
	for _, code := range rules.SanctionedJurisdictions {
		sanctioned[normalize(code)] = struct{}{}
	}
	corridors := make([]Corridor, 0, len(rules.BlockedCorridors))
	for _, c := range rules.BlockedCorridors {
		corridors = append(corridors, Corridor{From: normalize(c.From), To: normalize(c.To)})
	}
	return &RuleGate{
		dir:        dir,
		sanctioned: sanctioned,
		corridors:  corridors,
		requireKYC: rules.RequireKYC,
		log:        log.WithField("component", "compliance"),
	}
}

// CheckSanctions reports whether userID is clear to hold or receive value.
func (g *RuleGate) CheckSanctions(ctx context.Context, userID uint) (bool, error) {
	id, known, err := g.identity(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("screen user %d: %w", userID, err)
	}
	reason := g.screen(id)
	if !known {
		reason = "unknown identity"
	}
	if reason != "" {
		g.log.WithFields(logrus.Fields{"user_id": userID, "reason": reason}).Info("sanctions check failed")
		return false, nil
	}
	return true, nil
}

// CanTransact reports whether value may move from senderID to recipientID.
func (g *RuleGate) CanTransact(ctx context.Context, senderID, recipientID uint) (bool, error) {
	sender, senderKnown, err := g.identity(ctx, senderID)
	if err != nil {
		return false, fmt.Errorf("screen sender %d: %w", senderID, err)
	}
	recipient, recipientKnown, err := g.identity(ctx, recipientID)
	if err != nil {
		return false, fmt.Errorf("screen recipient %d: %w", recipientID, err)
	}
	fields := logrus.Fields{"sender_id": senderID, "recipient_id": recipientID}
	if !senderKnown || !recipientKnown {
		g.log.WithFields(fields).WithField("reason", "unknown identity").Info("transfer blocked")
		return false, nil
	}
	if reason := g.screen(sender); reason != "" {
		g.log.WithFields(fields).WithField("reason", "sender "+reason).Info("transfer blocked")
		return false, nil
	}
	if reason := g.screen(recipient); reason != "" {
		g.log.WithFields(fields).WithField("reason", "recipient "+reason).Info("transfer blocked")
		return false, nil
	}
	from, to := normalize(sender.Jurisdiction), normalize(recipient.Jurisdiction)
	for _, c := range g.corridors {
		if c.matches(from, to) {
			g.log.WithFields(fields).WithField("reason", "corridor "+from+":"+to).Info("transfer blocked")
			return false, nil
		}
	}
	return true, nil
}

// identity looks userID up. A user missing from the directory is reported as
// unknown rather than as an error so screening fails closed.
func (g *RuleGate) identity(ctx context.Context, userID uint) (Identity, bool, error) {
	id, err := g.dir.Identity(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return Identity{}, false, nil
	}
	return id, err == nil, err
}

// screen returns the reason id fails screening, or "" if it passes.
func (g *RuleGate) screen(id Identity) string {
	if id.Sanctioned {
		return "sanctioned"
	}
	if _, ok := g.sanctioned[normalize(id.Jurisdiction)]; ok {
		return "sanctioned jurisdiction"
	}
	if g.requireKYC && !id.KYCVerified {
		return "kyc not verified"
	}
	return ""
}
