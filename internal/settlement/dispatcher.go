package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/ledger"
	"coin_ledger/internal/metrics"
)

var (
	ErrQueueFull = errors.New("payout queue is full")
	ErrStopped   = errors.New("payout dispatcher is stopped")
)

// Ledger is the part of the ledger a settlement outcome touches.
type Ledger interface {
	SettleWithdrawal(ctx context.Context, txID uint, externalRef string) (*domain.Transaction, error)
	FailWithdrawal(ctx context.Context, txID uint, reason string) (*domain.Transaction, error)
}

// DispatcherConfig sizes the worker pool. OnOutcome, when set, runs after a
// payout settles or is refunded.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Attempts  int
	Backoff   time.Duration
	Timeout   time.Duration
	OnOutcome func(ctx context.Context, record *domain.Transaction)
}

// Dispatcher pays out queued withdrawals on a fixed pool of workers.
type Dispatcher struct {
	ledger  Ledger
	proc    Processor
	cfg     DispatcherConfig
	jobs    chan ledger.PayoutRequest
	stopped atomic.Bool
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

var _ ledger.PayoutQueue = (*Dispatcher)(nil)

// NewDispatcher returns a dispatcher; call Run to start the workers.
func NewDispatcher(l Ledger, proc Processor, cfg DispatcherConfig, log logrus.FieldLogger, m *metrics.Metrics) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		ledger:  l,
		proc:    proc,
		cfg:     cfg,
		jobs:    make(chan ledger.PayoutRequest, cfg.QueueSize),
		log:     log.WithField("component", "settlement"),
		metrics: m,
	}
}

// Submit queues a payout without blocking.
func (d *Dispatcher) Submit(req ledger.PayoutRequest) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	select {
	case d.jobs <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes payouts until ctx is cancelled. Payouts still queued at that
// point stay pending in the ledger.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.stopped.Store(true)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-d.jobs:
					d.process(ctx, worker, req)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) process(ctx context.Context, worker int, req ledger.PayoutRequest) {
	log := d.log.WithFields(logrus.Fields{"worker": worker, "tx_id": req.TransactionID, "amount": req.Amount.String()})

	var (
		ref string
		err error
	)
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		ref, err = d.proc.Payout(callCtx, req)
		cancel()
		d.metrics.ObservePayout(outcome(err), time.Since(start))

		if err == nil || errors.Is(err, ErrRejected) || errors.Is(err, ErrAwaitingConfirmation) {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("payout attempt failed")
		if attempt < d.cfg.Attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.Backoff * time.Duration(attempt)):
			}
		}
	}

	switch {
	case err == nil:
		record, err := d.ledger.SettleWithdrawal(ctx, req.TransactionID, ref)
		if err != nil {
			log.WithError(err).Error("settle after payout failed")
			return
		}
		d.notify(ctx, record)
	case errors.Is(err, ErrRejected):
		record, ferr := d.ledger.FailWithdrawal(ctx, req.TransactionID, err.Error())
		if ferr != nil {
			log.WithError(ferr).Error("refund after rejected payout failed")
			return
		}
		d.notify(ctx, record)
	case errors.Is(err, ErrAwaitingConfirmation):
		log.WithField("external_ref", ref).Info("payout awaiting webhook confirmation")
	default:
		log.WithError(err).Error("payout retries exhausted, withdrawal left pending")
	}
}

func (d *Dispatcher) notify(ctx context.Context, record *domain.Transaction) {
	if d.cfg.OnOutcome != nil {
		d.cfg.OnOutcome(ctx, record)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrAwaitingConfirmation):
		return "accepted"
	default:
		return "error"
	}
}

// Event is a settlement notification from the payout provider.
type Event struct {
	TransactionID uint   `json:"transaction_id" binding:"required"`
	Status        string `json:"status" binding:"required,oneof=completed failed"`
	ExternalRef   string `json:"external_ref"`
	Reason        string `json:"reason"`
}

// Apply drives the pending withdrawal to the outcome reported by ev.
func Apply(ctx context.Context, l Ledger, ev Event) (*domain.Transaction, error) {
	switch domain.TransactionStatus(ev.Status) {
	case domain.StatusCompleted:
		return l.SettleWithdrawal(ctx, ev.TransactionID, ev.ExternalRef)
	case domain.StatusFailed:
		return l.FailWithdrawal(ctx, ev.TransactionID, ev.Reason)
	default:
		return nil, fmt.Errorf("unknown settlement status %q: %w", ev.Status, domain.ErrInvalidRequest)
	}
}
