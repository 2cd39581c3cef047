// Package recon resolves in-flight ledger transactions against the ledger
// and dispatches their business effects.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fundledger/observability"
	telemetry "fundledger/observability/otel"
	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/tracker"
)

// Handler applies the business effects of a resolved ledger transaction.
// Implementations must be idempotent: a row can be dispatched more than once.
type Handler interface {
	OnConfirmed(ctx context.Context, row models.LedgerTransaction) error
	OnFailed(ctx context.Context, row models.LedgerTransaction) error
}

// Config captures the dependencies and bounds of a Reconciler.
type Config struct {
	Tracker  *tracker.Tracker
	Gateway  ledger.Gateway
	Handlers map[models.SourceType]Handler
	// Owner identifies this process in row leases.
	Owner string
	// MinConfirmations is the ledger depth at which a transaction is final.
	MinConfirmations int64
	// ExpiryMargin is added to an envelope's time bound before a missing
	// transaction is expired.
	ExpiryMargin time.Duration
	// PendingGrace leaves fresh pending rows to their submitter.
	PendingGrace time.Duration
	// MaxPendingAge expires pending rows without a time bound.
	MaxPendingAge time.Duration
	// LateWindow bounds how long expired rows are re-checked.
	LateWindow  time.Duration
	Lease       time.Duration
	// EffectsRetry and EffectsRetryMax bound the backoff applied to rows
	// whose effect handler failed.
	EffectsRetry    time.Duration
	EffectsRetryMax time.Duration
	Workers         int
	BatchSize       int
	CallTimeout     time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
	Metrics         *observability.SettlementMetrics
}

// Result summarises a reconciliation pass.
type Result struct {
	Polled         int `json:"polled"`
	Confirming     int `json:"confirming"`
	Confirmed      int `json:"confirmed"`
	Failed         int `json:"failed"`
	Expired        int `json:"expired"`
	Recovered      int `json:"recovered"`
	Revived        int `json:"revived"`
	EffectsApplied int `json:"effectsApplied"`
	Errors         int `json:"errors"`
}

// Reconciler polls the ledger for rows awaiting resolution.
type Reconciler struct {
	tracker  *tracker.Tracker
	gateway  ledger.Gateway
	handlers map[models.SourceType]Handler
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.SettlementMetrics
	tracer   trace.Tracer
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("recon: tracker is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("recon: gateway is required")
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = time.Minute
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 2 * time.Minute
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = 30 * time.Minute
	}
	if cfg.LateWindow <= 0 {
		cfg.LateWindow = 24 * time.Hour
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.EffectsRetry <= 0 {
		cfg.EffectsRetry = 30 * time.Second
	}
	if cfg.EffectsRetryMax <= 0 {
		cfg.EffectsRetryMax = 30 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = cfg.Tracker.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		tracker:  cfg.Tracker,
		gateway:  cfg.Gateway,
		handlers: cfg.Handlers,
		cfg:      cfg,
		now:      now,
		logger:   logger.With(slog.String("component", "recon"), slog.String("owner", cfg.Owner)),
		metrics:  cfg.Metrics,
		tracer:   telemetry.Tracer("recon"),
	}, nil
}

// counter accumulates results from concurrent workers.
type counter struct {
	mu  sync.Mutex
	res Result
}

func (c *counter) add(fn func(*Result)) {
	c.mu.Lock()
	fn(&c.res)
	c.mu.Unlock()
}

// RunOnce performs one reconciliation pass: in-flight rows are polled,
// stale pending rows are recovered from their candidate hash or expired,
// recently expired rows are re-checked, and unapplied effects are dispatched.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "recon.pass")
	defer span.End()
	started := time.Now()
	var c counter

	err := r.sweep(ctx, &c, tracker.ClaimFilter{
		Statuses: []models.TxStatus{models.TxSubmitted, models.TxConfirming},
		Limit:    r.cfg.BatchSize,
	}, r.resolveInFlight)
	if err == nil {
		err = r.sweep(ctx, &c, tracker.ClaimFilter{
			Statuses:      []models.TxStatus{models.TxPending},
			CreatedBefore: r.now().Add(-r.cfg.PendingGrace),
			Limit:         r.cfg.BatchSize,
		}, r.resolvePending)
	}
	if err == nil {
		err = r.sweep(ctx, &c, tracker.ClaimFilter{
			Statuses:        []models.TxStatus{models.TxExpired},
			ResolvedAfter:   r.now().Add(-r.cfg.LateWindow),
			RequireEnvelope: true,
			Limit:           r.cfg.BatchSize,
		}, r.resolveLate)
	}
	if err == nil {
		err = r.dispatch(ctx, &c)
	}
	r.publishInFlight(ctx)

	res := c.res
	span.SetAttributes(
		attribute.Int("recon.polled", res.Polled),
		attribute.Int("recon.confirmed", res.Confirmed),
		attribute.Int("recon.expired", res.Expired),
	)
	r.metrics.ObserveRecon(err, time.Since(started))
	if res.Polled > 0 || res.EffectsApplied > 0 {
		r.logger.Info("reconciliation pass complete",
			slog.Int("polled", res.Polled),
			slog.Int("confirmed", res.Confirmed),
			slog.Int("failed", res.Failed),
			slog.Int("expired", res.Expired),
			slog.Int("recovered", res.Recovered),
			slog.Int("revived", res.Revived),
			slog.Int("effects", res.EffectsApplied),
			slog.Int("errors", res.Errors))
	}
	return res, err
}

type resolver func(ctx context.Context, row models.LedgerTransaction, c *counter) error

// sweep claims rows matching filter and resolves them on the worker pool.
func (r *Reconciler) sweep(ctx context.Context, c *counter, filter tracker.ClaimFilter, resolve resolver) error {
	rows, err := r.tracker.Claim(ctx, r.cfg.Owner, filter, r.cfg.Lease)
	if err != nil {
		return fmt.Errorf("recon: claim: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	jobs := make(chan models.LedgerTransaction)
	var wg sync.WaitGroup
	workers := r.cfg.Workers
	if workers > len(rows) {
		workers = len(rows)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				c.add(func(res *Result) { res.Polled++ })
				if err := resolve(ctx, row, c); err != nil {
					c.add(func(res *Result) { res.Errors++ })
					r.logger.Warn("resolve transaction",
						slog.String("id", row.ID.String()),
						slog.String("status", string(row.Status)),
						slog.Any("error", err))
				}
				if err := r.tracker.Release(context.WithoutCancel(ctx), row.ID, r.cfg.Owner); err != nil {
					r.logger.Error("release lease", slog.String("id", row.ID.String()), slog.Any("error", err))
				}
			}
		}()
	}
	for _, row := range rows {
		select {
		case jobs <- row:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()
	return nil
}

func (r *Reconciler) poll(ctx context.Context, hash string) (ledger.Status, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.gateway.PollStatus(callCtx, hash)
}

// resolveInFlight advances a submitted or confirming row from the ledger's view of its hash.
func (r *Reconciler) resolveInFlight(ctx context.Context, row models.LedgerTransaction, c *counter) error {
	status, err := r.poll(ctx, row.HashValue())
	if err != nil {
		return err
	}
	return r.apply(ctx, row, status, c)
}

func (r *Reconciler) apply(ctx context.Context, row models.LedgerTransaction, status ledger.Status, c *counter) error {
	switch status.State {
	case ledger.StateSucceeded:
		if status.Confirmations() >= r.cfg.MinConfirmations {
			if _, err := r.tracker.MarkConfirmed(ctx, row.ID, status.Ledger); err != nil {
				return err
			}
			c.add(func(res *Result) { res.Confirmed++ })
			return nil
		}
		if row.Status == models.TxConfirming {
			return nil
		}
		if _, err := r.tracker.MarkConfirming(ctx, row.ID, status.Ledger); err != nil {
			return err
		}
		c.add(func(res *Result) { res.Confirming++ })
	case ledger.StateFailed:
		if _, err := r.tracker.MarkFailed(ctx, row.ID, status.ResultCode, "transaction failed on ledger"); err != nil {
			return err
		}
		c.add(func(res *Result) { res.Failed++ })
	case ledger.StateNotFound:
		if !r.pastBound(row) {
			return nil
		}
		if _, err := r.tracker.MarkExpired(ctx, row.ID, "not found on ledger after time bound"); err != nil {
			return err
		}
		c.add(func(res *Result) { res.Expired++ })
	}
	return nil
}

// resolvePending recovers a pending row whose submitter never learned the
// outcome, using the candidate hash recorded before submission.
func (r *Reconciler) resolvePending(ctx context.Context, row models.LedgerTransaction, c *counter) error {
	if row.EnvelopeHash == "" {
		// No envelope was ever signed, so nothing can reach the ledger.
		if r.now().Sub(row.CreatedAt) < r.cfg.MaxPendingAge {
			return nil
		}
		if _, err := r.tracker.MarkExpired(ctx, row.ID, "no envelope prepared"); err != nil {
			return err
		}
		c.add(func(res *Result) { res.Expired++ })
		return nil
	}
	status, err := r.poll(ctx, row.EnvelopeHash)
	if err != nil {
		return err
	}
	if status.State == ledger.StateNotFound {
		return r.apply(ctx, row, status, c)
	}
	if err := r.tracker.MarkSubmitted(ctx, row.ID, row.EnvelopeHash); err != nil {
		if errors.Is(err, domain.ErrDuplicateHash) {
			_, failErr := r.tracker.MarkFailed(ctx, row.ID, "duplicate_hash", err.Error())
			return errors.Join(err, failErr)
		}
		return err
	}
	c.add(func(res *Result) { res.Recovered++ })
	row.Status = models.TxSubmitted
	hash := row.EnvelopeHash
	row.Hash = &hash
	return r.apply(ctx, row, status, c)
}

// resolveLate re-checks an expired row; a confirmed candidate revives it.
func (r *Reconciler) resolveLate(ctx context.Context, row models.LedgerTransaction, c *counter) error {
	hash := row.HashValue()
	if hash == "" {
		hash = row.EnvelopeHash
	}
	status, err := r.poll(ctx, hash)
	if err != nil {
		return err
	}
	if status.State != ledger.StateSucceeded {
		return nil
	}
	if _, err := r.tracker.ReviveConfirmed(ctx, row.ID, status.Ledger); err != nil {
		return err
	}
	c.add(func(res *Result) { res.Revived++ })
	return nil
}

// pastBound reports whether the ledger can no longer include the row's envelope.
func (r *Reconciler) pastBound(row models.LedgerTransaction) bool {
	var deadline time.Time
	switch {
	case row.ValidUntil != nil:
		deadline = row.ValidUntil.Add(r.cfg.ExpiryMargin)
	case row.SubmittedAt != nil:
		deadline = row.SubmittedAt.Add(r.cfg.MaxPendingAge)
	default:
		deadline = row.CreatedAt.Add(r.cfg.MaxPendingAge)
	}
	return r.now().After(deadline)
}

// dispatch hands terminal rows with unapplied effects to their source handler.
func (r *Reconciler) dispatch(ctx context.Context, c *counter) error {
	rows, err := r.tracker.ListUnapplied(ctx, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("recon: list unapplied: %w", err)
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if handler, ok := r.handlers[row.SourceType]; ok {
			var applyErr error
			if row.Status == models.TxConfirmed {
				applyErr = handler.OnConfirmed(ctx, row)
			} else {
				applyErr = handler.OnFailed(ctx, row)
			}
			if applyErr != nil {
				c.add(func(res *Result) { res.Errors++ })
				r.logger.Error("apply settlement effects",
					slog.String("id", row.ID.String()),
					slog.String("source_type", string(row.SourceType)),
					slog.Int("attempts", row.EffectsAttempts+1),
					slog.Any("error", applyErr))
				if err := r.tracker.DeferEffects(ctx, row.ID, r.cfg.EffectsRetry, r.cfg.EffectsRetryMax); err != nil {
					return fmt.Errorf("recon: defer effects: %w", err)
				}
				continue
			}
		}
		if err := r.tracker.MarkEffectsApplied(ctx, row.ID); err != nil {
			return err
		}
		c.add(func(res *Result) { res.EffectsApplied++ })
	}
	return nil
}

func (r *Reconciler) publishInFlight(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	counts, err := r.tracker.CountByStatus(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	for _, status := range []models.TxStatus{models.TxPending, models.TxSubmitted, models.TxConfirming} {
		r.metrics.SetInFlight(string(status), counts[status])
	}
}
