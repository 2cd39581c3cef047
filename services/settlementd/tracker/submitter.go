package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fundledger/observability"
	telemetry "fundledger/observability/otel"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
)

// ErrUnresolved is returned when retries were exhausted without learning
// whether the ledger applied the envelope. The row stays pending with its
// candidate hash and reconciliation resolves it.
var ErrUnresolved = errors.New("tracker: submission outcome unresolved")

// SubmitterConfig bounds ledger calls and retries.
type SubmitterConfig struct {
	CallTimeout      time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	MaxRetries       int
	EnvelopeValidity time.Duration
}

// Submitter drives a recorded attempt through prepare, submit and
// markSubmitted. Only network failures are retried, and every retry first
// polls the envelope hash so an accepted submission is never sent twice.
type Submitter struct {
	tracker *Tracker
	gateway ledger.Gateway
	cfg     SubmitterConfig
	logger  *slog.Logger
	metrics *observability.SettlementMetrics
	tracer  trace.Tracer
}

// Outcome reports what the submitter learned.
type Outcome struct {
	Hash      string
	Submitted bool
	Attempts  int
}

// NewSubmitter constructs a submitter.
func NewSubmitter(tracker *Tracker, gateway ledger.Gateway, cfg SubmitterConfig, logger *slog.Logger) *Submitter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.EnvelopeValidity <= 0 {
		cfg.EnvelopeValidity = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		tracker: tracker,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "submitter")),
		metrics: tracker.metrics,
		tracer:  telemetry.Tracer("tracker"),
	}
}

// EnvelopeValidity returns the time bound placed on prepared envelopes.
func (s *Submitter) EnvelopeValidity() time.Duration { return s.cfg.EnvelopeValidity }

// Submit prepares, signs and submits payment for the pending row.
//
// A ledger refusal marks the row failed and returns an error matching
// ledger.ErrRejected. Exhausted network retries return an error matching both
// ErrUnresolved and ledger.ErrNetwork, leaving the row pending.
func (s *Submitter) Submit(ctx context.Context, row *models.LedgerTransaction, payment ledger.Payment) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.submit", trace.WithAttributes(
		attribute.String("source_type", string(row.SourceType)),
		attribute.String("transaction_id", row.ID.String()),
	))
	defer span.End()

	outcome, err := s.submit(ctx, row, payment)
	s.metrics.RecordSubmission(string(row.SourceType), outcomeLabel(outcome, err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (s *Submitter) submit(ctx context.Context, row *models.LedgerTransaction, payment ledger.Payment) (Outcome, error) {
	payment.ValidUntil = s.tracker.now().Add(s.cfg.EnvelopeValidity)

	var env ledger.Envelope
	err := s.retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		prepared, err := s.gateway.Prepare(callCtx, payment)
		if err != nil {
			return classifyRetry(err)
		}
		env = prepared
		return nil
	})
	if err != nil {
		if ledger.IsRetriable(err) || isContextErr(err) {
			// Nothing reached the ledger, so the attempt is closed out as expired.
			if _, expErr := s.tracker.MarkExpired(context.WithoutCancel(ctx), row.ID, "prepare failed: "+err.Error()); expErr != nil {
				s.logger.Error("expire unprepared attempt", slog.String("id", row.ID.String()), slog.Any("error", expErr))
			}
			return Outcome{}, err
		}
		s.fail(ctx, row, ledger.ErrorCode(err), err)
		return Outcome{}, err
	}
	if err := s.tracker.AttachEnvelope(ctx, row.ID, env.Hash, env.ValidUntil); err != nil {
		return Outcome{}, err
	}

	attempts := 0
	var accepted string
	err = s.retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		if attempts > 0 {
			status, pollErr := s.gateway.PollStatus(callCtx, env.Hash)
			if pollErr != nil {
				return classifyRetry(pollErr)
			}
			if status.State != ledger.StateNotFound {
				accepted = env.Hash
				return nil
			}
		}
		attempts++
		sub, subErr := s.gateway.Submit(callCtx, env)
		if subErr != nil {
			s.logger.Warn("ledger submit failed",
				slog.String("id", row.ID.String()),
				slog.Int("attempt", attempts),
				slog.Any("error", subErr))
			return classifyRetry(subErr)
		}
		accepted = sub.Hash
		if accepted == "" {
			accepted = env.Hash
		}
		return nil
	})
	outcome := Outcome{Hash: env.Hash, Attempts: attempts}
	switch {
	case err == nil:
		if markErr := s.tracker.MarkSubmitted(ctx, row.ID, accepted); markErr != nil {
			return outcome, markErr
		}
		outcome.Hash = accepted
		outcome.Submitted = true
		return outcome, nil
	case ledger.IsRetriable(err) || isContextErr(err):
		_ = s.tracker.Note(context.WithoutCancel(ctx), row.ID, fmt.Sprintf("outcome unresolved after %d attempts", attempts))
		return outcome, fmt.Errorf("%w: %w", ErrUnresolved, err)
	default:
		s.fail(ctx, row, ledger.ErrorCode(err), err)
		return outcome, err
	}
}

func (s *Submitter) fail(ctx context.Context, row *models.LedgerTransaction, code string, cause error) {
	if _, err := s.tracker.MarkFailed(context.WithoutCancel(ctx), row.ID, code, cause.Error()); err != nil {
		s.logger.Error("mark failed after refusal", slog.String("id", row.ID.String()), slog.Any("error", err))
	}
}

func (s *Submitter) retry(ctx context.Context, op backoff.Operation) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInitial
	policy.MaxInterval = s.cfg.RetryMax
	policy.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxRetries)), ctx))
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func classifyRetry(err error) error {
	if ledger.IsRetriable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func outcomeLabel(outcome Outcome, err error) string {
	switch {
	case err == nil && outcome.Submitted:
		return "submitted"
	case errors.Is(err, ErrUnresolved):
		return "unresolved"
	case errors.Is(err, ledger.ErrRejected):
		return "rejected"
	case errors.Is(err, ledger.ErrNetwork):
		return "network"
	default:
		return "error"
	}
}
