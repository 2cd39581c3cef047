package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fundledger/observability"
	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/models"
)

var (
	// ErrInvalidTransition is returned for transitions the lifecycle forbids or
	// that lost a race against another writer.
	ErrInvalidTransition = fmt.Errorf("%w: illegal transaction transition", domain.ErrInvalidState)
)

// Attempt describes a money movement about to be handed to the ledger.
type Attempt struct {
	SourceType         models.SourceType
	SourceID           uuid.UUID
	InitiatorID        uuid.UUID
	Amount             decimal.Decimal
	Asset              string
	SourceAccount      string
	DestinationAccount string
}

// Update carries optional fields written alongside a transition.
type Update struct {
	Detail         string
	LedgerSequence int64
	ErrorCode      string
	ErrorMessage   string
}

// Tracker persists and advances the lifecycle of ledger-bound transactions.
// All state changes are conditional updates on the observed status, so
// concurrent writers cannot move a row backwards or apply a transition twice.
type Tracker struct {
	db      *gorm.DB
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.SettlementMetrics
	feed    *Feed
}

// Option customises the tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithFeed publishes committed transitions to feed.
func WithFeed(feed *Feed) Option {
	return func(t *Tracker) { t.feed = feed }
}

// WithMetrics records transitions on the supplied registry.
func WithMetrics(metrics *observability.SettlementMetrics) Option {
	return func(t *Tracker) { t.metrics = metrics }
}

// New constructs a tracker over db.
func New(db *gorm.DB, opts ...Option) *Tracker {
	t := &Tracker{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = t.logger.With(slog.String("component", "tracker"))
	return t
}

// WithTx returns a tracker bound to an open transaction so callers can create
// the pending row atomically with their own business record.
func (t *Tracker) WithTx(tx *gorm.DB) *Tracker {
	clone := *t
	clone.db = tx
	return &clone
}

// Now exposes the tracker's clock to collaborators sharing it.
func (t *Tracker) Now() time.Time { return t.now() }

// RecordAttempt creates the durable pending row. It must be called before any
// ledger call for the operation.
func (t *Tracker) RecordAttempt(ctx context.Context, attempt Attempt) (*models.LedgerTransaction, error) {
	if !attempt.SourceType.Valid() {
		return nil, domain.Validationf("unknown source type %q", attempt.SourceType)
	}
	if err := domain.CheckAmount(attempt.Amount); err != nil {
		return nil, err
	}
	now := t.now()
	row := &models.LedgerTransaction{
		ID:                 uuid.New(),
		SourceType:         attempt.SourceType,
		SourceID:           attempt.SourceID,
		InitiatorID:        attempt.InitiatorID,
		Status:             models.TxPending,
		Amount:             attempt.Amount,
		Asset:              strings.TrimSpace(attempt.Asset),
		SourceAccount:      attempt.SourceAccount,
		DestinationAccount: attempt.DestinationAccount,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("tracker: record attempt: %w", err)
		}
		return appendEvent(tx, row.ID, models.TxPending, "attempt recorded", now)
	})
	if err != nil {
		return nil, err
	}
	t.metrics.RecordTransition(string(row.SourceType), string(models.TxPending), 0, false)
	return row, nil
}

// AttachEnvelope records the candidate hash and time bound of a prepared
// envelope on a pending row. The candidate is what reconciliation polls when
// the submitter never learned the outcome.
func (t *Tracker) AttachEnvelope(ctx context.Context, id uuid.UUID, envelopeHash string, validUntil time.Time) error {
	envelopeHash = strings.TrimSpace(envelopeHash)
	if envelopeHash == "" {
		return domain.Validationf("envelope hash required")
	}
	res := t.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("id = ? AND status = ?", id, models.TxPending).
		Updates(map[string]any{
			"envelope_hash": envelopeHash,
			"valid_until":   validUntil.UTC(),
			"attempts":      gorm.Expr("attempts + 1"),
			"updated_at":    t.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("tracker: attach envelope: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: attach envelope to non-pending %s", ErrInvalidTransition, id)
	}
	return nil
}

// MarkSubmitted assigns the ledger hash and moves a pending row to submitted.
// It is the only writer of the hash. Assigning a hash that another row owns
// fails with domain.ErrDuplicateHash and raises an anomaly. Repeating the call
// with the hash already assigned is a no-op.
func (t *Tracker) MarkSubmitted(ctx context.Context, id uuid.UUID, hash string) error {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return domain.Validationf("ledger hash required")
	}
	var row models.LedgerTransaction
	now := t.now()
	duplicate := false
	noop := false
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner models.LedgerTransaction
		err := tx.Select("id").Where("hash = ? AND id <> ?", hash, id).Take(&owner).Error
		switch {
		case err == nil:
			duplicate = true
			return fmt.Errorf("%w: %s already recorded on %s", domain.ErrDuplicateHash, hash, owner.ID)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("tracker: duplicate check: %w", err)
		}
		res := tx.Model(&models.LedgerTransaction{}).
			Where("id = ? AND status = ? AND hash IS NULL", id, models.TxPending).
			Updates(map[string]any{
				"hash":         hash,
				"status":       models.TxSubmitted,
				"submitted_at": now,
				"last_checked": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				duplicate = true
				return fmt.Errorf("%w: %s", domain.ErrDuplicateHash, hash)
			}
			return fmt.Errorf("tracker: mark submitted: %w", res.Error)
		}
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return fmt.Errorf("tracker: load %s: %w", id, err)
		}
		if res.RowsAffected == 0 {
			if row.HashValue() == hash {
				noop = true
				return nil
			}
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, row.Status)
		}
		return appendEvent(tx, id, models.TxSubmitted, "ledger accepted "+hash, now)
	})
	if err != nil {
		if duplicate {
			t.RecordAnomaly(ctx, "duplicate_hash", &id, hash, err.Error())
		}
		return err
	}
	if noop {
		return nil
	}
	t.committed(&row, "ledger accepted")
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// Advance moves a row forward to status. Moving to the current status only
// refreshes lastChecked. Terminal rows reject every transition.
func (t *Tracker) Advance(ctx context.Context, id uuid.UUID, to models.TxStatus, update Update) (*models.LedgerTransaction, error) {
	var row models.LedgerTransaction
	now := t.now()
	noop := false
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: ledger transaction %s", domain.ErrNotFound, id)
			}
			return fmt.Errorf("tracker: load %s: %w", id, err)
		}
		from := row.Status
		if from == to && !to.Terminal() {
			row.LastChecked = &now
			noop = true
			return tx.Model(&models.LedgerTransaction{}).Where("id = ? AND status = ?", id, from).
				Update("last_checked", now).Error
		}
		if !allowed(from, to) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, id)
		}
		fields := map[string]any{
			"status":       to,
			"last_checked": now,
			"updated_at":   now,
		}
		if update.LedgerSequence > 0 {
			fields["ledger_sequence"] = update.LedgerSequence
		}
		if update.ErrorCode != "" {
			fields["error_code"] = truncate(update.ErrorCode, 64)
		}
		if update.ErrorMessage != "" {
			fields["error_message"] = truncate(update.ErrorMessage, 512)
		}
		if to.Terminal() {
			fields["resolved_at"] = now
			fields["lease_owner"] = ""
			fields["lease_expires_at"] = nil
		}
		res := tx.Model(&models.LedgerTransaction{}).Where("id = ? AND status = ?", id, from).Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("tracker: advance %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s moved concurrently", ErrInvalidTransition, id)
		}
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		return appendEvent(tx, id, to, eventDetail(to, update), now)
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return &row, nil
	}
	t.committed(&row, eventDetail(to, update))
	return &row, nil
}

// MarkConfirming records inclusion below the required confirmation depth.
func (t *Tracker) MarkConfirming(ctx context.Context, id uuid.UUID, ledgerSeq int64) (*models.LedgerTransaction, error) {
	return t.Advance(ctx, id, models.TxConfirming, Update{LedgerSequence: ledgerSeq})
}

// MarkConfirmed records finality.
func (t *Tracker) MarkConfirmed(ctx context.Context, id uuid.UUID, ledgerSeq int64) (*models.LedgerTransaction, error) {
	return t.Advance(ctx, id, models.TxConfirmed, Update{LedgerSequence: ledgerSeq})
}

// MarkFailed records a refusal or a confirmed ledger failure.
func (t *Tracker) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) (*models.LedgerTransaction, error) {
	return t.Advance(ctx, id, models.TxFailed, Update{ErrorCode: code, ErrorMessage: message})
}

// MarkExpired records that no resolution was observed within the bound.
func (t *Tracker) MarkExpired(ctx context.Context, id uuid.UUID, detail string) (*models.LedgerTransaction, error) {
	return t.Advance(ctx, id, models.TxExpired, Update{Detail: detail, ErrorCode: "expired", ErrorMessage: detail})
}

// ReviveConfirmed applies the one permitted exit from a terminal state: an
// expired row whose candidate hash is later found successful on the ledger
// becomes confirmed so its effects are applied rather than lost.
func (t *Tracker) ReviveConfirmed(ctx context.Context, id uuid.UUID, ledgerSeq int64) (*models.LedgerTransaction, error) {
	var row models.LedgerTransaction
	now := t.now()
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return fmt.Errorf("tracker: load %s: %w", id, err)
		}
		if row.Status != models.TxExpired || row.EnvelopeHash == "" {
			return fmt.Errorf("%w: revive %s from %s", ErrInvalidTransition, id, row.Status)
		}
		hash := row.HashValue()
		if hash == "" {
			hash = row.EnvelopeHash
			var count int64
			if err := tx.Model(&models.LedgerTransaction{}).Where("hash = ? AND id <> ?", hash, id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateHash, hash)
			}
		}
		res := tx.Model(&models.LedgerTransaction{}).
			Where("id = ? AND status = ?", id, models.TxExpired).
			Updates(map[string]any{
				"status":          models.TxConfirmed,
				"hash":            hash,
				"ledger_sequence": ledgerSeq,
				"error_code":      "",
				"error_message":   "",
				"last_checked":    now,
				"resolved_at":     now,
				"updated_at":      now,
				// Effects dispatched for the expiry are superseded by the confirmation.
				"effects_applied_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s moved concurrently", ErrInvalidTransition, id)
		}
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		return appendEvent(tx, id, models.TxConfirmed, "late_confirmation", now)
	})
	if err != nil {
		return nil, err
	}
	t.RecordAnomaly(ctx, "late_confirmation", &id, row.HashValue(), "expired transaction found confirmed on ledger")
	t.committed(&row, "late_confirmation")
	return &row, nil
}

// Note appends a diagnostic history entry without changing status.
func (t *Tracker) Note(ctx context.Context, id uuid.UUID, detail string) error {
	var row models.LedgerTransaction
	if err := t.db.WithContext(ctx).Select("id", "status").First(&row, "id = ?", id).Error; err != nil {
		return fmt.Errorf("tracker: load %s: %w", id, err)
	}
	return appendEvent(t.db.WithContext(ctx), id, row.Status, detail, t.now())
}

// MarkEffectsApplied records that business effects for a terminal row were dispatched.
func (t *Tracker) MarkEffectsApplied(ctx context.Context, id uuid.UUID) error {
	now := t.now()
	return t.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("id = ? AND effects_applied_at IS NULL", id).
		Updates(map[string]any{"effects_applied_at": now, "updated_at": now}).Error
}

// Get loads a row with its ordered history.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*models.LedgerTransaction, error) {
	var row models.LedgerTransaction
	err := t.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: ledger transaction %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return &row, nil
}

// FindByHash loads the row owning hash.
func (t *Tracker) FindByHash(ctx context.Context, hash string) (*models.LedgerTransaction, error) {
	var row models.LedgerTransaction
	if err := t.db.WithContext(ctx).First(&row, "hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: hash %s", domain.ErrNotFound, hash)
		}
		return nil, err
	}
	return &row, nil
}

// CountByInitiator counts ledger transactions a user initiated since the cutoff.
func (t *Tracker) CountByInitiator(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := t.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("initiator_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	return count, err
}

// CountByStatus returns the number of rows per status.
func (t *Tracker) CountByStatus(ctx context.Context) (map[models.TxStatus]int, error) {
	type bucket struct {
		Status models.TxStatus
		Count  int
	}
	var buckets []bucket
	err := t.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Select("status, count(*) as count").Group("status").Scan(&buckets).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.TxStatus]int, len(buckets))
	for _, b := range buckets {
		out[b.Status] = b.Count
	}
	return out, nil
}

// RecordAnomaly persists an integrity problem for operator review. Failures
// to persist are logged; the anomaly is never allowed to mask the caller's error.
func (t *Tracker) RecordAnomaly(ctx context.Context, kind string, txID *uuid.UUID, hash, detail string) {
	t.metrics.RecordAnomaly(kind)
	t.logger.Warn("settlement anomaly",
		slog.String("reason", kind),
		slog.String("hash", hash),
		slog.String("detail", detail))
	anomaly := models.Anomaly{
		ID:            uuid.New(),
		Kind:          kind,
		TransactionID: txID,
		Hash:          hash,
		Detail:        detail,
		CreatedAt:     t.now(),
	}
	if err := t.db.WithContext(context.WithoutCancel(ctx)).Create(&anomaly).Error; err != nil {
		t.logger.Error("persist anomaly failed", slog.String("reason", kind), slog.Any("error", err))
	}
}

func (t *Tracker) committed(row *models.LedgerTransaction, detail string) {
	var since time.Duration
	if !row.CreatedAt.IsZero() {
		since = t.now().Sub(row.CreatedAt)
	}
	t.metrics.RecordTransition(string(row.SourceType), string(row.Status), since, row.Status.Terminal())
	t.logger.Info("ledger transaction advanced",
		slog.String("id", row.ID.String()),
		slog.String("source_type", string(row.SourceType)),
		slog.String("status", string(row.Status)),
		slog.String("hash", row.HashValue()))
	if t.feed != nil {
		t.feed.Publish(Event{
			TransactionID: row.ID,
			SourceType:    row.SourceType,
			SourceID:      row.SourceID,
			Status:        row.Status,
			Hash:          row.HashValue(),
			Detail:        detail,
			At:            t.now(),
		})
	}
}

// allowed encodes the forward-only lifecycle. pending -> submitted is owned by MarkSubmitted.
func allowed(from, to models.TxStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case models.TxConfirming:
		return from == models.TxSubmitted
	case models.TxConfirmed:
		return from == models.TxSubmitted || from == models.TxConfirming
	case models.TxFailed, models.TxExpired:
		return true
	default:
		return false
	}
}

func appendEvent(tx *gorm.DB, id uuid.UUID, status models.TxStatus, detail string, at time.Time) error {
	event := models.LedgerTransactionEvent{
		ID:            uuid.New(),
		TransactionID: id,
		Status:        status,
		Detail:        truncate(detail, 512),
		CreatedAt:     at,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("tracker: append history: %w", err)
	}
	return nil
}

func eventDetail(to models.TxStatus, update Update) string {
	switch {
	case update.Detail != "":
		return update.Detail
	case update.ErrorCode != "":
		return update.ErrorCode
	case update.LedgerSequence > 0:
		return fmt.Sprintf("ledger %d", update.LedgerSequence)
	default:
		return string(to)
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
