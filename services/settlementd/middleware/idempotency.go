// Package middleware holds HTTP middleware shared by the settlement API.
package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"fundledger/services/settlementd/auth"
	"fundledger/services/settlementd/models"
)

// HeaderIdempotencyKey carries the client-chosen key.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotentBody = 1 << 20

type contextKey string

const contextKeyIdempotency contextKey = "idempotency-key"

// IdempotencyKeyFromContext returns the key of the request being served.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// Idempotency replays the stored response for a repeated key. Keys are scoped
// to the caller, and a reused key with a different request is rejected.
type Idempotency struct {
	db     *gorm.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewIdempotency constructs the middleware. Records older than ttl are ignored.
func NewIdempotency(db *gorm.DB, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// Middleware wraps mutating handlers.
func (m *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			http.Error(w, "idempotency key too long", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		subject := ""
		if claims, err := auth.FromContext(r.Context()); err == nil {
			subject = claims.Subject.String()
		}
		fingerprint := requestHash(r.Method, r.URL.Path, body)
		scoped := subject + ":" + key

		owned, record, err := m.reserve(r.Context(), scoped, subject, fingerprint, r)
		if err != nil {
			m.logger.Error("idempotency reservation failed", slog.Any("error", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !owned {
			switch {
			case record.RequestHash != fingerprint:
				http.Error(w, "idempotency key reused with a different request", http.StatusUnprocessableEntity)
			case record.Status == 0:
				w.Header().Set("Retry-After", "1")
				http.Error(w, "a request with this idempotency key is in progress", http.StatusConflict)
			default:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
			}
			return
		}

		done := false
		defer func() {
			if !done {
				m.forget(r.Context(), scoped)
			}
		}()
		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		err = m.db.WithContext(context.WithoutCancel(r.Context())).Model(&models.IdempotencyKey{}).
			Where("key = ?", scoped).
			Updates(map[string]any{"status": recorder.status, "response": recorder.buf.String()}).Error
		if err != nil {
			m.logger.Warn("persist idempotent response", slog.Any("error", err))
			return
		}
		done = true
	})
}

// reserve claims scoped for this request before the handler runs, so
// concurrent requests with the same key never both reach it. A reservation
// holds Status 0 until the response is stored. When the key is held by
// someone else the current record is returned.
func (m *Idempotency) reserve(ctx context.Context, scoped, subject, fingerprint string, r *http.Request) (bool, models.IdempotencyKey, error) {
	now := m.now()
	db := m.db.WithContext(ctx)
	placeholder := models.IdempotencyKey{
		Key:         scoped,
		Subject:     subject,
		RequestHash: fingerprint,
		Method:      r.Method,
		Path:        r.URL.Path,
		CreatedAt:   now,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder)
	if res.Error != nil {
		return false, models.IdempotencyKey{}, res.Error
	}
	if res.RowsAffected == 1 {
		return true, placeholder, nil
	}
	var record models.IdempotencyKey
	if err := db.First(&record, "key = ?", scoped).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Released between the insert and the read; the caller may retry.
			return false, models.IdempotencyKey{RequestHash: fingerprint}, nil
		}
		return false, models.IdempotencyKey{}, err
	}
	if now.Sub(record.CreatedAt) < m.ttl {
		return false, record, nil
	}
	// Expired: take the key over unless another request got there first.
	res = db.Model(&models.IdempotencyKey{}).
		Where("key = ? AND created_at = ?", scoped, record.CreatedAt).
		Updates(map[string]any{
			"request_hash": fingerprint,
			"method":       r.Method,
			"path":         r.URL.Path,
			"status":       0,
			"response":     "",
			"created_at":   now,
		})
	if res.Error != nil {
		return false, models.IdempotencyKey{}, res.Error
	}
	if res.RowsAffected == 1 {
		return true, placeholder, nil
	}
	return false, models.IdempotencyKey{RequestHash: fingerprint}, nil
}

// forget drops a reservation whose request did not produce a storable
// response, so the client can retry with the same key.
func (m *Idempotency) forget(ctx context.Context, scoped string) {
	err := m.db.WithContext(context.WithoutCancel(ctx)).
		Where("key = ? AND status = 0", scoped).
		Delete(&models.IdempotencyKey{}).Error
	if err != nil {
		m.logger.Warn("release idempotency key", slog.Any("error", err))
	}
}

func requestHash(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method + " " + path + "\n"))
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
