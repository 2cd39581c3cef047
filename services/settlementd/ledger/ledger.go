// Package ledger defines the capability the settlement engine needs from the
// external payment ledger: account lookup, envelope preparation, submission
// and status polling.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundledger/services/settlementd/domain"
)

// NativeCode is the asset code of the ledger's native currency.
const NativeCode = "XLM"

// Asset identifies a ledger asset. Credit assets carry their issuer.
type Asset struct {
	Code   string
	Issuer string
}

// Native returns the native asset.
func Native() Asset { return Asset{Code: NativeCode} }

// IsNative reports whether the asset is the ledger's native currency.
func (a Asset) IsNative() bool {
	return strings.EqualFold(a.Code, NativeCode) && a.Issuer == ""
}

// String renders the asset as CODE or CODE:ISSUER.
func (a Asset) String() string {
	if a.IsNative() {
		return NativeCode
	}
	return a.Code + ":" + a.Issuer
}

// ParseAsset parses CODE or CODE:ISSUER.
func ParseAsset(raw string) (Asset, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Asset{}, fmt.Errorf("asset required")
	}
	code, issuer, found := strings.Cut(trimmed, ":")
	code = strings.ToUpper(strings.TrimSpace(code))
	if !found {
		if code != NativeCode {
			return Asset{}, fmt.Errorf("credit asset %q requires an issuer", raw)
		}
		return Native(), nil
	}
	issuer = strings.TrimSpace(issuer)
	if code == "" || issuer == "" || len(code) > 12 {
		return Asset{}, fmt.Errorf("asset %q is malformed", raw)
	}
	return Asset{Code: code, Issuer: issuer}, nil
}

// Operation selects the ledger operation an envelope carries.
type Operation string

// Supported operations.
const (
	OpPayment       Operation = "payment"
	OpCreateAccount Operation = "create_account"
)

// Payment describes a single money movement to be prepared for submission.
type Payment struct {
	Operation   Operation
	Source      string
	Destination string
	Amount      decimal.Decimal
	Asset       Asset
	Memo        string
	// ValidUntil bounds the envelope; the ledger refuses it afterwards.
	ValidUntil time.Time
	Secret     domain.Secret
}

// Envelope is a signed transaction ready for submission. Its hash is fixed by
// its content, so it is known before the ledger sees it.
type Envelope struct {
	Hash       string
	XDR        string
	Source     string
	ValidUntil time.Time
}

// Submission is the ledger's acknowledgement of an envelope.
type Submission struct {
	Hash     string
	Accepted bool
	Ledger   int64
}

// Account is a ledger account snapshot.
type Account struct {
	ID            string
	Sequence      int64
	SubentryCount int
	Balances      map[string]decimal.Decimal
}

// Balance returns the holding of the given asset.
func (a Account) Balance(asset Asset) decimal.Decimal {
	if a.Balances == nil {
		return decimal.Zero
	}
	return a.Balances[asset.String()]
}

// State is the ledger's view of a transaction hash.
type State string

// Observable ledger states.
const (
	StateNotFound  State = "not_found"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status is the result of polling a hash.
type Status struct {
	Hash         string
	State        State
	Ledger       int64
	LatestLedger int64
	ResultCode   string
	ClosedAt     time.Time
}

// Confirmations returns how many ledgers have closed on top of the inclusion ledger, inclusive.
func (s Status) Confirmations() int64 {
	if s.State == StateNotFound || s.Ledger <= 0 {
		return 0
	}
	if s.LatestLedger < s.Ledger {
		return 1
	}
	return s.LatestLedger - s.Ledger + 1
}

// Gateway abstracts the external ledger.
//
// Submit may change ledger state even when it returns an error; callers must
// poll the envelope hash before submitting the same logical payment again.
type Gateway interface {
	Account(ctx context.Context, id string) (Account, error)
	Prepare(ctx context.Context, payment Payment) (Envelope, error)
	Submit(ctx context.Context, env Envelope) (Submission, error)
	PollStatus(ctx context.Context, hash string) (Status, error)
}

// BaseReserve is the per-entry reserve of the public network in the native asset.
var BaseReserve = decimal.RequireFromString("0.5")

// MinimumBalance returns the native balance an account must keep given its subentries.
func MinimumBalance(baseReserve decimal.Decimal, subentries int) decimal.Decimal {
	return baseReserve.Mul(decimal.NewFromInt(int64(2 + subentries)))
}
