package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"fundledger/services/settlementd/domain"
)

// Fake is a deterministic in-memory ledger. Submissions are included in the
// next ledger immediately; AdvanceLedger adds confirmation depth.
type Fake struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	secrets     map[string]string
	prepared    map[string]Payment
	included    map[string]Status
	submitCalls map[string]int
	calls       int
	submitFault []fakeFault
	pollFault   []error
	latest      int64
	nonce       int64
	baseReserve decimal.Decimal
	now         func() time.Time
}

type fakeFault struct {
	err   error
	apply bool
}

// NewFake returns an empty fake ledger at sequence 1.
func NewFake() *Fake {
	return &Fake{
		accounts:    make(map[string]*Account),
		secrets:     make(map[string]string),
		prepared:    make(map[string]Payment),
		included:    make(map[string]Status),
		submitCalls: make(map[string]int),
		latest:      1,
		baseReserve: BaseReserve,
		now:         time.Now,
	}
}

// WithClock replaces the fake's time source used for envelope expiry.
func (f *Fake) WithClock(now func() time.Time) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now != nil {
		f.now = now
	}
	return f
}

// Fund credits an account, creating it when missing.
func (f *Fake) Fund(id string, asset Asset, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := f.account(id)
	acct.Balances[asset.String()] = acct.Balances[asset.String()].Add(amount)
}

// SetSecret pins the signing secret expected for an account.
func (f *Fake) SetSecret(id, secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[id] = secret
}

// FailNextSubmit makes the next Submit return err without touching the ledger.
func (f *Fake) FailNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitFault = append(f.submitFault, fakeFault{err: err})
}

// FailNextSubmitAfterApply makes the next Submit apply the envelope and still return err,
// as when a response is lost after the ledger accepted the transaction.
func (f *Fake) FailNextSubmitAfterApply(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitFault = append(f.submitFault, fakeFault{err: err, apply: true})
}

// FailNextPoll makes the next PollStatus return err.
func (f *Fake) FailNextPoll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollFault = append(f.pollFault, err)
}

// AdvanceLedger closes n empty ledgers.
func (f *Fake) AdvanceLedger(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest += n
}

// FailOnLedger records hash as included in the ledger with a failed result.
func (f *Fake) FailOnLedger(hash, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest++
	f.included[hash] = Status{Hash: hash, State: StateFailed, Ledger: f.latest, ResultCode: code, ClosedAt: f.now()}
}

// Forget removes a hash from the ledger so polls report it as not found.
func (f *Fake) Forget(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.included, hash)
}

// Submissions returns the number of Submit calls received.
func (f *Fake) Submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// SubmissionsFor returns the number of Submit calls received for hash.
func (f *Fake) SubmissionsFor(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls[hash]
}

// Account implements Gateway.
func (f *Fake) Account(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, &NetworkError{Op: "account", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return copyAccount(acct), nil
}

// Prepare implements Gateway.
func (f *Fake) Prepare(ctx context.Context, payment Payment) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, &NetworkError{Op: "prepare", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if payment.Secret.Empty() {
		return Envelope{}, Rejected("tx_bad_auth", "missing signing secret")
	}
	if expected, ok := f.secrets[payment.Source]; ok && expected != payment.Secret.Reveal() {
		return Envelope{}, Rejected("tx_bad_auth", "signature does not match source account")
	}
	if !payment.Amount.IsPositive() {
		return Envelope{}, Rejected("tx_failed", "amount must be positive", "op_malformed")
	}
	f.nonce++
	digest := blake3.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		payment.Operation, payment.Source, payment.Destination, payment.Amount.String(),
		payment.Asset.String(), payment.Memo, f.nonce)))
	hash := hex.EncodeToString(digest[:])
	stored := payment
	stored.Secret = domain.Secret{}
	f.prepared[hash] = stored
	return Envelope{Hash: hash, XDR: "fake:" + hash, Source: payment.Source, ValidUntil: payment.ValidUntil}, nil
}

// Submit implements Gateway.
func (f *Fake) Submit(ctx context.Context, env Envelope) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, &NetworkError{Op: "submit", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.submitCalls[env.Hash]++
	var fault *fakeFault
	if len(f.submitFault) > 0 {
		next := f.submitFault[0]
		f.submitFault = f.submitFault[1:]
		fault = &next
		if !next.apply {
			return Submission{}, next.err
		}
	}
	sub, err := f.apply(env)
	if err != nil {
		return Submission{}, err
	}
	if fault != nil {
		return Submission{}, fault.err
	}
	return sub, nil
}

func (f *Fake) apply(env Envelope) (Submission, error) {
	payment, ok := f.prepared[env.Hash]
	if !ok {
		return Submission{}, Rejected("tx_malformed", "unknown envelope")
	}
	if _, done := f.included[env.Hash]; done {
		return Submission{}, Rejected("tx_bad_seq", "envelope already applied")
	}
	if !payment.ValidUntil.IsZero() && f.now().After(payment.ValidUntil) {
		return Submission{}, Rejected("tx_too_late", "envelope time bounds elapsed")
	}
	source, ok := f.accounts[payment.Source]
	if !ok {
		return Submission{}, Rejected("tx_no_source_account", "source account missing")
	}
	key := payment.Asset.String()
	available := source.Balances[key]
	if payment.Asset.IsNative() || payment.Operation == OpCreateAccount {
		key = NativeCode
		available = source.Balances[key].Sub(MinimumBalance(f.baseReserve, source.SubentryCount))
	}
	if available.LessThan(payment.Amount) {
		return Submission{}, Rejected("tx_failed", "insufficient balance", "op_underfunded")
	}
	switch payment.Operation {
	case OpCreateAccount:
		if _, exists := f.accounts[payment.Destination]; exists {
			return Submission{}, Rejected("tx_failed", "destination exists", "op_already_exists")
		}
		if payment.Amount.LessThan(MinimumBalance(f.baseReserve, 0)) {
			return Submission{}, Rejected("tx_failed", "starting balance below reserve", "op_low_reserve")
		}
	default:
		if _, exists := f.accounts[payment.Destination]; !exists {
			return Submission{}, Rejected("tx_failed", "destination missing", "op_no_destination")
		}
	}
	dest := f.account(payment.Destination)
	source.Balances[key] = source.Balances[key].Sub(payment.Amount)
	dest.Balances[key] = dest.Balances[key].Add(payment.Amount)
	source.Sequence++
	f.latest++
	f.included[env.Hash] = Status{Hash: env.Hash, State: StateSucceeded, Ledger: f.latest, ClosedAt: f.now()}
	return Submission{Hash: env.Hash, Accepted: true, Ledger: f.latest}, nil
}

// PollStatus implements Gateway.
func (f *Fake) PollStatus(ctx context.Context, hash string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, &NetworkError{Op: "poll", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pollFault) > 0 {
		err := f.pollFault[0]
		f.pollFault = f.pollFault[1:]
		return Status{}, err
	}
	status, ok := f.included[hash]
	if !ok {
		return Status{Hash: hash, State: StateNotFound, LatestLedger: f.latest}, nil
	}
	status.LatestLedger = f.latest
	return status, nil
}

func (f *Fake) account(id string) *Account {
	acct, ok := f.accounts[id]
	if !ok {
		acct = &Account{ID: id, Balances: make(map[string]decimal.Decimal)}
		f.accounts[id] = acct
	}
	return acct
}

func copyAccount(acct *Account) Account {
	out := *acct
	out.Balances = make(map[string]decimal.Decimal, len(acct.Balances))
	for k, v := range acct.Balances {
		out.Balances[k] = v
	}
	return out
}
