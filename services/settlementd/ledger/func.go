package ledger

import (
	"context"
	"errors"
)

// FuncGateway adapts callbacks to the Gateway interface. Nil callbacks fail.
type FuncGateway struct {
	AccountFunc func(ctx context.Context, id string) (Account, error)
	PrepareFunc func(ctx context.Context, payment Payment) (Envelope, error)
	SubmitFunc  func(ctx context.Context, env Envelope) (Submission, error)
	PollFunc    func(ctx context.Context, hash string) (Status, error)
}

var errNotConfigured = errors.New("ledger: gateway callback not configured")

// Account implements Gateway.
func (f FuncGateway) Account(ctx context.Context, id string) (Account, error) {
	if f.AccountFunc == nil {
		return Account{}, errNotConfigured
	}
	return f.AccountFunc(ctx, id)
}

// Prepare implements Gateway.
func (f FuncGateway) Prepare(ctx context.Context, payment Payment) (Envelope, error) {
	if f.PrepareFunc == nil {
		return Envelope{}, errNotConfigured
	}
	return f.PrepareFunc(ctx, payment)
}

// Submit implements Gateway.
func (f FuncGateway) Submit(ctx context.Context, env Envelope) (Submission, error) {
	if f.SubmitFunc == nil {
		return Submission{}, errNotConfigured
	}
	return f.SubmitFunc(ctx, env)
}

// PollStatus implements Gateway.
func (f FuncGateway) PollStatus(ctx context.Context, hash string) (Status, error) {
	if f.PollFunc == nil {
		return Status{}, errNotConfigured
	}
	return f.PollFunc(ctx, hash)
}
