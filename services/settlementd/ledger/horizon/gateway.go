// Package horizon implements ledger.Gateway against a Stellar Horizon server.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"golang.org/x/time/rate"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/ledger"
)

// Client is the subset of the Horizon client the gateway uses.
type Client interface {
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
	Root() (hProtocol.Root, error)
}

// Config captures the Horizon endpoint and submission parameters.
type Config struct {
	URL               string
	NetworkPassphrase string
	BaseFee           int64
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Gateway talks to Horizon. Calls are throttled by a token bucket shared
// across submitters and reconciliation workers.
type Gateway struct {
	client     Client
	passphrase string
	baseFee    int64
	limiter    *rate.Limiter
}

// Option customises the gateway.
type Option func(*Gateway)

// WithClient overrides the Horizon client, primarily for tests.
func WithClient(client Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.client = client
		}
	}
}

// New constructs a gateway for the configured network.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	url := strings.TrimSpace(cfg.URL)
	passphrase := strings.TrimSpace(cfg.NetworkPassphrase)
	switch strings.ToLower(passphrase) {
	case "", "testnet":
		passphrase = network.TestNetworkPassphrase
		if url == "" {
			url = horizonclient.DefaultTestNetClient.HorizonURL
		}
	case "public", "mainnet":
		passphrase = network.PublicNetworkPassphrase
		if url == "" {
			url = horizonclient.DefaultPublicNetClient.HorizonURL
		}
	}
	if url == "" {
		return nil, errors.New("horizon url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	baseFee := cfg.BaseFee
	if baseFee < txnbuild.MinBaseFee {
		baseFee = txnbuild.MinBaseFee
	}
	g := &Gateway{
		client: &horizonclient.Client{
			HorizonURL: url,
			HTTP:       &http.Client{Timeout: timeout},
		},
		passphrase: passphrase,
		baseFee:    baseFee,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// ValidAccount reports whether id is a well-formed public account address.
func ValidAccount(id string) bool {
	return strkey.IsValidEd25519PublicKey(strings.TrimSpace(id))
}

// Account implements ledger.Gateway.
func (g *Gateway) Account(ctx context.Context, id string) (ledger.Account, error) {
	if !ValidAccount(id) {
		return ledger.Account{}, fmt.Errorf("%w: malformed account %q", domain.ErrValidation, id)
	}
	if err := g.wait(ctx, "account"); err != nil {
		return ledger.Account{}, err
	}
	acct, err := g.client.AccountDetail(horizonclient.AccountRequest{AccountID: id})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
		}
		return ledger.Account{}, classify("account", err)
	}
	return toAccount(acct)
}

// Prepare implements ledger.Gateway. It loads the source sequence, builds a
// time-bounded envelope and signs it.
func (g *Gateway) Prepare(ctx context.Context, payment ledger.Payment) (ledger.Envelope, error) {
	kp, err := keypair.ParseFull(payment.Secret.Reveal())
	if err != nil {
		return ledger.Envelope{}, ledger.Rejected("tx_bad_auth", "signing secret is not a valid seed")
	}
	if kp.Address() != payment.Source {
		return ledger.Envelope{}, ledger.Rejected("tx_bad_auth", "signing secret does not control source account")
	}
	if !ValidAccount(payment.Destination) {
		return ledger.Envelope{}, ledger.Rejected("tx_malformed", "destination is not a valid account")
	}
	op, err := buildOperation(payment)
	if err != nil {
		return ledger.Envelope{}, err
	}
	if err := g.wait(ctx, "prepare"); err != nil {
		return ledger.Envelope{}, err
	}
	source, err := g.client.AccountDetail(horizonclient.AccountRequest{AccountID: payment.Source})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return ledger.Envelope{}, ledger.Rejected("tx_no_source_account", "source account missing")
		}
		return ledger.Envelope{}, classify("prepare", err)
	}
	validUntil := payment.ValidUntil
	if validUntil.IsZero() {
		validUntil = time.Now().Add(5 * time.Minute)
	}
	params := txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              g.baseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimebounds(0, validUntil.Unix()),
		},
	}
	if memo := strings.TrimSpace(payment.Memo); memo != "" {
		if len(memo) > 28 {
			memo = memo[:28]
		}
		params.Memo = txnbuild.MemoText(memo)
	}
	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return ledger.Envelope{}, ledger.Rejected("tx_malformed", err.Error())
	}
	tx, err = tx.Sign(g.passphrase, kp)
	if err != nil {
		return ledger.Envelope{}, fmt.Errorf("horizon: sign envelope: %w", err)
	}
	hash, err := tx.HashHex(g.passphrase)
	if err != nil {
		return ledger.Envelope{}, fmt.Errorf("horizon: hash envelope: %w", err)
	}
	xdr, err := tx.Base64()
	if err != nil {
		return ledger.Envelope{}, fmt.Errorf("horizon: encode envelope: %w", err)
	}
	return ledger.Envelope{Hash: hash, XDR: xdr, Source: payment.Source, ValidUntil: validUntil}, nil
}

// Submit implements ledger.Gateway.
func (g *Gateway) Submit(ctx context.Context, env ledger.Envelope) (ledger.Submission, error) {
	if err := g.wait(ctx, "submit"); err != nil {
		return ledger.Submission{}, err
	}
	resp, err := g.client.SubmitTransactionXDR(env.XDR)
	if err != nil {
		return ledger.Submission{}, classify("submit", err)
	}
	hash := resp.Hash
	if hash == "" {
		hash = env.Hash
	}
	return ledger.Submission{Hash: hash, Accepted: resp.Successful, Ledger: int64(resp.Ledger)}, nil
}

// PollStatus implements ledger.Gateway.
func (g *Gateway) PollStatus(ctx context.Context, hash string) (ledger.Status, error) {
	if err := g.wait(ctx, "poll"); err != nil {
		return ledger.Status{}, err
	}
	root, err := g.client.Root()
	if err != nil {
		return ledger.Status{}, classify("poll", err)
	}
	status := ledger.Status{Hash: hash, State: ledger.StateNotFound, LatestLedger: int64(root.HorizonSequence)}
	tx, err := g.client.TransactionDetail(hash)
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return status, nil
		}
		return ledger.Status{}, classify("poll", err)
	}
	status.Ledger = int64(tx.Ledger)
	status.ClosedAt = tx.LedgerCloseTime
	if tx.Successful {
		status.State = ledger.StateSucceeded
	} else {
		status.State = ledger.StateFailed
		status.ResultCode = "tx_failed"
	}
	return status, nil
}

func (g *Gateway) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &ledger.NetworkError{Op: op, Err: err}
	}
	return nil
}

func buildOperation(payment ledger.Payment) (txnbuild.Operation, error) {
	amount := domain.FormatAmount(payment.Amount)
	switch payment.Operation {
	case ledger.OpCreateAccount:
		return &txnbuild.CreateAccount{Destination: payment.Destination, Amount: amount}, nil
	case ledger.OpPayment, "":
		return &txnbuild.Payment{Destination: payment.Destination, Amount: amount, Asset: toAsset(payment.Asset)}, nil
	default:
		return nil, ledger.Rejected("tx_malformed", fmt.Sprintf("unsupported operation %q", payment.Operation))
	}
}

func toAsset(asset ledger.Asset) txnbuild.Asset {
	if asset.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: asset.Code, Issuer: asset.Issuer}
}

func toAccount(acct hProtocol.Account) (ledger.Account, error) {
	out := ledger.Account{
		ID:            acct.AccountID,
		Sequence:      acct.Sequence,
		SubentryCount: int(acct.SubentryCount),
		Balances:      make(map[string]decimal.Decimal, len(acct.Balances)),
	}
	for _, bal := range acct.Balances {
		amount, err := decimal.NewFromString(bal.Balance)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("horizon: parse balance %q: %w", bal.Balance, err)
		}
		key := ledger.NativeCode
		if bal.Type != "native" {
			key = ledger.Asset{Code: bal.Code, Issuer: bal.Issuer}.String()
		}
		out.Balances[key] = amount
	}
	return out, nil
}

// classify maps Horizon failures onto the ledger error taxonomy. Server-side
// and timeout problems are transient; 4xx problems are refusals.
func classify(op string, err error) error {
	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return &ledger.NetworkError{Op: op, Err: err}
	}
	status := hErr.Problem.Status
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &ledger.NetworkError{Op: op, Err: fmt.Errorf("horizon %d: %s", status, hErr.Problem.Title)}
	}
	rejected := &ledger.RejectedError{Code: hErr.Problem.Type, Message: hErr.Problem.Title}
	if codes, codeErr := hErr.ResultCodes(); codeErr == nil && codes != nil {
		rejected.Code = codes.TransactionCode
		rejected.OperationCodes = codes.OperationCodes
	}
	return rejected
}
