package horizon

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/support/render/problem"
	"github.com/stretchr/testify/require"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/ledger"
)

type stubClient struct {
	account    hProtocol.Account
	accountErr error
	submitted  []string
	submitResp hProtocol.Transaction
	submitErr  error
	tx         hProtocol.Transaction
	txErr      error
	root       hProtocol.Root
}

func (s *stubClient) AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error) {
	if s.accountErr != nil {
		return hProtocol.Account{}, s.accountErr
	}
	return s.account, nil
}

func (s *stubClient) SubmitTransactionXDR(xdr string) (hProtocol.Transaction, error) {
	s.submitted = append(s.submitted, xdr)
	return s.submitResp, s.submitErr
}

func (s *stubClient) TransactionDetail(hash string) (hProtocol.Transaction, error) {
	return s.tx, s.txErr
}

func (s *stubClient) Root() (hProtocol.Root, error) {
	return s.root, nil
}

func newTestGateway(t *testing.T, client *stubClient) *Gateway {
	t.Helper()
	gw, err := New(Config{NetworkPassphrase: "testnet", RequestsPerSecond: 1000, Burst: 100}, WithClient(client))
	require.NoError(t, err)
	return gw
}

func TestPrepareSignsTimeBoundedEnvelope(t *testing.T) {
	donor := keypair.MustRandom()
	campaign := keypair.MustRandom()
	client := &stubClient{account: hProtocol.Account{AccountID: donor.Address(), Sequence: 41}}
	gw := newTestGateway(t, client)

	env, err := gw.Prepare(context.Background(), ledger.Payment{
		Operation:   ledger.OpPayment,
		Source:      donor.Address(),
		Destination: campaign.Address(),
		Amount:      decimal.RequireFromString("10.5"),
		Asset:       ledger.Native(),
		Memo:        "donation 6f1c2b0e-aaaa-bbbb-cccc-123456789012",
		ValidUntil:  time.Now().Add(2 * time.Minute),
		Secret:      domain.NewSecret(donor.Seed()),
	})
	require.NoError(t, err)
	require.Len(t, env.Hash, 64)
	require.NotEmpty(t, env.XDR)

	client.submitResp = hProtocol.Transaction{Hash: env.Hash, Successful: true, Ledger: 12}
	sub, err := gw.Submit(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, env.Hash, sub.Hash)
	require.True(t, sub.Accepted)
	require.Equal(t, []string{env.XDR}, client.submitted)
}

func TestPrepareRejectsForeignSecret(t *testing.T) {
	donor := keypair.MustRandom()
	other := keypair.MustRandom()
	gw := newTestGateway(t, &stubClient{})

	_, err := gw.Prepare(context.Background(), ledger.Payment{
		Source:      donor.Address(),
		Destination: other.Address(),
		Amount:      decimal.NewFromInt(1),
		Asset:       ledger.Native(),
		Secret:      domain.NewSecret(other.Seed()),
	})
	require.ErrorIs(t, err, ledger.ErrRejected)
}

func TestSubmitClassifiesHorizonProblems(t *testing.T) {
	gw := newTestGateway(t, &stubClient{submitErr: &horizonclient.Error{Problem: problem.P{Status: http.StatusServiceUnavailable, Title: "unavailable"}}})
	_, err := gw.Submit(context.Background(), ledger.Envelope{Hash: "abc", XDR: "AAAA"})
	require.ErrorIs(t, err, ledger.ErrNetwork)

	gw = newTestGateway(t, &stubClient{submitErr: &horizonclient.Error{Problem: problem.P{Status: http.StatusBadRequest, Type: "transaction_failed", Title: "Transaction Failed"}}})
	_, err = gw.Submit(context.Background(), ledger.Envelope{Hash: "abc", XDR: "AAAA"})
	require.ErrorIs(t, err, ledger.ErrRejected)

	gw = newTestGateway(t, &stubClient{submitErr: errors.New("connection reset")})
	_, err = gw.Submit(context.Background(), ledger.Envelope{Hash: "abc", XDR: "AAAA"})
	require.True(t, ledger.IsRetriable(err))
}

func TestPollStatusReportsDepth(t *testing.T) {
	client := &stubClient{
		tx:   hProtocol.Transaction{Hash: "abc", Successful: true, Ledger: 10},
		root: hProtocol.Root{HorizonSequence: 12},
	}
	gw := newTestGateway(t, client)
	status, err := gw.PollStatus(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, ledger.StateSucceeded, status.State)
	require.EqualValues(t, 3, status.Confirmations())

	client.tx.Successful = false
	status, err = gw.PollStatus(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, ledger.StateFailed, status.State)
}

func TestAccountParsesBalances(t *testing.T) {
	donor := keypair.MustRandom()
	issuer := keypair.MustRandom()
	client := &stubClient{account: hProtocol.Account{
		AccountID:     donor.Address(),
		Sequence:      7,
		SubentryCount: 1,
		Balances: []hProtocol.Balance{
			{Balance: "100.0000000", Asset: base.Asset{Type: "native"}},
			{Balance: "25.5000000", Asset: base.Asset{Type: "credit_alphanum4", Code: "USDC", Issuer: issuer.Address()}},
		},
	}}
	gw := newTestGateway(t, client)
	acct, err := gw.Account(context.Background(), donor.Address())
	require.NoError(t, err)
	require.True(t, acct.Balance(ledger.Native()).Equal(decimal.NewFromInt(100)))
	require.True(t, acct.Balance(ledger.Asset{Code: "USDC", Issuer: issuer.Address()}).Equal(decimal.RequireFromString("25.5")))

	_, err = gw.Account(context.Background(), "not-an-account")
	require.ErrorIs(t, err, domain.ErrValidation)
}
