// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package commit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"dtrex.org/xchbridge/client/market"
	"dtrex.org/xchbridge/client/sign"
	"dtrex.org/xchbridge/dtx"
)

const (
	tTradeID int64 = 5
	tUserID  int64 = 9
	tMemo          = "DTREX-COMMIT-5-9"
)

type tBackend struct {
	details    *market.CommitmentDetails
	detailsErr error
	txs        []*market.TradeTransaction
	txsErr     error
	pending    *market.PendingTransaction
	pendingErr error
	submitErr  error

	createCalls int
	// calls records the order of signing-plane-relevant calls.
	calls []string
	// submittedTxID is the external id reported via SubmitTx.
	submittedTxID string
}

func (b *tBackend) CommitmentDetails(ctx context.Context, tradeID int64) (*market.CommitmentDetails, error) {
	if b.detailsErr != nil {
		return nil, b.detailsErr
	}
	details := *b.details
	return &details, nil
}

func (b *tBackend) ListTransactions(ctx context.Context, tradeID int64) ([]*market.TradeTransaction, error) {
	if b.txsErr != nil {
		return nil, b.txsErr
	}
	return b.txs, nil
}

func (b *tBackend) CreatePending(ctx context.Context, tradeID int64, amountMojos uint64, fromAddress string) (*market.PendingTransaction, error) {
	b.createCalls++
	b.calls = append(b.calls, "createPending")
	if b.pendingErr != nil {
		return nil, b.pendingErr
	}
	pending := *b.pending
	pending.AmountMojos = amountMojos
	return &pending, nil
}

func (b *tBackend) SubmitTx(ctx context.Context, transactionID int64, txID string) (*market.SubmitResult, error) {
	b.calls = append(b.calls, "submitTx")
	b.submittedTxID = txID
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	return &market.SubmitResult{Success: true, Status: market.TxStatusMempool}, nil
}

type tSigner struct {
	outcome *sign.Outcome
	backend *tBackend
	to      string
	amount  uint64
	memo    string
}

func (s *tSigner) RequestTransaction(ctx context.Context, topic, to string, amount uint64, memo string) *sign.Outcome {
	if s.backend != nil {
		s.backend.calls = append(s.backend.calls, "walletTx")
	}
	s.to, s.amount, s.memo = to, amount, memo
	return s.outcome
}

type tWallet struct{ topic string }

func (w *tWallet) ActiveTopic() string { return w.topic }

type tRates struct {
	rate float64
	err  error
	// rateFunc, when set, overrides the fixed result.
	rateFunc func(ctx context.Context) (float64, error)
}

func (r *tRates) Rate(ctx context.Context) (float64, error) {
	if r.rateFunc != nil {
		return r.rateFunc(ctx)
	}
	return r.rate, r.err
}

func feeTx(userID int64, status string) *market.TradeTransaction {
	return &market.TradeTransaction{
		ID:          100,
		TradeID:     tTradeID,
		UserID:      userID,
		TxType:      market.TxTypeCommitmentFee,
		TxID:        "0xfee",
		Status:      status,
		AmountMojos: 200_000_000_000,
	}
}

func newTestFlow(backend *tBackend, signer *tSigner, wallet *tWallet, rates *tRates) *Flow {
	if signer.backend == nil {
		signer.backend = backend
	}
	return NewFlow(&FlowConfig{
		TradeID: tTradeID,
		Backend: backend,
		Signer:  signer,
		Wallet:  wallet,
		Rates:   rates,
		Logger:  dtx.StdOutLogger("TCOMMIT"),
	})
}

func tDetails(userStatus string) *market.CommitmentDetails {
	return &market.CommitmentDetails{
		TradeID:               tTradeID,
		ExchangeWalletAddress: "xch1exchange",
		CommitmentFeeUSD:      1.0,
		UserRole:              "buyer",
		UserCommitStatus:      userStatus,
		OtherCommitStatus:     market.CommitStatusNone,
		Memo:                  tMemo,
	}
}

func readyBackend() *tBackend {
	return &tBackend{
		details: tDetails(market.CommitStatusNone),
		pending: &market.PendingTransaction{
			TransactionID: 77,
			ToAddress:     "xch1exchange",
			Memo:          tMemo,
		},
	}
}

func TestFeeMojos(t *testing.T) {
	tests := []struct {
		name    string
		feeUSD  float64
		rate    float64
		want    uint64
		wantErr error
	}{
		{"one dollar at five", 1.00, 5.00, 200_000_000_000, nil},
		{"floored", 1.00, 3.00, 333_333_333_333, nil},
		{"zero fee", 0, 5, 0, ErrNoFee},
		{"negative fee", -1, 5, 0, ErrNoFee},
		{"zero rate", 1, 0, 0, ErrBadRate},
		{"negative rate", 1, -2, 0, ErrBadRate},
		{"below minimum", 0.000000001, 10, 0, ErrFeeTooSmall},
		{"above maximum", 100, 1, 0, ErrFeeTooLarge},
	}
	for _, tt := range tests {
		mojos, err := FeeMojos(tt.feeUSD, tt.rate)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
			continue
		}
		if mojos != tt.want {
			t.Errorf("%s: mojos = %d, want %d", tt.name, mojos, tt.want)
		}
	}
}

func TestLoadResumesSubmitted(t *testing.T) {
	backend := readyBackend()
	backend.txs = []*market.TradeTransaction{feeTx(tUserID, market.TxStatusMempool)}
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})

	if state := f.Load(context.Background()); state != StateSubmitted {
		t.Fatalf("state %s with live commitment tx, want submitted", state)
	}
	if f.SubmittedTxID() != "0xfee" {
		t.Fatalf("submitted tx not adopted")
	}
	// A second payment attempt must be refused outright.
	if err := f.Commit(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Commit in submitted returned %v", err)
	}
}

// The transaction list is authoritative over the coarser commit-status
// field.
func TestLoadConfirmedTxBeatsStatus(t *testing.T) {
	backend := readyBackend()
	backend.details = tDetails(market.CommitStatusNone) // disagrees
	backend.txs = []*market.TradeTransaction{feeTx(tUserID, market.TxStatusConfirmed)}
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})

	if state := f.Load(context.Background()); state != StateConfirmed {
		t.Fatalf("state %s with confirmed tx, want confirmed", state)
	}
}

func TestLoadIgnoresCounterpartyAndDeadTxs(t *testing.T) {
	backend := readyBackend()
	backend.txs = []*market.TradeTransaction{
		feeTx(8, market.TxStatusMempool),     // counterparty's fee
		feeTx(tUserID, market.TxStatusFailed), // our failed attempt
		{ID: 3, TradeID: tTradeID, UserID: tUserID, TxType: market.TxTypeEscrowDeposit,
			Status: market.TxStatusMempool},
	}
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})

	if state := f.Load(context.Background()); state != StateReady {
		t.Fatalf("state %s, want ready", state)
	}
}

func TestLoadStatusFallback(t *testing.T) {
	backend := readyBackend()
	backend.details = tDetails(market.CommitStatusConfirmed)
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})

	if state := f.Load(context.Background()); state != StateConfirmed {
		t.Fatalf("state %s with confirmed commit status, want confirmed", state)
	}
}

func TestLoadFailureIsAbsorbing(t *testing.T) {
	backend := readyBackend()
	backend.detailsErr = errors.New("trade not found")
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})

	if state := f.Load(context.Background()); state != StateError {
		t.Fatalf("state %s after failed load, want error", state)
	}
	if f.FatalErr() == nil {
		t.Fatalf("no fatal error recorded")
	}
	if err := f.Commit(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Commit in error state returned %v", err)
	}
	if _, err := f.Refresh(context.Background()); err == nil {
		t.Fatalf("Refresh allowed in error state")
	}
}

func TestCommitHappyPath(t *testing.T) {
	backend := readyBackend()
	signer := &tSigner{outcome: &sign.Outcome{Tag: sign.Success, TxID: "0xabc"}}
	f := newTestFlow(backend, signer, &tWallet{topic: "session-1"}, &tRates{rate: 5})

	if state := f.Load(context.Background()); state != StateReady {
		t.Fatalf("state %s after load", state)
	}
	if err := f.Commit(context.Background()); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if f.State() != StateSubmitted {
		t.Fatalf("state %s after commit, want submitted", f.State())
	}
	// $1.00 at $5.00/XCH.
	if signer.amount != 200_000_000_000 {
		t.Fatalf("wallet asked for %d mojos", signer.amount)
	}
	if signer.to != "xch1exchange" || signer.memo != tMemo {
		t.Fatalf("wallet request fields: to=%s memo=%s", signer.to, signer.memo)
	}
	if backend.submittedTxID != "0xabc" {
		t.Fatalf("backend notified of %q", backend.submittedTxID)
	}
	// The external id must exist strictly before the backend is notified.
	want := []string{"createPending", "walletTx", "submitTx"}
	if len(backend.calls) != len(want) {
		t.Fatalf("calls %v", backend.calls)
	}
	for i, call := range want {
		if backend.calls[i] != call {
			t.Fatalf("call order %v, want %v", backend.calls, want)
		}
	}
}

// User rejection returns the flow to ready with a notice, never to error.
func TestCommitUserRejected(t *testing.T) {
	backend := readyBackend()
	signer := &tSigner{outcome: &sign.Outcome{
		Tag: sign.Cancelled,
		Err: errors.New("user rejected"),
	}}
	f := newTestFlow(backend, signer, &tWallet{topic: "session-1"}, &tRates{rate: 5})
	f.Load(context.Background())

	if err := f.Commit(context.Background()); err == nil {
		t.Fatalf("no error surfaced for rejected payment")
	}
	if f.State() != StateReady {
		t.Fatalf("state %s after rejection, want ready", f.State())
	}
	if f.Notice() == "" {
		t.Fatalf("no notice after rejection")
	}

	// Retry reuses the already-issued pending record.
	signer.outcome = &sign.Outcome{Tag: sign.Success, TxID: "0xretry"}
	if err := f.Commit(context.Background()); err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if backend.createCalls != 1 {
		t.Fatalf("retry created %d pending records", backend.createCalls)
	}
	if f.State() != StateSubmitted || f.Notice() != "" {
		t.Fatalf("retry did not submit cleanly: %s %q", f.State(), f.Notice())
	}
}

// A second Commit arriving while the first is still validating must be
// refused, never allowed through to a second wallet payment prompt.
func TestCommitConcurrentRefused(t *testing.T) {
	backend := readyBackend()
	signer := &tSigner{outcome: &sign.Outcome{Tag: sign.Success, TxID: "0xabc"}}

	// A slow rate fetch holds the first attempt in its validation phase
	// while the second attempt arrives.
	var rateFetches uint32
	release := make(chan struct{})
	rates := &tRates{rateFunc: func(ctx context.Context) (float64, error) {
		atomic.AddUint32(&rateFetches, 1)
		<-release
		return 5, nil
	}}

	f := newTestFlow(backend, signer, &tWallet{topic: "session-1"}, rates)
	if state := f.Load(context.Background()); state != StateReady {
		t.Fatalf("state %s after load", state)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- f.Commit(context.Background()) }()
	}

	// The loser resolves immediately with ErrNotReady while the winner is
	// still stalled on the rate fetch.
	select {
	case err := <-errs:
		if !errors.Is(err, ErrNotReady) {
			t.Fatalf("concurrent Commit returned %v, want ErrNotReady", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Commit did not resolve while first was in flight")
	}

	close(release)
	if err := <-errs; err != nil {
		t.Fatalf("winning Commit error: %v", err)
	}

	if n := atomic.LoadUint32(&rateFetches); n != 1 {
		t.Fatalf("%d callers entered the rate fetch", n)
	}
	if backend.createCalls != 1 {
		t.Fatalf("%d pending records created", backend.createCalls)
	}
	var walletCalls int
	for _, call := range backend.calls {
		if call == "walletTx" {
			walletCalls++
		}
	}
	if walletCalls != 1 {
		t.Fatalf("%d wallet payment requests issued", walletCalls)
	}
	if f.State() != StateSubmitted {
		t.Fatalf("state %s after winning commit, want submitted", f.State())
	}
}

func TestCommitWalletIncapable(t *testing.T) {
	backend := readyBackend()
	signer := &tSigner{outcome: &sign.Outcome{
		Tag: sign.Incapable,
		Err: errors.New("method not supported"),
	}}
	f := newTestFlow(backend, signer, &tWallet{topic: "session-1"}, &tRates{rate: 5})
	f.Load(context.Background())

	if err := f.Commit(context.Background()); err == nil {
		t.Fatalf("no error surfaced for incapable wallet")
	}
	if f.State() != StateReady {
		t.Fatalf("state %s, want ready", f.State())
	}
}

func TestCommitRequiresWallet(t *testing.T) {
	backend := readyBackend()
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})
	f.Load(context.Background())

	err := f.Commit(context.Background())
	if !errors.Is(err, ErrNoWallet) {
		t.Fatalf("err = %v, want ErrNoWallet", err)
	}
	if f.State() != StateReady {
		t.Fatalf("state %s, want ready", f.State())
	}
	if backend.createCalls != 0 {
		t.Fatalf("pending record created without a wallet")
	}
}

// Validation failures happen before any backend call.
func TestCommitValidation(t *testing.T) {
	for _, tt := range []struct {
		name  string
		rates *tRates
		fee   float64
		want  error
	}{
		{"rate fetch failure", &tRates{err: errors.New("all sources down")}, 1, ErrBadRate},
		{"zero rate", &tRates{rate: 0}, 1, ErrBadRate},
		{"below minimum", &tRates{rate: 10}, 0.000000001, ErrFeeTooSmall},
	} {
		backend := readyBackend()
		backend.details.CommitmentFeeUSD = tt.fee
		f := newTestFlow(backend, &tSigner{}, &tWallet{topic: "session-1"}, tt.rates)
		f.Load(context.Background())

		err := f.Commit(context.Background())
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
		if f.State() != StateReady {
			t.Errorf("%s: state %s, want ready", tt.name, f.State())
		}
		if backend.createCalls != 0 {
			t.Errorf("%s: backend called despite validation failure", tt.name)
		}
	}
}

func TestCommitBackendErrorVerbatim(t *testing.T) {
	backend := readyBackend()
	backend.pendingErr = &market.Error{Code: market.CodeInvalidParams, Message: "Amount too small"}
	f := newTestFlow(backend, &tSigner{}, &tWallet{topic: "session-1"}, &tRates{rate: 5})
	f.Load(context.Background())

	if err := f.Commit(context.Background()); err == nil {
		t.Fatalf("no error for backend rejection")
	}
	if f.State() != StateReady {
		t.Fatalf("state %s, want ready", f.State())
	}
	if f.Notice() != "Amount too small" {
		t.Fatalf("backend message not verbatim: %q", f.Notice())
	}
}

// A backend failure after the wallet broadcast must not return to ready,
// or the user could pay twice.
func TestCommitSubmitFailureStaysSubmitted(t *testing.T) {
	backend := readyBackend()
	backend.submitErr = errors.New("backend down")
	signer := &tSigner{outcome: &sign.Outcome{Tag: sign.Success, TxID: "0xabc"}}
	f := newTestFlow(backend, signer, &tWallet{topic: "session-1"}, &tRates{rate: 5})
	f.Load(context.Background())

	if err := f.Commit(context.Background()); err == nil {
		t.Fatalf("no error for failed submission report")
	}
	if f.State() != StateSubmitted {
		t.Fatalf("state %s after broadcast, want submitted", f.State())
	}
	if f.SubmittedTxID() != "0xabc" {
		t.Fatalf("broadcast tx id lost")
	}
}

func TestRefreshConfirms(t *testing.T) {
	backend := readyBackend()
	backend.txs = []*market.TradeTransaction{feeTx(tUserID, market.TxStatusMempool)}
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})
	f.Load(context.Background())
	if f.State() != StateSubmitted {
		t.Fatalf("state %s, want submitted", f.State())
	}

	// No change yet.
	state, err := f.Refresh(context.Background())
	if err != nil || state != StateSubmitted {
		t.Fatalf("premature transition: %s, %v", state, err)
	}

	backend.txs = []*market.TradeTransaction{feeTx(tUserID, market.TxStatusConfirmed)}
	state, err = f.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if state != StateConfirmed {
		t.Fatalf("state %s after confirmation, want confirmed", state)
	}

	// Refresh failures keep the current state and set a notice.
	backend.txsErr = errors.New("backend down")
	state, err = f.Refresh(context.Background())
	if err == nil || state != StateConfirmed {
		t.Fatalf("failed refresh moved state: %s, %v", state, err)
	}
}

func TestLoadBadMemo(t *testing.T) {
	backend := readyBackend()
	backend.details.Memo = "garbage"
	f := newTestFlow(backend, &tSigner{}, &tWallet{}, &tRates{rate: 5})

	if state := f.Load(context.Background()); state != StateError {
		t.Fatalf("state %s with undecodable memo, want error", state)
	}
}
