// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package commit drives the trade-commitment flow: compute the fee in
// mojos, obtain a pending-transaction record from the backend, hand payment
// to the wallet, and reconcile with the backend's transaction state. One
// Flow serves one trade.
package commit

import (
	"context"
	"fmt"
	"sync"

	"dtrex.org/xchbridge/client/market"
	"dtrex.org/xchbridge/client/sign"
	"dtrex.org/xchbridge/dtx"
	"golang.org/x/sync/errgroup"
)

// State is the flow's position in the commitment lifecycle.
type State uint8

const (
	// StateLoading means the commitment context is being fetched.
	StateLoading State = iota
	// StateReady means the user can initiate payment.
	StateReady
	// StatePendingWallet means a payment attempt holds the flow: the fee is
	// being validated and a backend pending-transaction record obtained.
	StatePendingWallet
	// StateSigning means the wallet is being asked to pay.
	StateSigning
	// StateSubmitted means an external transaction id has been reported to
	// the backend and confirmation is awaited.
	StateSubmitted
	// StateConfirmed is terminal success.
	StateConfirmed
	// StateError is the absorbing failure state, reached only when the
	// commitment context cannot be loaded at all.
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePendingWallet:
		return "pendingWallet"
	case StateSigning:
		return "signing"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrNotReady is returned when Commit is invoked outside the ready state.
const ErrNotReady = dtx.ErrorKind("flow is not ready for payment")

// ErrNoWallet is returned when payment is attempted without an active
// wallet session.
const ErrNoWallet = dtx.ErrorKind("connect wallet first")

// Backend is the slice of the market client the flow uses. Satisfied by
// *market.Client.
type Backend interface {
	CommitmentDetails(ctx context.Context, tradeID int64) (*market.CommitmentDetails, error)
	ListTransactions(ctx context.Context, tradeID int64) ([]*market.TradeTransaction, error)
	CreatePending(ctx context.Context, tradeID int64, amountMojos uint64, fromAddress string) (*market.PendingTransaction, error)
	SubmitTx(ctx context.Context, transactionID int64, txID string) (*market.SubmitResult, error)
}

// Signer issues the wallet payment request. Satisfied by *sign.Bridge.
type Signer interface {
	RequestTransaction(ctx context.Context, topic, to string, amount uint64, memo string) *sign.Outcome
}

// Wallet is the read-only session view. Satisfied by *session.Manager.
type Wallet interface {
	ActiveTopic() string
}

// RateSource supplies the current USD-per-XCH rate. Satisfied by
// *rates.Oracle.
type RateSource interface {
	Rate(ctx context.Context) (float64, error)
}

// FlowConfig configures a Flow.
type FlowConfig struct {
	TradeID int64
	Backend Backend
	Signer  Signer
	Wallet  Wallet
	Rates   RateSource
	Logger  dtx.Logger
	// FromAddress, if known, is passed to the backend when creating the
	// pending transaction.
	FromAddress string
}

// Flow is the per-trade commitment state machine. Methods are safe for
// concurrent use, but the flow is linear: Load once, then Commit and
// Refresh as the user directs. The flow never polls on its own.
type Flow struct {
	cfg     *FlowConfig
	tradeID int64

	mtx     sync.Mutex
	state   State
	details *market.CommitmentDetails
	userID  int64
	// submittedTx is the user's live commitment_fee transaction, when one
	// exists.
	submittedTx *market.TradeTransaction
	pending     *market.PendingTransaction
	// notice is the dismissible user-facing message for recoverable
	// failures. It never moves the state machine.
	notice   string
	fatalErr error
}

// NewFlow constructs a Flow in the loading state. Call Load to populate it.
func NewFlow(cfg *FlowConfig) *Flow {
	if cfg.Logger != nil {
		UseLogger(cfg.Logger)
	}
	return &Flow{
		cfg:     cfg,
		tradeID: cfg.TradeID,
		state:   StateLoading,
	}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.state
}

// Details returns the loaded commitment details, nil before Load succeeds.
func (f *Flow) Details() *market.CommitmentDetails {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.details == nil {
		return nil
	}
	details := *f.details
	return &details
}

// Notice returns the current dismissible message, empty if none.
func (f *Flow) Notice() string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.notice
}

// DismissNotice clears the dismissible message.
func (f *Flow) DismissNotice() {
	f.mtx.Lock()
	f.notice = ""
	f.mtx.Unlock()
}

// FatalErr returns the error that forced the absorbing error state, nil
// otherwise.
func (f *Flow) FatalErr() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.fatalErr
}

// SubmittedTxID returns the external transaction id of the user's live
// commitment transaction, empty if none.
func (f *Flow) SubmittedTxID() string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.submittedTx == nil {
		return ""
	}
	return f.submittedTx.TxID
}

// Load fetches the commitment details and the trade's transaction list
// concurrently and positions the machine. An existing live commitment_fee
// transaction for this user resumes the flow at submitted or confirmed so a
// reload can never cause a second payment. Load is the only path into the
// absorbing error state.
func (f *Flow) Load(ctx context.Context) State {
	var details *market.CommitmentDetails
	var txs []*market.TradeTransaction

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		details, err = f.cfg.Backend.CommitmentDetails(gctx, f.tradeID)
		return err
	})
	g.Go(func() (err error) {
		txs, err = f.cfg.Backend.ListTransactions(gctx, f.tradeID)
		return err
	})
	if err := g.Wait(); err != nil {
		f.mtx.Lock()
		f.state = StateError
		f.fatalErr = fmt.Errorf("error loading commitment context for trade %d: %w", f.tradeID, err)
		f.mtx.Unlock()
		return StateError
	}

	userID, err := userIDFromMemo(details.Memo)
	if err != nil {
		// Without the memo we cannot safely tell our transactions from the
		// counterparty's, so the no-double-submit check is impossible.
		f.mtx.Lock()
		f.state = StateError
		f.fatalErr = err
		f.mtx.Unlock()
		return StateError
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.details = details
	f.userID = userID
	f.position(txs)
	return f.state
}

// position applies the resume rules against a fresh transaction list. The
// caller must hold f.mtx. The transaction list is authoritative over the
// coarser userCommitStatus field.
func (f *Flow) position(txs []*market.TradeTransaction) {
	f.submittedTx = nil
	for _, tx := range txs {
		if tx.TxType != market.TxTypeCommitmentFee || tx.UserID != f.userID {
			continue
		}
		switch tx.Status {
		case market.TxStatusConfirmed:
			f.submittedTx = tx
			f.state = StateConfirmed
			return
		case market.TxStatusPending, market.TxStatusMempool:
			f.submittedTx = tx
			f.state = StateSubmitted
			return
		}
		// failed and refunded records do not block a fresh payment.
	}
	if f.details.UserCommitStatus == market.CommitStatusConfirmed {
		f.state = StateConfirmed
		return
	}
	f.state = StateReady
}

// Commit drives one payment attempt: validate the fee, create the backend
// pending transaction, and hand payment to the wallet. Recoverable
// failures, including user rejection and a wallet capability gap, return
// the flow to ready with a notice; only Load can reach the error state.
// The wallet's external transaction id is always obtained strictly before
// the backend is notified of it.
func (f *Flow) Commit(ctx context.Context) error {
	// Claim the attempt atomically with the ready check. A concurrent Commit
	// arriving while this one validates or waits on the wallet must get
	// ErrNotReady, not a second payment prompt.
	f.mtx.Lock()
	if f.state != StateReady {
		state := f.state
		f.mtx.Unlock()
		return dtx.NewError(ErrNotReady, fmt.Sprintf("state %s", state))
	}
	f.state = StatePendingWallet
	details := *f.details
	pending := f.pending
	f.mtx.Unlock()

	// Fee validation happens before any network call to the backend.
	rate, err := f.cfg.Rates.Rate(ctx)
	if err != nil {
		f.setState(StateReady)
		return f.recoverable(dtx.NewError(ErrBadRate, err.Error()))
	}
	amountMojos, err := FeeMojos(details.CommitmentFeeUSD, rate)
	if err != nil {
		f.setState(StateReady)
		return f.recoverable(err)
	}

	// A wallet session is required before the backend issues a pending
	// record, otherwise the record would sit orphaned.
	topic := f.cfg.Wallet.ActiveTopic()
	if topic == "" {
		f.setState(StateReady)
		return f.recoverable(dtx.NewError(ErrNoWallet, "no active wallet session"))
	}

	// A pending record issued by an earlier attempt in this flow is reused.
	// The backend refuses a second live record of the same type, so
	// re-requesting after a wallet cancellation would dead-end.
	if pending == nil {
		var err error
		pending, err = f.cfg.Backend.CreatePending(ctx, f.tradeID, amountMojos, f.cfg.FromAddress)
		if err != nil {
			// Backend message verbatim.
			f.setState(StateReady)
			return f.recoverable(err)
		}
	}
	f.mtx.Lock()
	f.pending = pending
	f.state = StateSigning
	f.mtx.Unlock()

	outcome := f.cfg.Signer.RequestTransaction(ctx, topic, pending.ToAddress, pending.AmountMojos, pending.Memo)
	switch outcome.Tag {
	case sign.Success:
	case sign.Cancelled:
		f.setState(StateReady)
		return f.recoverable(fmt.Errorf("payment cancelled in wallet: %w", outcome.Err))
	case sign.Incapable:
		f.setState(StateReady)
		return f.recoverable(fmt.Errorf("connected wallet cannot send transactions: %w", outcome.Err))
	default:
		f.setState(StateReady)
		return f.recoverable(fmt.Errorf("wallet payment failed: %w", outcome.Err))
	}

	log.Infof("trade %d: wallet broadcast tx %s for %d mojos", f.tradeID, outcome.TxID, pending.AmountMojos)

	if _, err := f.cfg.Backend.SubmitTx(ctx, pending.TransactionID, outcome.TxID); err != nil {
		// The payment is on the network even though the backend missed the
		// id. Stay in submitted so the user cannot pay twice; Refresh will
		// reconcile once the backend watcher sees the transaction.
		f.mtx.Lock()
		f.state = StateSubmitted
		f.submittedTx = &market.TradeTransaction{
			ID:          pending.TransactionID,
			TradeID:     f.tradeID,
			UserID:      f.userID,
			TxType:      market.TxTypeCommitmentFee,
			TxID:        outcome.TxID,
			Status:      market.TxStatusPending,
			AmountMojos: pending.AmountMojos,
		}
		f.notice = err.Error()
		f.mtx.Unlock()
		return fmt.Errorf("transaction %s broadcast but not registered: %w", outcome.TxID, err)
	}

	f.mtx.Lock()
	f.state = StateSubmitted
	f.submittedTx = &market.TradeTransaction{
		ID:          pending.TransactionID,
		TradeID:     f.tradeID,
		UserID:      f.userID,
		TxType:      market.TxTypeCommitmentFee,
		TxID:        outcome.TxID,
		Status:      market.TxStatusMempool,
		AmountMojos: pending.AmountMojos,
	}
	f.notice = ""
	f.mtx.Unlock()
	return nil
}

// Refresh re-fetches the trade's transaction list and repositions the
// machine, moving submitted to confirmed once the backend reports the
// transaction settled. Refresh is caller-initiated; the flow never polls.
func (f *Flow) Refresh(ctx context.Context) (State, error) {
	f.mtx.Lock()
	switch f.state {
	case StateLoading, StateError:
		state := f.state
		f.mtx.Unlock()
		return state, fmt.Errorf("cannot refresh in state %s", state)
	}
	f.mtx.Unlock()

	txs, err := f.cfg.Backend.ListTransactions(ctx, f.tradeID)
	if err != nil {
		f.mtx.Lock()
		f.notice = err.Error()
		state := f.state
		f.mtx.Unlock()
		return state, err
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.position(txs)
	return f.state, nil
}

// recoverable records a dismissible notice and returns the error. The state
// must already be at its stable value.
func (f *Flow) recoverable(err error) error {
	f.mtx.Lock()
	f.notice = err.Error()
	f.mtx.Unlock()
	return err
}

func (f *Flow) setState(state State) {
	f.mtx.Lock()
	f.state = state
	f.mtx.Unlock()
}
