// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import "time"

// Backend error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeUnauthorized   = 4001
	CodeForbidden      = 4003
	CodeNotFound       = 4004
	CodeInternal       = 5000
)

// Error is a structured backend error. The message is the backend's,
// verbatim, and is shown to the user as-is.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Transaction types tracked by the backend.
const (
	TxTypeCommitmentFee = "commitment_fee"
	TxTypeEscrowDeposit = "escrow_deposit"
	TxTypeEscrowRelease = "escrow_release"
	TxTypeRefund        = "refund"
)

// Transaction statuses. pending and mempool are non-terminal.
const (
	TxStatusPending   = "pending"
	TxStatusMempool   = "mempool"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
	TxStatusRefunded  = "refunded"
)

// Commitment statuses reported per participant.
const (
	CommitStatusNone      = "none"
	CommitStatusPending   = "pending"
	CommitStatusConfirmed = "confirmed"
)

// CommitmentDetails is the per-trade, per-user commitment view. The fee is
// a reference-currency amount; the ledger amount is rate-dependent and
// computed client-side at commit time.
type CommitmentDetails struct {
	TradeID               int64   `json:"trade_id"`
	ExchangeWalletAddress string  `json:"exchange_wallet_address"`
	CommitmentFeeUSD      float64 `json:"commitment_fee_usd"`
	UserRole              string  `json:"user_role"`
	UserCommitStatus      string  `json:"user_commit_status"`
	OtherCommitStatus     string  `json:"other_commit_status"`
	Memo                  string  `json:"memo"`
}

// PendingTransaction is the backend-issued record created before wallet
// signing. Immutable once issued.
type PendingTransaction struct {
	TransactionID int64   `json:"transaction_id"`
	ToAddress     string  `json:"to_address"`
	AmountMojos   uint64  `json:"amount_mojos"`
	AmountXCH     float64 `json:"amount_xch"`
	Memo          string  `json:"memo"`
}

// TradeTransaction is the backend's record of an on-chain attempt.
type TradeTransaction struct {
	ID            int64      `json:"id"`
	TradeID       int64      `json:"trade_id"`
	UserID        int64      `json:"user_id"`
	TxType        string     `json:"tx_type"`
	TxID          string     `json:"tx_id,omitempty"`
	CoinID        string     `json:"coin_id,omitempty"`
	FromAddress   string     `json:"from_address,omitempty"`
	ToAddress     string     `json:"to_address,omitempty"`
	AmountMojos   uint64     `json:"amount_mojos"`
	Status        string     `json:"status"`
	Confirmations int32      `json:"confirmations,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	MempoolAt     *time.Time `json:"mempool_at,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

// Terminal reports whether the transaction can no longer change state.
func (tx *TradeTransaction) Terminal() bool {
	switch tx.Status {
	case TxStatusConfirmed, TxStatusFailed, TxStatusRefunded:
		return true
	}
	return false
}

// Confirmed reports whether the transaction settled on-chain.
func (tx *TradeTransaction) Confirmed() bool {
	return tx.Status == TxStatusConfirmed
}

// SubmitResult acknowledges a submitted external transaction id.
type SubmitResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ExchangeWalletConfig is the marketplace's commitment configuration.
type ExchangeWalletConfig struct {
	WalletAddress    string  `json:"wallet_address"`
	CommitmentFeeUSD float64 `json:"commitment_fee_usd"`
}
