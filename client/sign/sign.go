// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package sign issues transaction and message-signing requests against an
// active wallet session and classifies the wallet's responses into tagged
// outcomes that callers can match exhaustively.
package sign

import (
	"context"

	"dtrex.org/xchbridge/client/relay"
	"dtrex.org/xchbridge/dtx/msgjson"
)

// Requester is the single relay operation this package needs. Satisfied by
// *relay.Client.
type Requester interface {
	Request(ctx context.Context, topic, method string, params, result interface{}) error
}

// OutcomeTag classifies the result of a wallet request.
type OutcomeTag uint8

const (
	// Success means the wallet fulfilled the request.
	Success OutcomeTag = iota
	// Cancelled means the user rejected the request in the wallet. Not a
	// system error. Callers return to their stable state and allow retry.
	Cancelled
	// Incapable means the connected wallet does not implement the requested
	// method. Callers present a corrective message, not a retry prompt.
	Incapable
	// Failed is any other transport or wallet failure.
	Failed
)

func (t OutcomeTag) String() string {
	switch t {
	case Success:
		return "success"
	case Cancelled:
		return "cancelled"
	case Incapable:
		return "incapable"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is a classified wallet request result. TxID is set for a
// successful RequestTransaction, Signature for a successful
// RequestSignature. Err carries detail for the three non-success tags.
type Outcome struct {
	Tag       OutcomeTag
	TxID      string
	Signature string
	Err       error
}

// sendTransactionParams is the chia_sendTransaction parameter object.
type sendTransactionParams struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"` // mojos
	Memo   string `json:"memo,omitempty"`
}

type sendTransactionResult struct {
	TransactionID string `json:"transactionId"`
}

// signMessageParams is the chia_signMessageByAddress parameter object.
type signMessageParams struct {
	Message string `json:"message"`
	Address string `json:"address"`
}

type signMessageResult struct {
	Signature string `json:"signature"`
}

// Bridge issues signing-plane requests. It performs no retry and no
// deduplication; each call is exactly one external round trip, so callers
// that need idempotence must de-duplicate themselves.
type Bridge struct {
	bridge Requester
}

// NewBridge constructs a signing bridge over the relay.
func NewBridge(bridge Requester) *Bridge {
	return &Bridge{bridge: bridge}
}

// RequestTransaction asks the wallet to construct, sign and broadcast a
// transaction, returning the external transaction id on success.
func (b *Bridge) RequestTransaction(ctx context.Context, topic, to string, amount uint64, memo string) *Outcome {
	var res sendTransactionResult
	err := b.bridge.Request(ctx, topic, relay.MethodSendTransaction, &sendTransactionParams{
		To:     to,
		Amount: amount,
		Memo:   memo,
	}, &res)
	if err != nil {
		return classify(err)
	}
	if res.TransactionID == "" {
		return &Outcome{Tag: Failed, Err: msgjson.NewError(msgjson.RPCErrorUnspecified,
			"wallet returned no transaction id")}
	}
	return &Outcome{Tag: Success, TxID: res.TransactionID}
}

// RequestSignature asks the wallet to sign a message with the key behind
// the address, returning the signature payload on success.
func (b *Bridge) RequestSignature(ctx context.Context, topic, message, address string) *Outcome {
	var res signMessageResult
	err := b.bridge.Request(ctx, topic, relay.MethodSignMessage, &signMessageParams{
		Message: message,
		Address: address,
	}, &res)
	if err != nil {
		return classify(err)
	}
	if res.Signature == "" {
		return &Outcome{Tag: Failed, Err: msgjson.NewError(msgjson.RPCErrorUnspecified,
			"wallet returned no signature")}
	}
	return &Outcome{Tag: Success, Signature: res.Signature}
}

func classify(err error) *Outcome {
	switch {
	case msgjson.IsUserRejection(err):
		return &Outcome{Tag: Cancelled, Err: err}
	case msgjson.IsUnsupportedMethod(err):
		return &Outcome{Tag: Incapable, Err: err}
	}
	return &Outcome{Tag: Failed, Err: err}
}
