// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sign

import (
	"context"
	"errors"
	"testing"

	"dtrex.org/xchbridge/dtx/msgjson"
)

type tRequester struct {
	err    error
	txID   string
	sig    string
	method string
}

func (r *tRequester) Request(ctx context.Context, topic, method string, params, result interface{}) error {
	r.method = method
	if r.err != nil {
		return r.err
	}
	switch res := result.(type) {
	case *sendTransactionResult:
		res.TransactionID = r.txID
	case *signMessageResult:
		res.Signature = r.sig
	}
	return nil
}

func TestRequestTransactionOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		txID    string
		wantTag OutcomeTag
	}{
		{"success", nil, "0xabc123", Success},
		{"user rejected", msgjson.NewError(msgjson.UserRejectedError, "user rejected"), "", Cancelled},
		{"unsupported", msgjson.NewError(msgjson.UnsupportedMethodError, "no such method"), "", Incapable},
		{"transport failure", errors.New("link down"), "", Failed},
		{"empty tx id", nil, "", Failed},
	}

	for _, tt := range tests {
		req := &tRequester{err: tt.err, txID: tt.txID}
		b := NewBridge(req)
		outcome := b.RequestTransaction(context.Background(), "topic", "xch1dest", 1000, "DTREX-COMMIT-5-9")
		if outcome.Tag != tt.wantTag {
			t.Errorf("%s: tag = %s, want %s", tt.name, outcome.Tag, tt.wantTag)
		}
		if tt.wantTag == Success && outcome.TxID != tt.txID {
			t.Errorf("%s: txID = %s, want %s", tt.name, outcome.TxID, tt.txID)
		}
		if tt.wantTag != Success && outcome.Err == nil {
			t.Errorf("%s: no error detail on non-success", tt.name)
		}
	}
}

// A capability gap must never be presented as a generic failure, so the UI
// can avoid suggesting a retry.
func TestIncapableDistinctFromFailed(t *testing.T) {
	b := NewBridge(&tRequester{err: msgjson.NewError(msgjson.UnsupportedMethodError, "nope")})
	incapable := b.RequestTransaction(context.Background(), "topic", "xch1dest", 1000, "")

	b = NewBridge(&tRequester{err: errors.New("boom")})
	failed := b.RequestTransaction(context.Background(), "topic", "xch1dest", 1000, "")

	if incapable.Tag == failed.Tag {
		t.Fatalf("incapable outcome indistinguishable from generic failure")
	}
}

func TestRequestSignature(t *testing.T) {
	req := &tRequester{sig: "0xsig"}
	b := NewBridge(req)
	outcome := b.RequestSignature(context.Background(), "topic", "challenge", "xch1addr")
	if outcome.Tag != Success || outcome.Signature != "0xsig" {
		t.Fatalf("bad outcome %+v", outcome)
	}
	if req.method != "chia_signMessageByAddress" {
		t.Fatalf("wrong method %s", req.method)
	}

	b = NewBridge(&tRequester{err: msgjson.NewError(msgjson.UserRejectedError, "user rejected")})
	outcome = b.RequestSignature(context.Background(), "topic", "challenge", "xch1addr")
	if outcome.Tag != Cancelled {
		t.Fatalf("rejection tagged %s", outcome.Tag)
	}
}
