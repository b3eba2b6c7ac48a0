// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"encoding/json"

	"dtrex.org/xchbridge/dtx"
)

// ErrNoWalletInfo is returned from WalletInfo when no record is cached.
const ErrNoWalletInfo = dtx.ErrorKind("no cached wallet info")

// WalletKind identifies which address-resolution path produced a WalletInfo.
type WalletKind string

const (
	// WalletKindConnect means the address came from a live wallet round trip.
	WalletKindConnect WalletKind = "walletconnect"
	// WalletKindCached means resolution failed and the address was recovered
	// from a previous cache entry with a matching fingerprint.
	WalletKindCached WalletKind = "cached"
	// WalletKindUnknown means no address could be resolved. Only the
	// fingerprint is known.
	WalletKindUnknown WalletKind = "unknown"
)

// WalletInfo is the derived, cacheable view of a wallet session. Address is
// empty until resolved. Fingerprint is the stable per-session account
// identifier used to match cache entries across reconnects.
type WalletInfo struct {
	Address     string     `json:"address"`
	Fingerprint string     `json:"fingerprint"`
	Kind        WalletKind `json:"walletKind"`
}

// Incomplete reports whether address resolution did not finish. Callers are
// expected to prompt for manual address entry in this case.
func (wi *WalletInfo) Incomplete() bool {
	return wi.Address == ""
}

// Encode serializes the WalletInfo for storage.
func (wi *WalletInfo) Encode() []byte {
	b, err := json.Marshal(wi)
	if err != nil {
		// Marshaling a flat struct of strings cannot fail.
		return nil
	}
	return b
}

// DecodeWalletInfo decodes a WalletInfo from bytes written by Encode.
func DecodeWalletInfo(b []byte) (*WalletInfo, error) {
	wi := new(WalletInfo)
	if err := json.Unmarshal(b, wi); err != nil {
		return nil, err
	}
	if wi.Kind == "" {
		wi.Kind = WalletKindUnknown
	}
	return wi, nil
}

// Store is the interface for client persistence. There is exactly one cached
// WalletInfo, stored under a fixed key. Session records are opaque blobs
// owned by the relay transport, keyed by session topic.
type Store interface {
	// Run starts the store and blocks until the context is canceled, after
	// which the store is closed.
	Run(ctx context.Context)
	// SetWalletInfo caches the WalletInfo, replacing any previous record.
	SetWalletInfo(wi *WalletInfo) error
	// WalletInfo fetches the cached WalletInfo, or ErrNoWalletInfo.
	WalletInfo() (*WalletInfo, error)
	// ClearWalletInfo removes the cached WalletInfo. Clearing an empty cache
	// is not an error.
	ClearWalletInfo() error
	// SaveSession stores a session record under its topic.
	SaveSession(topic string, raw []byte) error
	// Sessions returns all stored session records in insertion order.
	Sessions() ([][]byte, error)
	// DeleteSession removes the session record for the topic.
	DeleteSession(topic string) error
}
