// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package session

import (
	"context"

	"dtrex.org/xchbridge/client/db"
	"dtrex.org/xchbridge/client/relay"
	"dtrex.org/xchbridge/dtx"
)

// Bridge is the slice of the relay client used by this package. Satisfied by
// *relay.Client.
type Bridge interface {
	Connect(ctx context.Context, caps *relay.Capabilities) (*relay.Pairing, error)
	Request(ctx context.Context, topic, method string, params, result interface{}) error
	Disconnect(ctx context.Context, topic string)
	ListSessions() []*relay.WalletSession
}

// Resolver derives a usable receive address from a wallet session. It never
// blocks on user input. When the wallet round trip fails or yields an
// address that fails the network's format predicate, it falls back to the
// fingerprint-keyed cache, and failing that returns a fingerprint-only
// WalletInfo marked incomplete by its empty address.
type Resolver struct {
	bridge Bridge
	store  db.Store
	net    dtx.Network
}

// NewResolver constructs an address resolver. The store is read-only here;
// cache writes are the Manager's job.
func NewResolver(bridge Bridge, store db.Store, net dtx.Network) *Resolver {
	return &Resolver{
		bridge: bridge,
		store:  store,
		net:    net,
	}
}

// Resolve attempts one address retrieval round trip against the session.
// The returned WalletInfo always carries the session's fingerprint. Only a
// session granting no account at all is an error.
func (r *Resolver) Resolve(ctx context.Context, session *relay.WalletSession) (*db.WalletInfo, error) {
	fingerprint, err := session.Fingerprint()
	if err != nil {
		return nil, err
	}

	var addr string
	err = r.bridge.Request(ctx, session.Topic, relay.MethodGetAddress, nil, &addr)
	if err == nil {
		if dtx.CheckAddress(addr, r.net) {
			return &db.WalletInfo{
				Address:     addr,
				Fingerprint: fingerprint,
				Kind:        db.WalletKindConnect,
			}, nil
		}
		log.Warnf("wallet returned malformed address %q", addr)
	} else {
		log.Warnf("address retrieval failed for session %s: %v", session.Topic, err)
	}

	// Fall back to the cached view if it belongs to the same wallet.
	if cached, err := r.store.WalletInfo(); err == nil && cached.Fingerprint == fingerprint {
		cached.Kind = db.WalletKindCached
		return cached, nil
	}

	// Incomplete result. The caller prompts for manual address entry.
	return &db.WalletInfo{
		Fingerprint: fingerprint,
		Kind:        db.WalletKindUnknown,
	}, nil
}
