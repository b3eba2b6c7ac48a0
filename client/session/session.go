// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package session owns the active wallet session. All session state
// mutations in the process funnel through the Manager's connect, restore
// and disconnect operations; everything else only reads the last-published
// WalletInfo.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dtrex.org/xchbridge/client/db"
	"dtrex.org/xchbridge/client/relay"
	"dtrex.org/xchbridge/dtx"
)

// Status is the manager's connection state.
type Status uint8

const (
	// StatusNone means no wallet session is active.
	StatusNone Status = iota
	// StatusConnecting means a pairing is pending wallet approval.
	StatusConnecting
	// StatusConnected means a wallet session is active.
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	}
	return "unknown"
}

// ConnectOutcome resolves a Connect once the wallet approves or the pairing
// fails. Exactly one of Info and Err is set. An Info with an empty Address
// means the session is established but address resolution was incomplete.
type ConnectOutcome struct {
	Info *db.WalletInfo
	Err  error
}

// Connection is a pending wallet connection. URI is available immediately
// for display; Done resolves once the pairing concludes.
type Connection struct {
	URI    string
	Done   <-chan *ConnectOutcome
	Cancel func()
}

// Manager orchestrates wallet session lifecycle over the relay bridge and
// publishes the WalletInfo view consumed by the commitment flow.
type Manager struct {
	bridge   Bridge
	store    db.Store
	resolver *Resolver
	net      dtx.Network

	mtx    sync.Mutex
	status Status
	topic  string
	info   *db.WalletInfo
}

// NewManager constructs a session Manager.
func NewManager(bridge Bridge, store db.Store, net dtx.Network, logger dtx.Logger) *Manager {
	if logger != nil {
		UseLogger(logger)
	}
	return &Manager{
		bridge:   bridge,
		store:    store,
		resolver: NewResolver(bridge, store, net),
		net:      net,
	}
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.status
}

// WalletInfo returns the last-published WalletInfo, or nil if no session is
// active.
func (m *Manager) WalletInfo() *db.WalletInfo {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.info == nil {
		return nil
	}
	info := *m.info
	return &info
}

// ActiveTopic returns the active session topic, empty when disconnected.
func (m *Manager) ActiveTopic() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.topic
}

// RestoreSession reattaches to a session the transport restored from its own
// persistence. With no sessions present, any stale cached WalletInfo is
// cleared and nil is returned. Otherwise the most recently established
// session (last in the transport's ordering) is adopted and its address
// resolved, falling back per the Resolver's order. RestoreSession is
// idempotent: repeated calls without an intervening state change publish
// structurally equal WalletInfo and never create a session.
func (m *Manager) RestoreSession(ctx context.Context) (*db.WalletInfo, error) {
	sessions := m.bridge.ListSessions()
	if len(sessions) == 0 {
		if err := m.store.ClearWalletInfo(); err != nil && !errors.Is(err, db.ErrNoWalletInfo) {
			log.Errorf("error clearing cached wallet info: %v", err)
		}
		m.mtx.Lock()
		m.status = StatusNone
		m.topic = ""
		m.info = nil
		m.mtx.Unlock()
		return nil, nil
	}

	session := sessions[len(sessions)-1]
	info, err := m.resolver.Resolve(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("session %s unusable: %w", session.Topic, err)
	}
	m.adopt(session.Topic, info)
	return m.WalletInfo(), nil
}

// Connect starts a new pairing with the fixed capability set required by
// the rest of the system. The pairing URI is returned immediately, before
// approval. On approval the address is resolved and WalletInfo published.
func (m *Manager) Connect(ctx context.Context) (*Connection, error) {
	pairing, err := m.bridge.Connect(ctx, relay.DefaultCapabilities(m.net))
	if err != nil {
		return nil, err
	}

	m.mtx.Lock()
	prevStatus := m.status
	if m.status == StatusNone {
		m.status = StatusConnecting
	}
	m.mtx.Unlock()

	// The caller's context bounds only the synchronous pairing registration
	// above. Approval arrives on the user's schedule, typically long after
	// the initiating request context is done, so the post-approval address
	// round trip runs on a detached context bounded by the relay's own
	// request timeout.
	resCtx := context.WithoutCancel(ctx)

	done := make(chan *ConnectOutcome, 1)
	go func() {
		res, ok := <-pairing.Approval
		if !ok || res == nil {
			res = &relay.ApprovalResult{
				Err: dtx.NewError(relay.ErrApprovalCanceled, "bridge shut down"),
			}
		}
		if res.Err != nil {
			m.mtx.Lock()
			if m.status == StatusConnecting {
				m.status = prevStatus
			}
			m.mtx.Unlock()
			done <- &ConnectOutcome{Err: res.Err}
			return
		}

		info, err := m.resolver.Resolve(resCtx, res.Session)
		if err != nil {
			m.mtx.Lock()
			if m.status == StatusConnecting {
				m.status = prevStatus
			}
			m.mtx.Unlock()
			done <- &ConnectOutcome{Err: err}
			return
		}
		m.adopt(res.Session.Topic, info)
		done <- &ConnectOutcome{Info: m.WalletInfo()}
	}()

	return &Connection{
		URI:    pairing.URI,
		Done:   done,
		Cancel: pairing.Cancel,
	}, nil
}

// Disconnect tears down the active session. The bridge call is best effort;
// local session state and the cached WalletInfo are cleared regardless, so
// a remote failure can never leave local state inconsistent.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mtx.Lock()
	topic := m.topic
	m.status = StatusNone
	m.topic = ""
	m.info = nil
	m.mtx.Unlock()

	if topic != "" {
		m.bridge.Disconnect(ctx, topic)
	}
	if err := m.store.ClearWalletInfo(); err != nil && !errors.Is(err, db.ErrNoWalletInfo) {
		log.Errorf("error clearing cached wallet info: %v", err)
	}
}

// adopt publishes the session and caches fully resolved WalletInfo for
// later fallback restores.
func (m *Manager) adopt(topic string, info *db.WalletInfo) {
	m.mtx.Lock()
	m.status = StatusConnected
	m.topic = topic
	m.info = info
	m.mtx.Unlock()

	if info.Kind == db.WalletKindConnect && !info.Incomplete() {
		if err := m.store.SetWalletInfo(info); err != nil {
			log.Errorf("error caching wallet info: %v", err)
		}
	}
}
