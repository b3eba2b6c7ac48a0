// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package relay maintains the bridge's connection to the wallet relay. A
// single Client is shared process-wide. It owns the websocket link, pairing
// approvals, and the set of established wallet sessions, which it persists
// so that sessions survive restarts.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dtrex.org/xchbridge/client/db"
	"dtrex.org/xchbridge/dtx"
	"dtrex.org/xchbridge/dtx/msgjson"
	"dtrex.org/xchbridge/dtx/wait"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultRequestTimeout bounds how long a wallet request waits for a
	// response before failing.
	defaultRequestTimeout = 30 * time.Second
	// defaultApprovalTimeout is how long a pairing proposal remains
	// approvable. A settlement arriving later is ignored.
	defaultApprovalTimeout = 5 * time.Minute
)

// ErrApprovalCanceled is delivered on the approval channel when the caller
// cancels a pending pairing.
const ErrApprovalCanceled = dtx.ErrorKind("pairing approval canceled")

// Config is the relay Client configuration.
type Config struct {
	// Host is the relay websocket host.
	Host string
	// Path is the relay websocket api path.
	Path string
	// Cert is an optional TLS certificate path for the relay.
	Cert string
	// Net selects the ledger network, which determines the chain id stamped
	// on wallet requests.
	Net dtx.Network
	// Store persists session records.
	Store db.Store
	// Logger is the client logger.
	Logger dtx.Logger
	// RequestTimeout overrides the default wallet request timeout.
	RequestTimeout time.Duration
	// ApprovalTimeout overrides the default pairing approval window.
	ApprovalTimeout time.Duration

	// link overrides the websocket transport. For testing.
	link relayLink
	// newTopic overrides topic generation. For testing.
	newTopic func() (string, error)
	// tick overrides the expiry queue's recheck interval. For testing.
	tick time.Duration
}

// ApprovalResult resolves a pending pairing. Exactly one of Session and Err
// is set.
type ApprovalResult struct {
	Session *WalletSession
	Err     error
}

// Pairing is a pending pairing proposal. The URI is displayed to the user.
// The Approval channel receives exactly one result, whether the wallet
// settles, the wallet rejects, the window expires, or Cancel is called.
type Pairing struct {
	URI      string
	Topic    string
	Approval <-chan *ApprovalResult
	Cancel   func()
}

type pendingApproval struct {
	topic    string
	resultCh chan *ApprovalResult
	once     sync.Once
}

// resolve delivers the result. Only the first resolution counts, so a
// settlement racing an expiry or a cancellation is a no-op for the loser.
func (a *pendingApproval) resolve(res *ApprovalResult) (first bool) {
	a.once.Do(func() {
		first = true
		a.resultCh <- res
	})
	return
}

// Client is the relay connection. Obtain it with Initialize.
type Client struct {
	cfg   *Config
	link  relayLink
	net   dtx.Network
	store db.Store
	queue *wait.TickerQueue
	wg    sync.WaitGroup

	requestTimeout  time.Duration
	approvalTimeout time.Duration

	idCounter uint64

	respMtx      sync.Mutex
	respHandlers map[uint64]chan *msgjson.Message

	sessionMtx sync.RWMutex
	sessions   []*WalletSession // oldest first
	approvals  map[string]*pendingApproval
}

var (
	initGroup singleflight.Group
	running   atomic.Pointer[Client]
)

// Initialize returns the process-wide relay Client, connecting it on first
// call. Concurrent first calls share one in-flight initialization and
// receive the identical Client. A failed initialization leaves no Client
// behind, so the next call retries.
func Initialize(ctx context.Context, cfg *Config) (*Client, error) {
	if c := running.Load(); c != nil {
		return c, nil
	}
	v, err, _ := initGroup.Do("relay", func() (interface{}, error) {
		if c := running.Load(); c != nil {
			return c, nil
		}
		c, err := connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		running.Store(c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// resetForTest clears the singleton so tests can initialize repeatedly.
func resetForTest() {
	running.Store(nil)
}

// connect builds the Client, restores persisted sessions, and dials the
// relay. The dial is synchronous so an unreachable relay fails the
// initialization attempt.
func connect(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("no session store configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = dtx.Disabled
	}
	UseLogger(logger)

	link := cfg.link
	if link == nil {
		if cfg.Host == "" {
			return nil, fmt.Errorf("no relay host configured")
		}
		conn, err := newWsConn(&wsCfg{
			Host:     cfg.Host,
			Path:     cfg.Path,
			PingWait: 20 * time.Second,
			Cert:     cfg.Cert,
		})
		if err != nil {
			return nil, err
		}
		link = conn
	}

	tick := cfg.tick
	if tick <= 0 {
		tick = time.Second
	}

	c := &Client{
		cfg:             cfg,
		link:            link,
		net:             cfg.Net,
		store:           cfg.Store,
		queue:           wait.NewTickerQueue(tick),
		requestTimeout:  cfg.RequestTimeout,
		approvalTimeout: cfg.ApprovalTimeout,
		respHandlers:    make(map[uint64]chan *msgjson.Message),
		approvals:       make(map[string]*pendingApproval),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.approvalTimeout <= 0 {
		c.approvalTimeout = defaultApprovalTimeout
	}

	if err := c.restoreSessions(); err != nil {
		return nil, fmt.Errorf("error restoring sessions: %w", err)
	}

	if err := link.Connect(ctx); err != nil {
		return nil, fmt.Errorf("relay dial error: %w", err)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.queue.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()

	return c, nil
}

// restoreSessions loads persisted session records in insertion order.
// Corrupt records are dropped with a warning rather than failing startup.
func (c *Client) restoreSessions() error {
	raws, err := c.store.Sessions()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		s, err := decodeSession(raw)
		if err != nil {
			log.Warnf("dropping undecodable session record: %v", err)
			continue
		}
		c.sessions = append(c.sessions, s)
	}
	if n := len(c.sessions); n > 0 {
		log.Infof("restored %d wallet session(s)", n)
	}
	return nil
}

// WaitForShutdown blocks until the Client's processes have stopped after
// context cancellation.
func (c *Client) WaitForShutdown() {
	c.wg.Wait()
}

// Connected reports whether the relay link is currently up.
func (c *Client) Connected() bool {
	return c.link.IsConnected()
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.idCounter, 1)
}

func (c *Client) genTopic() (string, error) {
	if c.cfg.newTopic != nil {
		return c.cfg.newTopic()
	}
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Connect registers a pairing proposal with the relay and returns the
// pairing URI for the user's wallet, along with a channel that resolves
// when the wallet settles or rejects, the window expires, or the returned
// Cancel function is called.
func (c *Client) Connect(ctx context.Context, caps *Capabilities) (*Pairing, error) {
	if caps == nil {
		caps = DefaultCapabilities(c.net)
	}

	pairingTopic, err := c.genTopic()
	if err != nil {
		return nil, fmt.Errorf("topic generation error: %w", err)
	}
	var symKey [32]byte
	if _, err := rand.Read(symKey[:]); err != nil {
		return nil, fmt.Errorf("key generation error: %w", err)
	}

	expiry := time.Now().Add(c.approvalTimeout)

	approval := &pendingApproval{
		topic:    pairingTopic,
		resultCh: make(chan *ApprovalResult, 1),
	}
	c.sessionMtx.Lock()
	c.approvals[pairingTopic] = approval
	c.sessionMtx.Unlock()

	msg, err := msgjson.NewRequest(c.nextID(), pairingTopic, msgjson.PairRoute, &msgjson.Pair{
		RequiredNamespaces: caps.namespaces(),
		Expiry:             uint64(expiry.Unix()),
	})
	if err != nil {
		c.dropApproval(pairingTopic)
		return nil, err
	}

	resp, err := c.sendRequest(ctx, msg)
	if err != nil {
		c.dropApproval(pairingTopic)
		return nil, fmt.Errorf("pairing registration error: %w", err)
	}
	var ack json.RawMessage
	if err := resp.UnmarshalResult(&ack); err != nil {
		c.dropApproval(pairingTopic)
		return nil, fmt.Errorf("pairing registration refused: %w", err)
	}

	// Expire the approval if the wallet has not resolved it by the
	// deadline. resolve is once-only, so a late settlement loses the race
	// cleanly.
	c.queue.Wait(&wait.Waiter{
		Expiration: expiry,
		TryFunc: func() wait.TryDirective {
			c.sessionMtx.RLock()
			_, pending := c.approvals[pairingTopic]
			c.sessionMtx.RUnlock()
			if !pending {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			c.dropApproval(pairingTopic)
			approval.resolve(&ApprovalResult{
				Err: msgjson.NewError(msgjson.RPCTimeoutError,
					"pairing expired before wallet approval"),
			})
		},
	})

	uri := fmt.Sprintf("wc:%s@2?relay-protocol=irn&symKey=%s",
		pairingTopic, hex.EncodeToString(symKey[:]))

	return &Pairing{
		URI:      uri,
		Topic:    pairingTopic,
		Approval: approval.resultCh,
		Cancel: func() {
			c.dropApproval(pairingTopic)
			approval.resolve(&ApprovalResult{
				Err: dtx.NewError(ErrApprovalCanceled, "canceled by caller"),
			})
		},
	}, nil
}

func (c *Client) dropApproval(topic string) {
	c.sessionMtx.Lock()
	delete(c.approvals, topic)
	c.sessionMtx.Unlock()
}

// Request relays a wallet method call on an established session and decodes
// the result into the provided pointer. Wallet-plane errors are returned as
// *msgjson.Error so that callers can classify rejection and capability
// failures. A relay report that the session is gone drops it locally.
func (c *Client) Request(ctx context.Context, topic, method string, params, result interface{}) error {
	c.sessionMtx.RLock()
	session := c.findSession(topic)
	c.sessionMtx.RUnlock()
	if session == nil {
		return msgjson.NewError(msgjson.RPCUnknownTopic, "no session with topic %s", topic)
	}

	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("params encoding error: %w", err)
		}
	}

	msg, err := msgjson.NewRequest(c.nextID(), topic, msgjson.RequestRoute, &msgjson.WalletRequest{
		ChainID: c.net.ChainID(),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return err
	}

	resp, err := c.sendRequest(ctx, msg)
	if err != nil {
		return err
	}

	err = resp.UnmarshalResult(result)
	if err != nil {
		var msgErr *msgjson.Error
		if errors.As(err, &msgErr) &&
			(msgErr.Code == msgjson.SessionExpiredError || msgErr.Code == msgjson.RPCUnknownTopic) {
			log.Infof("session %s reported gone by relay, dropping", topic)
			c.removeSession(topic)
		}
		return err
	}
	return nil
}

// Disconnect tears down the session. The relay-side delete is best effort.
// The local session record is always removed.
func (c *Client) Disconnect(ctx context.Context, topic string) {
	msg, err := msgjson.NewRequest(c.nextID(), topic, msgjson.DeleteRoute, &msgjson.Delete{
		Reason: "user disconnected",
	})
	if err == nil {
		if resp, err := c.sendRequest(ctx, msg); err != nil {
			log.Warnf("session delete not delivered for %s: %v", topic, err)
		} else {
			var ack json.RawMessage
			if err := resp.UnmarshalResult(&ack); err != nil {
				log.Warnf("session delete refused for %s: %v", topic, err)
			}
		}
	}
	c.removeSession(topic)
}

// ListSessions returns the established sessions, oldest first.
func (c *Client) ListSessions() []*WalletSession {
	c.sessionMtx.RLock()
	defer c.sessionMtx.RUnlock()
	sessions := make([]*WalletSession, len(c.sessions))
	copy(sessions, c.sessions)
	return sessions
}

// findSession must be called with sessionMtx held.
func (c *Client) findSession(topic string) *WalletSession {
	for _, s := range c.sessions {
		if s.Topic == topic {
			return s
		}
	}
	return nil
}

func (c *Client) removeSession(topic string) {
	c.sessionMtx.Lock()
	for i, s := range c.sessions {
		if s.Topic == topic {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	c.sessionMtx.Unlock()
	if err := c.store.DeleteSession(topic); err != nil {
		log.Errorf("error deleting session record %s: %v", topic, err)
	}
}

// sendRequest sends the request and waits for the matching response, bounded
// by the request timeout and the context.
func (c *Client) sendRequest(ctx context.Context, msg *msgjson.Message) (*msgjson.Message, error) {
	ch := make(chan *msgjson.Message, 1)
	c.respMtx.Lock()
	c.respHandlers[msg.ID] = ch
	c.respMtx.Unlock()

	removeHandler := func() {
		c.respMtx.Lock()
		delete(c.respHandlers, msg.ID)
		c.respMtx.Unlock()
	}

	if err := c.link.Send(msg); err != nil {
		removeHandler()
		return nil, err
	}

	timeout := time.NewTimer(c.requestTimeout)
	defer timeout.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timeout.C:
		removeHandler()
		return nil, msgjson.NewError(msgjson.RPCTimeoutError,
			"no response for %s request %d", msg.Route, msg.ID)
	case <-ctx.Done():
		removeHandler()
		return nil, ctx.Err()
	}
}

// readLoop dispatches incoming messages until the link's read source
// closes on shutdown.
func (c *Client) readLoop() {
	for msg := range c.link.ReadSource() {
		switch msg.Type {
		case msgjson.Response:
			c.respMtx.Lock()
			ch, found := c.respHandlers[msg.ID]
			delete(c.respHandlers, msg.ID)
			c.respMtx.Unlock()
			if !found {
				log.Errorf("no handler for response with id %d", msg.ID)
				continue
			}
			ch <- msg
		case msgjson.Notification:
			c.handleNotification(msg)
		case msgjson.Request:
			// The only relay-originating request is a session delete, which
			// gets an acknowledgement.
			if msg.Route != msgjson.DeleteRoute {
				log.Errorf("unknown relay request route %q", msg.Route)
				continue
			}
			c.handleDelete(msg)
			if ack, err := msgjson.NewResponse(msg.ID, true, nil); err == nil {
				c.link.Send(ack)
			}
		default:
			log.Errorf("invalid message type %d from relay", msg.Type)
		}
	}
}

func (c *Client) handleNotification(msg *msgjson.Message) {
	switch msg.Route {
	case msgjson.SettleRoute:
		c.handleSettle(msg)
	case msgjson.RejectRoute:
		c.handleReject(msg)
	case msgjson.DeleteRoute:
		c.handleDelete(msg)
	default:
		log.Errorf("unknown notification route %q", msg.Route)
	}
}

// handleSettle establishes a session from a wallet settlement delivered on
// a pairing topic. Settlements for unknown or already-resolved pairings are
// ignored.
func (c *Client) handleSettle(msg *msgjson.Message) {
	var settle msgjson.Settle
	if err := msg.Unmarshal(&settle); err != nil {
		log.Errorf("undecodable settlement on topic %s: %v", msg.Topic, err)
		return
	}
	if settle.Topic == "" {
		log.Errorf("settlement on topic %s carries no session topic", msg.Topic)
		return
	}

	c.sessionMtx.Lock()
	approval := c.approvals[msg.Topic]
	delete(c.approvals, msg.Topic)
	c.sessionMtx.Unlock()
	if approval == nil {
		log.Warnf("ignoring settlement for unknown pairing %s", msg.Topic)
		return
	}

	session := &WalletSession{
		Topic:      settle.Topic,
		Namespaces: settle.Namespaces,
		CreatedAt:  time.Now(),
		Expiry:     time.Unix(int64(settle.Expiry), 0),
	}

	c.sessionMtx.Lock()
	c.sessions = append(c.sessions, session)
	c.sessionMtx.Unlock()

	if err := c.store.SaveSession(session.Topic, session.encode()); err != nil {
		log.Errorf("error persisting session %s: %v", session.Topic, err)
	}

	if !approval.resolve(&ApprovalResult{Session: session}) {
		// Lost the race against expiry or cancellation. Leave the session
		// established; the user can disconnect it.
		log.Warnf("settlement for pairing %s arrived after resolution", msg.Topic)
	}
}

func (c *Client) handleReject(msg *msgjson.Message) {
	var reject msgjson.Reject
	if err := msg.Unmarshal(&reject); err != nil {
		log.Errorf("undecodable rejection on topic %s: %v", msg.Topic, err)
		return
	}

	c.sessionMtx.Lock()
	approval := c.approvals[msg.Topic]
	delete(c.approvals, msg.Topic)
	c.sessionMtx.Unlock()
	if approval == nil {
		log.Warnf("ignoring rejection for unknown pairing %s", msg.Topic)
		return
	}

	reason := reject.Reason
	if reason == nil {
		reason = msgjson.NewError(msgjson.PairingRejectedError, "pairing rejected by wallet")
	}
	approval.resolve(&ApprovalResult{Err: reason})
}

func (c *Client) handleDelete(msg *msgjson.Message) {
	var del msgjson.Delete
	msg.Unmarshal(&del) // reason is informational only
	log.Infof("session %s deleted by peer: %s", msg.Topic, del.Reason)
	c.removeSession(msg.Topic)
}
