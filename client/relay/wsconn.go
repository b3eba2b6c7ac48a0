// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dtrex.org/xchbridge/dtx/msgjson"
	"github.com/gorilla/websocket"
)

const (
	// readBuffSize is the buffer size for a websocket connection's read
	// channel.
	readBuffSize = 128

	// writeWait is the maximum time to wait for a write on the connection.
	writeWait = time.Second * 3
)

// relayLink is the transport used by the relay Client. It is satisfied by
// wsConn and by test stubs.
type relayLink interface {
	// Connect establishes the initial connection. Reconnection after a
	// broken link is handled internally.
	Connect(ctx context.Context) error
	// Send pushes an outgoing message over the link.
	Send(msg *msgjson.Message) error
	// ReadSource is the channel on which incoming messages arrive. It is
	// closed on shutdown.
	ReadSource() <-chan *msgjson.Message
	// IsConnected reports the current link state.
	IsConnected() bool
}

// wsCfg is the configuration struct for initializing a wsConn.
type wsCfg struct {
	// Host is the websocket host.
	Host string
	// Path is the websocket api path.
	Path string
	// PingWait is the maximum time to wait for a ping from the relay.
	PingWait time.Duration
	// Cert is an optional TLS certificate file path for relays with
	// self-signed certificates.
	Cert string
	// ReconnectSync runs the needed resynchronisation after a reconnect.
	ReconnectSync func()
}

// wsConn is the websocket connection to the relay.
type wsConn struct {
	reconnects   uint64
	cfg          *wsCfg
	ws           *websocket.Conn
	wsMtx        sync.Mutex
	tlsCfg       *tls.Config
	readCh       chan *msgjson.Message
	reconnectCh  chan struct{}
	// done is closed by keepAlive on shutdown. read goroutines select on it
	// so they never send on channels keepAlive is tearing down.
	done         chan struct{}
	readWg       sync.WaitGroup
	connected    bool
	connectedMtx sync.RWMutex
	wg           sync.WaitGroup
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// newWsConn prepares a relay websocket connection. No dialing happens until
// Connect.
func newWsConn(cfg *wsCfg) (*wsConn, error) {
	if cfg.PingWait <= 0 {
		return nil, fmt.Errorf("ping wait must be positive")
	}

	var tlsConfig *tls.Config
	if cfg.Cert != "" {
		if !fileExists(cfg.Cert) {
			return nil, fmt.Errorf("the TLS cert provided (%v) does not exist",
				cfg.Cert)
		}

		rootCAs, _ := x509.SystemCertPool()
		if rootCAs == nil {
			rootCAs = x509.NewCertPool()
		}

		certs, err := os.ReadFile(cfg.Cert)
		if err != nil {
			return nil, fmt.Errorf("file reading error: %w", err)
		}

		if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
			return nil, fmt.Errorf("unable to append cert")
		}

		tlsConfig = &tls.Config{
			RootCAs:    rootCAs,
			MinVersion: tls.VersionTLS12,
		}
	}

	return &wsConn{
		cfg:         cfg,
		tlsCfg:      tlsConfig,
		readCh:      make(chan *msgjson.Message, readBuffSize),
		reconnectCh: make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Connect dials the relay. The first dial is synchronous so that an
// unreachable relay surfaces immediately. On success the keepAlive process
// takes over reconnection until the context is canceled.
func (conn *wsConn) Connect(ctx context.Context) error {
	if err := conn.connect(); err != nil {
		return err
	}
	conn.setConnected(true)

	conn.wg.Add(1)
	go conn.keepAlive(ctx)
	conn.readWg.Add(1)
	go conn.read()
	return nil
}

func (conn *wsConn) IsConnected() bool {
	conn.connectedMtx.RLock()
	defer conn.connectedMtx.RUnlock()
	return conn.connected
}

func (conn *wsConn) setConnected(connected bool) {
	conn.connectedMtx.Lock()
	conn.connected = connected
	conn.connectedMtx.Unlock()
}

// close terminates all websocket processes and closes the connection.
func (conn *wsConn) close() {
	conn.wsMtx.Lock()
	defer conn.wsMtx.Unlock()

	if conn.ws == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.ws.WriteControl(websocket.CloseMessage, msg,
		time.Now().Add(writeWait))
	conn.ws.Close()
}

// connect attempts to establish a websocket connection.
func (conn *wsConn) connect() error {
	scheme := "wss"
	if conn.cfg.Host == "localhost" || strings.HasPrefix(conn.cfg.Host, "localhost:") ||
		strings.HasPrefix(conn.cfg.Host, "127.0.0.1") {
		scheme = "ws"
	}
	uri := url.URL{
		Scheme: scheme,
		Host:   conn.cfg.Host,
		Path:   conn.cfg.Path,
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  conn.tlsCfg,
	}

	ws, _, err := dialer.Dial(uri.String(), nil)
	if err != nil {
		return err
	}

	ws.SetPingHandler(func(string) error {
		conn.wsMtx.Lock()
		defer conn.wsMtx.Unlock()

		now := time.Now()
		err := ws.SetReadDeadline(now.Add(conn.cfg.PingWait))
		if err != nil {
			log.Errorf("read deadline error: %v", err)
			return err
		}

		err = ws.WriteControl(websocket.PongMessage, []byte{}, now.Add(writeWait))
		if err != nil {
			log.Errorf("pong error: %v", err)
			return err
		}

		return nil
	})

	conn.wsMtx.Lock()
	conn.ws = ws
	conn.wsMtx.Unlock()

	return nil
}

// read fetches and parses incoming messages for processing. This should be
// run as a goroutine.
func (conn *wsConn) read() {
	defer conn.readWg.Done()

	for {
		msg := new(msgjson.Message)

		conn.wsMtx.Lock()
		ws := conn.ws
		conn.wsMtx.Unlock()

		err := ws.ReadJSON(msg)
		if err != nil {
			if _, ok := err.(*json.UnmarshalTypeError); ok {
				// JSON decode errors are not fatal, log and proceed.
				log.Errorf("json decode error: %v", err)
				continue
			}

			if websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) ||
				strings.Contains(err.Error(), "websocket: close sent") {
				return
			}

			if opErr, ok := err.(*net.OpError); ok && opErr.Op == "read" {
				if strings.Contains(opErr.Err.Error(),
					"use of closed network connection") {
					return
				}
			}

			// Log all other errors and trigger a reconnection.
			log.Errorf("read error: %v", err)
			select {
			case conn.reconnectCh <- struct{}{}:
			case <-conn.done:
			}
			return
		}

		select {
		case conn.readCh <- msg:
		case <-conn.done:
			return
		}
	}
}

// keepAlive maintains an active websocket connection by reconnecting when
// the established connection is broken. This should be run as a goroutine.
func (conn *wsConn) keepAlive(ctx context.Context) {
	defer conn.wg.Done()
	for {
		select {
		case <-conn.reconnectCh:
			conn.setConnected(false)

			if atomic.AddUint64(&conn.reconnects, 1) > 0 {
				conn.close()
			}

			err := conn.connect()
			if err != nil {
				log.Errorf("relay connection error: %v", err)

				go func() {
					select {
					case <-time.After(conn.cfg.PingWait):
						select {
						case conn.reconnectCh <- struct{}{}:
						case <-ctx.Done():
						}
					case <-ctx.Done():
					}
				}()

				continue
			}

			conn.readWg.Add(1)
			go conn.read()

			// Synchronize after a reconnection.
			if conn.cfg.ReconnectSync != nil {
				conn.cfg.ReconnectSync()
			}

			conn.setConnected(true)

		case <-ctx.Done():
			conn.setConnected(false)
			// Unblock any in-flight read sends before tearing the channel
			// down, then wait for the readers to exit so nothing sends on
			// readCh after it closes.
			close(conn.done)
			conn.close()
			conn.readWg.Wait()
			close(conn.readCh)
			return
		}
	}
}

// Send pushes outgoing messages over the websocket connection.
func (conn *wsConn) Send(msg *msgjson.Message) error {
	if !conn.IsConnected() {
		return fmt.Errorf("cannot send on a broken connection")
	}

	conn.wsMtx.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.ws.WriteJSON(msg)
	conn.wsMtx.Unlock()
	if err != nil {
		log.Errorf("write error: %v", err)
		return err
	}

	return nil
}

// ReadSource returns the connection's read source.
func (conn *wsConn) ReadSource() <-chan *msgjson.Message {
	return conn.readCh
}
