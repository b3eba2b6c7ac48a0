// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package webserver exposes the bridge to the marketplace frontend over a
// small local HTTP API: session status, connect with a scannable pairing
// QR, disconnect, and the per-trade commitment operations.
package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"dtrex.org/xchbridge/client/commit"
	"dtrex.org/xchbridge/client/db"
	"dtrex.org/xchbridge/client/session"
	"dtrex.org/xchbridge/dtx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// qrSize is the pixel size of the served pairing QR code.
	qrSize = 256

	rpcTimeoutSeconds = 10
)

// Sessioner is the slice of the session Manager the server uses.
type Sessioner interface {
	Status() session.Status
	WalletInfo() *db.WalletInfo
	ActiveTopic() string
	RestoreSession(ctx context.Context) (*db.WalletInfo, error)
	Connect(ctx context.Context) (*session.Connection, error)
	Disconnect(ctx context.Context)
}

// FlowMaker builds a commitment flow for a trade. The server caches flows
// per trade id so that reloads resume instead of re-creating state.
type FlowMaker func(tradeID int64) *commit.Flow

// Config is the web server configuration.
type Config struct {
	// Addr is the TCP listen address, normally loopback.
	Addr     string
	Sessions Sessioner
	NewFlow  FlowMaker
	Logger   dtx.Logger
}

// Server is the bridge's HTTP API server.
type Server struct {
	addr     string
	sessions Sessioner
	newFlow  FlowMaker
	srv      *http.Server
	mux      *chi.Mux

	mtx sync.Mutex
	// pairingURI is the URI of the pairing currently awaiting approval.
	pairingURI    string
	cancelPairing func()
	flows         map[int64]*commit.Flow
}

// New constructs the Server. Run starts it.
func New(cfg *Config) (*Server, error) {
	if cfg.Sessions == nil || cfg.NewFlow == nil {
		return nil, fmt.Errorf("incomplete webserver configuration")
	}
	if cfg.Logger != nil {
		UseLogger(cfg.Logger)
	}

	s := &Server{
		addr:     cfg.Addr,
		sessions: cfg.Sessions,
		newFlow:  cfg.NewFlow,
		flows:    make(map[int64]*commit.Flow),
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Route("/api", func(r chi.Router) {
		r.Get("/status", s.apiStatus)
		r.Post("/connect", s.apiConnect)
		r.Get("/qr", s.apiQR)
		r.Post("/disconnect", s.apiDisconnect)
		r.Post("/restore", s.apiRestore)
		r.Route("/trade/{tid}", func(r chi.Router) {
			r.Get("/", s.apiTrade)
			r.Post("/commit", s.apiCommit)
			r.Post("/refresh", s.apiRefresh)
		})
	})
	s.mux = mux
	return s, nil
}

// Run starts the server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("can't listen on %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second,
		WriteTimeout: rpcTimeoutSeconds * time.Second,
	}

	// Shut down the server on context cancellation.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctxTimeout); err != nil {
			log.Warnf("http server shutdown: %v", err)
		}
	}()

	log.Infof("web API running at http://%s", listener.Addr())
	err = s.srv.Serve(listener)
	if err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

// Handler exposes the router. For testing.
func (s *Server) Handler() http.Handler { return s.mux }

type statusResponse struct {
	Status     string         `json:"status"`
	Topic      string         `json:"topic,omitempty"`
	WalletInfo *db.WalletInfo `json:"walletInfo,omitempty"`
	PairingURI string         `json:"pairingUri,omitempty"`
}

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	uri := s.pairingURI
	s.mtx.Unlock()
	writeJSON(w, &statusResponse{
		Status:     s.sessions.Status().String(),
		Topic:      s.sessions.ActiveTopic(),
		WalletInfo: s.sessions.WalletInfo(),
		PairingURI: uri,
	})
}

// apiConnect starts a pairing and returns the URI immediately. The approval
// resolves in the background; the frontend polls /api/status.
func (s *Server) apiConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.sessions.Connect(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	s.mtx.Lock()
	if s.cancelPairing != nil {
		s.cancelPairing()
	}
	s.pairingURI = conn.URI
	s.cancelPairing = conn.Cancel
	s.mtx.Unlock()

	go func() {
		outcome := <-conn.Done
		s.mtx.Lock()
		s.pairingURI = ""
		s.cancelPairing = nil
		s.mtx.Unlock()
		if outcome.Err != nil {
			log.Warnf("pairing did not complete: %v", outcome.Err)
			return
		}
		log.Infof("wallet connected, fingerprint %s", outcome.Info.Fingerprint)
	}()

	writeJSON(w, &struct {
		URI string `json:"uri"`
	}{conn.URI})
}

// apiQR serves the pending pairing URI as a PNG for wallets that scan
// rather than paste.
func (s *Server) apiQR(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	uri := s.pairingURI
	s.mtx.Unlock()
	if uri == "" {
		http.Error(w, "no pairing pending", http.StatusNotFound)
		return
	}
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) apiDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	if s.cancelPairing != nil {
		s.cancelPairing()
		s.cancelPairing = nil
		s.pairingURI = ""
	}
	s.mtx.Unlock()
	s.sessions.Disconnect(r.Context())
	writeJSON(w, okResponse())
}

func (s *Server) apiRestore(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.RestoreSession(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, &statusResponse{
		Status:     s.sessions.Status().String(),
		Topic:      s.sessions.ActiveTopic(),
		WalletInfo: info,
	})
}

type flowResponse struct {
	State  string  `json:"state"`
	Notice string  `json:"notice,omitempty"`
	TxID   string  `json:"txId,omitempty"`
	FeeUSD float64 `json:"feeUsd,omitempty"`
	Memo   string  `json:"memo,omitempty"`
	Fatal  string  `json:"fatal,omitempty"`
}

func (s *Server) flowState(f *commit.Flow) *flowResponse {
	resp := &flowResponse{
		State:  f.State().String(),
		Notice: f.Notice(),
		TxID:   f.SubmittedTxID(),
	}
	if details := f.Details(); details != nil {
		resp.FeeUSD = details.CommitmentFeeUSD
		resp.Memo = details.Memo
	}
	if err := f.FatalErr(); err != nil {
		resp.Fatal = err.Error()
	}
	return resp
}

// tradeFlow returns the trade's flow, loading it on first access.
func (s *Server) tradeFlow(ctx context.Context, r *http.Request) (*commit.Flow, error) {
	tradeID, err := strconv.ParseInt(chi.URLParam(r, "tid"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad trade id: %w", err)
	}
	s.mtx.Lock()
	f, found := s.flows[tradeID]
	// The error state is absorbing for a flow but not for the trade. A fresh
	// flow gives the reload a chance against a recovered backend.
	if found && f.State() == commit.StateError {
		found = false
	}
	if !found {
		f = s.newFlow(tradeID)
		s.flows[tradeID] = f
	}
	s.mtx.Unlock()
	if !found {
		f.Load(ctx)
	}
	return f, nil
}

func (s *Server) apiTrade(w http.ResponseWriter, r *http.Request) {
	f, err := s.tradeFlow(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, s.flowState(f))
}

func (s *Server) apiCommit(w http.ResponseWriter, r *http.Request) {
	f, err := s.tradeFlow(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Commit errors are reflected in the flow snapshot; the HTTP call
	// itself succeeds so the frontend renders state + notice.
	if err := f.Commit(r.Context()); err != nil {
		log.Debugf("commit attempt for trade: %v", err)
	}
	writeJSON(w, s.flowState(f))
}

func (s *Server) apiRefresh(w http.ResponseWriter, r *http.Request) {
	f, err := s.tradeFlow(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := f.Refresh(r.Context()); err != nil {
		log.Debugf("refresh: %v", err)
	}
	writeJSON(w, s.flowState(f))
}

func okResponse() interface{} {
	return &struct {
		OK bool `json:"ok"`
	}{true}
}

func writeJSON(w http.ResponseWriter, thing interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(&struct {
		Error string `json:"error"`
	}{err.Error()})
}
