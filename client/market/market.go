// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package market is the client for the marketplace backend's RPC interface.
// Calls are HTTP POSTs of {id, method, params} objects. Backend errors are
// returned as *Error with the backend's message verbatim.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dtrex.org/xchbridge/dtx"
	"dtrex.org/xchbridge/dtx/dtxnet"
	"github.com/google/uuid"
)

const defaultCallTimeout = 30 * time.Second

type rpcRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Config is the backend client configuration.
type Config struct {
	// Addr is the backend RPC endpoint, e.g. https://host/api/rpc.
	Addr string
	// AuthToken, if set, is sent as a bearer token. The backend scopes
	// commitment operations to the authenticated user.
	AuthToken string
	// Client overrides the HTTP client. For testing against httptest
	// servers and for custom timeouts.
	Client *http.Client
	// Logger is the package logger.
	Logger dtx.Logger
}

// Client calls the marketplace backend.
type Client struct {
	addr      string
	authToken string
	http      *http.Client
}

// NewClient constructs a backend client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("no backend address configured")
	}
	if cfg.Logger != nil {
		UseLogger(cfg.Logger)
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultCallTimeout}
	}
	return &Client{
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
		http:      httpClient,
	}, nil
}

// call performs one RPC round trip. Request ids are UUIDs so concurrent
// calls are distinguishable in backend logs.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	req := &rpcRequest{
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
	}

	opts := []*dtxnet.RequestOption{dtxnet.WithClient(c.http)}
	if c.authToken != "" {
		opts = append(opts, dtxnet.WithRequestHeader("Authorization", "Bearer "+c.authToken))
	}

	var resp rpcResponse
	if err := dtxnet.Post(ctx, c.addr, &resp, req, opts...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		log.Debugf("backend %s error %d: %s", method, resp.Error.Code, resp.Error.Message)
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: error decoding result: %w", method, err)
	}
	return nil
}

// CommitmentDetails fetches the commitment view for a trade, scoped to the
// authenticated user.
func (c *Client) CommitmentDetails(ctx context.Context, tradeID int64) (*CommitmentDetails, error) {
	details := new(CommitmentDetails)
	err := c.call(ctx, "commitment_get_details", &struct {
		TradeID int64 `json:"trade_id"`
	}{tradeID}, details)
	if err != nil {
		return nil, err
	}
	return details, nil
}

// ListTransactions fetches the trade's transaction records.
func (c *Client) ListTransactions(ctx context.Context, tradeID int64) ([]*TradeTransaction, error) {
	var res struct {
		Transactions []*TradeTransaction `json:"transactions"`
	}
	err := c.call(ctx, "commitment_list_transactions", &struct {
		TradeID int64 `json:"trade_id"`
	}{tradeID}, &res)
	if err != nil {
		return nil, err
	}
	return res.Transactions, nil
}

// CreatePending asks the backend to issue a PendingTransaction for the
// trade carrying the client-computed mojo amount. The backend validates the
// amount bounds and supplies the destination address and memo.
func (c *Client) CreatePending(ctx context.Context, tradeID int64, amountMojos uint64, fromAddress string) (*PendingTransaction, error) {
	params := &struct {
		TradeID     int64  `json:"trade_id"`
		AmountMojos uint64 `json:"amount_mojos"`
		FromAddress string `json:"from_address,omitempty"`
	}{tradeID, amountMojos, fromAddress}
	pending := new(PendingTransaction)
	if err := c.call(ctx, "commitment_create_pending", params, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// SubmitTx reports the wallet's external transaction id against a
// previously issued PendingTransaction.
func (c *Client) SubmitTx(ctx context.Context, transactionID int64, txID string) (*SubmitResult, error) {
	params := &struct {
		TransactionID int64  `json:"transaction_id"`
		TxID          string `json:"tx_id"`
	}{transactionID, txID}
	res := new(SubmitResult)
	if err := c.call(ctx, "commitment_submit_tx", params, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ExchangeWallet fetches the marketplace's exchange wallet address and the
// configured commitment fee.
func (c *Client) ExchangeWallet(ctx context.Context) (*ExchangeWalletConfig, error) {
	cfg := new(ExchangeWalletConfig)
	if err := c.call(ctx, "config_get_exchange_wallet", nil, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
