// Package rpc talks to the ledger contract through a JSON-RPC 2.0 gateway.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ybbus/jsonrpc/v3"
)

const (
	MethodCompleteTurn   = "tower_completeTurn"
	MethodTimeoutTurn    = "tower_timeoutTurn"
	MethodReportCollapse = "tower_reportCollapse"
	MethodVerifyPayment  = "tower_verifyPayment"
)

type Config struct {
	Endpoint string
	// APIKey, when set, is sent as a bearer token.
	APIKey  string
	Timeout time.Duration
}

// Client implements oracle.Backend.
type Client struct {
	rpc jsonrpc.RPCClient
}

func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("rpc: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.APIKey != "" {
		opts.CustomHeaders = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	return &Client{rpc: jsonrpc.NewClientWithOpts(cfg.Endpoint, opts)}, nil
}

// Error is a JSON-RPC error object. Its message carries the ledger's
// reason verbatim (e.g. "execution reverted") so callers can classify it.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params ...any) (*jsonrpc.RPCResponse, error) {
	resp, err := c.rpc.Call(ctx, method, params...)
	if resp != nil && resp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, &Error{Code: resp.Error.Code, Message: resp.Error.Message})
	}
	if err != nil {
		// The library's text embeds the endpoint and decoder output, which
		// would confuse message classification.
		var httpErr *jsonrpc.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("%s: http %d %s", method, httpErr.Code, http.StatusText(httpErr.Code))
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}

func (c *Client) CompleteTurn(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, MethodCompleteTurn, sessionID)
	return err
}

func (c *Client) TimeoutTurn(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, MethodTimeoutTurn, sessionID)
	return err
}

func (c *Client) ReportCollapse(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, MethodReportCollapse, sessionID)
	return err
}

func (c *Client) VerifyPayment(ctx context.Context, sessionID, player string, stake int64) (bool, error) {
	resp, err := c.call(ctx, MethodVerifyPayment, sessionID, player, stake)
	if err != nil {
		return false, err
	}
	ok, err := resp.GetBool()
	if err != nil {
		return false, fmt.Errorf("%s: decode result: %w", MethodVerifyPayment, err)
	}
	return ok, nil
}
