// Package assets talks to the external points-and-prize service. Debits and
// issuances are idempotent at the service by caller-supplied keys, which is
// what makes the executor's retry story safe.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fortuna/core/types"
)

// codeInsufficientBalance is the asset-service error code for a debit that
// exceeds the account balance.
const codeInsufficientBalance = -32021

// Client is a thin JSON-RPC wrapper over the asset service.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		url:   strings.TrimSpace(cfg.URL),
		token: strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// DebitResult carries the balance movement the service reports.
type DebitResult struct {
	BalanceBefore int64 `json:"balance_before"`
	BalanceAfter  int64 `json:"balance_after"`
}

// Balance returns the account's current point balance.
func (c *Client) Balance(ctx context.Context, account string) (int64, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(ctx, "asset_balance", []interface{}{map[string]interface{}{
		"account": account,
	}}, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// Debit charges the account. The idempotency key dedupes retries at the
// service, so re-running a failed draw with the same key never double
// charges. Insufficient balance maps to INSUFFICIENT_POINTS; everything else
// is ASSET_DEBIT_FAILED.
func (c *Client) Debit(ctx context.Context, account string, amount int64, idemKey string) (DebitResult, error) {
	var result DebitResult
	err := c.call(ctx, "asset_debit", []interface{}{map[string]interface{}{
		"account":  account,
		"amount":   amount,
		"idem_key": idemKey,
	}}, &result)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeInsufficientBalance {
			return DebitResult{}, types.WrapError(types.CodeInsufficientPoints, err,
				"account %s cannot cover %d points", account, amount)
		}
		return DebitResult{}, types.WrapError(types.CodeAssetDebitFailed, err,
			"debit %d points from %s", amount, account)
	}
	return result, nil
}

// Issue grants a prize item to the account, idempotent by key. The returned
// receipt is audit metadata only.
func (c *Client) Issue(ctx context.Context, account, itemRef, idemKey string) (string, error) {
	var result struct {
		Receipt string `json:"receipt"`
	}
	err := c.call(ctx, "asset_issue", []interface{}{map[string]interface{}{
		"account":  account,
		"item_ref": itemRef,
		"idem_key": idemKey,
	}}, &result)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Receipt), nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("assets: error %d %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("assets: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("assets: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("assets: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("assets: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
