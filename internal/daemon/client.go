// Package daemon is a JSON-RPC 2.0 client for a monerod instance, the
// coordinator's one external collaborator for template fetches, tip
// polling, and block submission.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// CircuitState represents the daemon RPC circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is tripped.
var ErrCircuitOpen = errors.New("daemon: circuit breaker is open")

// ClientConfig holds RPC client configuration.
type ClientConfig struct {
	RPCURL        string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration

	// Circuit breaker
	CBEnabled      bool
	CBThreshold    int
	CBResetTimeout time.Duration

	// Outbound call throttle, distinct from the coordinator's per-session
	// rate limiter: this bounds how hard the coordinator itself hammers
	// monerod (ticker refreshes plus concurrent submit calls).
	RPCRatePerSecond float64
	RPCBurst         int

	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults for a local monerod.
func DefaultClientConfig(rpcURL string) ClientConfig {
	return ClientConfig{
		RPCURL:           rpcURL,
		Timeout:          10 * time.Second,
		RetryAttempts:    2,
		RetryDelay:       250 * time.Millisecond,
		CBEnabled:        true,
		CBThreshold:      5,
		CBResetTimeout:   30 * time.Second,
		RPCRatePerSecond: 20,
		RPCBurst:         10,
		Logger:           slog.Default(),
	}
}

// Client is a JSON-RPC client for monerod's get_block_template, get_info,
// and submit_block methods.
type Client struct {
	url     string
	client  *http.Client
	reqID   atomic.Uint64
	logger  *slog.Logger
	limiter *rate.Limiter

	retryAttempts int
	retryDelay    time.Duration

	cbEnabled      bool
	cbState        CircuitState
	cbFailures     int
	cbSuccesses    int
	cbThreshold    int
	cbResetTimeout time.Duration
	cbLastChange   time.Time
	cbMu           sync.Mutex
}

// NewClient creates a client with default configuration for rpcURL.
func NewClient(rpcURL string) *Client {
	return NewClientWithConfig(DefaultClientConfig(rpcURL))
}

// NewClientWithConfig creates a client from explicit configuration.
func NewClientWithConfig(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:            cfg.RPCURL + "/json_rpc",
		logger:         cfg.Logger.With("component", "daemon_client"),
		limiter:        rate.NewLimiter(rate.Limit(cfg.RPCRatePerSecond), cfg.RPCBurst),
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
		cbEnabled:      cfg.CBEnabled,
		cbState:        CircuitClosed,
		cbThreshold:    cfg.CBThreshold,
		cbResetTimeout: cfg.CBResetTimeout,
		client:         &http.Client{Timeout: cfg.Timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("daemon rpc error %d: %s", e.Code, e.Message)
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

// call issues one JSON-RPC method, gated by the outbound rate limiter and
// the circuit breaker, retried with linear backoff on transient failure.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c.cbEnabled && !c.cbAllow() {
		return ErrCircuitOpen
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		err := c.doCall(ctx, method, params, result)
		if err == nil {
			c.cbRecordSuccess()
			return nil
		}

		lastErr = err
		c.logger.Warn("rpc call failed", "method", method, "attempt", attempt+1, "error", err)
	}

	c.cbRecordFailure()
	return lastErr
}

func (c *Client) doCall(ctx context.Context, method string, params any, result any) error {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      fmt.Sprintf("%d", c.reqID.Add(1)),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errors.New("daemon: response carries no result")
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) cbAllow() bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(c.cbLastChange) >= c.cbResetTimeout {
			c.cbState = CircuitHalfOpen
			c.logger.Info("circuit breaker half-open")
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

func (c *Client) cbRecordSuccess() {
	if !c.cbEnabled {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitHalfOpen:
		c.cbSuccesses++
		if c.cbSuccesses >= c.cbThreshold {
			c.cbState = CircuitClosed
			c.cbFailures = 0
			c.cbSuccesses = 0
			c.logger.Info("circuit breaker closed")
		}
	case CircuitClosed:
		c.cbFailures = 0
	}
}

func (c *Client) cbRecordFailure() {
	if !c.cbEnabled {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitHalfOpen:
		c.cbState = CircuitOpen
		c.cbLastChange = time.Now()
		c.logger.Warn("circuit breaker reopened (half-open probe failed)")
	case CircuitClosed:
		c.cbFailures++
		if c.cbFailures >= c.cbThreshold {
			c.cbState = CircuitOpen
			c.cbLastChange = time.Now()
			c.logger.Warn("circuit breaker opened", "failures", c.cbFailures)
		}
	}
}

// State returns the current circuit breaker state, for metrics export.
func (c *Client) State() CircuitState {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return c.cbState
}

// BlockTemplate is the result of get_block_template.
type BlockTemplate struct {
	BlockHashingBlob  string `json:"blockhashing_blob"`
	BlockTemplateBlob string `json:"blocktemplate_blob"`
	Difficulty        uint64 `json:"difficulty"`
	ExpectedReward    uint64 `json:"expected_reward"`
	Height            uint64 `json:"height"`
	PrevHash          string `json:"prev_hash"`
	ReservedOffset    int    `json:"reserved_offset"`
	SeedHash          string `json:"seed_hash"`
	Status            string `json:"status"`
}

// GetBlockTemplate requests a fresh block template reserving reserveSize
// bytes for the coordinator's per-session job data.
func (c *Client) GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*BlockTemplate, error) {
	params := map[string]any{
		"wallet_address": walletAddress,
		"reserve_size":   reserveSize,
	}

	var tmpl BlockTemplate
	if err := c.call(ctx, "get_block_template", params, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Info is the result of get_info.
type Info struct {
	Height       uint64 `json:"height"`
	TopBlockHash string `json:"top_block_hash"`
	Status       string `json:"status"`
}

// GetInfo polls the daemon's current chain tip.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.call(ctx, "get_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SubmitBlock submits a fully-solved block. The returned status string is
// the daemon's verbatim acknowledgement ("OK" on success).
func (c *Client) SubmitBlock(ctx context.Context, blockBlobHex string) (string, error) {
	var result struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "submit_block", []string{blockBlobHex}, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}
