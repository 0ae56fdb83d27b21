package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// jsonRPCError mirrors chainadapter's rpc.RPCError (_examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/rpc/client.go)
// shape for eth_sendBundle responses.
type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// rejectCodes are the JSON-RPC error codes spec.md §4.5 classifies as a terminal
// rejection rather than a transport failure worth retrying.
var rejectCodes = map[int]bool{-32000: true, -32602: true}

// HTTPClient is a long-lived, connection-reusing eth_sendBundle client for one
// builder, grounded on chainadapter.rpc.HTTPRPCClient's transport but narrowed to
// the single method and retry policy spec.md §4.5 requires.
type HTTPClient struct {
	name       string
	endpoint   string
	httpClient *http.Client
	requestID  atomic.Int64

	retries   int
	baseDelay time.Duration
}

// NewHTTPClient builds a client whose dialer gives up after connectTimeout and whose
// every HTTP attempt is bounded by totalTimeout. cmd/bundlerd passes 2s and 5s.
func NewHTTPClient(name, endpoint string, connectTimeout, totalTimeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &HTTPClient{
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   totalTimeout,
			Transport: transport,
		},
		retries:   3,
		baseDelay: 100 * time.Millisecond,
	}
}

func (c *HTTPClient) Name() string { return c.name }

// SendBundle issues one eth_sendBundle call per target block in order, per
// spec.md §4.5, stopping at the first accepted response.
func (c *HTTPClient) SendBundle(ctx context.Context, txs [][]byte, targetBlocks []uint64) Result {
	hexTxs := toHexTxs(txs)

	var last Result
	for _, block := range targetBlocks {
		params := []interface{}{map[string]interface{}{
			"txs":               hexTxs,
			"blockNumber":       blockHex(block),
			"revertingTxHashes": []string{},
		}}

		last = c.callWithRetry(ctx, "eth_sendBundle", params)
		if last.Outcome == OutcomeAccepted {
			return last
		}
	}
	return last
}

// callWithRetry retries transport errors only, per spec.md §4.5: exponential
// backoff, 3 attempts, base 100ms, jitter ±50%. JSON-RPC errors are classified
// immediately and never retried.
func (c *HTTPClient) callWithRetry(ctx context.Context, method string, params interface{}) Result {
	var lastErr error
	delay := c.baseDelay

	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay)
			select {
			case <-ctx.Done():
				return Result{Outcome: OutcomeError, Err: bundlerr.Wrap(bundlerr.RelayTransport, "context cancelled during backoff", ctx.Err())}
			case <-time.After(jittered):
			}
			delay *= 2
		}

		result, transportErr := c.call(ctx, method, params)
		if transportErr == nil {
			return result
		}
		lastErr = transportErr
	}

	return Result{Outcome: OutcomeError, Err: bundlerr.Wrap(bundlerr.RelayTransport, "relay transport failed after retries", lastErr)}
}

// call executes a single attempt. The bool-like split return (Result, error)
// distinguishes "got a JSON-RPC-classified outcome" from "transport-level failure
// worth retrying" — only the latter loops in callWithRetry.
func (c *HTTPClient) call(ctx context.Context, method string, params interface{}) (Result, error) {
	reqID := c.requestID.Add(1)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("relay returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: OutcomeError, ResponseData: respBody,
			Err: bundlerr.New(bundlerr.RelayRejected, fmt.Sprintf("relay returned HTTP %d", resp.StatusCode))}, nil
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return Result{}, fmt.Errorf("parse JSON-RPC response: %w", err)
	}

	if rpcResp.Error != nil {
		if rejectCodes[rpcResp.Error.Code] {
			return Result{Outcome: OutcomeRejected, ResponseData: respBody,
				Err: bundlerr.New(bundlerr.RelayRejected, rpcResp.Error.Message)}, nil
		}
		// Unclassified JSON-RPC error codes surface as a non-retried error
		// outcome rather than a transport retry, per §4.5: only transport
		// errors are retried.
		return Result{Outcome: OutcomeError, ResponseData: respBody,
			Err: bundlerr.New(bundlerr.RelayRejected, rpcResp.Error.Message)}, nil
	}

	return Result{Outcome: OutcomeAccepted, ResponseData: respBody}, nil
}

// applyJitter scales delay by a random factor in [0.5, 1.5), the ±50% jitter
// spec.md §4.5 requires.
func applyJitter(d time.Duration) time.Duration {
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}
