// Package relay implements the per-builder JSON-RPC client for eth_sendBundle:
// timeouts, transport-error retries, and outcome normalization. It plays the role
// chainadapter.rpc.HTTPRPCClient plays for chainadapter — a connection-reusing HTTP
// JSON-RPC client with an injectable health tracker — narrowed to the single method
// the pipeline needs.
package relay

import (
	"context"
	"encoding/hex"
	"math/big"
)

// Outcome is the normalized per-relay result of one send_bundle call.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Result is what the Dispatcher records per (bundle, builder) attempt.
type Result struct {
	Outcome      Outcome
	ResponseData []byte // opaque, relay-native JSON
	Err          error
}

// Client is a single builder's eth_sendBundle endpoint.
type Client interface {
	// SendBundle issues one eth_sendBundle call per target block, in order,
	// stopping after the first accepted response (spec.md §4.5). txs is
	// [tx1_raw, tx2_raw_for_this_builder].
	SendBundle(ctx context.Context, txs [][]byte, targetBlocks []uint64) Result
	// Name identifies the builder for ledger bookkeeping and metrics.
	Name() string
}

func toHexTxs(txs [][]byte) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = "0x" + hex.EncodeToString(tx)
	}
	return out
}

func blockHex(n uint64) string {
	return "0x" + new(big.Int).SetUint64(n).Text(16)
}
