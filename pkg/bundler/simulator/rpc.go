package simulator

import (
	"context"
	"math/big"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// callMsg mirrors the eth_call/eth_estimateGas parameter object. go-ethereum's own
// ethereum.CallMsg is aimed at ethclient.CallContract; we build the JSON object
// directly here since debug_traceCall is not wrapped by ethclient.
type callMsg struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      string          `json:"gas,omitempty"`
	GasPrice string          `json:"gasPrice,omitempty"`
	Value    string          `json:"value,omitempty"`
	Data     string          `json:"data,omitempty"`
}

type traceCallResult struct {
	Gas         uint64 `json:"gas"`
	Failed      bool   `json:"failed"`
	ReturnValue string `json:"returnValue"`
}

// Rpc delegates simulation to a node's debug_traceCall, falling back to
// eth_estimateGas + eth_call when the tracing API is unavailable (many public RPC
// providers disable debug_* for non-archive nodes).
type Rpc struct {
	client *gethrpc.Client
}

// NewRpc wraps an already-dialed JSON-RPC client.
func NewRpc(client *gethrpc.Client) *Rpc {
	return &Rpc{client: client}
}

func (r *Rpc) Simulate(ctx context.Context, tx *types.Transaction) (*Result, error) {
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.Internal, "could not recover sender for simulation", err)
	}

	msg := callMsg{
		From:  from,
		To:    tx.To(),
		Gas:   hexUint64(tx.Gas()),
		Value: hexBigInt(tx.Value()),
		Data:  hexBytes(tx.Data()),
	}

	var traced traceCallResult
	err = r.client.CallContext(ctx, &traced, "debug_traceCall", msg, "latest", map[string]bool{})
	if err == nil {
		return &Result{
			GasUsed:      traced.Gas,
			Success:      !traced.Failed,
			RevertReason: decodeRevertReason(traced.Failed, traced.ReturnValue),
		}, nil
	}

	// Tracing unavailable: fall back to eth_estimateGas + eth_call.
	var gasHex string
	if gasErr := r.client.CallContext(ctx, &gasHex, "eth_estimateGas", msg); gasErr != nil {
		return nil, bundlerr.Wrap(bundlerr.SimulationReverted, "eth_estimateGas failed", gasErr)
	}

	var callResult string
	callErr := r.client.CallContext(ctx, &callResult, "eth_call", msg, "latest")
	if callErr != nil {
		return &Result{GasUsed: parseHexUint64(gasHex), Success: false, RevertReason: callErr.Error()}, nil
	}

	return &Result{GasUsed: parseHexUint64(gasHex), Success: true}, nil
}

func decodeRevertReason(failed bool, returnValue string) string {
	if !failed {
		return ""
	}
	return returnValue
}

func hexUint64(v uint64) string {
	return "0x" + big.NewInt(0).SetUint64(v).Text(16)
}

func hexBigInt(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

func hexBytes(v []byte) string {
	if len(v) == 0 {
		return "0x"
	}
	return "0x" + common.Bytes2Hex(v)
}

func parseHexUint64(s string) uint64 {
	v := new(big.Int)
	v.SetString(trimHexPrefix(s), 16)
	return v.Uint64()
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
