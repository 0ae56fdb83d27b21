package oracle

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// EthClientOracle implements ChainOracle against a single `rpc.eth_url` endpoint
// using go-ethereum's ethclient, the way NewEthereumAdapter wraps an RPCClient for a
// single blockchain-specific adapter (_examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/ethereum/adapter.go). Builder
// relay endpoints are a separate capability (pkg/bundler/relay); this oracle only
// ever talks to the canonical execution client.
type EthClientOracle struct {
	client  *ethclient.Client
	chainID *big.Int
}

// Dial connects to the configured `rpc.eth_url` and caches the chain id.
func Dial(ctx context.Context, url string) (*EthClientOracle, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.Internal, "failed to dial eth rpc endpoint", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.Internal, "failed to fetch chain id from eth rpc endpoint", err)
	}
	return &EthClientOracle{client: client, chainID: chainID}, nil
}

func (o *EthClientOracle) ChainID(ctx context.Context) (*big.Int, error) {
	return o.chainID, nil
}

func (o *EthClientOracle) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := o.client.BlockNumber(ctx)
	if err != nil {
		return 0, bundlerr.Wrap(bundlerr.Internal, "eth_blockNumber failed", err)
	}
	return n, nil
}

func (o *EthClientOracle) BaseFee(ctx context.Context) (*big.Int, error) {
	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.Internal, "eth_getBlockByNumber(latest) failed", err)
	}
	if header.BaseFee == nil {
		return nil, bundlerr.New(bundlerr.Internal, "latest block has no base fee (pre-London)")
	}
	return header.BaseFee, nil
}

func (o *EthClientOracle) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := o.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err.Error() == "not found" {
			return nil, nil
		}
		return nil, bundlerr.Wrap(bundlerr.Internal, "eth_getTransactionReceipt failed", err)
	}
	return &Receipt{
		TxHash:      hash,
		BlockHash:   receipt.BlockHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}
