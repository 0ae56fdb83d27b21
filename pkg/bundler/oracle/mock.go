package oracle

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Mock is an in-memory ChainOracle for tests, following the teacher's
// MockRPCClient pattern (_examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/rpc/mock_client.go): canned responses
// keyed by call, with a mutex guarding concurrent access from the Tracker and the
// Pipeline Controller in the same test.
type Mock struct {
	mu          sync.RWMutex
	chainID     *big.Int
	blockNumber uint64
	baseFee     *big.Int
	receipts    map[common.Hash]*Receipt
	err         error
}

// NewMock creates a mock oracle seeded with the given chain id, block number, and
// base fee. Receipts are registered individually via SetReceipt.
func NewMock(chainID *big.Int, blockNumber uint64, baseFee *big.Int) *Mock {
	return &Mock{
		chainID:     chainID,
		blockNumber: blockNumber,
		baseFee:     baseFee,
		receipts:    make(map[common.Hash]*Receipt),
	}
}

func (m *Mock) SetBlockNumber(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockNumber = n
}

func (m *Mock) SetReceipt(hash common.Hash, r *Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[hash] = r
}

func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Mock) ChainID(ctx context.Context) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.chainID, nil
}

func (m *Mock) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.blockNumber, nil
}

func (m *Mock) BaseFee(ctx context.Context) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.baseFee, nil
}

func (m *Mock) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.receipts[hash], nil
}
