// Package pipeline implements the Pipeline Controller of spec.md §4.1: the
// top-level orchestrator exposed to the ingress boundary. It drives stages 1-7
// synchronously through dispatch and hands lifecycle tracking off to the
// background Tracker. It is the composition root for every other package in
// pkg/bundler — the same role cmd/arcsign's dashboard mode plays for the teacher's
// adapters, just wired for one domain instead of selected per invocation.
package pipeline

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/priofree/bundler/pkg/bundler"
	"github.com/priofree/bundler/pkg/bundler/bundlerr"
	"github.com/priofree/bundler/pkg/bundler/dispatch"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/oracle"
	"github.com/priofree/bundler/pkg/bundler/payment"
	"github.com/priofree/bundler/pkg/bundler/simulator"
)

// Params is the operator configuration in effect for one submit call, captured as
// a snapshot so a concurrent config reload cannot change an in-flight bundle's caps
// or formula (spec.md §6's ConfigSnapshotID).
type Params struct {
	SnapshotID string

	ChainID *big.Int
	MinGas  uint64
	MaxGas  uint64

	Formula payment.Formula
	K1      *big.Int
	K2      *big.Int
	Tip     *big.Int

	OperatorMaxWei *big.Int
	PerBundleCap   *big.Int
	DailyCapWei    *big.Int

	BlocksAhead uint64
	BlockTime   time.Duration

	Builders []dispatch.Builder
}

// SubmitRequest is the ingress boundary's decoded input to Pipeline Controller.submit.
type SubmitRequest struct {
	Tx1Raw      []byte
	MaxAmount   *big.Int // caller's maxAmountWei, nil if unset
	ExplicitExp *time.Time
}

// Controller is the Pipeline Controller. Config is read once per submit call via
// configSrc so caps and formula can change between calls without a restart; the
// killswitch is a separate flag set through SetKillswitch.
type Controller struct {
	led       ledger.Ledger
	oc        oracle.ChainOracle
	sim       simulator.Simulator
	signer    *payment.Signer
	dispatch  *dispatch.Dispatcher
	killed    atomic.Bool
	configSrc func() Params
}

// New builds a Controller. maxInflightPerBuilder and maxQueue are the Dispatcher's
// spec.md §5 Backpressure bound; they are fixed for the Dispatcher's lifetime,
// unlike the rest of Params which configSrc may change on every call.
func New(led ledger.Ledger, oc oracle.ChainOracle, sim simulator.Simulator, signer *payment.Signer, maxInflightPerBuilder, maxQueue int, configSrc func() Params) *Controller {
	return &Controller{
		led:       led,
		oc:        oc,
		sim:       sim,
		signer:    signer,
		dispatch:  dispatch.New(signer, led, maxInflightPerBuilder, maxQueue),
		configSrc: configSrc,
	}
}

// SetKillswitch toggles the operator's emergency stop (spec.md §4.1). While set,
// Submit fails immediately with ServiceDisabled before stage 1.
func (c *Controller) SetKillswitch(on bool) { c.killed.Store(on) }

// Submit runs stages 1-7 of spec.md §4.1 synchronously and returns the new
// bundle's id. Lifecycle past dispatch is advanced asynchronously by the Tracker.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (bundler.BundleID, error) {
	if c.killed.Load() {
		return "", bundlerr.New(bundlerr.ServiceDisabled, "submission is currently disabled")
	}

	params := c.configSrc()

	// Stage 1: decode & validate tx1.
	decoded, err := bundler.DecodeTx1(req.Tx1Raw, params.ChainID, params.MinGas, params.MaxGas)
	if err != nil {
		return "", err
	}

	// Stage 2: acquire chain context.
	latestBlock, err := c.oc.BlockNumber(ctx)
	if err != nil {
		return "", bundlerr.Wrap(bundlerr.Internal, "failed to fetch latest block", err)
	}
	baseFee, err := c.oc.BaseFee(ctx)
	if err != nil {
		return "", bundlerr.Wrap(bundlerr.Internal, "failed to fetch base fee", err)
	}

	// Stage 3: simulate.
	simResult, err := c.sim.Simulate(ctx, decoded.Tx)
	if err != nil {
		return "", bundlerr.Wrap(bundlerr.Internal, "simulation failed", err)
	}
	if !simResult.Success {
		return "", bundlerr.New(bundlerr.SimulationReverted, simResult.RevertReason)
	}

	// Stage 4: compute payment.
	amount, err := payment.Compute(payment.Params{
		Formula: params.Formula,
		K1:      params.K1,
		K2:      params.K2,
		Tip:     params.Tip,
		GasUsed: simResult.GasUsed,
		BaseFee: baseFee,
	}, payment.Caps{
		CallerMaxWei:   req.MaxAmount,
		OperatorMaxWei: params.OperatorMaxWei,
		PerBundleCap:   params.PerBundleCap,
	})
	if err != nil {
		return "", err
	}

	targetBlocks := computeTargetBlocks(latestBlock, params.BlocksAhead)
	expiresAt := computeExpiry(req.ExplicitExp, params.BlocksAhead, params.BlockTime)

	b := &bundler.Bundle{
		ID:               bundler.NewBundleID(),
		Tx1Raw:           decoded.Raw,
		Tx1Hash:          decoded.Hash,
		State:            bundler.StateQueued,
		PaymentAmountWei: amount,
		TargetBlocks:     targetBlocks,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
		ExpiresAt:        expiresAt,
		ConfigSnapshotID: params.SnapshotID,
	}

	// Stage 5: reserve spend atomically.
	if err := c.led.ReserveAndInsert(ctx, b, params.DailyCapWei); err != nil {
		return "", err
	}

	// Stage 6 & 7: forge per-builder tx2 and dispatch concurrently.
	accepted, err := c.dispatch.Dispatch(ctx, b, params.Builders, func(addr common.Address) payment.ForgeRequest {
		return payment.ForgeRequest{
			PaymentAddress: addr,
			AmountWei:      amount,
			ChainID:        params.ChainID,
			BaseFee:        baseFee,
			Tip:            params.Tip,
		}
	})
	if err != nil {
		if bundlerr.KindOf(err) != bundlerr.Internal {
			// already classified (e.g. Overloaded from the Dispatcher's backpressure
			// bound) — propagate as-is so the ingress layer maps the real status code.
			return "", err
		}
		return "", bundlerr.Wrap(bundlerr.Internal, "dispatch failed", err)
	}

	if accepted {
		if err := c.led.Transition(ctx, b.ID, bundler.StateQueued, bundler.StateSent, ledger.Patch{}); err != nil {
			return "", err
		}
	} else {
		if err := c.led.RefundAndTransition(ctx, b.ID, bundler.StateQueued, amount); err != nil {
			return "", err
		}
	}

	return b.ID, nil
}

// Status returns a point-in-time projection of a bundle (Pipeline Controller.status).
func (c *Controller) Status(ctx context.Context, id bundler.BundleID) (*bundler.View, error) {
	return c.led.Get(ctx, id)
}

func computeTargetBlocks(latest uint64, blocksAhead uint64) []uint64 {
	if blocksAhead == 0 {
		blocksAhead = 1
	}
	blocks := make([]uint64, 0, blocksAhead)
	for i := uint64(1); i <= blocksAhead; i++ {
		blocks = append(blocks, latest+i)
	}
	return blocks
}

func computeExpiry(explicit *time.Time, blocksAhead uint64, blockTime time.Duration) time.Time {
	if blockTime == 0 {
		blockTime = 12 * time.Second
	}
	if blocksAhead == 0 {
		blocksAhead = 1
	}
	fromWindow := time.Now().UTC().Add(time.Duration(blocksAhead) * blockTime)
	if explicit != nil && explicit.Before(fromWindow) {
		return *explicit
	}
	return fromWindow
}
