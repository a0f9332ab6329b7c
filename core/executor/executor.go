// Copyright 2025 The sonic-4337-bundler Authors
// This file is part of the sonic-4337-bundler library.
//
// The sonic-4337-bundler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sonic-4337-bundler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sonic-4337-bundler library. If not, see <http://www.gnu.org/licenses/>.

// Package executor assembles and submits bundles. A ticker drives one tick
// per interval; each tick settles stale submissions, selects the
// best-paying pending operations, submits them as one handleOps transaction
// and reconciles the receipt. Ticks never overlap: a tick arriving while
// one is running is dropped, not queued.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/pushpak0601/sonic-4337-bundler/chain"
	"github.com/pushpak0601/sonic-4337-bundler/config"
	"github.com/pushpak0601/sonic-4337-bundler/core/mempool"
	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
	"github.com/pushpak0601/sonic-4337-bundler/store"
)

// ErrBusy is returned by Tick when a previous tick is still running.
var ErrBusy = errors.New("executor busy")

var (
	tickTimer      = metrics.NewRegisteredTimer("executor/tick", nil)
	busyMeter      = metrics.NewRegisteredMeter("executor/busy", nil)
	bundledMeter   = metrics.NewRegisteredMeter("executor/bundled", nil)
	confirmedMeter = metrics.NewRegisteredMeter("executor/confirmed", nil)
	revertedMeter  = metrics.NewRegisteredMeter("executor/reverted", nil)
	timeoutMeter   = metrics.NewRegisteredMeter("executor/receipt/timeouts", nil)
)

// Chain is the slice of the chain service the executor drives.
type Chain interface {
	UserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error)
	CurrentFees(ctx context.Context) (*chain.Fees, error)
	EstimateHandleOpsGas(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address) (uint64, error)
	SubmitBundle(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address, gasLimit uint64, fees *chain.Fees) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Pool is the slice of the mempool the executor drives.
type Pool interface {
	Pending() []*mempool.Entry
	Stalled(cutoff time.Time) []common.Hash
	MarkSubmitted(ctx context.Context, hash, txHash common.Hash) error
	MarkConfirmed(ctx context.Context, hash common.Hash, gasUsed uint64, gasCost *big.Int, blockNumber uint64) error
	MarkFailed(ctx context.Context, hash common.Hash, reason string) error
	Requeue(ctx context.Context, hash common.Hash) error
}

// BundleStore is the slice of the store the executor writes bundles to.
type BundleStore interface {
	SaveBundle(ctx context.Context, rec *store.BundleRecord) error
	UpdateBundleStatus(ctx context.Context, hash common.Hash, status store.Status, upd *store.BundleUpdate) error
}

// TickReport summarizes one completed tick for logs and tests.
type TickReport struct {
	Requeued  int
	Failed    int
	Selected  int
	Submitted bool

	BundleHash common.Hash
	TxHash     common.Hash
	Confirmed  bool
	Reverted   bool
	TimedOut   bool
}

// Executor drives the periodic bundling loop over one chain connection, one
// mempool and one store. Start spawns the loop; Tick can also be called
// directly and is safe against the loop through the same single-flight
// flag.
type Executor struct {
	chain       Chain
	pool        Pool
	store       BundleStore
	beneficiary common.Address

	interval       time.Duration
	maxBundleSize  int
	feeMultiplier  float64
	receiptTimeout time.Duration
	graceIntervals int
	timeoutPolicy  config.TimeoutPolicy

	executing atomic.Bool
	quit      chan struct{}
	done      sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	log log.Logger
}

// New wires an executor from the finalized configuration.
func New(cfg *config.Config, ch Chain, pool Pool, st BundleStore) *Executor {
	return &Executor{
		chain:          ch,
		pool:           pool,
		store:          st,
		beneficiary:    cfg.BeneficiaryAddress(),
		interval:       time.Duration(cfg.BundleInterval),
		maxBundleSize:  cfg.MaxBundleSize,
		feeMultiplier:  cfg.MaxFeeMultiplier,
		receiptTimeout: time.Duration(cfg.ReceiptTimeout),
		graceIntervals: cfg.ReceiptGraceIntervals,
		timeoutPolicy:  cfg.ReceiptTimeoutPolicy,
		quit:           make(chan struct{}),
		log:            log.New("component", "executor"),
	}
}

// Start launches the ticker loop. Safe to call once; subsequent calls are
// no-ops.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		e.done.Add(1)
		go e.loop()
		e.log.Info("Bundle executor started", "interval", e.interval, "maxbundlesize", e.maxBundleSize)
	})
}

// Stop halts the ticker and waits for an in-flight tick to finish.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
	e.done.Wait()
	e.log.Info("Bundle executor stopped")
}

func (e *Executor) loop() {
	defer e.done.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.Tick(context.Background()); err != nil && !errors.Is(err, ErrBusy) {
				e.log.Error("Bundle tick failed", "err", err)
			}
		case <-e.quit:
			return
		}
	}
}

// Tick runs one bundling round. It returns ErrBusy when another tick holds
// the single-flight flag. Errors before submission leave the mempool
// untouched; errors after submission leave the members in the submitted
// state for the grace policy to settle.
func (e *Executor) Tick(ctx context.Context) (*TickReport, error) {
	if !e.executing.CompareAndSwap(false, true) {
		busyMeter.Mark(1)
		return nil, ErrBusy
	}
	defer e.executing.Store(false)
	defer tickTimer.UpdateSince(time.Now())

	report := &TickReport{}
	e.settleStalled(ctx, report)

	ops, hashes := e.selectOps(ctx)
	report.Selected = len(ops)
	if len(ops) == 0 {
		return report, nil
	}

	bundleHash := crypto.Keccak256Hash(concatHashes(hashes))
	report.BundleHash = bundleHash

	estimate, err := e.chain.EstimateHandleOpsGas(ctx, ops, e.beneficiary)
	if err != nil {
		return report, fmt.Errorf("estimate bundle gas: %w", err)
	}
	gasLimit := estimate * 12 / 10

	fees, err := e.chain.CurrentFees(ctx)
	if err != nil {
		return report, fmt.Errorf("sample fees: %w", err)
	}
	fees = scaleFees(fees, e.feeMultiplier)

	txHash, err := e.chain.SubmitBundle(ctx, ops, e.beneficiary, gasLimit, fees)
	if err != nil {
		return report, fmt.Errorf("submit bundle: %w", err)
	}
	report.Submitted = true
	report.TxHash = txHash
	bundledMeter.Mark(int64(len(ops)))

	// Submission is on chain; record keeping failures from here on are
	// logged but the tick continues so the receipt still gets reconciled.
	now := time.Now().UTC()
	if err := e.store.SaveBundle(ctx, &store.BundleRecord{
		BundleHash:   bundleHash,
		TxHash:       txHash,
		UserOpCount:  len(ops),
		Status:       store.StatusSubmitted,
		CreatedAt:    now,
		SubmittedAt:  &now,
		UserOpHashes: hashes,
	}); err != nil {
		e.log.Error("Failed to persist bundle record", "bundle", bundleHash, "err", err)
	}
	for _, h := range hashes {
		if err := e.pool.MarkSubmitted(ctx, h, txHash); err != nil {
			e.log.Error("Failed to mark user operation submitted", "hash", h, "err", err)
		}
	}

	e.reconcile(ctx, bundleHash, txHash, hashes, report)
	return report, nil
}

// settleStalled applies the receipt-timeout policy to operations submitted
// more than graceIntervals ticks ago.
func (e *Executor) settleStalled(ctx context.Context, report *TickReport) {
	cutoff := time.Now().UTC().Add(-time.Duration(e.graceIntervals) * e.interval)
	for _, h := range e.pool.Stalled(cutoff) {
		timeoutMeter.Mark(1)
		switch e.timeoutPolicy {
		case config.PolicyFail:
			if err := e.pool.MarkFailed(ctx, h, "receipt-timeout"); err != nil {
				e.log.Error("Failed to fail stalled operation", "hash", h, "err", err)
				continue
			}
			report.Failed++
			e.log.Warn("Stalled user operation failed", "hash", h)
		default:
			if err := e.pool.Requeue(ctx, h); err != nil {
				e.log.Error("Failed to requeue stalled operation", "hash", h, "err", err)
				continue
			}
			report.Requeued++
			e.log.Warn("Stalled user operation requeued", "hash", h)
		}
	}
}

// selectOps snapshots the pending set, orders it by maxFeePerGas descending
// with insertion order breaking ties, caps it at maxBundleSize and
// recomputes every member's hash. An operation whose hash cannot be
// recomputed is dropped from this bundle only.
func (e *Executor) selectOps(ctx context.Context) ([]*userop.UserOperation, []common.Hash) {
	entries := e.pool.Pending()
	sort.SliceStable(entries, func(i, j int) bool {
		return feeOf(entries[i]).Cmp(feeOf(entries[j])) > 0
	})
	if len(entries) > e.maxBundleSize {
		entries = entries[:e.maxBundleSize]
	}

	ops := make([]*userop.UserOperation, 0, len(entries))
	hashes := make([]common.Hash, 0, len(entries))
	for _, entry := range entries {
		op := entry.Op
		hash, err := e.chain.UserOpHash(ctx, &op)
		if err != nil {
			e.log.Warn("Dropping operation from bundle", "hash", entry.Hash, "err", err)
			continue
		}
		ops = append(ops, &op)
		hashes = append(hashes, hash)
	}
	return ops, hashes
}

// reconcile waits for the bundle receipt and settles every member. A nil
// receipt means the wait timed out; the members stay submitted and the
// grace policy picks them up on a later tick.
func (e *Executor) reconcile(ctx context.Context, bundleHash, txHash common.Hash, hashes []common.Hash, report *TickReport) {
	receipt, err := e.chain.WaitForReceipt(ctx, txHash, e.receiptTimeout)
	if err != nil {
		e.log.Error("Receipt wait failed", "tx", txHash, "err", err)
		return
	}
	if receipt == nil {
		report.TimedOut = true
		e.log.Warn("Bundle receipt timed out", "bundle", bundleHash, "tx", txHash)
		return
	}

	// Pre-1559 nodes omit effectiveGasPrice and ethclient leaves the field
	// nil; attribute zero cost rather than guessing a price.
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = new(big.Int)
	}
	totalCost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		report.Confirmed = true
		confirmedMeter.Mark(int64(len(hashes)))
		if err := e.store.UpdateBundleStatus(ctx, bundleHash, store.StatusConfirmed, &store.BundleUpdate{
			TotalGasUsed: receipt.GasUsed,
			TotalGasCost: totalCost,
			BlockNumber:  blockNumber,
		}); err != nil {
			e.log.Error("Failed to confirm bundle record", "bundle", bundleHash, "err", err)
		}
		// The receipt only carries bundle totals; attribute an even share
		// to each member.
		n := int64(len(hashes))
		gasShare := receipt.GasUsed / uint64(n)
		costShare := new(big.Int).Div(totalCost, big.NewInt(n))
		for _, h := range hashes {
			if err := e.pool.MarkConfirmed(ctx, h, gasShare, costShare, blockNumber); err != nil {
				e.log.Error("Failed to confirm user operation", "hash", h, "err", err)
			}
		}
		e.log.Info("Bundle confirmed", "bundle", bundleHash, "tx", txHash, "ops", len(hashes), "block", blockNumber, "gasused", receipt.GasUsed)
		return
	}

	report.Reverted = true
	revertedMeter.Mark(int64(len(hashes)))
	if err := e.store.UpdateBundleStatus(ctx, bundleHash, store.StatusFailed, &store.BundleUpdate{
		BlockNumber: blockNumber,
	}); err != nil {
		e.log.Error("Failed to fail bundle record", "bundle", bundleHash, "err", err)
	}
	for _, h := range hashes {
		if err := e.pool.MarkFailed(ctx, h, "transaction-reverted"); err != nil {
			e.log.Error("Failed to fail user operation", "hash", h, "err", err)
		}
	}
	e.log.Warn("Bundle reverted", "bundle", bundleHash, "tx", txHash, "ops", len(hashes), "block", blockNumber)
}

// feeOf parses the entry's maxFeePerGas; garbage sorts to the back.
func feeOf(e *mempool.Entry) *big.Int {
	fee, err := userop.HexToBig(e.Op.MaxFeePerGas)
	if err != nil {
		return new(big.Int).Neg(big.NewInt(1))
	}
	return fee
}

func concatHashes(hashes []common.Hash) []byte {
	buf := make([]byte, 0, len(hashes)*common.HashLength)
	for _, h := range hashes {
		buf = append(buf, h.Bytes()...)
	}
	return buf
}

// scaleFees multiplies maxFeePerGas by the configured headroom multiplier.
// The tip is left alone; headroom belongs to the cap, not the bribe.
func scaleFees(fees *chain.Fees, multiplier float64) *chain.Fees {
	scaled := &chain.Fees{
		MaxPriorityFeePerGas: new(big.Int).Set(fees.MaxPriorityFeePerGas),
		MaxFeePerGas:         new(big.Int).Set(fees.MaxFeePerGas),
	}
	if fees.BaseFee != nil {
		scaled.BaseFee = new(big.Int).Set(fees.BaseFee)
	}
	if multiplier > 1 {
		// Scale in integer math: multiplier expressed in thousandths.
		m := big.NewInt(int64(multiplier * 1000))
		scaled.MaxFeePerGas.Mul(scaled.MaxFeePerGas, m)
		scaled.MaxFeePerGas.Div(scaled.MaxFeePerGas, big.NewInt(1000))
	}
	return scaled
}
