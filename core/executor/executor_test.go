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

package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpak0601/sonic-4337-bundler/chain"
	"github.com/pushpak0601/sonic-4337-bundler/config"
	"github.com/pushpak0601/sonic-4337-bundler/core/mempool"
	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
	"github.com/pushpak0601/sonic-4337-bundler/store"
)

// fakeChain hashes operations locally and scripts submission and receipt
// behavior.
type fakeChain struct {
	mu        sync.Mutex
	submitted [][]*userop.UserOperation

	estimateErr error
	submitErr   error
	receipt     *types.Receipt
	receiptErr  error

	// submitGate, when set, blocks SubmitBundle until released. Used to
	// hold a tick open.
	submitGate chan struct{}
}

func (f *fakeChain) UserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	return op.Digest(), nil
}

func (f *fakeChain) CurrentFees(ctx context.Context) (*chain.Fees, error) {
	return &chain.Fees{
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		BaseFee:              big.NewInt(500_000_000),
	}, nil
}

func (f *fakeChain) EstimateHandleOpsGas(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address) (uint64, error) {
	return 300_000, f.estimateErr
}

func (f *fakeChain) SubmitBundle(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address, gasLimit uint64, fees *chain.Fees) (common.Hash, error) {
	if f.submitGate != nil {
		<-f.submitGate
	}
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, ops)
	f.mu.Unlock()
	return common.Hash{0x77}, nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeChain) lastBundle() []*userop.UserOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		RPCURL:         "http://localhost:8545",
		EntryPoint:     "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789",
		PrivateKey:     "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		ChainID:        64165,
		BundleInterval: config.Duration(time.Millisecond),
	}
	require.NoError(t, cfg.Finalize())
	return cfg
}

func goodReceipt() *types.Receipt {
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           21000,
		BlockNumber:       big.NewInt(16),
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}
}

func feeOp(sender, nonce, maxFee string) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:       sender,
		Nonce:        nonce,
		CallData:     "0x",
		MaxFeePerGas: maxFee,
		Signature:    "0x01",
	}
}

func addOp(t *testing.T, pool *mempool.Pool, op *userop.UserOperation) common.Hash {
	t.Helper()
	h := op.Digest()
	require.NoError(t, pool.Add(context.Background(), op, h))
	return h
}

func TestTickHappyPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	ch := &fakeChain{receipt: goodReceipt()}
	exec := New(testConfig(t), ch, pool, st)

	h := addOp(t, pool, feeOp("0xaa", "0x0", "0x3b9aca00"))
	report, err := exec.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Submitted)
	assert.True(t, report.Confirmed)

	assert.Equal(t, 0, pool.PendingCount())
	assert.Empty(t, pool.All())

	rec, err := st.GetUserOpByHash(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, rec.Status)
	assert.Equal(t, uint64(21000), rec.GasUsed)
	assert.Equal(t, uint64(16), rec.BlockNumber)

	bundles, err := st.ListBundles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, store.StatusConfirmed, bundles[0].Status)
	assert.Equal(t, uint64(21000), bundles[0].TotalGasUsed)
	assert.Equal(t, []common.Hash{h}, bundles[0].UserOpHashes)
}

func TestTickReceiptWithoutEffectiveGasPrice(t *testing.T) {
	// Pre-1559 nodes omit effectiveGasPrice; ethclient leaves the field
	// nil. Reconciliation must still confirm, attributing zero cost.
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	receipt := goodReceipt()
	receipt.EffectiveGasPrice = nil
	exec := New(testConfig(t), &fakeChain{receipt: receipt}, pool, st)

	h := addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))

	var report *TickReport
	require.NotPanics(t, func() {
		var err error
		report, err = exec.Tick(ctx)
		require.NoError(t, err)
	})
	assert.True(t, report.Confirmed)

	rec, err := st.GetUserOpByHash(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, rec.Status)
	assert.Equal(t, uint64(21000), rec.GasUsed)
	assert.Zero(t, rec.GasCost.Sign())
}

func TestTickOrdersByFeeDescending(t *testing.T) {
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	ch := &fakeChain{receipt: goodReceipt()}
	exec := New(testConfig(t), ch, pool, st)

	addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))
	addOp(t, pool, feeOp("0xbb", "0x0", "0x30"))
	addOp(t, pool, feeOp("0xcc", "0x0", "0x20"))

	_, err := exec.Tick(context.Background())
	require.NoError(t, err)

	bundle := ch.lastBundle()
	require.Len(t, bundle, 3)
	assert.Equal(t, "0x30", bundle[0].MaxFeePerGas)
	assert.Equal(t, "0x20", bundle[1].MaxFeePerGas)
	assert.Equal(t, "0x10", bundle[2].MaxFeePerGas)
}

func TestTickEqualFeesKeepInsertionOrder(t *testing.T) {
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	ch := &fakeChain{receipt: goodReceipt()}
	exec := New(testConfig(t), ch, pool, st)

	first := addOp(t, pool, feeOp("0xaa", "0x0", "0x20"))
	second := addOp(t, pool, feeOp("0xbb", "0x0", "0x20"))

	_, err := exec.Tick(context.Background())
	require.NoError(t, err)

	bundle := ch.lastBundle()
	require.Len(t, bundle, 2)
	assert.Equal(t, first, bundle[0].Digest())
	assert.Equal(t, second, bundle[1].Digest())
}

func TestTickRespectsMaxBundleSize(t *testing.T) {
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	ch := &fakeChain{receipt: goodReceipt()}
	cfg := testConfig(t)
	cfg.MaxBundleSize = 2
	exec := New(cfg, ch, pool, st)

	addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))
	addOp(t, pool, feeOp("0xbb", "0x0", "0x30"))
	addOp(t, pool, feeOp("0xcc", "0x0", "0x20"))

	report, err := exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Selected)

	bundle := ch.lastBundle()
	require.Len(t, bundle, 2)
	assert.Equal(t, "0x30", bundle[0].MaxFeePerGas)
	assert.Equal(t, "0x20", bundle[1].MaxFeePerGas)
}

func TestTickEmptyMempool(t *testing.T) {
	st := store.NewMemoryStore()
	exec := New(testConfig(t), &fakeChain{}, mempool.New(st), st)

	report, err := exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
	assert.False(t, report.Submitted)
}

func TestTickRevertedBundle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	receipt := goodReceipt()
	receipt.Status = types.ReceiptStatusFailed
	exec := New(testConfig(t), &fakeChain{receipt: receipt}, pool, st)

	h := addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))
	report, err := exec.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Reverted)

	rec, _ := st.GetUserOpByHash(ctx, h)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "transaction-reverted", rec.ErrorMessage)
	assert.Empty(t, pool.All())

	bundles, _ := st.ListBundles(ctx, 0)
	require.Len(t, bundles, 1)
	assert.Equal(t, store.StatusFailed, bundles[0].Status)
}

func TestTickReceiptTimeoutLeavesSubmitted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	exec := New(testConfig(t), &fakeChain{receipt: nil}, pool, st)

	h := addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))
	report, err := exec.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.TimedOut)

	rec, _ := st.GetUserOpByHash(ctx, h)
	assert.Equal(t, store.StatusSubmitted, rec.Status)

	// Still pooled but not selectable; the next tick must not resubmit.
	assert.Len(t, pool.All(), 1)
	assert.Equal(t, 0, pool.PendingCount())
}

func TestTickFailureBeforeSubmissionLeavesMempool(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	exec := New(testConfig(t), &fakeChain{estimateErr: errors.New("node down")}, pool, st)

	h := addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))
	_, err := exec.Tick(ctx)
	require.Error(t, err)

	assert.Equal(t, 1, pool.PendingCount())
	rec, _ := st.GetUserOpByHash(ctx, h)
	assert.Equal(t, store.StatusPending, rec.Status)
}

func TestTickSingleFlight(t *testing.T) {
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	gate := make(chan struct{})
	ch := &fakeChain{receipt: goodReceipt(), submitGate: gate}
	exec := New(testConfig(t), ch, pool, st)

	addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := exec.Tick(context.Background())
		assert.NoError(t, err)
	}()

	// The first tick is parked inside SubmitBundle; an overlapping tick
	// must bounce.
	require.Eventually(t, func() bool {
		_, err := exec.Tick(context.Background())
		return errors.Is(err, ErrBusy)
	}, time.Second, time.Millisecond)

	close(gate)
	<-done
}

func TestStalledRequeuePolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	cfg := testConfig(t)
	cfg.ReceiptGraceIntervals = 1
	ch := &fakeChain{receipt: nil}
	exec := New(cfg, ch, pool, st)

	h := addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))
	_, err := exec.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pool.PendingCount())

	// Let the grace window (1 interval of 1ms) lapse. Estimation failing
	// keeps the requeued operation out of the next bundle so the requeue
	// itself is observable.
	time.Sleep(5 * time.Millisecond)
	ch.estimateErr = errors.New("node down")

	report, err := exec.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, report.Requeued)

	rec, _ := st.GetUserOpByHash(ctx, h)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, 1, pool.PendingCount())
}

func TestStalledFailPolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := mempool.New(st)
	cfg := testConfig(t)
	cfg.ReceiptGraceIntervals = 1
	cfg.ReceiptTimeoutPolicy = config.PolicyFail
	exec := New(cfg, &fakeChain{receipt: nil}, pool, st)

	h := addOp(t, pool, feeOp("0xaa", "0x0", "0x10"))
	_, err := exec.Tick(ctx)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	report, err := exec.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	rec, _ := st.GetUserOpByHash(ctx, h)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "receipt-timeout", rec.ErrorMessage)
	assert.Empty(t, pool.All())
}

func TestStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	exec := New(testConfig(t), &fakeChain{}, mempool.New(st), st)

	exec.Start()
	exec.Start() // idempotent
	time.Sleep(5 * time.Millisecond)
	exec.Stop()
}
