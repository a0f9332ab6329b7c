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

// Package chain wraps the node RPC connection behind the handful of
// EntryPoint operations the bundler needs. Revert payloads are decoded
// here; everything above this package sees structured results instead of
// raw RPC errors.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
)

const (
	hashCacheSize       = 4096
	receiptPollInterval = time.Second
)

// ErrChainIDMismatch is returned by Dial when the node's chain id differs
// from the configured expectation.
var ErrChainIDMismatch = errors.New("chain id mismatch")

var (
	simulateTimer      = metrics.NewRegisteredTimer("chain/simulate", nil)
	submitMeter        = metrics.NewRegisteredMeter("chain/submitted", nil)
	hashCacheHitMeter  = metrics.NewRegisteredMeter("chain/hashcache/hits", nil)
	hashCacheMissMeter = metrics.NewRegisteredMeter("chain/hashcache/misses", nil)
)

// SimulationResult is the decoded outcome of simulateValidation. OK means
// the revert carried a ValidationResult selector; any other revert is a
// rejection with Reason set.
type SimulationResult struct {
	OK     bool
	Reason string
	Revert hexutil.Bytes
}

// Fees is a snapshot of the chain's current fee market. BaseFee is nil on
// pre-1559 chains.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	BaseFee              *big.Int
}

// RevertError carries a decoded contract revert from estimation or
// submission.
type RevertError struct {
	Reason string
	Data   hexutil.Bytes
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// Service talks to one node and one EntryPoint on behalf of the bundler
// account. All read methods are idempotent; SubmitBundle is the only state
// transition.
type Service struct {
	cli *ethclient.Client
	rpc *rpc.Client
	log log.Logger

	entryPoint common.Address
	chainID    *big.Int
	key        *ecdsa.PrivateKey
	signer     common.Address

	hashCache *lru.Cache[common.Hash, common.Hash]
}

// Dial connects to rpcURL, performs the chain id handshake and returns the
// service. A wantChainID mismatch fails the dial; startup must not proceed
// against the wrong network.
func Dial(ctx context.Context, rpcURL string, entryPoint common.Address, key *ecdsa.PrivateKey, wantChainID *big.Int) (*Service, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	cli := ethclient.NewClient(rpcClient)
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if wantChainID != nil && chainID.Cmp(wantChainID) != 0 {
		rpcClient.Close()
		return nil, fmt.Errorf("%w: node reports %v, configured %v", ErrChainIDMismatch, chainID, wantChainID)
	}
	cache, _ := lru.New[common.Hash, common.Hash](hashCacheSize)
	s := &Service{
		cli:        cli,
		rpc:        rpcClient,
		log:        log.New("component", "chain"),
		entryPoint: entryPoint,
		chainID:    chainID,
		key:        key,
		signer:     crypto.PubkeyToAddress(key.PublicKey),
		hashCache:  cache,
	}
	s.log.Info("Connected to chain", "chainid", chainID, "entrypoint", entryPoint, "signer", s.signer)
	return s, nil
}

// ChainID returns the id learned during the handshake.
func (s *Service) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// Signer returns the bundler account address.
func (s *Service) Signer() common.Address { return s.signer }

// EntryPoint returns the configured EntryPoint address.
func (s *Service) EntryPoint() common.Address { return s.entryPoint }

// Close tears down the underlying RPC connection.
func (s *Service) Close() { s.rpc.Close() }

// UserOpHash asks the EntryPoint for the operation's hash. Results are
// cached on the operation's canonical digest; the hash only depends on the
// operation, the EntryPoint and the chain id.
func (s *Service) UserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	key := op.Digest()
	if h, ok := s.hashCache.Get(key); ok {
		hashCacheHitMeter.Mark(1)
		return h, nil
	}
	hashCacheMissMeter.Mark(1)

	data, err := packGetUserOpHash(op)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack getUserOpHash: %w", err)
	}
	ret, err := s.cli.CallContract(ctx, ethereum.CallMsg{To: &s.entryPoint, Data: data}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getUserOpHash: %w", err)
	}
	out, err := entryPointABI.Unpack("getUserOpHash", ret)
	if err != nil || len(out) != 1 {
		return common.Hash{}, fmt.Errorf("unpack getUserOpHash: %w", err)
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, errors.New("unpack getUserOpHash: unexpected type")
	}
	h := common.Hash(raw)
	s.hashCache.Add(key, h)
	return h, nil
}

// GetNonce reads the sender's next nonce for the given key (0 when nil).
func (s *Service) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	data, err := packGetNonce(sender, key)
	if err != nil {
		return nil, fmt.Errorf("pack getNonce: %w", err)
	}
	ret, err := s.cli.CallContract(ctx, ethereum.CallMsg{To: &s.entryPoint, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getNonce: %w", err)
	}
	out, err := entryPointABI.Unpack("getNonce", ret)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("unpack getNonce: %w", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unpack getNonce: unexpected type")
	}
	return nonce, nil
}

// SimulateValidation runs the EntryPoint's validation as a static call and
// classifies the revert. A transport failure returns an error; a revert of
// any kind returns a SimulationResult.
func (s *Service) SimulateValidation(ctx context.Context, op *userop.UserOperation) (*SimulationResult, error) {
	defer simulateTimer.UpdateSince(time.Now())

	data, err := packSimulateValidation(op)
	if err != nil {
		return nil, fmt.Errorf("pack simulateValidation: %w", err)
	}
	_, err = s.cli.CallContract(ctx, ethereum.CallMsg{To: &s.entryPoint, Data: data}, nil)
	if err == nil {
		// The EntryPoint reverts on success too; a clean return means
		// this is not an ERC-4337 EntryPoint.
		return &SimulationResult{Reason: "simulateValidation did not revert"}, nil
	}
	revert, ok := revertData(err)
	if !ok {
		return nil, fmt.Errorf("simulateValidation: %w", err)
	}
	res := decodeSimulationRevert(revert)
	if !res.OK {
		s.log.Debug("Simulation rejected operation", "reason", res.Reason)
	}
	return res, nil
}

// CurrentFees samples the fee market: suggested tip plus twice the current
// base fee, the usual headroom for inclusion within the next few blocks.
func (s *Service) CurrentFees(ctx context.Context) (*Fees, error) {
	tip, err := s.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := s.cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	fees := &Fees{MaxPriorityFeePerGas: tip}
	if head.BaseFee != nil {
		fees.BaseFee = new(big.Int).Set(head.BaseFee)
		fees.MaxFeePerGas = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else {
		price, err := s.cli.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		fees.MaxFeePerGas = price
		fees.MaxPriorityFeePerGas = new(big.Int).Set(price)
	}
	return fees, nil
}

// EstimateHandleOpsGas estimates the gas of handleOps(ops, beneficiary)
// from the bundler account. Reverts come back as *RevertError with the
// decoded reason.
func (s *Service) EstimateHandleOpsGas(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address) (uint64, error) {
	data, err := packHandleOps(ops, beneficiary)
	if err != nil {
		return 0, fmt.Errorf("pack handleOps: %w", err)
	}
	gas, err := s.cli.EstimateGas(ctx, ethereum.CallMsg{
		From: s.signer,
		To:   &s.entryPoint,
		Data: data,
	})
	if err != nil {
		if revert, ok := revertData(err); ok {
			return 0, &RevertError{Reason: decodeCallRevert(revert), Data: revert}
		}
		return 0, fmt.Errorf("estimate handleOps: %w", err)
	}
	return gas, nil
}

// SubmitBundle signs and broadcasts handleOps(ops, beneficiary) as a
// dynamic-fee transaction and returns its hash.
func (s *Service) SubmitBundle(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address, gasLimit uint64, fees *Fees) (common.Hash, error) {
	data, err := packHandleOps(ops, beneficiary)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack handleOps: %w", err)
	}
	nonce, err := s.cli.PendingNonceAt(ctx, s.signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch account nonce: %w", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &s.entryPoint,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign bundle: %w", err)
	}
	if err := s.cli.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send bundle: %w", err)
	}
	submitMeter.Mark(1)
	s.log.Info("Submitted bundle transaction", "tx", signed.Hash(), "ops", len(ops), "gaslimit", gasLimit)
	return signed.Hash(), nil
}

// WaitForReceipt polls for the transaction receipt until timeout. A timeout
// returns (nil, nil); transient lookup failures keep polling.
func (s *Service) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.cli.TransactionReceipt(waitCtx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			s.log.Trace("Receipt lookup failed", "tx", txHash, "err", err)
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		case <-ticker.C:
		}
	}
}

// revertData extracts the ABI-encoded revert payload carried by a node
// error, when there is one.
func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch data := de.ErrorData().(type) {
	case string:
		b, decErr := hexutil.Decode(data)
		if decErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return data, true
	default:
		return nil, false
	}
}
