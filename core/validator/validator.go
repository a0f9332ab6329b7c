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

// Package validator gates mempool admission: wire format checks, the
// EntryPoint hash, nonce freshness and on-chain simulation, in that order.
// The first failing stage decides the rejection.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/params"

	"github.com/pushpak0601/sonic-4337-bundler/chain"
	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
)

// ErrNonceTooLow rejects operations whose nonce is behind the account's
// current EntryPoint nonce. Nonces above it are admitted; future operations
// may queue.
var ErrNonceTooLow = errors.New("nonce-too-low")

var (
	acceptedMeter = metrics.NewRegisteredMeter("validator/accepted", nil)
	rejectedMeter = metrics.NewRegisteredMeter("validator/rejected", nil)
)

// FieldError reports a malformed or missing user operation field.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string { return "invalid-" + e.Field }

// SimulationError reports an EntryPoint rejection with the decoded reason
// and, when available, the raw revert payload.
type SimulationError struct {
	Reason string
	Revert hexutil.Bytes
}

func (e *SimulationError) Error() string { return e.Reason }

// ChainReader is the chain surface the validator consumes.
type ChainReader interface {
	UserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error)
	GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)
	SimulateValidation(ctx context.Context, op *userop.UserOperation) (*chain.SimulationResult, error)
}

// GasEstimate is the eth_estimateUserOperationGas result.
type GasEstimate struct {
	PreVerificationGas   string `json:"preVerificationGas"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	CallGasLimit         string `json:"callGasLimit"`
}

const defaultCallGasLimit = 100_000

// Validator composes the admission checks over one chain connection.
type Validator struct {
	chain ChainReader
	log   log.Logger
}

// New returns a validator reading from the given chain.
func New(chain ChainReader) *Validator {
	return &Validator{chain: chain, log: log.New("component", "validator")}
}

// Validate runs the full admission pipeline and returns the EntryPoint hash
// together with the canonical form of the operation. The hash is also
// returned alongside nonce and simulation rejections, where it is already
// known.
func (v *Validator) Validate(ctx context.Context, op *userop.UserOperation) (common.Hash, *userop.UserOperation, error) {
	if err := CheckFormat(op); err != nil {
		rejectedMeter.Mark(1)
		return common.Hash{}, nil, err
	}
	c := userop.Format(*op)

	hash, err := v.chain.UserOpHash(ctx, &c)
	if err != nil {
		return common.Hash{}, nil, err
	}
	sender, err := userop.ParseAddress(c.Sender)
	if err != nil {
		rejectedMeter.Mark(1)
		return hash, nil, &FieldError{Field: "sender"}
	}
	current, err := v.chain.GetNonce(ctx, sender, nil)
	if err != nil {
		return hash, nil, err
	}
	nonce, err := userop.HexToBig(c.Nonce)
	if err != nil {
		rejectedMeter.Mark(1)
		return hash, nil, &FieldError{Field: "nonce"}
	}
	if nonce.Cmp(current) < 0 {
		rejectedMeter.Mark(1)
		v.log.Debug("Rejected stale nonce", "sender", c.Sender, "nonce", c.Nonce, "current", current)
		return hash, &c, ErrNonceTooLow
	}
	sim, err := v.chain.SimulateValidation(ctx, &c)
	if err != nil {
		return hash, &c, err
	}
	if !sim.OK {
		rejectedMeter.Mark(1)
		return hash, &c, &SimulationError{Reason: sim.Reason, Revert: sim.Revert}
	}
	acceptedMeter.Mark(1)
	return hash, &c, nil
}

// EstimateGas returns conservative gas values from the operation's calldata
// size: preVerificationGas covers intrinsic transaction cost plus calldata
// with 20% headroom, verification gets twice that, and the call gas limit
// is a flat default.
func (v *Validator) EstimateGas(op *userop.UserOperation) (*GasEstimate, error) {
	callData, err := userop.HexToBytes(op.CallData)
	if err != nil {
		return nil, &FieldError{Field: "callData"}
	}
	pre := (params.TxGas + uint64(len(callData))*params.TxDataNonZeroGasEIP2028) * 12 / 10
	return &GasEstimate{
		PreVerificationGas:   hexutil.EncodeUint64(pre),
		VerificationGasLimit: hexutil.EncodeUint64(2 * pre),
		CallGasLimit:         hexutil.EncodeUint64(defaultCallGasLimit),
	}, nil
}

type fieldKind int

const (
	kindNumber fieldKind = iota
	kindBytes
)

// CheckFormat validates presence and wire shape of every field. initCode
// and paymasterAndData are optional and default to 0x; everything else must
// be present. The error names the offending field.
func CheckFormat(op *userop.UserOperation) error {
	if op.Sender == "" {
		return &FieldError{Field: "sender"}
	}
	if _, err := userop.ParseAddress(op.Sender); err != nil {
		return &FieldError{Field: "sender"}
	}
	fields := []struct {
		name     string
		value    string
		kind     fieldKind
		optional bool
	}{
		{name: "nonce", value: op.Nonce, kind: kindNumber},
		{name: "initCode", value: op.InitCode, kind: kindBytes, optional: true},
		{name: "callData", value: op.CallData, kind: kindBytes},
		{name: "callGasLimit", value: op.CallGasLimit, kind: kindNumber},
		{name: "verificationGasLimit", value: op.VerificationGasLimit, kind: kindNumber},
		{name: "preVerificationGas", value: op.PreVerificationGas, kind: kindNumber},
		{name: "maxFeePerGas", value: op.MaxFeePerGas, kind: kindNumber},
		{name: "maxPriorityFeePerGas", value: op.MaxPriorityFeePerGas, kind: kindNumber},
		{name: "paymasterAndData", value: op.PaymasterAndData, kind: kindBytes, optional: true},
		{name: "signature", value: op.Signature, kind: kindBytes},
	}
	for _, f := range fields {
		if f.value == "" {
			if f.optional {
				continue
			}
			return &FieldError{Field: f.name}
		}
		switch f.kind {
		case kindNumber:
			if _, err := userop.HexToBig(f.value); err != nil {
				return &FieldError{Field: f.name}
			}
		case kindBytes:
			if _, err := userop.HexToBytes(f.value); err != nil {
				return &FieldError{Field: f.name}
			}
		}
	}
	if pmd := op.PaymasterAndData; pmd != "" && pmd != "0x" {
		b, err := userop.HexToBytes(pmd)
		if err != nil || len(b) < common.AddressLength {
			return &FieldError{Field: "paymasterAndData"}
		}
	}
	return nil
}

// Reason returns the stable rejection token for err, used as the data.reason
// of policy errors on the RPC surface.
func Reason(err error) string {
	return fmt.Sprintf("%v", err)
}
