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

package validator

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpak0601/sonic-4337-bundler/chain"
	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
)

// fakeChain scripts the three chain calls the validator makes.
type fakeChain struct {
	hash      common.Hash
	hashErr   error
	nonce     *big.Int
	nonceErr  error
	simResult *chain.SimulationResult
	simErr    error
}

func (f *fakeChain) UserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	return f.hash, f.hashErr
}

func (f *fakeChain) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	if f.nonce == nil {
		return new(big.Int), f.nonceErr
	}
	return f.nonce, f.nonceErr
}

func (f *fakeChain) SimulateValidation(ctx context.Context, op *userop.UserOperation) (*chain.SimulationResult, error) {
	if f.simResult == nil {
		return &chain.SimulationResult{OK: true}, f.simErr
	}
	return f.simResult, f.simErr
}

func validOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Nonce:                "0x0",
		CallData:             "0xb61d27f6",
		CallGasLimit:         "0x186a0",
		VerificationGasLimit: "0x30d40",
		PreVerificationGas:   "0xafc8",
		MaxFeePerGas:         "0x3b9aca00",
		MaxPriorityFeePerGas: "0x3b9aca00",
		Signature:            "0x01",
	}
}

func TestValidateHappyPath(t *testing.T) {
	want := common.Hash{0x42}
	v := New(&fakeChain{hash: want})

	hash, canonical, err := v.Validate(context.Background(), validOp())
	require.NoError(t, err)
	assert.Equal(t, want, hash)
	require.NotNil(t, canonical)
	assert.Equal(t, *canonical, userop.Format(*canonical), "returned form is canonical")
}

func TestValidateFormatErrors(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(op *userop.UserOperation)
	}{
		{"sender", func(op *userop.UserOperation) { op.Sender = "" }},
		{"sender", func(op *userop.UserOperation) { op.Sender = "0x" + string(make([]byte, 42)) }},
		{"nonce", func(op *userop.UserOperation) { op.Nonce = "" }},
		{"nonce", func(op *userop.UserOperation) { op.Nonce = "0xzz" }},
		{"callData", func(op *userop.UserOperation) { op.CallData = "" }},
		{"maxFeePerGas", func(op *userop.UserOperation) { op.MaxFeePerGas = "-0x1" }},
		{"signature", func(op *userop.UserOperation) { op.Signature = "" }},
		{"paymasterAndData", func(op *userop.UserOperation) { op.PaymasterAndData = "0xabcd" }},
	}
	v := New(&fakeChain{})
	for _, tt := range tests {
		op := validOp()
		tt.mutate(op)
		_, _, err := v.Validate(context.Background(), op)
		var fieldErr *FieldError
		require.ErrorAs(t, err, &fieldErr, "field %s", tt.field)
		assert.Equal(t, "invalid-"+tt.field, fieldErr.Error())
	}
}

func TestValidateOptionalFieldsDefault(t *testing.T) {
	op := validOp()
	op.InitCode = ""
	op.PaymasterAndData = ""
	_, _, err := New(&fakeChain{}).Validate(context.Background(), op)
	assert.NoError(t, err)
}

func TestValidateNonceTooLow(t *testing.T) {
	v := New(&fakeChain{nonce: big.NewInt(5)})

	op := validOp()
	op.Nonce = "0x3"
	hash, _, err := v.Validate(context.Background(), op)
	assert.ErrorIs(t, err, ErrNonceTooLow)
	assert.Equal(t, common.Hash{}, hash, "fake returns the zero hash")

	// Gaps above the current nonce are admitted; future nonces queue.
	op.Nonce = "0x9"
	_, _, err = v.Validate(context.Background(), op)
	assert.NoError(t, err)
}

func TestValidateSimulationRejection(t *testing.T) {
	v := New(&fakeChain{
		simResult: &chain.SimulationResult{Reason: "AA23 reverted", Revert: hexutil.Bytes{0xde, 0xad}},
	})

	_, _, err := v.Validate(context.Background(), validOp())
	var simErr *SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, "AA23 reverted", simErr.Reason)
	assert.Equal(t, hexutil.Bytes{0xde, 0xad}, simErr.Revert)
}

func TestValidateChainErrorsSurface(t *testing.T) {
	boom := errors.New("connection refused")

	_, _, err := New(&fakeChain{hashErr: boom}).Validate(context.Background(), validOp())
	assert.ErrorIs(t, err, boom)

	_, _, err = New(&fakeChain{nonceErr: boom}).Validate(context.Background(), validOp())
	assert.ErrorIs(t, err, boom)

	_, _, err = New(&fakeChain{simErr: boom}).Validate(context.Background(), validOp())
	assert.ErrorIs(t, err, boom)
}

func TestEstimateGasFormula(t *testing.T) {
	v := New(&fakeChain{})

	// 4 bytes of calldata: (21000 + 4*16) * 1.2 = 25276 (truncating).
	op := validOp()
	est, err := v.EstimateGas(op)
	require.NoError(t, err)
	assert.Equal(t, hexutil.EncodeUint64(25276), est.PreVerificationGas)
	assert.Equal(t, hexutil.EncodeUint64(50552), est.VerificationGasLimit)
	assert.Equal(t, hexutil.EncodeUint64(100000), est.CallGasLimit)

	// Empty calldata falls back to the intrinsic cost alone.
	op.CallData = "0x"
	est, err = v.EstimateGas(op)
	require.NoError(t, err)
	assert.Equal(t, hexutil.EncodeUint64(25200), est.PreVerificationGas)
}
