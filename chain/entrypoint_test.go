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

package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
)

func sampleOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               "0xd8da6bf26964af9d7eed9e03e53415d37aa96045",
		Nonce:                "0x7",
		InitCode:             "0x",
		CallData:             "0xdeadbeef",
		CallGasLimit:         "0x186a0",
		VerificationGasLimit: "0x30d40",
		PreVerificationGas:   "0x5208",
		MaxFeePerGas:         "0x3b9aca00",
		MaxPriorityFeePerGas: "0x1",
		PaymasterAndData:     "0x",
		Signature:            "0x01",
	}
}

func TestPackUserOp(t *testing.T) {
	packed, err := packUserOp(sampleOp())
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xd8da6bf26964af9d7eed9e03e53415d37aa96045"), packed.Sender)
	assert.Zero(t, packed.Nonce.Cmp(big.NewInt(7)))
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, packed.CallData)
	assert.Empty(t, packed.InitCode)
	assert.Zero(t, packed.MaxFeePerGas.Cmp(big.NewInt(1_000_000_000)))
}

func TestPackUserOpBadField(t *testing.T) {
	op := sampleOp()
	op.Nonce = "0xzz"
	_, err := packUserOp(op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce")
}

func TestPackCalldataSelectors(t *testing.T) {
	op := sampleOp()

	data, err := packGetUserOpHash(op)
	require.NoError(t, err)
	assert.Equal(t, entryPointABI.Methods["getUserOpHash"].ID, data[:4])

	data, err = packSimulateValidation(op)
	require.NoError(t, err)
	assert.Equal(t, entryPointABI.Methods["simulateValidation"].ID, data[:4])

	data, err = packHandleOps([]*userop.UserOperation{op}, common.Address{1})
	require.NoError(t, err)
	assert.Equal(t, entryPointABI.Methods["handleOps"].ID, data[:4])

	data, err = packGetNonce(common.Address{2}, nil)
	require.NoError(t, err)
	assert.Equal(t, entryPointABI.Methods["getNonce"].ID, data[:4])
}

func TestErrorSelectors(t *testing.T) {
	// The init-time selector extraction must yield four distinct, non-zero
	// selectors; a zero selector would misclassify short reverts.
	sels := [][4]byte{validationResultSel, validationResultAggSel, failedOpSel, sigValidationFailedSel}
	seen := map[[4]byte]bool{}
	for _, sel := range sels {
		assert.NotEqual(t, [4]byte{}, sel)
		assert.False(t, seen[sel], "selector %x repeated", sel)
		seen[sel] = true
	}
}

func failedOpPayload(t *testing.T, idx int64, reason string) []byte {
	t.Helper()
	enc, err := entryPointABI.Errors["FailedOp"].Inputs.Pack(big.NewInt(idx), reason)
	require.NoError(t, err)
	return append(failedOpSel[:], enc...)
}

func TestDecodeSimulationRevert(t *testing.T) {
	// Success path: the ValidationResult selector alone decides.
	res := decodeSimulationRevert(validationResultSel[:])
	assert.True(t, res.OK)

	res = decodeSimulationRevert(validationResultAggSel[:])
	assert.True(t, res.OK)

	// FailedOp carries the rejection reason.
	res = decodeSimulationRevert(failedOpPayload(t, 0, "AA25 invalid account nonce"))
	assert.False(t, res.OK)
	assert.Equal(t, "AA25 invalid account nonce", res.Reason)

	// Plain Error(string) revert.
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	enc, err := abi.Arguments{{Type: stringTy}}.Pack("entrypoint paused")
	require.NoError(t, err)
	payload := append(hexutil.MustDecode("0x08c379a0"), enc...)
	res = decodeSimulationRevert(payload)
	assert.False(t, res.OK)
	assert.Equal(t, "entrypoint paused", res.Reason)

	// Unknown selector falls back to the raw payload.
	res = decodeSimulationRevert([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.False(t, res.OK)
	assert.Equal(t, "0x0102030405", res.Reason)

	// Too short to carry a selector.
	res = decodeSimulationRevert(nil)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Reason)
}

func TestDecodeFailedOpEmptyReason(t *testing.T) {
	got := decodeFailedOp(failedOpPayload(t, 3, ""))
	assert.Equal(t, "FailedOp(3)", got)
}

func TestDecodeCallRevert(t *testing.T) {
	assert.Equal(t, "AA21 didn't pay prefund", decodeCallRevert(failedOpPayload(t, 0, "AA21 didn't pay prefund")))
	assert.Equal(t, "0x1234", decodeCallRevert([]byte{0x12, 0x34}))
}

type fakeDataError struct {
	msg  string
	data interface{}
}

func (e *fakeDataError) Error() string          { return e.msg }
func (e *fakeDataError) ErrorData() interface{} { return e.data }

func TestRevertData(t *testing.T) {
	payload := failedOpPayload(t, 0, "AA10 sender already constructed")

	b, ok := revertData(&fakeDataError{msg: "execution reverted", data: hexutil.Encode(payload)})
	require.True(t, ok)
	assert.Equal(t, payload, b)

	_, ok = revertData(errors.New("connection refused"))
	assert.False(t, ok)

	_, ok = revertData(&fakeDataError{msg: "weird", data: 42})
	assert.False(t, ok)
}
