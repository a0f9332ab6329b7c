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
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
)

// Minimal EntryPoint v0.6 ABI: the four functions the bundler calls and the
// custom errors simulateValidation and handleOps revert with.

const userOpComponents = `[
	{"name":"sender","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"initCode","type":"bytes"},
	{"name":"callData","type":"bytes"},
	{"name":"callGasLimit","type":"uint256"},
	{"name":"verificationGasLimit","type":"uint256"},
	{"name":"preVerificationGas","type":"uint256"},
	{"name":"maxFeePerGas","type":"uint256"},
	{"name":"maxPriorityFeePerGas","type":"uint256"},
	{"name":"paymasterAndData","type":"bytes"},
	{"name":"signature","type":"bytes"}
]`

const returnInfoComponents = `[
	{"name":"preOpGas","type":"uint256"},
	{"name":"prefund","type":"uint256"},
	{"name":"sigFailed","type":"bool"},
	{"name":"validAfter","type":"uint48"},
	{"name":"validUntil","type":"uint48"},
	{"name":"paymasterContext","type":"bytes"}
]`

const stakeInfoComponents = `[
	{"name":"stake","type":"uint256"},
	{"name":"unstakeDelaySec","type":"uint256"}
]`

var entryPointABIJSON = `[
	{"type":"function","name":"getUserOpHash","stateMutability":"view",
		"inputs":[{"name":"userOp","type":"tuple","components":` + userOpComponents + `}],
		"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"getNonce","stateMutability":"view",
		"inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
		"outputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"function","name":"simulateValidation","stateMutability":"nonpayable",
		"inputs":[{"name":"userOp","type":"tuple","components":` + userOpComponents + `}],
		"outputs":[]},
	{"type":"function","name":"handleOps","stateMutability":"nonpayable",
		"inputs":[
			{"name":"ops","type":"tuple[]","components":` + userOpComponents + `},
			{"name":"beneficiary","type":"address"}],
		"outputs":[]},
	{"type":"error","name":"ValidationResult","inputs":[
		{"name":"returnInfo","type":"tuple","components":` + returnInfoComponents + `},
		{"name":"senderInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"factoryInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"paymasterInfo","type":"tuple","components":` + stakeInfoComponents + `}]},
	{"type":"error","name":"ValidationResultWithAggregation","inputs":[
		{"name":"returnInfo","type":"tuple","components":` + returnInfoComponents + `},
		{"name":"senderInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"factoryInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"paymasterInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"aggregatorInfo","type":"tuple","components":[
			{"name":"aggregator","type":"address"},
			{"name":"stakeInfo","type":"tuple","components":` + stakeInfoComponents + `}]}]},
	{"type":"error","name":"FailedOp","inputs":[
		{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
	{"type":"error","name":"SignatureValidationFailed","inputs":[
		{"name":"aggregator","type":"address"}]}
]`

var (
	entryPointABI abi.ABI

	validationResultSel    [4]byte
	validationResultAggSel [4]byte
	failedOpSel            [4]byte
	sigValidationFailedSel [4]byte
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid entrypoint ABI: %v", err))
	}
	entryPointABI = parsed
	// Copy map entries into locals: abi.Error.ID is an array field and map
	// index values are not addressable.
	for name, sel := range map[string]*[4]byte{
		"ValidationResult":                &validationResultSel,
		"ValidationResultWithAggregation": &validationResultAggSel,
		"FailedOp":                        &failedOpSel,
		"SignatureValidationFailed":       &sigValidationFailedSel,
	} {
		e, ok := parsed.Errors[name]
		if !ok {
			panic(fmt.Sprintf("entrypoint ABI missing error %s", name))
		}
		copy(sel[:], e.ID[:4])
	}
}

// abiUserOperation mirrors the EntryPoint's UserOperation tuple. Field names
// line up with the ABI component names for packing.
type abiUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// packUserOp converts the wire representation into the ABI tuple. Fields
// must already be well-formed hex; admission validates them before anything
// reaches the chain.
func packUserOp(op *userop.UserOperation) (abiUserOperation, error) {
	var (
		out abiUserOperation
		err error
	)
	if out.Sender, err = userop.ParseAddress(op.Sender); err != nil {
		return out, fmt.Errorf("sender: %w", err)
	}
	fields := []struct {
		name string
		num  **big.Int
		buf  *[]byte
		val  string
	}{
		{name: "nonce", num: &out.Nonce, val: op.Nonce},
		{name: "initCode", buf: &out.InitCode, val: op.InitCode},
		{name: "callData", buf: &out.CallData, val: op.CallData},
		{name: "callGasLimit", num: &out.CallGasLimit, val: op.CallGasLimit},
		{name: "verificationGasLimit", num: &out.VerificationGasLimit, val: op.VerificationGasLimit},
		{name: "preVerificationGas", num: &out.PreVerificationGas, val: op.PreVerificationGas},
		{name: "maxFeePerGas", num: &out.MaxFeePerGas, val: op.MaxFeePerGas},
		{name: "maxPriorityFeePerGas", num: &out.MaxPriorityFeePerGas, val: op.MaxPriorityFeePerGas},
		{name: "paymasterAndData", buf: &out.PaymasterAndData, val: op.PaymasterAndData},
		{name: "signature", buf: &out.Signature, val: op.Signature},
	}
	for _, f := range fields {
		if f.num != nil {
			if *f.num, err = userop.HexToBig(f.val); err != nil {
				return out, fmt.Errorf("%s: %w", f.name, err)
			}
			continue
		}
		if *f.buf, err = userop.HexToBytes(f.val); err != nil {
			return out, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return out, nil
}

func packUserOps(ops []*userop.UserOperation) ([]abiUserOperation, error) {
	out := make([]abiUserOperation, 0, len(ops))
	for i, op := range ops {
		packed, err := packUserOp(op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		out = append(out, packed)
	}
	return out, nil
}

func packGetUserOpHash(op *userop.UserOperation) ([]byte, error) {
	packed, err := packUserOp(op)
	if err != nil {
		return nil, err
	}
	return entryPointABI.Pack("getUserOpHash", packed)
}

func packGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	if key == nil {
		key = new(big.Int)
	}
	return entryPointABI.Pack("getNonce", sender, key)
}

func packSimulateValidation(op *userop.UserOperation) ([]byte, error) {
	packed, err := packUserOp(op)
	if err != nil {
		return nil, err
	}
	return entryPointABI.Pack("simulateValidation", packed)
}

func packHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	packed, err := packUserOps(ops)
	if err != nil {
		return nil, err
	}
	return entryPointABI.Pack("handleOps", packed, beneficiary)
}

// decodeSimulationRevert classifies a simulateValidation revert payload.
// Per ERC-4337 the EntryPoint reverts on the success path too: the
// ValidationResult selectors mean the operation passed validation, anything
// else is a rejection.
func decodeSimulationRevert(data []byte) *SimulationResult {
	res := &SimulationResult{Revert: data}
	if len(data) < 4 {
		res.Reason = "simulation reverted without data"
		return res
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	switch sel {
	case validationResultSel, validationResultAggSel:
		res.OK = true
	case failedOpSel:
		res.Reason = decodeFailedOp(data)
	case sigValidationFailedSel:
		res.Reason = "signature aggregator validation failed"
	default:
		if reason, err := abi.UnpackRevert(data); err == nil {
			res.Reason = reason
		} else {
			res.Reason = hexutil.Encode(data)
		}
	}
	return res
}

// decodeFailedOp extracts the reason string of a FailedOp revert, falling
// back to the raw payload when unpacking fails.
func decodeFailedOp(data []byte) string {
	failedOp := entryPointABI.Errors["FailedOp"]
	v, err := failedOp.Unpack(data)
	if err != nil {
		return hexutil.Encode(data)
	}
	vals, ok := v.([]interface{})
	if !ok || len(vals) != 2 {
		return hexutil.Encode(data)
	}
	reason, _ := vals[1].(string)
	if reason == "" {
		if idx, ok := vals[0].(*big.Int); ok {
			return fmt.Sprintf("FailedOp(%d)", idx)
		}
		return "FailedOp"
	}
	return reason
}

// decodeCallRevert turns a handleOps or estimate revert payload into a
// readable reason.
func decodeCallRevert(data []byte) string {
	if len(data) >= 4 {
		var sel [4]byte
		copy(sel[:], data[:4])
		if sel == failedOpSel {
			return decodeFailedOp(data)
		}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return hexutil.Encode(data)
}
