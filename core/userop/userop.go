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

// Package userop models ERC-4337 user operations as they travel over the
// bundler RPC surface: eleven 0x-prefixed hex string fields with a single
// canonical form shared by the mempool, the store and the hash cache.
package userop

import (
	"bytes"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the wire representation of an ERC-4337 operation. All
// fields are hex strings so that untouched client input survives hashing
// and re-serialization; numeric interpretation happens at the point of use.
type UserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// Format returns the canonical form of op: every field lowercased with a 0x
// prefix, hex digits padded to even length, empty values collapsed to "0x"
// and the sender left-padded to a full 20-byte address. Format is
// idempotent; it never validates, garbage input comes out lowercased.
func Format(op UserOperation) UserOperation {
	return UserOperation{
		Sender:               formatAddress(op.Sender),
		Nonce:                formatHex(op.Nonce),
		InitCode:             formatHex(op.InitCode),
		CallData:             formatHex(op.CallData),
		CallGasLimit:         formatHex(op.CallGasLimit),
		VerificationGasLimit: formatHex(op.VerificationGasLimit),
		PreVerificationGas:   formatHex(op.PreVerificationGas),
		MaxFeePerGas:         formatHex(op.MaxFeePerGas),
		MaxPriorityFeePerGas: formatHex(op.MaxPriorityFeePerGas),
		PaymasterAndData:     formatHex(op.PaymasterAndData),
		Signature:            formatHex(op.Signature),
	}
}

// formatHex lowercases s, strips the 0x prefix, pads the digits to even
// length and re-attaches the prefix. Empty input becomes "0x".
func formatHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return "0x"
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return "0x" + s
}

// formatAddress lowercases s and left-pads it to 40 hex digits.
func formatAddress(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if len(s) < 40 {
		s = strings.Repeat("0", 40-len(s)) + s
	}
	return "0x" + s
}

// Digest returns a hash of the canonical field encoding. It identifies an
// operation locally, for cache keys and bundle assembly, without a chain
// round trip; it is not the EntryPoint userOpHash.
func (op *UserOperation) Digest() common.Hash {
	c := Format(*op)
	var buf bytes.Buffer
	for _, f := range []string{
		c.Sender, c.Nonce, c.InitCode, c.CallData,
		c.CallGasLimit, c.VerificationGasLimit, c.PreVerificationGas,
		c.MaxFeePerGas, c.MaxPriorityFeePerGas, c.PaymasterAndData, c.Signature,
	} {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
	return crypto.Keccak256Hash(buf.Bytes())
}

// PaymasterAddress extracts the paymaster from the first 20 bytes of
// paymasterAndData. The second return is false when no paymaster is set.
func (op *UserOperation) PaymasterAddress() (common.Address, bool) {
	b, err := HexToBytes(op.PaymasterAndData)
	if err != nil || len(b) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(b[:common.AddressLength]), true
}
