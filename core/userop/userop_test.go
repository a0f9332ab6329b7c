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

package userop

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatHexFields(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "0x"},
		{"0x", "0x"},
		{"0x0", "0x00"},
		{"0x1", "0x01"},
		{"0X1A2", "0x01a2"},
		{"0xDEADBEEF", "0xdeadbeef"},
		{"abc", "0x0abc"},
		{" 0x3b9aca00 ", "0x3b9aca00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatHex(tt.in), "formatHex(%q)", tt.in)
	}
}

func TestFormatSenderPadding(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0x0", "0x0000000000000000000000000000000000000000"},
		{"0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{"0x1234", "0x0000000000000000000000000000000000001234"},
	}
	for _, tt := range tests {
		got := Format(UserOperation{Sender: tt.in})
		assert.Equal(t, tt.want, got.Sender)
	}
}

func TestFormatIdempotent(t *testing.T) {
	op := UserOperation{
		Sender:               "0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa",
		Nonce:                "0x0",
		InitCode:             "",
		CallData:             "0xB0B",
		CallGasLimit:         "0x186A0",
		VerificationGasLimit: "0x30d40",
		PreVerificationGas:   "0x5208",
		MaxFeePerGas:         "0x3B9ACA00",
		MaxPriorityFeePerGas: "0x1",
		PaymasterAndData:     "0x",
		Signature:            "0xFF",
	}
	once := Format(op)
	twice := Format(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, "0x0b0b", once.CallData)
	assert.Equal(t, "0x00", once.Nonce)
	assert.Equal(t, "0x", once.InitCode)
}

func TestHexToBig(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0x", 0, false},
		{"0x0", 0, false},
		{"0x00001", 1, false},
		{"0x3b9aca00", 1_000_000_000, false},
		{"3b9aca00", 1_000_000_000, false},
		{"0xZZ", 0, true},
		{"-0x1", 0, true},
	}
	for _, tt := range tests {
		got, err := HexToBig(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "HexToBig(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "HexToBig(%q)", tt.in)
		assert.Zero(t, got.Cmp(big.NewInt(tt.want)), "HexToBig(%q) = %s", tt.in, got)
	}
}

func TestHexToBytes(t *testing.T) {
	b, err := HexToBytes("0x1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, b)

	b, err = HexToBytes("0x")
	require.NoError(t, err)
	assert.Empty(t, b)

	_, err = HexToBytes("0xgg")
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("0x1234")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000001234"), a)

	_, err = ParseAddress("")
	assert.Error(t, err)

	_, err = ParseAddress("0x" + "11" + "d8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	assert.Error(t, err, "over 20 bytes")
}

func TestPaymasterAddress(t *testing.T) {
	op := UserOperation{PaymasterAndData: "0x"}
	_, ok := op.PaymasterAddress()
	assert.False(t, ok)

	op.PaymasterAndData = "0xd8da6bf26964af9d7eed9e03e53415d37aa96045cafe"
	pm, ok := op.PaymasterAddress()
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xd8da6bf26964af9d7eed9e03e53415d37aa96045"), pm)
}

func TestDigestStable(t *testing.T) {
	a := UserOperation{Sender: "0xAA", Nonce: "0x1", CallData: "0x01"}
	b := UserOperation{Sender: "0xaa", Nonce: "0x01", CallData: "0x1"}
	assert.Equal(t, a.Digest(), b.Digest(), "digest follows canonical form")

	c := b
	c.CallData = "0x02"
	assert.NotEqual(t, a.Digest(), c.Digest())
}
