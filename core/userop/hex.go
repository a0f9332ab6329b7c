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
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Lenient hex decoding. The wire format tolerates what the canonical
// hexutil decoders reject: missing prefixes, odd digit counts, leading
// zeros and bare "0x" for zero or empty.

var (
	errNonHex      = errors.New("invalid hex digits")
	errBadAddress  = errors.New("invalid address")
	errNegativeHex = errors.New("negative quantity")
)

// HexToBig parses s as an unsigned hex quantity. "" and "0x" decode to
// zero.
func HexToBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return nil, errNegativeHex
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, errNonHex
	}
	return n, nil
}

// HexToBytes decodes s into raw bytes, padding an odd digit count with one
// leading zero. "" and "0x" decode to empty.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return []byte{}, nil
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// ParseAddress decodes s as a 20-byte address, left-padding short input the
// same way Format pads the sender field.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" || len(s) > 2*common.AddressLength {
		return common.Address{}, errBadAddress
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Address{}, errBadAddress
	}
	return common.BytesToAddress(b), nil
}

// ValidHex reports whether s consists solely of hex digits after the
// optional 0x prefix. Empty values are valid, they decode to zero.
func ValidHex(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
