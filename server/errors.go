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

package server

import (
	"errors"
	"fmt"

	"github.com/pushpak0601/sonic-4337-bundler/core/mempool"
	"github.com/pushpak0601/sonic-4337-bundler/core/validator"
	"github.com/pushpak0601/sonic-4337-bundler/store"
)

// JSON-RPC error codes. The -32500 code is the bundler-reserved range per
// ERC-4337: validation outcomes, policy rejections and mempool conflicts.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeBundler        = -32500
)

// rpcError is the wire error object. Data carries a stable reason token for
// policy and validation rejections.
type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

type reasonData struct {
	Reason string `json:"reason"`
	Revert string `json:"revert,omitempty"`
}

func errInvalidRequest(msg string) *rpcError {
	return &rpcError{Code: codeInvalidRequest, Message: msg}
}

func errMethodNotFound(method string) *rpcError {
	return &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("the method %s does not exist/is not available", method)}
}

func errInvalidParams(msg string) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: msg}
}

func errUnsupportedEntryPoint(addr string) *rpcError {
	return &rpcError{
		Code:    codeBundler,
		Message: "Unsupported EntryPoint: " + addr,
		Data:    &reasonData{Reason: "unsupported-entrypoint"},
	}
}

// translate is the single mapping from component errors to JSON-RPC error
// objects. Everything not recognized as a caller fault is an internal
// error; the original message is preserved for the caller, the environment
// details stay in the server log.
func translate(err error) *rpcError {
	var re *rpcError
	if errors.As(err, &re) {
		return re
	}

	var fieldErr *validator.FieldError
	if errors.As(err, &fieldErr) {
		return &rpcError{Code: codeInvalidParams, Message: fieldErr.Error(), Data: &reasonData{Reason: fieldErr.Error()}}
	}
	var simErr *validator.SimulationError
	if errors.As(err, &simErr) {
		return &rpcError{
			Code:    codeBundler,
			Message: "UserOperation rejected by simulation: " + simErr.Reason,
			Data:    &reasonData{Reason: simErr.Reason, Revert: simErr.Revert.String()},
		}
	}

	switch {
	case errors.Is(err, validator.ErrNonceTooLow),
		errors.Is(err, mempool.ErrAlreadyKnown),
		errors.Is(err, mempool.ErrNonceReused),
		errors.Is(err, store.ErrDuplicateHash):
		return &rpcError{Code: codeBundler, Message: err.Error(), Data: &reasonData{Reason: err.Error()}}
	}
	return &rpcError{Code: codeInternal, Message: err.Error()}
}
