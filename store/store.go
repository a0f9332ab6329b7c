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

// Package store persists user operation and bundle records. Two backends
// implement the same contract: Postgres for deployments and an in-memory
// store for development and tests. Status transitions are enforced by the
// backend itself so that no caller can move a record backwards.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
)

// Status is the lifecycle state of a user operation or bundle record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusRemoved   Status = "removed"
)

// userOpPrev maps each user operation status to the set of states it may be
// entered from. Transitions outside this table are silently dropped.
var userOpPrev = map[Status][]Status{
	StatusSubmitted: {StatusPending},
	StatusConfirmed: {StatusSubmitted},
	StatusFailed:    {StatusSubmitted},
	StatusRemoved:   {StatusPending},
}

// bundlePrev is the transition table for bundle records.
var bundlePrev = map[Status][]Status{
	StatusSubmitted: {StatusPending},
	StatusConfirmed: {StatusSubmitted},
	StatusFailed:    {StatusSubmitted},
}

// ErrDuplicateHash is returned by SaveUserOp when the hash already exists.
var ErrDuplicateHash = errors.New("duplicate-hash")

// UserOpRecord is a user operation together with its lifecycle metadata.
// UserOpHash is the primary key.
type UserOpRecord struct {
	Op         userop.UserOperation
	UserOpHash common.Hash
	Status     Status

	CreatedAt   time.Time
	SubmittedAt *time.Time
	ConfirmedAt *time.Time

	TxHash       common.Hash
	GasUsed      uint64
	GasCost      *big.Int
	ErrorMessage string
	BlockNumber  uint64

	// Seq is the backend-assigned insertion sequence, used to keep
	// createdAt ordering stable across equal timestamps.
	Seq int64
}

// UserOpUpdate carries the optional fields set alongside a status change.
type UserOpUpdate struct {
	TxHash       common.Hash
	GasUsed      uint64
	GasCost      *big.Int
	ErrorMessage string
	BlockNumber  uint64
}

// BundleRecord describes one handleOps submission. BundleHash is derived
// from the member hashes in selection order and is the primary key.
type BundleRecord struct {
	BundleHash   common.Hash
	TxHash       common.Hash
	UserOpCount  int
	TotalGasUsed uint64
	TotalGasCost *big.Int
	Status       Status
	BlockNumber  uint64

	CreatedAt   time.Time
	SubmittedAt *time.Time
	ConfirmedAt *time.Time

	// UserOpHashes preserves selection order.
	UserOpHashes []common.Hash
}

// BundleUpdate carries the optional fields set alongside a bundle status
// change.
type BundleUpdate struct {
	TxHash       common.Hash
	TotalGasUsed uint64
	TotalGasCost *big.Int
	BlockNumber  uint64
}

// Store is the persistence contract shared by all backends.
//
// UpdateUserOpStatus and UpdateBundleStatus are no-ops when the record is
// absent or the transition is not allowed by the state machine; they only
// return an error on backend failure. SaveUserOp returns ErrDuplicateHash
// on a hash collision.
type Store interface {
	SaveUserOp(ctx context.Context, rec *UserOpRecord) error
	UpdateUserOpStatus(ctx context.Context, hash common.Hash, status Status, upd *UserOpUpdate) error
	GetUserOpByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error)
	ListPending(ctx context.Context, limit int) ([]*UserOpRecord, error)

	// RequeueUserOp moves a submitted record back to pending, clearing its
	// transaction hash. It is the administrative exception to the forward
	// transition table, used by the receipt-timeout policy.
	RequeueUserOp(ctx context.Context, hash common.Hash) error

	SaveBundle(ctx context.Context, rec *BundleRecord) error
	UpdateBundleStatus(ctx context.Context, hash common.Hash, status Status, upd *BundleUpdate) error
	ListBundles(ctx context.Context, limit int) ([]*BundleRecord, error)

	Close() error
}

// allowed reports whether a record in from may enter to, per table.
func allowed(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[to] {
		if s == from {
			return true
		}
	}
	return false
}
