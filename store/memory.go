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

package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps records in process memory. It implements the same
// state machine as the Postgres backend and is the store selected by the
// memory:// database path. Contents do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	userOps map[common.Hash]*UserOpRecord
	bundles map[common.Hash]*BundleRecord
	seq     int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		userOps: make(map[common.Hash]*UserOpRecord),
		bundles: make(map[common.Hash]*BundleRecord),
	}
}

func (s *MemoryStore) SaveUserOp(ctx context.Context, rec *UserOpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.userOps[rec.UserOpHash]; ok {
		return ErrDuplicateHash
	}
	s.seq++
	cp := cloneUserOp(rec)
	cp.Seq = s.seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	s.userOps[rec.UserOpHash] = cp
	return nil
}

func (s *MemoryStore) UpdateUserOpStatus(ctx context.Context, hash common.Hash, status Status, upd *UserOpUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.userOps[hash]
	if !ok || !allowed(userOpPrev, rec.Status, status) {
		return nil
	}
	rec.Status = status
	now := time.Now().UTC()
	switch status {
	case StatusSubmitted:
		rec.SubmittedAt = &now
	case StatusConfirmed:
		rec.ConfirmedAt = &now
	}
	if upd != nil {
		if upd.TxHash != (common.Hash{}) {
			rec.TxHash = upd.TxHash
		}
		if upd.GasUsed != 0 {
			rec.GasUsed = upd.GasUsed
		}
		if upd.GasCost != nil {
			rec.GasCost = new(big.Int).Set(upd.GasCost)
		}
		if upd.ErrorMessage != "" {
			rec.ErrorMessage = upd.ErrorMessage
		}
		if upd.BlockNumber != 0 {
			rec.BlockNumber = upd.BlockNumber
		}
	}
	return nil
}

func (s *MemoryStore) GetUserOpByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.userOps[hash]
	if !ok {
		return nil, nil
	}
	return cloneUserOp(rec), nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]*UserOpRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UserOpRecord
	for _, rec := range s.userOps {
		if rec.Status == StatusPending {
			out = append(out, cloneUserOp(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequeueUserOp(ctx context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.userOps[hash]
	if !ok || rec.Status != StatusSubmitted {
		return nil
	}
	rec.Status = StatusPending
	rec.TxHash = common.Hash{}
	rec.SubmittedAt = nil
	return nil
}

func (s *MemoryStore) SaveBundle(ctx context.Context, rec *BundleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bundles[rec.BundleHash]; ok {
		return ErrDuplicateHash
	}
	cp := cloneBundle(rec)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.bundles[rec.BundleHash] = cp
	return nil
}

func (s *MemoryStore) UpdateBundleStatus(ctx context.Context, hash common.Hash, status Status, upd *BundleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bundles[hash]
	if !ok || !allowed(bundlePrev, rec.Status, status) {
		return nil
	}
	rec.Status = status
	now := time.Now().UTC()
	switch status {
	case StatusSubmitted:
		rec.SubmittedAt = &now
	case StatusConfirmed:
		rec.ConfirmedAt = &now
	}
	if upd != nil {
		if upd.TxHash != (common.Hash{}) {
			rec.TxHash = upd.TxHash
		}
		if upd.TotalGasUsed != 0 {
			rec.TotalGasUsed = upd.TotalGasUsed
		}
		if upd.TotalGasCost != nil {
			rec.TotalGasCost = new(big.Int).Set(upd.TotalGasCost)
		}
		if upd.BlockNumber != 0 {
			rec.BlockNumber = upd.BlockNumber
		}
	}
	return nil
}

func (s *MemoryStore) ListBundles(ctx context.Context, limit int) ([]*BundleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BundleRecord
	for _, rec := range s.bundles {
		out = append(out, cloneBundle(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneUserOp(rec *UserOpRecord) *UserOpRecord {
	cp := *rec
	if rec.GasCost != nil {
		cp.GasCost = new(big.Int).Set(rec.GasCost)
	}
	if rec.SubmittedAt != nil {
		t := *rec.SubmittedAt
		cp.SubmittedAt = &t
	}
	if rec.ConfirmedAt != nil {
		t := *rec.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

func cloneBundle(rec *BundleRecord) *BundleRecord {
	cp := *rec
	if rec.TotalGasCost != nil {
		cp.TotalGasCost = new(big.Int).Set(rec.TotalGasCost)
	}
	if rec.SubmittedAt != nil {
		t := *rec.SubmittedAt
		cp.SubmittedAt = &t
	}
	if rec.ConfirmedAt != nil {
		t := *rec.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	cp.UserOpHashes = append([]common.Hash(nil), rec.UserOpHashes...)
	return &cp
}
