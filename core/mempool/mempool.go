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

// Package mempool maintains the in-memory projection of admitted user
// operations over the persistent store. Admission, duplicate detection and
// lifecycle transitions all funnel through a single lock; the store write
// inside Add is the commit point, so the maps never hold an operation the
// store rejected.
package mempool

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
	"github.com/pushpak0601/sonic-4337-bundler/store"
)

var (
	// ErrAlreadyKnown is returned on admission of a hash already pooled.
	ErrAlreadyKnown = errors.New("duplicate-in-mempool")

	// ErrNonceReused is returned when the sender already has a live
	// operation with the same nonce.
	ErrNonceReused = errors.New("nonce-reused")
)

var (
	pendingGauge  = metrics.NewRegisteredGauge("mempool/pending", nil)
	inflightGauge = metrics.NewRegisteredGauge("mempool/inflight", nil)
	addedMeter    = metrics.NewRegisteredMeter("mempool/added", nil)
	rejectedMeter = metrics.NewRegisteredMeter("mempool/rejected", nil)
)

// Storage is the slice of the store contract the pool writes through to.
type Storage interface {
	SaveUserOp(ctx context.Context, rec *store.UserOpRecord) error
	UpdateUserOpStatus(ctx context.Context, hash common.Hash, status store.Status, upd *store.UserOpUpdate) error
	RequeueUserOp(ctx context.Context, hash common.Hash) error
	ListPending(ctx context.Context, limit int) ([]*store.UserOpRecord, error)
}

// Entry is a snapshot of one pooled operation. Callers receive copies;
// mutating an Entry never touches pool state.
type Entry struct {
	Op          userop.UserOperation
	Hash        common.Hash
	Seq         uint64
	CreatedAt   time.Time
	Inflight    bool
	TxHash      common.Hash
	SubmittedAt time.Time
}

type entry struct {
	op          userop.UserOperation
	hash        common.Hash
	seq         uint64
	createdAt   time.Time
	inflight    bool
	txHash      common.Hash
	submittedAt time.Time
}

// Pool indexes live user operations by hash and by (sender, nonce). An
// operation stays pooled from admission until a terminal transition;
// submitted operations remain visible but are excluded from selection.
type Pool struct {
	mu      sync.Mutex
	byHash  map[common.Hash]*entry
	byNonce map[string]mapset.Set[string]
	seq     uint64

	storage Storage
	log     log.Logger
}

// New creates an empty pool over the given storage backend.
func New(storage Storage) *Pool {
	return &Pool{
		byHash:  make(map[common.Hash]*entry),
		byNonce: make(map[string]mapset.Set[string]),
		storage: storage,
		log:     log.New("component", "mempool"),
	}
}

// Load rebuilds the in-memory indexes from the store's pending records.
// Called once at startup before the pool is shared.
func (p *Pool) Load(ctx context.Context) error {
	recs, err := p.storage.ListPending(ctx, 0)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range recs {
		op := userop.Format(rec.Op)
		p.seq++
		p.insertLocked(&entry{
			op:        op,
			hash:      rec.UserOpHash,
			seq:       p.seq,
			createdAt: rec.CreatedAt,
		})
	}
	p.updateGaugesLocked()
	p.log.Info("Mempool reloaded", "pending", len(recs))
	return nil
}

// Add admits a validated operation. The store insert happens under the pool
// lock so that concurrent admissions of the same hash or (sender, nonce)
// observe each other. The in-memory indexes are only touched after the
// store accepts the record.
func (p *Pool) Add(ctx context.Context, op *userop.UserOperation, hash common.Hash) error {
	c := userop.Format(*op)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[hash]; ok {
		rejectedMeter.Mark(1)
		return ErrAlreadyKnown
	}
	if nonces, ok := p.byNonce[c.Sender]; ok && nonces.Contains(c.Nonce) {
		rejectedMeter.Mark(1)
		return ErrNonceReused
	}
	now := time.Now().UTC()
	err := p.storage.SaveUserOp(ctx, &store.UserOpRecord{
		Op:         c,
		UserOpHash: hash,
		Status:     store.StatusPending,
		CreatedAt:  now,
	})
	if err != nil {
		rejectedMeter.Mark(1)
		return err
	}
	p.seq++
	p.insertLocked(&entry{op: c, hash: hash, seq: p.seq, createdAt: now})
	addedMeter.Mark(1)
	p.updateGaugesLocked()
	p.log.Trace("Pooled user operation", "hash", hash, "sender", c.Sender, "nonce", c.Nonce)
	return nil
}

func (p *Pool) insertLocked(e *entry) {
	p.byHash[e.hash] = e
	nonces, ok := p.byNonce[e.op.Sender]
	if !ok {
		nonces = mapset.NewThreadUnsafeSet[string]()
		p.byNonce[e.op.Sender] = nonces
	}
	nonces.Add(e.op.Nonce)
}

func (p *Pool) dropLocked(e *entry) {
	delete(p.byHash, e.hash)
	if nonces, ok := p.byNonce[e.op.Sender]; ok {
		nonces.Remove(e.op.Nonce)
		if nonces.Cardinality() == 0 {
			delete(p.byNonce, e.op.Sender)
		}
	}
}

// Get returns a snapshot of the pooled operation, or nil.
func (p *Pool) Get(hash common.Hash) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byHash[hash]
	if !ok {
		return nil
	}
	return e.snapshot()
}

// All returns every pooled entry in insertion order, submitted included.
func (p *Pool) All() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectLocked(func(*entry) bool { return true })
}

// Pending returns the entries eligible for the next bundle, in insertion
// order. Operations already riding a transaction are excluded.
func (p *Pool) Pending() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectLocked(func(e *entry) bool { return !e.inflight })
}

// BySender returns the pooled entries for one sender in insertion order.
// The argument is canonicalized the same way pooled senders are.
func (p *Pool) BySender(sender string) []*Entry {
	want := userop.Format(userop.UserOperation{Sender: sender}).Sender
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectLocked(func(e *entry) bool { return e.op.Sender == want })
}

func (p *Pool) collectLocked(keep func(*entry) bool) []*Entry {
	out := make([]*Entry, 0, len(p.byHash))
	for _, e := range p.byHash {
		if keep(e) {
			out = append(out, e.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// PendingCount reports the number of selectable operations.
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.byHash {
		if !e.inflight {
			n++
		}
	}
	return n
}

// MarkSubmitted flags the operation as riding txHash. The entry stays
// pooled so its (sender, nonce) slot remains occupied until the receipt
// settles it, but it no longer appears in Pending.
func (p *Pool) MarkSubmitted(ctx context.Context, hash, txHash common.Hash) error {
	err := p.storage.UpdateUserOpStatus(ctx, hash, store.StatusSubmitted, &store.UserOpUpdate{TxHash: txHash})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byHash[hash]; ok {
		e.inflight = true
		e.txHash = txHash
		e.submittedAt = time.Now().UTC()
	}
	p.updateGaugesLocked()
	return nil
}

// MarkConfirmed records the receipt outcome and drops the entry.
func (p *Pool) MarkConfirmed(ctx context.Context, hash common.Hash, gasUsed uint64, gasCost *big.Int, blockNumber uint64) error {
	err := p.storage.UpdateUserOpStatus(ctx, hash, store.StatusConfirmed, &store.UserOpUpdate{
		GasUsed:     gasUsed,
		GasCost:     gasCost,
		BlockNumber: blockNumber,
	})
	if err != nil {
		return err
	}
	p.remove(hash)
	return nil
}

// MarkFailed records the failure reason and drops the entry.
func (p *Pool) MarkFailed(ctx context.Context, hash common.Hash, reason string) error {
	err := p.storage.UpdateUserOpStatus(ctx, hash, store.StatusFailed, &store.UserOpUpdate{ErrorMessage: reason})
	if err != nil {
		return err
	}
	p.remove(hash)
	return nil
}

// Remove evicts a pending operation without submitting it.
func (p *Pool) Remove(ctx context.Context, hash common.Hash) error {
	err := p.storage.UpdateUserOpStatus(ctx, hash, store.StatusRemoved, nil)
	if err != nil {
		return err
	}
	p.remove(hash)
	return nil
}

// Requeue returns a submitted operation to the selectable set after its
// receipt never arrived. The store moves the record back to pending.
func (p *Pool) Requeue(ctx context.Context, hash common.Hash) error {
	if err := p.storage.RequeueUserOp(ctx, hash); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byHash[hash]; ok {
		e.inflight = false
		e.txHash = common.Hash{}
		e.submittedAt = time.Time{}
	}
	p.updateGaugesLocked()
	p.log.Debug("Requeued user operation", "hash", hash)
	return nil
}

// Stalled returns the hashes of submitted operations whose transaction was
// sent before cutoff and still has no settled receipt.
func (p *Pool) Stalled(cutoff time.Time) []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []common.Hash
	for _, e := range p.byHash {
		if e.inflight && e.submittedAt.Before(cutoff) {
			out = append(out, e.hash)
		}
	}
	return out
}

func (p *Pool) remove(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byHash[hash]; ok {
		p.dropLocked(e)
	}
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	var pending, inflight int64
	for _, e := range p.byHash {
		if e.inflight {
			inflight++
		} else {
			pending++
		}
	}
	pendingGauge.Update(pending)
	inflightGauge.Update(inflight)
}

func (e *entry) snapshot() *Entry {
	return &Entry{
		Op:          e.op,
		Hash:        e.hash,
		Seq:         e.seq,
		CreatedAt:   e.createdAt,
		Inflight:    e.inflight,
		TxHash:      e.txHash,
		SubmittedAt: e.submittedAt,
	}
}
