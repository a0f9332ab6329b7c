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

// Package bundler assembles the ERC-4337 bundler node: store, chain
// connection, mempool, validator, executor and RPC server, wired from one
// finalized configuration and torn down in reverse order.
package bundler

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/pushpak0601/sonic-4337-bundler/chain"
	"github.com/pushpak0601/sonic-4337-bundler/config"
	"github.com/pushpak0601/sonic-4337-bundler/core/executor"
	"github.com/pushpak0601/sonic-4337-bundler/core/mempool"
	"github.com/pushpak0601/sonic-4337-bundler/core/validator"
	"github.com/pushpak0601/sonic-4337-bundler/internal/version"
	"github.com/pushpak0601/sonic-4337-bundler/server"
	"github.com/pushpak0601/sonic-4337-bundler/store"
)

// ClientIdentifier is the name part of the web3_clientVersion string.
const ClientIdentifier = "sonic-bundler"

// shutdownGrace bounds how long Stop waits for in-flight HTTP requests.
const shutdownGrace = 10 * time.Second

// Node is a fully wired bundler instance.
type Node struct {
	cfg *config.Config

	store    store.Store
	chain    *chain.Service
	pool     *mempool.Pool
	executor *executor.Executor
	server   *server.Server

	log log.Logger
}

// New dials the chain, opens the store, reloads the mempool and wires the
// remaining components. The chain id handshake happens here; a mismatch
// aborts startup.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	logger := log.New("component", "node")

	var (
		st  store.Store
		err error
	)
	if cfg.MemoryStore() {
		logger.Warn("Using in-memory store, operations will not survive a restart")
		st = store.NewMemoryStore()
	} else {
		st, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	ch, err := chain.Dial(ctx, cfg.RPCURL, cfg.EntryPointAddress(), cfg.Key(), cfg.ChainIDBig())
	if err != nil {
		st.Close()
		return nil, err
	}

	pool := mempool.New(st)
	if err := pool.Load(ctx); err != nil {
		ch.Close()
		st.Close()
		return nil, fmt.Errorf("reload mempool: %w", err)
	}

	val := validator.New(ch)
	exec := executor.New(cfg, ch, pool, st)
	srv := server.New(server.Options{
		ChainID:       ch.ChainID(),
		EntryPoint:    cfg.EntryPointAddress(),
		Beneficiary:   cfg.BeneficiaryAddress(),
		ClientVersion: version.ClientName(ClientIdentifier),
		Port:          cfg.Port,
	}, val, pool, st)

	return &Node{
		cfg:      cfg,
		store:    st,
		chain:    ch,
		pool:     pool,
		executor: exec,
		server:   srv,
		log:      logger,
	}, nil
}

// Run starts the executor and the RPC server and blocks until ctx is
// cancelled or the server fails. Teardown is ordered: stop accepting
// requests, stop bundling, then close the chain connection and the store.
func (n *Node) Run(ctx context.Context) error {
	n.executor.Start()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(n.server.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return n.server.Shutdown(shutdownCtx)
	})

	err := group.Wait()

	n.executor.Stop()
	n.chain.Close()
	if closeErr := n.store.Close(); closeErr != nil {
		n.log.Error("Store close failed", "err", closeErr)
	}
	n.log.Info("Bundler stopped")

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
