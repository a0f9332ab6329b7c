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

// Package server exposes the bundler over HTTP: the ERC-4337 JSON-RPC
// surface on POST / and a handful of read-only operator endpoints. It is
// the single place where component errors become JSON-RPC error codes.
package server

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/pushpak0601/sonic-4337-bundler/core/mempool"
	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
	"github.com/pushpak0601/sonic-4337-bundler/core/validator"
	"github.com/pushpak0601/sonic-4337-bundler/store"
)

const (
	// maxBodyBytes bounds the request body; batches of large operations
	// fit comfortably under 10 MiB.
	maxBodyBytes = 10 << 20

	timeFormat = time.RFC3339
)

var (
	requestMeter = metrics.NewRegisteredMeter("bundler/rpc/requests", nil)
	errorMeter   = metrics.NewRegisteredMeter("bundler/rpc/errors", nil)
	serveTimer   = metrics.NewRegisteredTimer("bundler/rpc/serve", nil)
)

// Validation is the admission surface the dispatcher calls into.
type Validation interface {
	Validate(ctx context.Context, op *userop.UserOperation) (common.Hash, *userop.UserOperation, error)
	EstimateGas(op *userop.UserOperation) (*validator.GasEstimate, error)
}

// Pool is the mempool surface the dispatcher calls into.
type Pool interface {
	Add(ctx context.Context, op *userop.UserOperation, hash common.Hash) error
	Get(hash common.Hash) *mempool.Entry
	All() []*mempool.Entry
	PendingCount() int
}

// ReadStore is the store surface behind the lookup methods.
type ReadStore interface {
	GetUserOpByHash(ctx context.Context, hash common.Hash) (*store.UserOpRecord, error)
	ListBundles(ctx context.Context, limit int) ([]*store.BundleRecord, error)
}

// Server is the HTTP front of the bundler.
type Server struct {
	validator Validation
	pool      Pool
	store     ReadStore

	chainID       *big.Int
	entryPoint    common.Address
	beneficiary   common.Address
	clientVersion string

	httpServer *http.Server
	log        log.Logger
}

// Options carries the static identity the server reports to clients.
type Options struct {
	ChainID       *big.Int
	EntryPoint    common.Address
	Beneficiary   common.Address
	ClientVersion string
	Port          int
}

// New builds the server and its route table. Run starts listening.
func New(opts Options, val Validation, pool Pool, st ReadStore) *Server {
	s := &Server{
		validator:     val,
		pool:          pool,
		store:         st,
		chainID:       opts.ChainID,
		entryPoint:    opts.EntryPoint,
		beneficiary:   opts.Beneficiary,
		clientVersion: opts.ClientVersion,
		log:           log.New("component", "rpc"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestID())

	engine.POST("/", s.handleRPC)
	engine.GET("/health", s.handleHealth)
	engine.GET("/mempool", s.handleMempool)
	engine.GET("/userOp/:hash", s.handleUserOp)
	engine.GET("/bundles", s.handleBundles)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}).Handler(engine)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called. It returns nil
// on a clean shutdown.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.log.Info("RPC server listening", "addr", listener.Addr(), "entrypoint", s.entryPoint, "chainid", s.chainID)
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requestID tags every request with a correlation id, echoed in the
// X-Request-Id header and attached to the request-scoped logger.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Writer.Header().Set("X-Request-Id", id)
		c.Set("logger", s.log.With("reqid", id))
		c.Next()
	}
}

func (s *Server) requestLogger(c *gin.Context) log.Logger {
	if v, ok := c.Get("logger"); ok {
		if logger, ok := v.(log.Logger); ok {
			return logger
		}
	}
	return s.log
}

// handleRPC is the JSON-RPC entry point. Chain calls run on the server's
// own context, not the request context: a client disconnect must not tear
// down work whose on-chain side effects have already started.
func (s *Server) handleRPC(c *gin.Context) {
	defer serveTimer.UpdateSince(time.Now())
	logger := s.requestLogger(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, errInvalidRequest("unreadable body")))
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusOK, errorResponse(nil, errInvalidRequest("request body too large")))
		return
	}
	if firstNonSpace(body) == 0 {
		c.JSON(http.StatusOK, errorResponse(nil, errInvalidRequest("empty body")))
		return
	}
	c.JSON(http.StatusOK, s.dispatch(context.Background(), body, logger))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"chainId":    s.chainID.String(),
		"entryPoint": strings.ToLower(s.entryPoint.Hex()),
		"mempool":    s.pool.PendingCount(),
	})
}

// mempoolEntry is the operator view of one pooled operation.
type mempoolEntry struct {
	UserOpHash  string `json:"userOpHash"`
	Sender      string `json:"sender"`
	Nonce       string `json:"nonce"`
	MaxFee      string `json:"maxFeePerGas"`
	Submitted   bool   `json:"submitted"`
	TxHash      string `json:"txHash,omitempty"`
	CreatedAt   string `json:"createdAt"`
	SubmittedAt string `json:"submittedAt,omitempty"`
}

func (s *Server) handleMempool(c *gin.Context) {
	entries := s.pool.All()
	out := make([]mempoolEntry, 0, len(entries))
	for _, e := range entries {
		item := mempoolEntry{
			UserOpHash: e.Hash.Hex(),
			Sender:     e.Op.Sender,
			Nonce:      e.Op.Nonce,
			MaxFee:     e.Op.MaxFeePerGas,
			Submitted:  e.Inflight,
			CreatedAt:  e.CreatedAt.UTC().Format(timeFormat),
		}
		if e.Inflight {
			item.TxHash = e.TxHash.Hex()
			item.SubmittedAt = e.SubmittedAt.UTC().Format(timeFormat)
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "userOps": out})
}

func (s *Server) handleUserOp(c *gin.Context) {
	raw := c.Param("hash")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash must be 32 bytes of 0x-hex"})
		return
	}
	rec, err := s.store.GetUserOpByHash(context.Background(), common.BytesToHash(b))
	if err != nil {
		s.requestLogger(c).Error("User operation lookup failed", "hash", raw, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, s.buildRecordResult(rec))
}

// bundleSummary is the operator view of one bundle.
type bundleSummary struct {
	BundleHash   string   `json:"bundleHash"`
	TxHash       string   `json:"txHash"`
	Status       string   `json:"status"`
	UserOpCount  int      `json:"userOpCount"`
	TotalGasUsed uint64   `json:"totalGasUsed"`
	TotalGasCost string   `json:"totalGasCost"`
	BlockNumber  uint64   `json:"blockNumber"`
	CreatedAt    string   `json:"createdAt"`
	UserOpHashes []string `json:"userOpHashes"`
}

func (s *Server) handleBundles(c *gin.Context) {
	bundles, err := s.store.ListBundles(context.Background(), 50)
	if err != nil {
		s.requestLogger(c).Error("Bundle listing failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	out := make([]bundleSummary, 0, len(bundles))
	for _, b := range bundles {
		hashes := make([]string, 0, len(b.UserOpHashes))
		for _, h := range b.UserOpHashes {
			hashes = append(hashes, h.Hex())
		}
		out = append(out, bundleSummary{
			BundleHash:   b.BundleHash.Hex(),
			TxHash:       b.TxHash.Hex(),
			Status:       string(b.Status),
			UserOpCount:  b.UserOpCount,
			TotalGasUsed: b.TotalGasUsed,
			TotalGasCost: bigHexOrZero(b.TotalGasCost),
			BlockNumber:  b.BlockNumber,
			CreatedAt:    b.CreatedAt.UTC().Format(timeFormat),
			UserOpHashes: hashes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "bundles": out})
}
