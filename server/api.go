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
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
	"github.com/pushpak0601/sonic-4337-bundler/core/validator"
	"github.com/pushpak0601/sonic-4337-bundler/store"
)

// sendUserOperation admits a user operation: entrypoint gate, full
// validation pipeline, then the mempool. The result is the EntryPoint hash.
func (s *Server) sendUserOperation(ctx context.Context, params []json.RawMessage, logger log.Logger) (interface{}, error) {
	op, err := s.decodeOpParams(params)
	if err != nil {
		return nil, err
	}
	hash, canonical, err := s.validator.Validate(ctx, op)
	if err != nil {
		return nil, err
	}
	if err := s.pool.Add(ctx, canonical, hash); err != nil {
		return nil, err
	}
	logger.Info("Accepted user operation", "hash", hash, "sender", canonical.Sender, "nonce", canonical.Nonce)
	return hash.Hex(), nil
}

// estimateUserOperationGas returns conservative gas values for the
// operation. The entrypoint gate and format checks run first; the numbers
// come from the calldata-size formula.
func (s *Server) estimateUserOperationGas(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	op, err := s.decodeOpParams(params)
	if err != nil {
		return nil, err
	}
	if err := validator.CheckFormat(op); err != nil {
		return nil, err
	}
	est, err := s.validator.EstimateGas(op)
	if err != nil {
		return nil, err
	}
	return est, nil
}

// decodeOpParams decodes the common [userOperation, entryPoint] parameter
// shape and enforces the entrypoint allow-list.
func (s *Server) decodeOpParams(params []json.RawMessage) (*userop.UserOperation, error) {
	if len(params) != 2 {
		return nil, errInvalidParams("expected [userOperation, entryPoint]")
	}
	var op userop.UserOperation
	if err := json.Unmarshal(params[0], &op); err != nil {
		return nil, errInvalidParams("malformed user operation: " + err.Error())
	}
	var entryPoint string
	if err := json.Unmarshal(params[1], &entryPoint); err != nil {
		return nil, errInvalidParams("malformed entryPoint address")
	}
	if !strings.EqualFold(strings.TrimSpace(entryPoint), s.entryPoint.Hex()) {
		return nil, errUnsupportedEntryPoint(entryPoint)
	}
	return &op, nil
}

// decodeHashParam decodes the single 32-byte hash parameter shape.
func decodeHashParam(params []json.RawMessage) (common.Hash, error) {
	if len(params) != 1 {
		return common.Hash{}, errInvalidParams("expected [userOpHash]")
	}
	var raw string
	if err := json.Unmarshal(params[0], &raw); err != nil {
		return common.Hash{}, errInvalidParams("malformed hash")
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errInvalidParams("hash must be 32 bytes of 0x-hex")
	}
	return common.BytesToHash(b), nil
}

// userOpReceipt is the eth_getUserOperationReceipt result.
type userOpReceipt struct {
	UserOpHash    string        `json:"userOpHash"`
	EntryPoint    string        `json:"entryPoint"`
	Sender        string        `json:"sender"`
	Nonce         string        `json:"nonce"`
	Paymaster     *string       `json:"paymaster"`
	ActualGasCost string        `json:"actualGasCost"`
	ActualGasUsed string        `json:"actualGasUsed"`
	Success       bool          `json:"success"`
	Reason        *string       `json:"reason"`
	Logs          []interface{} `json:"logs"`
	Receipt       txReceipt     `json:"receipt"`
}

// txReceipt is the nested transaction receipt. Block fields the bundler
// does not track are "0x0".
type txReceipt struct {
	TransactionHash   string        `json:"transactionHash"`
	BlockNumber       string        `json:"blockNumber"`
	From              string        `json:"from"`
	To                string        `json:"to"`
	CumulativeGasUsed string        `json:"cumulativeGasUsed"`
	GasUsed           string        `json:"gasUsed"`
	Logs              []interface{} `json:"logs"`
	LogsBloom         string        `json:"logsBloom"`
	Status            string        `json:"status"`
	EffectiveGasPrice string        `json:"effectiveGasPrice"`
}

// getUserOperationReceipt serves receipts for settled operations. Pending
// and submitted operations yield null, per the bundler RPC contract.
func (s *Server) getUserOperationReceipt(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	hash, err := decodeHashParam(params)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetUserOpByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil || (rec.Status != store.StatusConfirmed && rec.Status != store.StatusFailed) {
		return nil, nil
	}
	return buildReceipt(rec, s.beneficiary, s.entryPoint), nil
}

func buildReceipt(rec *store.UserOpRecord, from, entryPoint common.Address) *userOpReceipt {
	out := &userOpReceipt{
		UserOpHash:    rec.UserOpHash.Hex(),
		EntryPoint:    strings.ToLower(entryPoint.Hex()),
		Sender:        rec.Op.Sender,
		Nonce:         rec.Op.Nonce,
		ActualGasCost: bigHexOrZero(rec.GasCost),
		ActualGasUsed: hexutil.EncodeUint64(rec.GasUsed),
		Success:       rec.Status == store.StatusConfirmed,
		Logs:          []interface{}{},
		Receipt: txReceipt{
			TransactionHash:   rec.TxHash.Hex(),
			BlockNumber:       hexutil.EncodeUint64(rec.BlockNumber),
			From:              strings.ToLower(from.Hex()),
			To:                strings.ToLower(entryPoint.Hex()),
			CumulativeGasUsed: "0x0",
			GasUsed:           hexutil.EncodeUint64(rec.GasUsed),
			Logs:              []interface{}{},
			LogsBloom:         hexutil.Encode(make([]byte, types.BloomByteLength)),
			Status:            "0x0",
			EffectiveGasPrice: "0x0",
		},
	}
	if rec.Status == store.StatusConfirmed {
		out.Receipt.Status = "0x1"
	}
	if rec.ErrorMessage != "" {
		reason := rec.ErrorMessage
		out.Reason = &reason
	}
	if pm, ok := rec.Op.PaymasterAddress(); ok {
		addr := strings.ToLower(pm.Hex())
		out.Paymaster = &addr
	}
	if rec.GasUsed > 0 && rec.GasCost != nil {
		price := new(big.Int).Div(rec.GasCost, new(big.Int).SetUint64(rec.GasUsed))
		out.Receipt.EffectiveGasPrice = hexutil.EncodeBig(price)
	}
	return out
}

// userOpRecordResult is the eth_getUserOperationByHash result: the
// operation plus its lifecycle metadata.
type userOpRecordResult struct {
	UserOperation   *userop.UserOperation `json:"userOperation"`
	EntryPoint      string                `json:"entryPoint"`
	UserOpHash      string                `json:"userOpHash"`
	Status          string                `json:"status"`
	TransactionHash *string               `json:"transactionHash"`
	BlockNumber     *string               `json:"blockNumber"`
	CreatedAt       string                `json:"createdAt"`
	ErrorMessage    *string               `json:"errorMessage,omitempty"`
}

func (s *Server) getUserOperationByHash(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	hash, err := decodeHashParam(params)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetUserOpByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return s.buildRecordResult(rec), nil
}

func (s *Server) buildRecordResult(rec *store.UserOpRecord) *userOpRecordResult {
	op := rec.Op
	out := &userOpRecordResult{
		UserOperation: &op,
		EntryPoint:    strings.ToLower(s.entryPoint.Hex()),
		UserOpHash:    rec.UserOpHash.Hex(),
		Status:        string(rec.Status),
		CreatedAt:     rec.CreatedAt.UTC().Format(timeFormat),
	}
	if rec.TxHash != (common.Hash{}) {
		tx := rec.TxHash.Hex()
		out.TransactionHash = &tx
	}
	if rec.BlockNumber != 0 {
		bn := hexutil.EncodeUint64(rec.BlockNumber)
		out.BlockNumber = &bn
	}
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

func (s *Server) supportedEntryPoints() []string {
	return []string{strings.ToLower(s.entryPoint.Hex())}
}

func (s *Server) chainIDHex() string {
	return hexutil.EncodeBig(s.chainID)
}

func bigHexOrZero(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(n)
}
