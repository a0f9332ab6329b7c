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

	"github.com/ethereum/go-ethereum/log"
)

// rpcRequest is the JSON-RPC 2.0 request envelope. Params stay raw until
// the method handler decodes them into its own shape; keeping the member
// itself raw means a non-array params fails after the id is known, so the
// error response can carry it.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// paramList decodes the params member into its elements. Absent and null
// both mean no parameters.
func (r *rpcRequest) paramList() ([]json.RawMessage, error) {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(r.Params, &list); err != nil {
		return nil, errInvalidParams("params must be an array")
	}
	return list, nil
}

// rpcResponse carries either Result or Error, never both. Marshaling keeps
// an explicit "result": null on successful lookups of unknown records.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"-"`
	Error   *rpcError       `json:"-"`
}

func (r *rpcResponse) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *rpcError       `json:"error"`
		}{r.JSONRPC, r.ID, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result"`
	}{r.JSONRPC, r.ID, r.Result})
}

func successResponse(id json.RawMessage, result interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

func errorResponse(id json.RawMessage, rpcErr *rpcError) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: normalizeID(id), Error: rpcErr}
}

// normalizeID turns an absent id into an explicit JSON null so the field is
// always serialized.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// dispatch processes one JSON-RPC body, which may be a single request object
// or a batch array. Batch elements are handled independently; a failing
// element never affects its neighbors.
func (s *Server) dispatch(ctx context.Context, body []byte, logger log.Logger) interface{} {
	trimmed := firstNonSpace(body)
	if trimmed == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return errorResponse(nil, errInvalidRequest("invalid JSON batch"))
		}
		if len(batch) == 0 {
			return errorResponse(nil, errInvalidRequest("empty batch"))
		}
		responses := make([]*rpcResponse, len(batch))
		for i, raw := range batch {
			responses[i] = s.handleOne(ctx, raw, logger)
		}
		return responses
	}
	return s.handleOne(ctx, body, logger)
}

// handleOne decodes and serves a single request object.
func (s *Server) handleOne(ctx context.Context, raw []byte, logger log.Logger) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, errInvalidRequest("invalid JSON request"))
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, errInvalidRequest("jsonrpc must be \"2.0\""))
	}
	if req.Method == "" {
		return errorResponse(req.ID, errInvalidRequest("missing method"))
	}

	requestMeter.Mark(1)
	result, err := s.call(ctx, &req, logger)
	if err != nil {
		rpcErr := translate(err)
		if rpcErr.Code == codeInternal {
			logger.Error("RPC method failed", "method", req.Method, "err", err)
		} else {
			logger.Debug("RPC method rejected", "method", req.Method, "code", rpcErr.Code, "msg", rpcErr.Message)
		}
		errorMeter.Mark(1)
		return errorResponse(req.ID, rpcErr)
	}
	return successResponse(req.ID, result)
}

// call routes the request to its method handler.
func (s *Server) call(ctx context.Context, req *rpcRequest, logger log.Logger) (interface{}, error) {
	params, err := req.paramList()
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case "eth_sendUserOperation":
		return s.sendUserOperation(ctx, params, logger)
	case "eth_estimateUserOperationGas":
		return s.estimateUserOperationGas(ctx, params)
	case "eth_getUserOperationReceipt":
		return s.getUserOperationReceipt(ctx, params)
	case "eth_getUserOperationByHash":
		return s.getUserOperationByHash(ctx, params)
	case "eth_supportedEntryPoints":
		return s.supportedEntryPoints(), nil
	case "eth_chainId":
		return s.chainIDHex(), nil
	case "net_version":
		return s.chainID.String(), nil
	case "web3_clientVersion":
		return s.clientVersion, nil
	default:
		return nil, errMethodNotFound(req.Method)
	}
}

// firstNonSpace returns the first byte of b outside JSON whitespace, or 0.
func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}
