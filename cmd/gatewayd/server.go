package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/mcpgate/gateway/metatool"
)

// jsonrpcServer frames newline-delimited JSON-RPC 2.0 requests over r/w,
// the server-side mirror of upstream's stdioTransport (spec §4.1: "each
// inbound message must be a complete JSON object terminated by a newline
// for stdio"). One request is handled at a time, in arrival order.
type jsonrpcServer struct {
	handler *metatool.Handler
	reader  *bufio.Reader
	writer  io.Writer
}

func newJSONRPCServer(h *metatool.Handler, r io.Reader, w io.Writer) *jsonrpcServer {
	return &jsonrpcServer{handler: h, reader: bufio.NewReader(r), writer: w}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	parseError     = -32700
	methodNotFound = -32601
	invalidParams  = -32602
	internalError  = -32603
)

// serve reads one frame at a time until ctx is cancelled or the reader
// reaches EOF.
func (s *jsonrpcServer) serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
		line = []byte(strings.TrimRight(string(line), "\r\n"))
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			s.writeError(nil, parseError, "invalid json: "+jsonErr.Error())
			continue
		}
		s.dispatch(ctx, req)
	}
}

func (s *jsonrpcServer) dispatch(ctx context.Context, req rpcRequest) {
	result, err := s.invoke(ctx, req.Method, req.Params)
	if err != nil {
		code := internalError
		var coded *rpcErrorCode
		if errors.As(err, &coded) {
			code = coded.code
		}
		s.writeError(req.ID, code, err.Error())
		return
	}
	s.writeResult(req.ID, result)
}

func (s *jsonrpcServer) invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "search_tools":
		var req metatool.SearchToolsRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.SearchTools(ctx, req)
	case "search_capabilities":
		var req metatool.SearchCapabilitiesRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.SearchCapabilities(ctx, req)
	case "execute_dag":
		var req metatool.ExecuteDAGRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.ExecuteDAG(ctx, req)
	case "execute_code":
		var req metatool.ExecuteCodeRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.ExecuteCode(ctx, req)
	case "continue":
		var req metatool.ContinueRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.Continue(ctx, req)
	case "abort":
		var req metatool.AbortRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.Abort(ctx, req)
	case "replan":
		var req metatool.ReplanRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.Replan(ctx, req)
	case "approval_response":
		var req metatool.ApprovalResponseRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.handler.ApprovalResponse(ctx, req)
	default:
		if server, tool, ok := strings.Cut(method, ":"); ok {
			var args map[string]any
			if len(params) > 0 {
				if err := json.Unmarshal(params, &args); err != nil {
					return nil, &rpcErrorCode{code: invalidParams, err: err}
				}
			}
			return s.handler.CallTool(ctx, server+":"+tool, args)
		}
		return nil, &rpcErrorCode{code: methodNotFound, err: fmt.Errorf("method not found: %s", method)}
	}
}

// rpcErrorCode carries the JSON-RPC error code a failure should be
// reported with, instead of always falling back to internalError.
type rpcErrorCode struct {
	code int
	err  error
}

func (e *rpcErrorCode) Error() string { return e.err.Error() }
func (e *rpcErrorCode) Unwrap() error { return e.err }

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &rpcErrorCode{code: invalidParams, err: err}
	}
	return nil
}

func (s *jsonrpcServer) writeResult(id json.RawMessage, result any) {
	if err := s.write(rpcResponse{JSONRPC: "2.0", ID: id, Result: result}); err != nil {
		log.Printf("gatewayd: write response: %v", err)
	}
}

func (s *jsonrpcServer) writeError(id json.RawMessage, code int, message string) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
	if err := s.write(resp); err != nil {
		log.Printf("gatewayd: write error response: %v", err)
	}
}

func (s *jsonrpcServer) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = s.writer.Write(data)
	return err
}
