package mcp

import (
	"encoding/json"

	"github.com/mnemon/mnemon/internal/errs"
)

// JSON-RPC types
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Server error range mapping the taxonomy.
const (
	codeNotFound    = -32001
	codeSizeLimit   = -32002
	codeAuth        = -32003
	codeRateLimit   = -32004
	codeTimeout     = -32005
	codeCircuitOpen = -32006
	codeDependency  = -32007
)

// errorCode maps a taxonomy kind onto the wire code.
func errorCode(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidRequest:
		return codeInvalidRequest
	case errs.KindInvalidParameters:
		return codeInvalidParams
	case errs.KindNotFound:
		return codeNotFound
	case errs.KindSizeLimit:
		return codeSizeLimit
	case errs.KindAuth:
		return codeAuth
	case errs.KindRateLimit:
		return codeRateLimit
	case errs.KindTimeout:
		return codeTimeout
	case errs.KindCircuitOpen:
		return codeCircuitOpen
	case errs.KindStorage, errs.KindEmbedding, errs.KindConflict:
		return codeDependency
	default:
		return codeInternalError
	}
}

// errorResponse builds a sanitized wire error from any failure.
func errorResponse(id any, err error) *jsonRPCResponse {
	e := errs.AsE(err)
	var data map[string]any
	if e.CorrelationID != "" {
		data = map[string]any{"correlation_id": e.CorrelationID}
	}
	if e.Kind == errs.KindRateLimit {
		if data == nil {
			data = map[string]any{}
		}
		data["retry_after_ms"] = 1000
	}
	return &jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &jsonRPCError{
			Code:    errorCode(e.Kind),
			Message: e.ClientMessage(),
			Data:    data,
		},
	}
}

func resultResponse(id any, result any) *jsonRPCResponse {
	return &jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// MCP handshake types
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type toolsListResult struct {
	Tools []toolDefinition `json:"tools"`
}

type toolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

type property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolsCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
