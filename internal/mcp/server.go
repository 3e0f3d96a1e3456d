// Package mcp is the request plane: JSON-RPC framing over stdio or
// HTTP/SSE, the MCP initialization handshake, tool dispatch, auth, rate
// limiting, and verbosity-aware response formatting.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/logging"
)

const protocolVersion = "2024-11-05"

// ToolHandler executes one tool call and returns the response envelope.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// toolSpec binds a tool definition to its handler and dispatch policy.
type toolSpec struct {
	def     toolDefinition
	handler ToolHandler
	admin   bool          // requires auth under admin_operations_require_auth
	timeout time.Duration // 0 means the server default
}

// Server dispatches MCP requests to registered tools.
type Server struct {
	name    string
	version string

	mu    sync.Mutex
	tools map[string]toolSpec
	order []string

	auth    *Authenticator
	limiter *RateLimiter
	metrics *Metrics

	defaultTimeout time.Duration
	initialized    atomic.Bool
}

// NewServer creates a server with the given admission controls.
func NewServer(name, version string, auth *Authenticator, limiter *RateLimiter, metrics *Metrics, defaultTimeout time.Duration) *Server {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Server{
		name:           name,
		version:        version,
		tools:          make(map[string]toolSpec),
		auth:           auth,
		limiter:        limiter,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
	}
}

// RegisterTool adds a tool. Registration order is the tools/list order.
func (s *Server) RegisterTool(def toolDefinition, handler ToolHandler, admin bool, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[def.Name] = toolSpec{def: def, handler: handler, admin: admin, timeout: timeout}
	s.order = append(s.order, def.Name)
}

// Metrics exposes the metrics registry for the HTTP transport.
func (s *Server) Metrics() *Metrics { return s.metrics }

// HandleRequest processes one JSON-RPC request. clientKey identifies the
// caller for rate limiting; token is the bearer token, if any. A nil
// return means the request was a notification.
func (s *Server) HandleRequest(ctx context.Context, req jsonRPCRequest, clientKey, token string) *jsonRPCResponse {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, errs.New(errs.KindInvalidRequest, "jsonrpc must be \"2.0\""))
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "initialized":
		s.initialized.Store(true)
		logging.Info("mcp", "client initialized")
		return nil
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	}

	// Everything else requires the handshake to have completed.
	if !s.initialized.Load() {
		return errorResponse(req.ID, errs.New(errs.KindInvalidRequest, "server not initialized"))
	}

	switch req.Method {
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req, clientKey, token)
	default:
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonRPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)},
		}
	}
}

func (s *Server) handleInitialize(req jsonRPCRequest) *jsonRPCResponse {
	var params initializeParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	logging.Info("mcp", "initialize from %s %s (protocol %s)",
		params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion)

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		Capabilities:    capabilities{Tools: &toolsCapability{}},
	})
}

func (s *Server) handleToolsList(req jsonRPCRequest) *jsonRPCResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]toolDefinition, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name].def)
	}
	return resultResponse(req.ID, toolsListResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req jsonRPCRequest, clientKey, token string) *jsonRPCResponse {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, errs.New(errs.KindInvalidRequest, "invalid tools/call params"))
	}

	s.mu.Lock()
	spec, ok := s.tools[params.Name]
	s.mu.Unlock()
	if !ok {
		return errorResponse(req.ID, errs.Newf(errs.KindInvalidParameters, "unknown tool %q", params.Name))
	}

	if !s.limiter.Allow(clientKey) {
		s.metrics.Inc("rate_limited")
		return errorResponse(req.ID, errs.New(errs.KindRateLimit, "rate limit exceeded"))
	}
	if err := s.auth.Check(token, spec.admin); err != nil {
		s.metrics.Inc("auth_failed")
		return errorResponse(req.ID, err)
	}

	timeout := spec.timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := spec.handler(callCtx, params.Arguments)
	s.metrics.Observe(params.Name, time.Since(start))
	s.metrics.Inc(params.Name)

	if err == nil && callCtx.Err() != nil {
		err = errs.Wrap(errs.KindTimeout, "tool call deadline exceeded", callCtx.Err())
	}
	if err != nil {
		e := errs.AsE(err)
		if e.CorrelationID != "" {
			logging.Error("mcp", "tool %s failed [%s]: %v", params.Name, e.CorrelationID, err)
		} else {
			logging.Warn("mcp", "tool %s failed: %v", params.Name, err)
		}
		s.metrics.Inc("errors")
		return errorResponse(req.ID, err)
	}

	text, merr := json.Marshal(result)
	if merr != nil {
		return errorResponse(req.ID, errs.Wrap(errs.KindInternal, "encode response", merr))
	}
	return resultResponse(req.ID, toolsCallResult{
		Content: []contentBlock{{Type: "text", Text: string(text)}},
	})
}

// RunStdio serves line-framed JSON-RPC on stdin/stdout until EOF.
// Responses are emitted in request-arrival order; diagnostics go to the
// error stream only.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.serveLines(ctx, os.Stdin, os.Stdout, "stdio")
}

func (s *Server) serveLines(ctx context.Context, in io.Reader, out io.Writer, connID string) error {
	logging.Info("mcp", "stdio server starting")
	reader := bufio.NewReader(in)
	var writeMu sync.Mutex

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			logging.Info("mcp", "EOF received, shutting down")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		if line == "" || line == "\n" {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.send(out, &writeMu, &jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &jsonRPCError{Code: codeParseError, Message: "parse error"},
			})
			continue
		}

		logging.Debug("mcp", "received %s (id=%v)", req.Method, req.ID)
		resp := s.HandleRequest(ctx, req, connID, "")
		if resp != nil {
			s.send(out, &writeMu, resp)
		}
	}
}

func (s *Server) send(out io.Writer, mu *sync.Mutex, resp *jsonRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error("mcp", "failed to marshal response: %v", err)
		return
	}
	mu.Lock()
	fmt.Fprintln(out, string(data))
	mu.Unlock()
}
