// Package mcp implements the tool transport: a JSON-RPC 2.0 server over
// streamable HTTP in the MCP style. POST carries requests (initialize, ping,
// tools/list, tools/call), GET opens a server-sent-event stream fed by the
// broadcaster.
//
// JSON-RPC errors are reserved for protocol failures. A tool handler that
// fails returns its failure serialized inside the tool result; callers always
// receive a well-formed result document.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// maxRequestBytes bounds a single POST body.
const maxRequestBytes = 4 << 20

type (
	// Handler executes one tool call. Arguments are the decoded JSON object
	// from the request; implementations decode them into their typed args
	// record. The returned value is JSON-encoded into the tool result.
	Handler func(ctx context.Context, args json.RawMessage) (any, error)

	// ToolDef declares one callable tool.
	ToolDef struct {
		Name        string
		Description string
		// InputSchema is the JSON Schema served by tools/list.
		InputSchema json.RawMessage
		Handler     Handler
	}

	// Server is the streamable HTTP tool server.
	Server struct {
		name    string
		version string
		guard   GuardConfig
		log     telemetry.Logger
		metrics telemetry.Metrics
		events  *streamHub

		mu    sync.RWMutex
		tools map[string]ToolDef
		order []string
	}

	// ServerOption configures a Server.
	ServerOption func(*Server)
)

// WithGuard sets the DNS-rebinding protection policy. Defaults to
// DefaultGuardConfig(name).
func WithGuard(g GuardConfig) ServerOption {
	return func(s *Server) { s.guard = g }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a tool server identifying itself with the given name and
// version during initialize.
func NewServer(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		name:    name,
		version: version,
		guard:   DefaultGuardConfig(name),
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tools:   make(map[string]ToolDef),
		events:  newStreamHub(16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds tools to the server. Registering a duplicate or nameless tool
// is an error.
func (s *Server) Register(defs ...ToolDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range defs {
		if def.Name == "" || def.Handler == nil {
			return fmt.Errorf("tool definition needs a name and a handler")
		}
		if _, exists := s.tools[def.Name]; exists {
			return fmt.Errorf("tool %q already registered", def.Name)
		}
		if len(def.InputSchema) == 0 {
			def.InputSchema = json.RawMessage(`{"type":"object"}`)
		}
		s.tools[def.Name] = def
		s.order = append(s.order, def.Name)
	}
	return nil
}

// Notify pushes a server-initiated notification to every connected event
// stream.
func (s *Server) Notify(method string, params any) {
	raw, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		s.log.Warn(context.Background(), "drop unencodable notification", "method", method, "err", err)
		return
	}
	s.events.publish(raw)
}

// NotifyToolListChanged announces that the tool set changed.
func (s *Server) NotifyToolListChanged() {
	s.Notify("notifications/tools/list_changed", nil)
}

// Close ends all open event streams.
func (s *Server) Close() error {
	s.events.close()
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.guard.allowHost(r.Host) {
		s.metrics.IncCounter("mcp.guard_rejected", 1, "header", "host")
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}
	if !s.guard.allowOrigin(r.Header.Get("Origin")) {
		s.metrics.IncCounter("mcp.guard_rejected", 1, "header", "origin")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleRPC(w, r)
	case http.MethodGet:
		s.handleEvents(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeResponse(w, errorResponse(nil, codeParseError, "read request: %v", err))
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, errorResponse(nil, codeParseError, "parse request: %v", err))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, errorResponse(req.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request"))
		return
	}

	// Notifications get no response body.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		s.handleNotification(r.Context(), req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var res rpcResponse
	switch req.Method {
	case "initialize":
		res = resultResponse(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    capabilities{Tools: toolsCapability{ListChanged: true}},
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "ping":
		res = resultResponse(req.ID, struct{}{})
	case "tools/list":
		res = resultResponse(req.ID, s.listTools())
	case "tools/call":
		res = s.callTool(r.Context(), req)
	default:
		res = errorResponse(req.ID, codeMethodNotFound, "unknown method %q", req.Method)
	}
	writeResponse(w, res)
}

func (s *Server) handleNotification(ctx context.Context, req rpcRequest) {
	switch req.Method {
	case "notifications/initialized":
		s.log.Debug(ctx, "client initialized", "server", s.name)
	default:
		s.log.Debug(ctx, "ignoring notification", "method", req.Method)
	}
}

func (s *Server) listTools() toolsListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := toolsListResult{Tools: make([]toolDescriptor, 0, len(s.order))}
	for _, name := range s.order {
		def := s.tools[name]
		out.Tools = append(out.Tools, toolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, req rpcRequest) rpcResponse {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "parse tools/call params: %v", err)
	}
	s.mu.RLock()
	def, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, codeInvalidParams, "unknown tool %q", params.Name)
	}

	args, err := normalizeArguments(params.Arguments)
	if err != nil {
		s.metrics.IncCounter("mcp.calls", 1, "tool", params.Name, "outcome", "bad_arguments")
		return resultResponse(req.ID, toolsCallResult{
			IsError: true,
			Content: []contentItem{{Type: "text", Text: fmt.Sprintf("invalid arguments: %v", err)}},
		})
	}

	out, err := def.Handler(ctx, args)
	if err != nil {
		// Handlers serialize domain failures themselves; an error here is a
		// transport-level failure of the tool.
		s.metrics.IncCounter("mcp.calls", 1, "tool", params.Name, "outcome", "error")
		s.log.Error(ctx, "tool call failed", "tool", params.Name, "err", err)
		return resultResponse(req.ID, toolsCallResult{
			IsError: true,
			Content: []contentItem{{Type: "text", Text: err.Error()}},
		})
	}
	result, err := textResult(out)
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "encode result of %q: %v", params.Name, err)
	}
	s.metrics.IncCounter("mcp.calls", 1, "tool", params.Name, "outcome", "ok")
	return resultResponse(req.ID, result)
}

// handleEvents serves the server-sent-event stream. The stream stays open
// until the client disconnects or the broadcaster closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	ch, cancel := s.events.subscribe(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case raw, open := <-ch:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeResponse(w http.ResponseWriter, res rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}
