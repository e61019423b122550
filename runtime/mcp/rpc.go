package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes. Protocol failures only; tool-level failures are
// serialized into the tool result and never surface as RPC errors.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type (
	rpcRequest struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		// ID is echoed verbatim; absent on notifications.
		ID     json.RawMessage `json:"id,omitempty"`
		Params json.RawMessage `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
		ID      json.RawMessage `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	// rpcNotification is a server-initiated message pushed over the event
	// stream.
	rpcNotification struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	initializeResult struct {
		ProtocolVersion string       `json:"protocolVersion"`
		Capabilities    capabilities `json:"capabilities"`
		ServerInfo      serverInfo   `json:"serverInfo"`
	}

	capabilities struct {
		Tools toolsCapability `json:"tools"`
	}

	toolsCapability struct {
		ListChanged bool `json:"listChanged"`
	}

	serverInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	toolsListResult struct {
		Tools []toolDescriptor `json:"tools"`
	}

	toolDescriptor struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}

	toolsCallParams struct {
		Name string `json:"name"`
		// Arguments may arrive as a decoded object or as a JSON string.
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError,omitempty"`
	}

	contentItem struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
)

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func errorResponse(id json.RawMessage, code int, format string, args ...any) rpcResponse {
	return rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: fmt.Sprintf(format, args...)},
		ID:      id,
	}
}

func resultResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", Result: result, ID: id}
}

// textResult wraps a tool result value as a single text content item holding
// its JSON encoding.
func textResult(v any) (toolsCallResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return toolsCallResult{}, err
	}
	return toolsCallResult{Content: []contentItem{{Type: "text", Text: string(raw)}}}, nil
}

// normalizeArguments accepts either a decoded JSON object or a JSON string
// containing one and returns the object bytes.
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	trimmed := raw
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		trimmed = json.RawMessage(s)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, err
	}
	return trimmed, nil
}
