// Package mcp implements the permission sidecar's side of the Model
// Context Protocol: JSON-RPC 2.0 over stdio, newline-delimited. The
// agent CLI launches the sidecar and calls its approval tool whenever a
// non-allowlisted tool is about to run.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// jsonRPCVersion goes on every frame.
const jsonRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request. A frame without an id (or with a
// null id) is a notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewResponse builds a success response.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, err *RPCError) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Error: err}
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Error codes: the standard JSON-RPC 2.0 set plus the server-reserved
// code for unknown tools (-32000 to -32099 belong to the server).
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	ErrCodeToolNotFound = -32001
)

func rpcError(code int, message string, data any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// NewParseError reports an unparseable frame.
func NewParseError(data any) *RPCError {
	return rpcError(ErrCodeParseError, "Parse error", data)
}

// NewMethodNotFound reports an unsupported method.
func NewMethodNotFound(method string) *RPCError {
	return rpcError(ErrCodeMethodNotFound, "Method not found", method)
}

// NewInvalidParams reports malformed request params.
func NewInvalidParams(data any) *RPCError {
	return rpcError(ErrCodeInvalidParams, "Invalid params", data)
}

// NewToolNotFound reports a call to an unregistered tool.
func NewToolNotFound(toolName string) *RPCError {
	return rpcError(ErrCodeToolNotFound, fmt.Sprintf("Unknown tool: %s", toolName), toolName)
}

// InitializeParams is the client's initialize payload. Only the fields
// the sidecar logs are decoded.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the server's initialize response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapability   `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerCapability advertises what this server supports. The sidecar
// only serves tools.
type ServerCapability struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability indicates callable tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ImplementationInfo identifies an MCP implementation.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes a callable tool.
type Tool struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	InputSchema *InputSchema `json:"inputSchema"`
}

// InputSchema is the JSON Schema for a tool's input.
type InputSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]*PropertySchema `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`
}

// PropertySchema describes a single schema property.
type PropertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolsListResult is the tools/list response.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams are the tools/call parameters.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the tools/call response.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is one content entry in a tool result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func textContent(text string) ContentItem {
	return ContentItem{Type: "text", Text: text}
}

// SuccessResult wraps text as a successful tool result.
func SuccessResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []ContentItem{textContent(text)}}
}

// ErrorResult wraps text as a failed tool result.
func ErrorResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []ContentItem{textContent(text)}, IsError: true}
}
