// Package mcp provides the JSON-RPC message types spoken on the tool
// gateway and a decoder built on the MCP SDK's jsonrpc package.
package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ProtocolVersion is the MCP protocol revision advertised on initialize.
const ProtocolVersion = "2025-06-18"

// Methods handled by the gateway.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// JSON-RPC error codes. CodeRateLimited is implementation-defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32029
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates an error object.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Message is a decoded inbound JSON-RPC message.
type Message struct {
	// Raw holds the original bytes.
	Raw []byte
	// Decoded is a *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message
	// ReceivedAt is when the gateway decoded the message.
	ReceivedAt time.Time

	id json.RawMessage
}

// Request returns the request, or nil if the message is a response.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Method returns the request method, or "" for responses.
func (m *Message) Method() string {
	if req := m.Request(); req != nil {
		return req.Method
	}
	return ""
}

// RawID returns the request id exactly as sent (number, string or null).
// The SDK's ID type does not survive a round trip through any, so the id
// is taken from the raw bytes.
func (m *Message) RawID() json.RawMessage {
	return m.id
}

// IsNotification reports whether the message is a request without an id.
func (m *Message) IsNotification() bool {
	return m.Request() != nil && m.id == nil
}

// ToolCallParams are the params of tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall parses tools/call params.
func (m *Message) ToolCall() (*ToolCallParams, error) {
	req := m.Request()
	if req == nil || len(req.Params) == 0 {
		return nil, NewError(CodeInvalidParams, "Invalid params: missing tool name")
	}
	var p ToolCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, NewError(CodeInvalidParams, "Invalid params: params must be an object")
	}
	if p.Name == "" {
		return nil, NewError(CodeInvalidParams, "Invalid params: missing tool name")
	}
	return &p, nil
}

// Response is an outbound JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult creates a success response.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse creates an error response. A nil id is encoded as null.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: err}
}

// Encode serializes the response.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}
