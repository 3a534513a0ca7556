package mcp

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Decode parses a single JSON-RPC message. Protocol violations are returned
// as *Error with the code the caller should answer with.
func Decode(raw []byte) (*Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, NewError(CodeParseError, "Parse error: empty message")
	}
	if !json.Valid(raw) {
		return nil, NewError(CodeParseError, "Parse error: invalid JSON")
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  *string         `json:"method"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, NewError(CodeInvalidRequest, "Invalid Request: message must be a JSON object")
	}
	if envelope.JSONRPC != "2.0" {
		return nil, NewError(CodeInvalidRequest, `Invalid Request: jsonrpc must be "2.0"`)
	}
	if envelope.Method != nil && *envelope.Method == "" {
		return nil, NewError(CodeInvalidRequest, "Invalid Request: missing method")
	}

	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, NewError(CodeInvalidRequest, "Invalid Request: malformed message")
	}

	return &Message{
		Raw:        raw,
		Decoded:    decoded,
		ReceivedAt: time.Now(),
		id:         envelope.ID,
	}, nil
}

// EncodeMessage serializes an SDK message.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}
