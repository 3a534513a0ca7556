// Package tool contains the tool registry and dispatcher: named handlers
// executed under an organization-scoped context.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Scope is the immutable execution context handed to every handler.
// Handlers that read data MUST filter by OrganizationID.
type Scope struct {
	UserID         string
	OrganizationID string
	GrantID        string
	ClientName     string
}

// Definition describes a tool as advertised to clients.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// Content is one block of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is what a handler returns on success.
type Result struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// TextResult wraps plain text.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// JSONResult returns v both as structured content and as its JSON text.
func JSONResult(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Result{
		Content:           []Content{{Type: "text", Text: string(data)}},
		StructuredContent: v,
	}, nil
}

// Handler executes a tool. args has already been validated against the
// tool's input schema. ctx is cancelled on timeout or when the caller goes
// away.
type Handler func(ctx context.Context, scope Scope, args json.RawMessage) (*Result, error)
