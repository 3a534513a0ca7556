// Package tools holds the built-in tools served by the gateway.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/orgbridge/orgbridge/internal/domain/tool"
)

const maxEchoLength = 4096

// Register adds the built-in tools to r.
func Register(r *tool.Registry) error {
	if err := r.Register(whoamiDefinition(), Whoami); err != nil {
		return fmt.Errorf("register whoami: %w", err)
	}
	if err := r.Register(echoDefinition(), Echo); err != nil {
		return fmt.Errorf("register echo: %w", err)
	}
	return nil
}

func closedObject(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

func whoamiDefinition() tool.Definition {
	return tool.Definition{
		Name:        "whoami",
		Description: "Returns the user and organization this connection acts for.",
		InputSchema: closedObject(map[string]*jsonschema.Schema{}),
	}
}

// WhoamiResult is the structured output of whoami.
type WhoamiResult struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	ClientName     string `json:"client_name"`
}

// Whoami reports the invocation scope.
func Whoami(_ context.Context, scope tool.Scope, _ json.RawMessage) (*tool.Result, error) {
	return tool.JSONResult(WhoamiResult{
		UserID:         scope.UserID,
		OrganizationID: scope.OrganizationID,
		ClientName:     scope.ClientName,
	})
}

func echoDefinition() tool.Definition {
	return tool.Definition{
		Name:        "echo",
		Description: "Echoes a message back, tagged with the organization.",
		InputSchema: closedObject(map[string]*jsonschema.Schema{
			"message": {Type: "string", Description: "Text to echo"},
		}, "message"),
	}
}

type echoArgs struct {
	Message string `json:"message"`
}

// Echo returns its message prefixed by the organization ID.
func Echo(ctx context.Context, scope tool.Scope, args json.RawMessage) (*tool.Result, error) {
	var in echoArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, tool.InvalidArguments("message must be a string")
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, tool.InvalidArguments("message must not be empty")
	}
	if len(in.Message) > maxEchoLength {
		return nil, tool.InvalidArguments(fmt.Sprintf("message exceeds %d bytes", maxEchoLength))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tool.TextResult(fmt.Sprintf("[%s] %s", scope.OrganizationID, in.Message)), nil
}
