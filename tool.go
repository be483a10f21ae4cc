package realtime

import "context"

// ToolDefinition describes a function tool to the model. Parameters is a
// JSON schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tool is a function the assistant may invoke during a session.
//
// Call returns the JSON output handed back to the model. Failures must be
// encoded in that output; a tool never tears the session down.
type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, arguments string) string
}

// ToolCall is one invocation requested by the model.
type ToolCall struct {
	CallId    string
	Name      string
	Arguments string
}
