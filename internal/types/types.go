// Package types defines the provider-neutral conversation and streaming types
// shared across the runtime. Providers translate to and from these; nothing in
// here is specific to any one vendor's wire format.
package types

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType identifies a content part kind within a multimodal message.
type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartDocument PartType = "document"
)

// ContentPart is one piece of multimodal message content. Image and document
// parts carry base64 data plus a mime type; text parts carry only Text.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Data     string   `json:"data,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
}

// Message is the canonical, wire-neutral conversation message.
//
// Plain messages use Content. Multimodal messages use Parts (Content may hold
// a fallback rendering). Assistant messages that requested tools carry
// ToolCalls; tool-result messages use RoleTool with ToolCallID/ToolName set
// and the result text in Content.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"toolCalls,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	ToolName   string        `json:"toolName,omitempty"`
}

// ToolCall is a model-issued request to run a tool. Arguments is the raw JSON
// argument string exactly as the provider produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool to the model: a name, a description and a
// JSON schema for its input.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage is a token accounting triple. Componentwise addable.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage report into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// EventType tags a canonical StreamEvent.
type EventType string

const (
	EventContent      EventType = "content"
	EventFunctionCall EventType = "function_call"
	EventUsage        EventType = "usage"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// StreamEvent is the canonical streaming event every provider handler emits.
// Exactly one payload field is meaningful for a given Type.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Err       error           `json:"-"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// ContentEvent builds a text-delta event.
func ContentEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventContent, Content: delta}
}

// FunctionCallEvent builds a tool-call event.
func FunctionCallEvent(calls ...ToolCall) StreamEvent {
	return StreamEvent{Type: EventFunctionCall, ToolCalls: calls}
}

// UsageEvent builds a usage event.
func UsageEvent(prompt, completion, total int) StreamEvent {
	return StreamEvent{Type: EventUsage, Usage: &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}}
}

// DoneEvent marks the end of a model response.
func DoneEvent() StreamEvent { return StreamEvent{Type: EventDone} }

// ErrorEvent wraps a stream failure.
func ErrorEvent(err error) StreamEvent { return StreamEvent{Type: EventError, Err: err} }
