package llm

import (
	"encoding/json"
	"net/http"
	"strings"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/prompts"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

// anthropicProvider speaks the Anthropic Messages API.
type anthropicProvider struct{}

// OAuth tokens are scoped to the Claude Code client; the first system block
// must carry its identity or the API rejects the request.
const claudeCodeIdentity = "You are Claude Code, Anthropic's official CLI for Claude."

const anthropicDefaultMaxTokens = 4096

func (p *anthropicProvider) Name() string { return ProviderAnthropic }

func (p *anthropicProvider) SupportedAuthTypes() []string {
	return []string{store.AuthTypeAPIKey, store.AuthTypeOAuth}
}

func (p *anthropicProvider) BuildRequest(f *ClientFactory, cred *store.SavedAuthentication, req *ChatRequest) (string, any, func(*http.Request) error, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   buildAnthropicMessages(req.Messages),
		"stream":     true,
	}

	system := anthropicSystemBlocks(cred, req.Prompts)
	if len(system) > 0 {
		payload["system"] = system
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
		payload["tool_choice"] = map[string]any{"type": "auto"}
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	url := f.BaseURL(ProviderAnthropic, cred.AuthType) + "/v1/messages"
	configure := func(r *http.Request) error {
		return ApplyAuthHeaders(r, ProviderAnthropic, cred)
	}
	return url, payload, configure, nil
}

func anthropicSystemBlocks(cred *store.SavedAuthentication, p *prompts.Payload) []map[string]any {
	var system []map[string]any
	if cred.AuthType == store.AuthTypeOAuth {
		system = append(system, map[string]any{"type": "text", "text": claudeCodeIdentity})
	}
	if p != nil {
		for _, b := range p.Blocks {
			system = append(system, map[string]any{"type": b.Type, "text": b.Text})
		}
	}
	return system
}

// buildAnthropicMessages renders canonical messages as Messages API turns.
// Tool results travel as user-role tool_result blocks; assistant tool calls
// replay as tool_use blocks with parsed input.
func buildAnthropicMessages(msgs []types.Message) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		switch m.Role {
		case types.RoleTool:
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})

		case types.RoleAssistant:
			var content []map[string]any
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			out = append(out, map[string]any{"role": "assistant", "content": content})

		default:
			// system turns fold into the user role; Anthropic keeps system
			// content out of the messages array.
			var content []map[string]any
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}
			for _, part := range m.Parts {
				switch part.Type {
				case types.PartText:
					content = append(content, map[string]any{"type": "text", "text": part.Text})
				case types.PartImage:
					content = append(content, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": part.MimeType,
							"data":       part.Data,
						},
					})
				case types.PartDocument:
					content = append(content, map[string]any{
						"type": "document",
						"source": map[string]any{
							"type":       "base64",
							"media_type": part.MimeType,
							"data":       part.Data,
						},
					})
				}
			}
			out = append(out, map[string]any{"role": "user", "content": content})
		}
	}
	return out
}

func (p *anthropicProvider) NewHandler() StreamHandler {
	return &anthropicHandler{blocks: map[int]*partialCall{}}
}

// anthropicHandler folds Messages API frames into canonical events. Tool use
// input streams as input_json_delta keyed by content block index.
type anthropicHandler struct {
	blocks map[int]*partialCall
	usage  types.Usage
}

func (h *anthropicHandler) Handle(f Frame) []types.StreamEvent {
	var frame struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Message *struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"message"`
		ContentBlock *struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Delta *struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
		Usage *anthropicUsage `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(f.Data), &frame); err != nil {
		L_trace("anthropic: unparseable frame dropped", "error", err)
		return nil
	}
	eventType := frame.Type
	if eventType == "" {
		eventType = f.Event
	}

	switch eventType {
	case "message_start":
		if frame.Message != nil && frame.Message.Usage != nil {
			h.usage.Add(frame.Message.Usage.usage())
		}
		return nil

	case "content_block_start":
		if frame.ContentBlock != nil && frame.ContentBlock.Type == "tool_use" {
			h.blocks[frame.Index] = &partialCall{id: frame.ContentBlock.ID, name: frame.ContentBlock.Name}
		}
		return nil

	case "content_block_delta":
		if frame.Delta == nil {
			return nil
		}
		switch frame.Delta.Type {
		case "text_delta":
			if frame.Delta.Text == "" {
				return nil
			}
			return []types.StreamEvent{types.ContentEvent(frame.Delta.Text)}
		case "input_json_delta":
			if pc, ok := h.blocks[frame.Index]; ok {
				pc.args.WriteString(frame.Delta.PartialJSON)
			}
		}
		return nil

	case "content_block_stop":
		pc, ok := h.blocks[frame.Index]
		if !ok {
			return nil
		}
		delete(h.blocks, frame.Index)
		args := pc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		return []types.StreamEvent{types.FunctionCallEvent(types.ToolCall{
			ID: pc.id, Name: pc.name, Arguments: args,
		})}

	case "message_delta":
		if frame.Usage != nil {
			h.usage.Add(frame.Usage.usage())
		}
		return nil

	case "message_stop":
		return []types.StreamEvent{
			types.UsageEvent(h.usage.PromptTokens, h.usage.CompletionTokens, h.usage.PromptTokens+h.usage.CompletionTokens),
			types.DoneEvent(),
		}

	case "error":
		msg := "stream error"
		if frame.Error != nil && frame.Error.Message != "" {
			msg = frame.Error.Message
		}
		return []types.StreamEvent{types.ErrorEvent(Errorf(KindStreamFailure, "%s", msg))}
	}

	return nil
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *anthropicUsage) usage() types.Usage {
	return types.Usage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens}
}
