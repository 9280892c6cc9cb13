package llm

import (
	"encoding/json"
	"net/http"
	"strings"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

// openAIProvider speaks the OpenAI Responses API.
type openAIProvider struct{}

func (p *openAIProvider) Name() string { return ProviderOpenAI }

func (p *openAIProvider) SupportedAuthTypes() []string {
	return []string{store.AuthTypeAPIKey, store.AuthTypeOAuth}
}

func (p *openAIProvider) BuildRequest(f *ClientFactory, cred *store.SavedAuthentication, req *ChatRequest) (string, any, func(*http.Request) error, error) {
	payload := map[string]any{
		"model":  req.Model,
		"input":  buildOpenAIInput(req.Messages),
		"stream": true,
	}
	if req.Prompts != nil && len(req.Prompts.Segments) > 0 {
		texts := make([]string, 0, len(req.Prompts.Segments))
		for _, seg := range req.Prompts.Segments {
			texts = append(texts, seg.Text)
		}
		payload["instructions"] = strings.Join(texts, "\n\n")
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.MaxTokens > 0 {
		payload["max_output_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	url := f.BaseURL(ProviderOpenAI, cred.AuthType) + "/v1/responses"
	configure := func(r *http.Request) error {
		return ApplyAuthHeaders(r, ProviderOpenAI, cred)
	}
	return url, payload, configure, nil
}

// buildOpenAIInput renders canonical messages as Responses API input items.
// Assistant tool calls become function_call items and tool results become
// function_call_output items so multi-round continuations replay cleanly.
func buildOpenAIInput(msgs []types.Message) []map[string]any {
	var items []map[string]any
	for _, m := range msgs {
		switch m.Role {
		case types.RoleTool:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  m.Content,
			})
			continue

		case types.RoleAssistant:
			if m.Content != "" || len(m.Parts) > 0 {
				items = append(items, map[string]any{
					"type":    "message",
					"role":    "assistant",
					"content": openAIContent(m, "output_text"),
				})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Name,
					"arguments": tc.Arguments,
				})
			}
			continue
		}

		items = append(items, map[string]any{
			"type":    "message",
			"role":    string(m.Role),
			"content": openAIContent(m, "input_text"),
		})
	}
	return items
}

func openAIContent(m types.Message, textType string) []map[string]any {
	var content []map[string]any
	if m.Content != "" {
		content = append(content, map[string]any{"type": textType, "text": m.Content})
	}
	for _, part := range m.Parts {
		switch part.Type {
		case types.PartText:
			content = append(content, map[string]any{"type": textType, "text": part.Text})
		case types.PartImage:
			content = append(content, map[string]any{
				"type":      "input_image",
				"image_url": "data:" + part.MimeType + ";base64," + part.Data,
			})
		case types.PartDocument:
			content = append(content, map[string]any{
				"type":      "input_file",
				"file_data": "data:" + part.MimeType + ";base64," + part.Data,
			})
		}
	}
	return content
}

func (p *openAIProvider) NewHandler() StreamHandler {
	return &openAIHandler{partial: map[string]*partialCall{}}
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// openAIHandler folds Responses API frames into canonical events. Function
// call arguments stream as deltas keyed by item_id and finalize on
// response.output_item.done.
type openAIHandler struct {
	partial map[string]*partialCall
	done    bool
}

func (h *openAIHandler) Handle(f Frame) []types.StreamEvent {
	if f.Data == "[DONE]" {
		if h.done {
			return nil
		}
		h.done = true
		return []types.StreamEvent{types.DoneEvent()}
	}

	var frame struct {
		Type     string `json:"type"`
		Delta    string `json:"delta"`
		ItemID   string `json:"item_id"`
		Item     *struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"item"`
		Response *struct {
			Usage *openAIUsage `json:"usage"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(f.Data), &frame); err != nil {
		L_trace("openai: unparseable frame dropped", "error", err)
		return nil
	}
	eventType := frame.Type
	if eventType == "" {
		eventType = f.Event
	}

	switch eventType {
	case "response.output_text.delta":
		if frame.Delta == "" {
			return nil
		}
		return []types.StreamEvent{types.ContentEvent(frame.Delta)}

	case "response.output_item.added":
		if frame.Item != nil && frame.Item.Type == "function_call" {
			pc := &partialCall{id: frame.Item.CallID, name: frame.Item.Name}
			if pc.id == "" {
				pc.id = frame.Item.ID
			}
			pc.args.WriteString(frame.Item.Arguments)
			h.partial[frame.Item.ID] = pc
		}
		return nil

	case "response.function_call_arguments.delta":
		if pc, ok := h.partial[frame.ItemID]; ok {
			pc.args.WriteString(frame.Delta)
		}
		return nil

	case "response.output_item.done":
		if frame.Item == nil || frame.Item.Type != "function_call" {
			return nil
		}
		call := types.ToolCall{ID: frame.Item.CallID, Name: frame.Item.Name, Arguments: frame.Item.Arguments}
		if pc, ok := h.partial[frame.Item.ID]; ok {
			if call.Arguments == "" {
				call.Arguments = pc.args.String()
			}
			if call.ID == "" {
				call.ID = pc.id
			}
			if call.Name == "" {
				call.Name = pc.name
			}
			delete(h.partial, frame.Item.ID)
		}
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		return []types.StreamEvent{types.FunctionCallEvent(call)}

	case "response.completed":
		var events []types.StreamEvent
		if frame.Response != nil && frame.Response.Usage != nil {
			events = append(events, frame.Response.Usage.event())
		}
		h.done = true
		return append(events, types.DoneEvent())

	case "response.failed":
		msg := "response failed"
		if frame.Response != nil && frame.Response.Error != nil && frame.Response.Error.Message != "" {
			msg = frame.Response.Error.Message
		}
		h.done = true
		return []types.StreamEvent{types.ErrorEvent(Errorf(KindStreamFailure, "%s", msg))}
	}

	return nil
}

// openAIUsage tolerates both token-count field spellings the API emits.
type openAIUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *openAIUsage) event() types.StreamEvent {
	in, out := u.InputTokens, u.OutputTokens
	if in == 0 && out == 0 {
		in, out = u.PromptTokens, u.CompletionTokens
	}
	total := u.TotalTokens
	if total == 0 {
		total = in + out
	}
	return types.UsageEvent(in, out, total)
}
