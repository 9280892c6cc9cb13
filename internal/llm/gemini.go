package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

// geminiProvider speaks the Gemini generateContent API.
type geminiProvider struct{}

func (p *geminiProvider) Name() string { return ProviderGemini }

func (p *geminiProvider) SupportedAuthTypes() []string {
	return []string{store.AuthTypeAPIKey, store.AuthTypeOAuth, store.AuthTypeServiceAccount}
}

func (p *geminiProvider) BuildRequest(f *ClientFactory, cred *store.SavedAuthentication, req *ChatRequest) (string, any, func(*http.Request) error, error) {
	payload := map[string]any{
		"contents": buildGeminiContents(req.Messages),
	}
	if req.Prompts != nil && req.Prompts.Gemini != nil && len(req.Prompts.Gemini.Parts) > 0 {
		payload["systemInstruction"] = req.Prompts.Gemini
	}
	if len(req.Tools) > 0 {
		payload["tools"] = []map[string]any{{"functionDeclarations": req.Tools}}
	}
	genConfig := map[string]any{}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if len(genConfig) > 0 {
		payload["generationConfig"] = genConfig
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		f.BaseURL(ProviderGemini, cred.AuthType), url.PathEscape(req.Model))
	if cred.AuthType == store.AuthTypeAPIKey {
		endpoint += "&key=" + url.QueryEscape(cred.APIKey())
	}

	configure := func(r *http.Request) error {
		return ApplyAuthHeaders(r, ProviderGemini, cred)
	}
	return endpoint, payload, configure, nil
}

// buildGeminiContents renders canonical messages as Gemini contents. The API
// has only user and model roles; system turns travel as user content and
// tool results as functionResponse parts.
func buildGeminiContents(msgs []types.Message) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		switch m.Role {
		case types.RoleTool:
			out = append(out, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"id":       m.ToolCallID,
						"name":     m.ToolName,
						"response": map[string]any{"output": m.Content},
					},
				}},
			})

		case types.RoleAssistant:
			var parts []map[string]any
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.Name, "args": args},
				})
			}
			out = append(out, map[string]any{"role": "model", "parts": parts})

		default:
			var parts []map[string]any
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, part := range m.Parts {
				switch part.Type {
				case types.PartText:
					parts = append(parts, map[string]any{"text": part.Text})
				case types.PartImage, types.PartDocument:
					parts = append(parts, map[string]any{
						"inlineData": map[string]any{
							"mimeType": part.MimeType,
							"data":     part.Data,
						},
					})
				}
			}
			out = append(out, map[string]any{"role": "user", "parts": parts})
		}
	}
	return out
}

func (p *geminiProvider) NewHandler() StreamHandler { return &geminiHandler{} }

// geminiHandler folds streamGenerateContent chunks into canonical events.
// The stream is data-only JSON; tool calls arrive whole, so call ids are
// allocated locally in arrival order.
type geminiHandler struct {
	callSeq int
	usage   types.Usage
	done    bool
}

func (h *geminiHandler) Handle(f Frame) []types.StreamEvent {
	var chunk struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					FunctionCall *struct {
						Name string          `json:"name"`
						Args json.RawMessage `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(f.Data), &chunk); err != nil {
		L_trace("gemini: unparseable frame dropped", "error", err)
		return nil
	}

	if chunk.Error != nil {
		return []types.StreamEvent{types.ErrorEvent(Errorf(KindStreamFailure, "%s", chunk.Error.Message))}
	}

	var events []types.StreamEvent
	finished := false
	for _, cand := range chunk.Candidates {
		// text parts first, then function calls, in part order within each
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				events = append(events, types.ContentEvent(part.Text))
			}
		}
		for _, part := range cand.Content.Parts {
			if part.FunctionCall == nil {
				continue
			}
			h.callSeq++
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			events = append(events, types.FunctionCallEvent(types.ToolCall{
				ID:        fmt.Sprintf("call_%d", h.callSeq),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			}))
		}
		if cand.FinishReason != "" {
			finished = true
		}
	}

	if chunk.UsageMetadata != nil {
		h.usage = types.Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}
	}

	if finished && !h.done {
		h.done = true
		if h.usage.TotalTokens == 0 {
			h.usage.TotalTokens = h.usage.PromptTokens + h.usage.CompletionTokens
		}
		events = append(events,
			types.UsageEvent(h.usage.PromptTokens, h.usage.CompletionTokens, h.usage.TotalTokens),
			types.DoneEvent())
	}
	return events
}
