package llm

import (
	"strings"
	"testing"

	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

func TestGeminiHandlerTextThenDone(t *testing.T) {
	h := (&geminiProvider{}).NewHandler()
	events := feedFrames(h,
		Frame{Data: `{"candidates":[{"content":{"parts":[{"text":"Hello "}]}}]}`},
		Frame{Data: `{"candidates":[{"content":{"parts":[{"text":"world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4,"totalTokenCount":13}}`},
	)

	want := []types.EventType{types.EventContent, types.EventContent, types.EventUsage, types.EventDone}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d: got %s want %s", i, ev.Type, want[i])
		}
	}
	if u := events[2].Usage; u.PromptTokens != 9 || u.CompletionTokens != 4 || u.TotalTokens != 13 {
		t.Errorf("usage = %+v", u)
	}
}

// Text parts in a frame surface before its function calls, and generated
// call ids are sequential in arrival order.
func TestGeminiHandlerFunctionCallOrdering(t *testing.T) {
	h := (&geminiProvider{}).NewHandler()
	events := feedFrames(h,
		Frame{Data: `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"read_file","args":{"path":"a"}}},{"text":"checking"},{"functionCall":{"name":"list_directory","args":{"path":"."}}}]},"finishReason":"STOP"}]}`},
	)

	if len(events) != 5 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != types.EventContent || events[0].Content != "checking" {
		t.Errorf("first = %+v", events[0])
	}
	first, second := events[1].ToolCalls[0], events[2].ToolCalls[0]
	if first.ID != "call_1" || first.Name != "read_file" {
		t.Errorf("first call = %+v", first)
	}
	if second.ID != "call_2" || second.Name != "list_directory" {
		t.Errorf("second call = %+v", second)
	}
}

func TestGeminiHandlerErrorChunk(t *testing.T) {
	h := (&geminiProvider{}).NewHandler()
	events := feedFrames(h,
		Frame{Data: `{"error":{"code":429,"message":"quota exceeded"}}`},
	)
	if len(events) != 1 || events[0].Type != types.EventError {
		t.Fatalf("events = %+v", events)
	}
}

func TestGeminiBuildRequestAPIKeyInQuery(t *testing.T) {
	p := &geminiProvider{}
	f := NewClientFactory()
	cred := &store.SavedAuthentication{
		Provider: ProviderGemini,
		AuthType: store.AuthTypeAPIKey,
		Credentials: map[string]string{
			"api_key": "test-key",
		},
	}
	url, _, _, err := p.BuildRequest(f, cred, &ChatRequest{Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(url, ":streamGenerateContent?alt=sse") || !strings.Contains(url, "key=test-key") {
		t.Errorf("url = %s", url)
	}
}

func TestGeminiBuildRequestOAuthBase(t *testing.T) {
	p := &geminiProvider{}
	f := NewClientFactory()
	cred := &store.SavedAuthentication{
		Provider:    ProviderGemini,
		AuthType:    store.AuthTypeOAuth,
		Credentials: map[string]string{"access_token": "tok"},
	}
	url, _, _, err := p.BuildRequest(f, cred, &ChatRequest{Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, geminiOAuthBaseURL) {
		t.Errorf("url = %s", url)
	}
	if strings.Contains(url, "key=") {
		t.Errorf("oauth url leaks key param: %s", url)
	}
}

func TestBuildGeminiContentsToolRound(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "go"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "call_1", Name: "shell", Arguments: `{"command":"ls"}`}}},
		{Role: types.RoleTool, ToolCallID: "call_1", ToolName: "shell", Content: "ok"},
	}
	contents := buildGeminiContents(msgs)
	if len(contents) != 3 {
		t.Fatalf("contents = %+v", contents)
	}
	if contents[1]["role"] != "model" {
		t.Errorf("assistant role = %v", contents[1]["role"])
	}
	parts := contents[2]["parts"].([]map[string]any)
	fr := parts[0]["functionResponse"].(map[string]any)
	if fr["name"] != "shell" || fr["id"] != "call_1" {
		t.Errorf("functionResponse = %+v", fr)
	}
	resp := fr["response"].(map[string]any)
	if resp["output"] != "ok" {
		t.Errorf("response = %+v", resp)
	}
}
