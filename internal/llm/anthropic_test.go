package llm

import (
	"testing"

	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

func TestAnthropicHandlerTextAndUsage(t *testing.T) {
	h := (&anthropicProvider{}).NewHandler()
	events := feedFrames(h,
		Frame{Event: "message_start", Data: `{"type":"message_start","message":{"usage":{"input_tokens":20}}}`},
		Frame{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`},
		Frame{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`},
		Frame{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`},
		Frame{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		Frame{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`},
		Frame{Event: "message_stop", Data: `{"type":"message_stop"}`},
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
	if u := events[2].Usage; u.PromptTokens != 20 || u.CompletionTokens != 7 || u.TotalTokens != 27 {
		t.Errorf("usage = %+v", u)
	}
}

func TestAnthropicHandlerToolUse(t *testing.T) {
	h := (&anthropicProvider{}).NewHandler()
	events := feedFrames(h,
		Frame{Event: "content_block_start", Data: `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"write_file"}}`},
		Frame{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"x"}}`},
		Frame{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"}"}}`},
		Frame{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":1}`},
	)

	if len(events) != 1 || events[0].Type != types.EventFunctionCall {
		t.Fatalf("events = %+v", events)
	}
	call := events[0].ToolCalls[0]
	if call.ID != "toolu_01" || call.Name != "write_file" || call.Arguments != `{"path":"x"}` {
		t.Errorf("call = %+v", call)
	}
}

func TestAnthropicHandlerEmptyToolInput(t *testing.T) {
	h := (&anthropicProvider{}).NewHandler()
	events := feedFrames(h,
		Frame{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"list_directory"}}`},
		Frame{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
	)
	if len(events) != 1 || events[0].ToolCalls[0].Arguments != "{}" {
		t.Fatalf("events = %+v", events)
	}
}

func TestAnthropicHandlerErrorEvent(t *testing.T) {
	h := (&anthropicProvider{}).NewHandler()
	events := feedFrames(h,
		Frame{Event: "error", Data: `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
	)
	if len(events) != 1 || events[0].Type != types.EventError {
		t.Fatalf("events = %+v", events)
	}
}

func TestAnthropicSystemBlocksOAuthIdentity(t *testing.T) {
	cred := &store.SavedAuthentication{AuthType: store.AuthTypeOAuth}
	blocks := anthropicSystemBlocks(cred, nil)
	if len(blocks) != 1 || blocks[0]["text"] != claudeCodeIdentity {
		t.Fatalf("blocks = %+v", blocks)
	}

	apiCred := &store.SavedAuthentication{AuthType: store.AuthTypeAPIKey}
	if got := anthropicSystemBlocks(apiCred, nil); len(got) != 0 {
		t.Fatalf("api_key blocks = %+v", got)
	}
}

func TestBuildAnthropicMessagesToolRound(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "read it"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "toolu_01", Name: "read_file", Arguments: `{"path":"a"}`}}},
		{Role: types.RoleTool, ToolCallID: "toolu_01", Content: "contents"},
	}
	out := buildAnthropicMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("out = %+v", out)
	}
	if out[2]["role"] != "user" {
		t.Errorf("tool result role = %v", out[2]["role"])
	}
	result := out[2]["content"].([]map[string]any)[0]
	if result["type"] != "tool_result" || result["tool_use_id"] != "toolu_01" {
		t.Errorf("result block = %+v", result)
	}
}
