package llm

import (
	"testing"

	"github.com/loopline/agentd/internal/types"
)

func TestProviderFor(t *testing.T) {
	for _, name := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini} {
		p, err := providerFor(name)
		if err != nil {
			t.Errorf("providerFor(%s): %v", name, err)
			continue
		}
		if p.Name() != name {
			t.Errorf("Name() = %s, want %s", p.Name(), name)
		}
	}

	_, err := providerFor("mistral")
	if !IsKind(err, KindProviderUnsupported) {
		t.Errorf("unknown provider err = %v", err)
	}
}

func TestSupportsAuthType(t *testing.T) {
	tests := []struct {
		provider, authType string
		want               bool
	}{
		{ProviderOpenAI, "api_key", true},
		{ProviderOpenAI, "oauth", true},
		{ProviderOpenAI, "service_account", false},
		{ProviderAnthropic, "api_key", true},
		{ProviderAnthropic, "oauth", true},
		{ProviderGemini, "api_key", true},
		{ProviderGemini, "oauth", true},
		{"mistral", "api_key", false},
	}
	for _, tt := range tests {
		if got := SupportsAuthType(tt.provider, tt.authType); got != tt.want {
			t.Errorf("SupportsAuthType(%s, %s) = %v", tt.provider, tt.authType, got)
		}
	}
}

func TestValidateMessages(t *testing.T) {
	tests := []struct {
		name     string
		msgs     []types.Message
		wantKind ErrorKind
	}{
		{
			name:     "empty",
			msgs:     nil,
			wantKind: KindEmptyMessages,
		},
		{
			name:     "unknown role",
			msgs:     []types.Message{{Role: "operator", Content: "hi"}},
			wantKind: KindInvalidMessages,
		},
		{
			name:     "tool result without call id",
			msgs:     []types.Message{{Role: types.RoleTool, Content: "out"}},
			wantKind: KindInvalidMessages,
		},
		{
			name: "valid conversation",
			msgs: []types.Message{
				{Role: types.RoleSystem, Content: "be brief"},
				{Role: types.RoleUser, Content: "hi"},
				{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "f", Arguments: "{}"}}},
				{Role: types.RoleTool, ToolCallID: "c1", Content: "ok"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMessages(tt.msgs)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if !IsKind(err, tt.wantKind) {
				t.Fatalf("err = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}
