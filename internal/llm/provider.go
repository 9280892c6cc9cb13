package llm

import (
	"net/http"

	"github.com/loopline/agentd/internal/prompts"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

// ChatRequest is a provider-neutral streaming chat request. Tools carry the
// provider-shaped declarations produced by the tool registry.
type ChatRequest struct {
	Model       string
	Messages    []types.Message
	Prompts     *prompts.Payload
	Tools       []map[string]any
	MaxTokens   int
	Temperature *float64
}

// StreamHandler folds raw SSE frames into canonical stream events. Handlers
// are stateful and single-use: one instance per response stream.
type StreamHandler interface {
	Handle(Frame) []types.StreamEvent
}

// Provider adapts one upstream wire API.
type Provider interface {
	Name() string

	// BuildRequest produces the endpoint URL, the JSON payload and a header
	// configurator for a streaming chat call.
	BuildRequest(f *ClientFactory, cred *store.SavedAuthentication, req *ChatRequest) (string, any, func(*http.Request) error, error)

	// NewHandler returns a fresh stream handler for one response.
	NewHandler() StreamHandler

	// SupportedAuthTypes lists the auth types the provider accepts.
	SupportedAuthTypes() []string
}

// providerFor resolves a provider by name.
func providerFor(name string) (Provider, error) {
	switch name {
	case ProviderOpenAI:
		return &openAIProvider{}, nil
	case ProviderAnthropic:
		return &anthropicProvider{}, nil
	case ProviderGemini:
		return &geminiProvider{}, nil
	}
	return nil, Errorf(KindProviderUnsupported, "provider %q is not supported", name)
}

// SupportsAuthType reports whether a provider accepts an auth type.
func SupportsAuthType(provider, authType string) bool {
	p, err := providerFor(provider)
	if err != nil {
		return false
	}
	for _, at := range p.SupportedAuthTypes() {
		if at == authType {
			return true
		}
	}
	return false
}

// validateMessages applies the shared canonical-message rules before any
// provider translation happens.
func validateMessages(msgs []types.Message) error {
	if len(msgs) == 0 {
		return Errorf(KindEmptyMessages, "at least one message is required")
	}
	for i, m := range msgs {
		switch m.Role {
		case types.RoleUser, types.RoleAssistant, types.RoleSystem, types.RoleTool:
		default:
			return Errorf(KindInvalidMessages, "message %d has unknown role %q", i, m.Role)
		}
		if m.Role == types.RoleTool && m.ToolCallID == "" {
			return Errorf(KindInvalidMessages, "message %d: tool result requires tool_call_id", i)
		}
	}
	return nil
}
