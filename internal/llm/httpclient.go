package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
)

// Provider identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Default provider endpoints. Overridable per factory for proxies and tests.
const (
	openAIBaseURL      = "https://api.openai.com"
	anthropicBaseURL   = "https://api.anthropic.com"
	geminiBaseURL      = "https://generativelanguage.googleapis.com"
	geminiOAuthBaseURL = "https://cloudcode-pa.googleapis.com"

	anthropicVersion = "2023-06-01"
	anthropicOAuthBeta = "oauth-2025-04-20"

	// OpenAI OAuth tokens are only honored for requests that present the
	// Codex CLI client identity.
	codexUserAgent = "codex_cli_rs"
)

// ClientFactory builds per-provider HTTP clients sharing one pooled
// transport. Streaming responses get no response-read deadline; the request
// context governs cancellation instead.
type ClientFactory struct {
	client    *http.Client
	overrides map[string]string // provider[/auth_type] -> base URL
}

// NewClientFactory creates the factory with the shared transport.
func NewClientFactory() *ClientFactory {
	transport := &http.Transport{
		MaxConnsPerHost:       64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &ClientFactory{
		client:    &http.Client{Transport: transport},
		overrides: map[string]string{},
	}
}

// OverrideBaseURL redirects a provider (optionally per auth type with the
// key "provider/auth_type") to a different endpoint.
func (f *ClientFactory) OverrideBaseURL(key, url string) {
	f.overrides[key] = url
}

// Client returns the shared streaming client.
func (f *ClientFactory) Client() *http.Client { return f.client }

// BaseURL resolves the endpoint for a provider and auth type.
func (f *ClientFactory) BaseURL(provider, authType string) string {
	if url, ok := f.overrides[provider+"/"+authType]; ok {
		return url
	}
	if url, ok := f.overrides[provider]; ok {
		return url
	}
	switch provider {
	case ProviderOpenAI:
		return openAIBaseURL
	case ProviderAnthropic:
		return anthropicBaseURL
	case ProviderGemini:
		if authType == store.AuthTypeOAuth {
			return geminiOAuthBaseURL
		}
		return geminiBaseURL
	}
	return ""
}

// ApplyAuthHeaders sets the provider and auth-type specific headers on a
// request. Gemini api_key auth travels as a query parameter, handled by the
// request builder, not here.
func ApplyAuthHeaders(req *http.Request, provider string, cred *store.SavedAuthentication) error {
	switch provider {
	case ProviderOpenAI:
		switch cred.AuthType {
		case store.AuthTypeAPIKey:
			req.Header.Set("Authorization", "Bearer "+cred.APIKey())
		case store.AuthTypeOAuth:
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken())
			req.Header.Set("User-Agent", codexUserAgent)
			req.Header.Set("originator", "codex_cli_rs")
		default:
			return Errorf(KindInvalidAuthType, "openai does not support auth_type %q", cred.AuthType)
		}

	case ProviderAnthropic:
		req.Header.Set("anthropic-version", anthropicVersion)
		switch cred.AuthType {
		case store.AuthTypeAPIKey:
			req.Header.Set("x-api-key", cred.APIKey())
		case store.AuthTypeOAuth:
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken())
			req.Header.Set("anthropic-beta", anthropicOAuthBeta)
		default:
			return Errorf(KindInvalidAuthType, "anthropic does not support auth_type %q", cred.AuthType)
		}

	case ProviderGemini:
		switch cred.AuthType {
		case store.AuthTypeAPIKey:
			// key goes in the query string
		case store.AuthTypeOAuth, store.AuthTypeServiceAccount:
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken())
			req.Header.Set("x-goog-api-client", "agentd/1 gl-go")
		default:
			return Errorf(KindInvalidAuthType, "gemini does not support auth_type %q", cred.AuthType)
		}

	default:
		return Errorf(KindProviderUnsupported, "unknown provider %q", provider)
	}
	return nil
}

// PostStream issues a streaming POST with a JSON body and returns the open
// response body. Non-2xx responses are drained into a typed HTTPError;
// transport failures are classified against the context.
func (f *ClientFactory) PostStream(ctx context.Context, url string, payload any, configure func(*http.Request) error) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Errorf(KindInvalidMessages, "encoding request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if configure != nil {
		if err := configure(req); err != nil {
			return nil, err
		}
	}

	L_trace("llm: request", "url", req.URL.Host+req.URL.Path, "bytes", len(body))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		L_debug("llm: provider error", "status", resp.StatusCode)
		return nil, NewHTTPError(resp.StatusCode, errBody)
	}
	return resp.Body, nil
}
