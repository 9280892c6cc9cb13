package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/loopline/agentd/internal/store"
)

// Model is one normalized catalog entry.
type Model struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// ListModels fetches the provider's model catalog and normalizes it. All
// three catalogs come back sorted by id for stable output.
func ListModels(ctx context.Context, f *ClientFactory, cred *store.SavedAuthentication) ([]Model, error) {
	var models []Model
	var err error
	switch cred.Provider {
	case ProviderOpenAI:
		models, err = listOpenAIModels(ctx, f, cred)
	case ProviderAnthropic:
		models, err = listAnthropicModels(ctx, f, cred)
	case ProviderGemini:
		models, err = listGeminiModels(ctx, f, cred)
	default:
		return nil, Errorf(KindProviderUnsupported, "provider %q is not supported", cred.Provider)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func listOpenAIModels(ctx context.Context, f *ClientFactory, cred *store.SavedAuthentication) ([]Model, error) {
	body, err := getJSON(ctx, f, cred, f.BaseURL(ProviderOpenAI, cred.AuthType)+"/v1/models")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, WrapErr(KindStreamFailure, err)
	}
	out := make([]Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, Model{ID: m.ID, Name: m.ID, Capabilities: []string{"chat", "tools", "streaming"}})
	}
	return out, nil
}

func listAnthropicModels(ctx context.Context, f *ClientFactory, cred *store.SavedAuthentication) ([]Model, error) {
	body, err := getJSON(ctx, f, cred, f.BaseURL(ProviderAnthropic, cred.AuthType)+"/v1/models")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, WrapErr(KindStreamFailure, err)
	}
	out := make([]Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		out = append(out, Model{ID: m.ID, Name: name, Capabilities: []string{"chat", "tools", "streaming", "vision"}})
	}
	return out, nil
}

func listGeminiModels(ctx context.Context, f *ClientFactory, cred *store.SavedAuthentication) ([]Model, error) {
	url := f.BaseURL(ProviderGemini, cred.AuthType) + "/v1beta/models"
	if cred.AuthType == store.AuthTypeAPIKey {
		url += "?key=" + cred.APIKey()
	}
	body, err := getJSON(ctx, f, cred, url)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Models []struct {
			Name                       string   `json:"name"` // "models/gemini-..."
			DisplayName                string   `json:"displayName"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, WrapErr(KindStreamFailure, err)
	}
	var out []Model
	for _, m := range resp.Models {
		supported := false
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				supported = true
			}
		}
		if !supported {
			continue
		}
		id := m.Name
		if len(id) > 7 && id[:7] == "models/" {
			id = id[7:]
		}
		out = append(out, Model{ID: id, Name: m.DisplayName, Capabilities: []string{"chat", "tools", "streaming", "vision"}})
	}
	return out, nil
}

func getJSON(ctx context.Context, f *ClientFactory, cred *store.SavedAuthentication, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := ApplyAuthHeaders(req, cred.Provider, cred); err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(resp.StatusCode, body)
	}
	return body, nil
}
