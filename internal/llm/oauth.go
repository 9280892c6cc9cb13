package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"

	. "github.com/loopline/agentd/internal/logging"
)

// Provider OAuth endpoints. Client IDs are deployment configuration, never
// baked in here.
var oauthEndpoints = map[string]oauth2.Endpoint{
	ProviderOpenAI: {
		AuthURL:  "https://auth.openai.com/oauth/authorize",
		TokenURL: "https://auth.openai.com/oauth/token",
	},
	ProviderAnthropic: {
		AuthURL:  "https://claude.ai/oauth/authorize",
		TokenURL: "https://console.anthropic.com/v1/oauth/token",
	},
	ProviderGemini: {
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
}

var oauthScopes = map[string][]string{
	ProviderOpenAI:    {"openid", "profile", "email", "offline_access"},
	ProviderAnthropic: {"org:create_api_key", "user:profile", "user:inference"},
	ProviderGemini:    {"https://www.googleapis.com/auth/cloud-platform", "https://www.googleapis.com/auth/userinfo.email"},
}

// OAuthFlow drives the authorization-code + PKCE login for one provider.
type OAuthFlow struct {
	provider string
	config   *oauth2.Config
	verifier string
}

// NewOAuthFlow builds a PKCE login flow. clientID comes from deployment
// config; redirectURL is the local callback.
func NewOAuthFlow(provider, clientID, redirectURL string) (*OAuthFlow, error) {
	endpoint, ok := oauthEndpoints[provider]
	if !ok {
		return nil, Errorf(KindProviderUnsupported, "no oauth endpoints for provider %q", provider)
	}
	if clientID == "" {
		return nil, Errorf(KindInvalidOptions, "oauth client id is required for %s", provider)
	}
	return &OAuthFlow{
		provider: provider,
		config: &oauth2.Config{
			ClientID:    clientID,
			Endpoint:    endpoint,
			RedirectURL: redirectURL,
			Scopes:      oauthScopes[provider],
		},
		verifier: oauth2.GenerateVerifier(),
	}, nil
}

// AuthURL returns the browser URL carrying the S256 code challenge.
func (f *OAuthFlow) AuthURL(state string) string {
	return f.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(f.verifier))
}

// Exchange trades the authorization code for tokens.
func (f *OAuthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := f.config.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return nil, classifyOAuthErr(err)
	}
	L_info("oauth: code exchanged", "provider", f.provider)
	return tok, nil
}

// RefreshAccessToken trades a refresh token for a new token pair. An upstream
// rejection of the refresh token itself maps to KindInvalidRefreshToken so
// callers can stop retrying; everything else is KindRefreshFailed.
func RefreshAccessToken(ctx context.Context, provider, clientID, refreshToken string) (*oauth2.Token, error) {
	endpoint, ok := oauthEndpoints[provider]
	if !ok {
		return nil, Errorf(KindProviderUnsupported, "no oauth endpoints for provider %q", provider)
	}
	if refreshToken == "" {
		return nil, Errorf(KindInvalidRefreshToken, "no refresh token stored")
	}

	cfg := &oauth2.Config{ClientID: clientID, Endpoint: endpoint}
	src := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Minute), // force a refresh round-trip
	})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthErr(err)
	}
	return tok, nil
}

func classifyOAuthErr(err error) *Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode == 401 {
			return WrapErr(KindInvalidRefreshToken, err)
		}
		if re.ErrorCode == "invalid_grant" || strings.Contains(strings.ToLower(string(re.Body)), "invalid_grant") {
			return WrapErr(KindInvalidRefreshToken, err)
		}
		return WrapErr(KindRefreshFailed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapErr(KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapErr(KindCancelled, err)
	}
	return WrapErr(KindRefreshFailed, err)
}
