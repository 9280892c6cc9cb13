package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"
)

func TestNewOAuthFlowValidation(t *testing.T) {
	if _, err := NewOAuthFlow("mistral", "cid", "http://localhost/cb"); !IsKind(err, KindProviderUnsupported) {
		t.Errorf("unknown provider err = %v", err)
	}
	if _, err := NewOAuthFlow(ProviderOpenAI, "", "http://localhost/cb"); !IsKind(err, KindInvalidOptions) {
		t.Errorf("missing client id err = %v", err)
	}
}

func TestAuthURLCarriesPKCEChallenge(t *testing.T) {
	flow, err := NewOAuthFlow(ProviderAnthropic, "client-123", "http://localhost:1455/callback")
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(flow.AuthURL("st8"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-123" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "http://localhost:1455/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("state") != "st8" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge = %q method = %q", q.Get("code_challenge"), q.Get("code_challenge_method"))
	}
}

func TestExchangeSendsVerifier(t *testing.T) {
	var gotVerifier, gotCode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotVerifier = r.Form.Get("code_verifier")
		gotCode = r.Form.Get("code")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	saved := oauthEndpoints[ProviderOpenAI]
	oauthEndpoints[ProviderOpenAI] = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	defer func() { oauthEndpoints[ProviderOpenAI] = saved }()

	flow, err := NewOAuthFlow(ProviderOpenAI, "cid", "http://localhost/cb")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := flow.Exchange(context.Background(), "authcode")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Errorf("token = %+v", tok)
	}
	if gotCode != "authcode" {
		t.Errorf("code = %q", gotCode)
	}
	if gotVerifier == "" || gotVerifier != flow.verifier {
		t.Errorf("verifier = %q", gotVerifier)
	}
}

func TestExchangeInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	saved := oauthEndpoints[ProviderOpenAI]
	oauthEndpoints[ProviderOpenAI] = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	defer func() { oauthEndpoints[ProviderOpenAI] = saved }()

	flow, err := NewOAuthFlow(ProviderOpenAI, "cid", "http://localhost/cb")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := flow.Exchange(context.Background(), "stale"); !IsKind(err, KindInvalidRefreshToken) {
		t.Errorf("err = %v", err)
	}
}
