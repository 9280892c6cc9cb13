package llm

import (
	"context"
	"io"
	"time"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/prompts"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/telemetry"
	"github.com/loopline/agentd/internal/types"
)

// Router is the provider-facing facade: it resolves a session to its
// credential, provider and prompt stack, then runs streaming chat against
// the right wire API.
type Router struct {
	store          *store.Store
	factory        *ClientFactory
	resolver       *prompts.Resolver
	telemetry      *telemetry.Emitter
	oauthClientIDs map[string]string // provider -> client id, from config
}

// NewRouter wires the router. oauthClientIDs may be nil when no oauth
// credentials are in use.
func NewRouter(st *store.Store, f *ClientFactory, resolver *prompts.Resolver, tel *telemetry.Emitter, oauthClientIDs map[string]string) *Router {
	if oauthClientIDs == nil {
		oauthClientIDs = map[string]string{}
	}
	return &Router{store: st, factory: f, resolver: resolver, telemetry: tel, oauthClientIDs: oauthClientIDs}
}

// Factory exposes the underlying HTTP client factory.
func (r *Router) Factory() *ClientFactory { return r.factory }

// CreateSession validates the credential reference and inserts the session.
func (r *Router) CreateSession(ctx context.Context, sess *store.Session) error {
	cred, err := r.store.GetCredentialByID(ctx, sess.AuthID)
	if err == store.ErrNotFound {
		return Errorf(KindInvalidCredentials, "credential %q does not exist", sess.AuthID)
	}
	if err != nil {
		return err
	}
	if !SupportsAuthType(cred.Provider, cred.AuthType) {
		return Errorf(KindInvalidAuthType, "%s does not support auth_type %q", cred.Provider, cred.AuthType)
	}
	if sess.ModelID == "" {
		return Errorf(KindMissingModel, "session requires a model id")
	}
	return r.store.CreateSession(ctx, sess)
}

// DeleteSession removes the session row; conversation history survives.
func (r *Router) DeleteSession(ctx context.Context, id string) error {
	if _, err := r.store.GetSession(ctx, id); err == store.ErrNotFound {
		return Errorf(KindSessionNotFound, "session %q not found", id)
	} else if err != nil {
		return err
	}
	return r.store.DeleteSessionOnly(ctx, id)
}

// ListModels returns the normalized model catalog for a credential.
func (r *Router) ListModels(ctx context.Context, provider, authType, name string) ([]Model, error) {
	cred, err := r.store.GetCredential(ctx, provider, authType, name)
	if err == store.ErrNotFound {
		return nil, Errorf(KindInvalidCredentials, "no %s/%s credential named %q", provider, authType, name)
	}
	if err != nil {
		return nil, err
	}
	return ListModels(ctx, r.factory, cred)
}

// StreamOptions configures one streaming chat call.
type StreamOptions struct {
	SessionID   string
	Messages    []types.Message
	Tools       []map[string]any // provider-shaped declarations
	MaxTokens   int
	Temperature *float64
	Model       string // overrides the session model when set
}

// StreamChat resolves the session, renders prompts, issues the provider
// request and returns the canonical event stream. The channel is unbuffered:
// a slow consumer backpressures the socket read. The channel closes after
// the terminal done or error event.
func (r *Router) StreamChat(ctx context.Context, opts StreamOptions) (<-chan types.StreamEvent, error) {
	if err := validateMessages(opts.Messages); err != nil {
		return nil, err
	}

	sess, err := r.store.GetSession(ctx, opts.SessionID)
	if err == store.ErrNotFound {
		return nil, Errorf(KindSessionNotFound, "session %q not found", opts.SessionID)
	}
	if err != nil {
		return nil, err
	}

	cred, err := r.store.GetCredentialByID(ctx, sess.AuthID)
	if err == store.ErrNotFound {
		return nil, Errorf(KindInvalidCredentials, "session credential %q missing", sess.AuthID)
	}
	if err != nil {
		return nil, err
	}

	provider, err := providerFor(cred.Provider)
	if err != nil {
		return nil, err
	}
	if !SupportsAuthType(cred.Provider, cred.AuthType) {
		return nil, Errorf(KindInvalidAuthType, "%s does not support auth_type %q", cred.Provider, cred.AuthType)
	}

	model := opts.Model
	if model == "" {
		model = sess.ModelID
	}
	if model == "" {
		return nil, Errorf(KindMissingModel, "no model configured for session %q", sess.ID)
	}

	// Expired oauth access tokens are refreshed inline before the call.
	if cred.AuthType == store.AuthTypeOAuth && cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		cred, err = r.RefreshTokens(ctx, cred)
		if err != nil {
			return nil, err
		}
	}

	stack, err := r.resolver.ResolveForSession(ctx, sess, cred.Provider)
	if err != nil {
		return nil, err
	}
	payload, err := prompts.RenderForProvider(cred.Provider, stack)
	if err != nil {
		return nil, err
	}

	req := &ChatRequest{
		Model:       model,
		Messages:    opts.Messages,
		Prompts:     payload,
		Tools:       opts.Tools,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	url, body, configure, err := provider.BuildRequest(r.factory, cred, req)
	if err != nil {
		return nil, err
	}

	respBody, err := r.factory.PostStream(ctx, url, body, configure)
	if err != nil {
		return nil, err
	}

	L_debug("llm: stream opened", "provider", cred.Provider, "model", model, "session", sess.ID)

	events := make(chan types.StreamEvent)
	go r.pump(ctx, cred.Provider, provider.NewHandler(), respBody, events)
	return events, nil
}

// pump decodes the SSE body through the handler onto the event channel,
// stopping at the first terminal event or context cancellation.
func (r *Router) pump(ctx context.Context, providerName string, handler StreamHandler, body io.ReadCloser, events chan<- types.StreamEvent) {
	defer close(events)
	defer body.Close()

	terminal := false
	send := func(ev types.StreamEvent) bool {
		r.telemetry.Emit(telemetry.EventStreamEvent, nil, map[string]string{
			"provider": providerName,
			"type":     string(ev.Type),
		})
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	err := DecodeSSE(body, func(f Frame) error {
		for _, ev := range handler.Handle(f) {
			if !send(ev) {
				return context.Canceled
			}
			if ev.Type == types.EventDone || ev.Type == types.EventError {
				terminal = true
				return errStreamDone
			}
		}
		return nil
	})

	if terminal {
		return
	}
	if err != nil && err != errStreamDone {
		send(types.ErrorEvent(classifyTransportErr(ctx, err)))
		return
	}
	// upstream closed without a done frame
	send(types.ErrorEvent(Errorf(KindStreamFailure, "stream ended without completion")))
}

// errStreamDone stops DecodeSSE after the terminal event without treating it
// as a failure.
var errStreamDone = Errorf(KindUnknown, "stream done")

// RefreshTokens refreshes an oauth credential's token pair. At-most-once per
// credential: the per-key lock serializes callers and the row is re-read
// under the lock so a refresh completed by another caller is reused as-is.
func (r *Router) RefreshTokens(ctx context.Context, cred *store.SavedAuthentication) (*store.SavedAuthentication, error) {
	if cred.AuthType != store.AuthTypeOAuth {
		return nil, Errorf(KindInvalidAuthType, "credential %s/%s is not oauth", cred.Provider, cred.Name)
	}

	var out *store.SavedAuthentication
	err := r.store.WithCredentialLock(cred.Provider, cred.AuthType, cred.Name, func() error {
		current, err := r.store.GetCredentialByID(ctx, cred.ID)
		if err != nil {
			return err
		}
		if current.ExpiresAt != nil && time.Until(*current.ExpiresAt) > 5*time.Minute {
			out = current // someone already refreshed
			return nil
		}

		tok, err := RefreshAccessToken(ctx, current.Provider, r.oauthClientIDs[current.Provider], current.RefreshToken())
		if err != nil {
			return err
		}

		patch := map[string]string{"access_token": tok.AccessToken}
		if tok.RefreshToken != "" {
			patch["refresh_token"] = tok.RefreshToken
		}
		expiry := tok.Expiry
		out, err = r.store.UpdateCredential(ctx, current, patch, &expiry)
		if err != nil {
			return err
		}

		L_info("oauth: token refreshed", "provider", current.Provider, "name", current.Name,
			"token", Redact(tok.AccessToken), "expires", expiry.Format(time.RFC3339))
		r.telemetry.Emit(telemetry.EventOAuthRefreshed, nil, map[string]string{
			"provider": current.Provider,
			"name":     current.Name,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
