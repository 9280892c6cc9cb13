package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateNamedUniqueness(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.CreateNamed(ctx, "openai", AuthTypeAPIKey, "work", map[string]string{"api_key": "sk-1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.CreateNamed(ctx, "openai", AuthTypeAPIKey, "work", map[string]string{"api_key": "sk-2"}, nil)
	if err != ErrUniquenessViolation {
		t.Fatalf("err = %v, want ErrUniquenessViolation", err)
	}

	// same name under a different auth_type is a distinct key
	exp := time.Now().Add(time.Hour)
	if _, err := s.CreateNamed(ctx, "openai", AuthTypeOAuth, "work",
		map[string]string{"access_token": "at", "refresh_token": "rt"}, &exp); err != nil {
		t.Fatalf("distinct auth_type rejected: %v", err)
	}
}

func TestCreateNamedValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	// oauth requires expiry
	if _, err := s.CreateNamed(ctx, "anthropic", AuthTypeOAuth, "a",
		map[string]string{"access_token": "at"}, nil); err == nil {
		t.Error("oauth without expires_at accepted")
	}
	// oauth requires a token
	if _, err := s.CreateNamed(ctx, "anthropic", AuthTypeOAuth, "b",
		map[string]string{}, &exp); err == nil {
		t.Error("oauth without tokens accepted")
	}
	// api_key must not carry expiry
	if _, err := s.CreateNamed(ctx, "anthropic", AuthTypeAPIKey, "c",
		map[string]string{"api_key": "k"}, &exp); err == nil {
		t.Error("api_key with expires_at accepted")
	}
	// api_key must not be blank
	if _, err := s.CreateNamed(ctx, "anthropic", AuthTypeAPIKey, "d",
		map[string]string{"api_key": "   "}, nil); err == nil {
		t.Error("whitespace-only api_key accepted")
	}
	if _, err := s.CreateNamed(ctx, "anthropic", AuthTypeAPIKey, "e",
		map[string]string{}, nil); err == nil {
		t.Error("missing api_key accepted")
	}
}

func TestUpdateCredentialMergesPatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	rec, err := s.CreateNamed(ctx, "gemini", AuthTypeOAuth, "personal",
		map[string]string{"access_token": "old-at", "refresh_token": "rt"}, &exp)
	if err != nil {
		t.Fatal(err)
	}

	newExp := time.Now().Add(2 * time.Hour)
	updated, err := s.UpdateCredential(ctx, rec, map[string]string{"access_token": "new-at"}, &newExp)
	if err != nil {
		t.Fatal(err)
	}
	if updated.AccessToken() != "new-at" {
		t.Errorf("access_token = %q", updated.AccessToken())
	}
	if updated.RefreshToken() != "rt" {
		t.Errorf("refresh_token lost: %q", updated.RefreshToken())
	}

	fetched, err := s.GetCredentialByID(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.AccessToken() != "new-at" {
		t.Errorf("persisted access_token = %q", fetched.AccessToken())
	}
}

func TestListOAuthExpiringWithin(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	soon := time.Now().Add(30 * time.Minute)
	later := time.Now().Add(48 * time.Hour)
	s.CreateNamed(ctx, "openai", AuthTypeOAuth, "soon",
		map[string]string{"access_token": "a", "refresh_token": "r"}, &soon)
	s.CreateNamed(ctx, "openai", AuthTypeOAuth, "later",
		map[string]string{"access_token": "a", "refresh_token": "r"}, &later)
	s.CreateNamed(ctx, "openai", AuthTypeAPIKey, "key", map[string]string{"api_key": "k"}, nil)

	due, err := s.ListOAuthExpiringWithin(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Name != "soon" {
		t.Fatalf("due = %+v", due)
	}
}

func TestDeleteCredentialIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.DeleteCredential(ctx, "openai", AuthTypeAPIKey, "ghost"); err != nil {
		t.Fatalf("deleting missing credential: %v", err)
	}
}

func makeSession(t *testing.T, s *Store) *Session {
	t.Helper()
	ctx := context.Background()
	cred, err := s.CreateNamed(ctx, "openai", AuthTypeAPIKey, "k", map[string]string{"api_key": "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := &Session{Name: "dev", AuthID: cred.ID, ModelID: "gpt-test"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSessionNameValidation(t *testing.T) {
	s := testStore(t)
	long := make([]byte, MaxSessionNameLen+1)
	for i := range long {
		long[i] = 'x'
	}

	if err := s.CreateSession(context.Background(), &Session{Name: ""}); err != ErrInvalidSessionName {
		t.Errorf("empty name err = %v", err)
	}
	if err := s.CreateSession(context.Background(), &Session{Name: string(long)}); err != ErrInvalidSessionName {
		t.Errorf("long name err = %v", err)
	}
}

func TestAppendEntryTurnIndexContiguous(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := makeSession(t, s)

	var threadID string
	for i := 0; i < 3; i++ {
		entry, err := s.AppendEntry(ctx, sess.ID, threadID, "user", json.RawMessage(`{"messages":[]}`))
		if err != nil {
			t.Fatal(err)
		}
		threadID = entry.ThreadID
		if entry.TurnIndex != i {
			t.Errorf("turn %d has index %d", i, entry.TurnIndex)
		}
	}

	entries, err := s.ThreadEntries(ctx, threadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
}

func TestDeleteSessionPreservesEntries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := makeSession(t, s)

	entry, err := s.AppendEntry(ctx, sess.ID, "", "user", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSessionOnly(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, sess.ID); err != ErrNotFound {
		t.Errorf("session still present: %v", err)
	}

	entries, err := s.ThreadEntries(ctx, entry.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].SessionID != "" {
		t.Fatalf("entries = %+v", entries)
	}

	// orphaned thread can be adopted by a new session
	other := makeSessionNamed(t, s, "dev2")
	n, err := s.AttachThreadToSession(ctx, entry.ThreadID, other.ID)
	if err != nil || n != 1 {
		t.Fatalf("attached %d err %v", n, err)
	}
}

func TestEnsureServersExistUpserts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := &MCPServer{Name: "files", Transport: TransportStdio, Command: "mcp-files", IsEnabled: true}
	if _, err := s.EnsureServersExist(ctx, []*MCPServer{first}); err != nil {
		t.Fatal(err)
	}

	// second pass with the same name refreshes config in place
	second := &MCPServer{Name: "files", Transport: TransportStdio, Command: "mcp-files-v2", IsEnabled: true}
	if _, err := s.EnsureServersExist(ctx, []*MCPServer{second}); err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("upsert changed id: %s vs %s", second.ID, first.ID)
	}

	got, err := s.GetMCPServerByName(ctx, "files")
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != "mcp-files-v2" {
		t.Errorf("command = %q", got.Command)
	}
}

func TestSessionServerBindings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := makeSession(t, s)

	servers, err := s.EnsureServersExist(ctx, []*MCPServer{
		{Name: "files", Transport: TransportStdio, Command: "mcp-files", IsEnabled: true},
		{Name: "web", Transport: TransportSSE, URL: "http://localhost:9000/sse", IsEnabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.ReplaceSessionServers(ctx, sess.ID, []SessionServerBinding{
		{ServerID: servers[0].ID},
		{ServerID: servers[1].ID, Alias: "search"},
	})
	if err != nil {
		t.Fatal(err)
	}

	attached, err := s.SessionServers(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attached) != 2 {
		t.Fatalf("attached = %d", len(attached))
	}

	// replacement drops prior bindings
	if err := s.ReplaceSessionServers(ctx, sess.ID, []SessionServerBinding{{ServerID: servers[1].ID}}); err != nil {
		t.Fatal(err)
	}
	attached, err = s.SessionServers(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attached) != 1 || attached[0].Name != "web" {
		t.Fatalf("attached = %+v", attached)
	}
}

func makeSessionNamed(t *testing.T, s *Store, name string) *Session {
	t.Helper()
	ctx := context.Background()
	cred, err := s.CreateNamed(ctx, "openai", AuthTypeAPIKey, "k-"+name, map[string]string{"api_key": "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := &Session{Name: name, AuthID: cred.ID, ModelID: "gpt-test"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	return sess
}
