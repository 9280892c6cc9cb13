// agentd is the LLM agent runtime daemon and CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/loopline/agentd/internal/agent"
	"github.com/loopline/agentd/internal/config"
	"github.com/loopline/agentd/internal/llm"
	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/mcp"
	"github.com/loopline/agentd/internal/prompts"
	"github.com/loopline/agentd/internal/refresh"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/telemetry"
	"github.com/loopline/agentd/internal/tools"
	"github.com/loopline/agentd/internal/types"
)

var cli struct {
	Config   string `help:"Path to the config file." type:"path" default:"~/.agentd/config.yaml"`
	LogLevel string `help:"Log level (error, warn, info, debug, trace)." default:""`

	Serve   ServeCmd   `cmd:"" help:"Run the agent daemon: MCP pool, refresh worker, settings watch."`
	Turn    TurnCmd    `cmd:"" help:"Run one agent turn against a session."`
	Session SessionCmd `cmd:"" help:"Manage sessions."`
	Cred    CredCmd    `cmd:"" help:"Manage saved credentials."`
	Models  ModelsCmd  `cmd:"" help:"List models available to a credential."`
	MCP     MCPCmd     `cmd:"" name:"mcp" help:"Inspect MCP servers."`
}

// app carries the wired runtime shared by all subcommands. The tool
// registry and loop are built per turn so each session's working
// directory becomes that turn's sandbox root.
type app struct {
	cfg       *config.Config
	store     *store.Store
	router    *llm.Router
	mcpPool   *mcp.Registry
	telemetry *telemetry.Emitter
}

func buildApp() (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	Init(&Config{Level: levelFromName(cfg.LogLevel), TimeFormat: "15:04:05"})

	st, err := store.Open(store.Options{Path: cfg.Database})
	if err != nil {
		return nil, err
	}

	tel := telemetry.NewEmitter()
	resolver := prompts.NewResolver(st, tel)
	router := llm.NewRouter(st, llm.NewClientFactory(), resolver, tel, cfg.OAuth.ClientIDs)

	cache := mcp.NewToolsCache()
	pool := mcp.NewRegistry(cache, tel)

	return &app{
		cfg:       cfg,
		store:     st,
		router:    router,
		mcpPool:   pool,
		telemetry: tel,
	}, nil
}

// workspaceDir picks the sandbox root for a session's tools: the session's
// working directory when set, the configured workspace otherwise.
func workspaceDir(sess *store.Session, cfg *config.Config) string {
	if sess.WorkingDir != "" {
		return sess.WorkingDir
	}
	return cfg.Workspace
}

func levelFromName(name string) int {
	switch strings.ToLower(name) {
	case "error":
		return LevelError
	case "warn":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	default:
		return LevelInfo
	}
}

// connectMCP loads mcp_settings.json, persists the servers and brings the
// pool up. Missing settings file means no MCP servers, not an error.
func (a *app) connectMCP(ctx context.Context) error {
	settings, err := mcp.LoadSettings(a.cfg.MCPSettings)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			L_debug("mcp: no settings file", "path", a.cfg.MCPSettings)
			return nil
		}
		return err
	}
	rows, err := a.store.EnsureServersExist(ctx, settings.ToStoreServers())
	if err != nil {
		return err
	}
	a.mcpPool.Configure(rows)
	a.mcpPool.ConnectAll(ctx)
	return a.mcpPool.RefreshTools(ctx)
}

// ServeCmd runs the long-lived daemon.
type ServeCmd struct{}

func (c *ServeCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.connectMCP(ctx); err != nil {
		return err
	}
	if err := mcp.WatchSettings(ctx, a.cfg.MCPSettings, a.store, a.mcpPool); err != nil {
		L_warn("serve: settings watch unavailable", "error", err)
	}

	monitor := mcp.NewMonitor(a.mcpPool)
	go monitor.Run(ctx)

	worker := refresh.NewWorker(a.store, a.router)
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	L_info("agentd: serving", "database", a.cfg.Database, "workspace", a.cfg.Workspace)
	<-ctx.Done()
	L_info("agentd: shutting down")
	return nil
}

// TurnCmd runs a single agent turn and prints the result.
type TurnCmd struct {
	Session string        `arg:"" help:"Session id."`
	Message string        `arg:"" help:"User message."`
	Thread  string        `help:"Continue an existing thread."`
	Timeout time.Duration `help:"Turn timeout." default:"5m"`
}

func (c *TurnCmd) Run(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	if err := a.connectMCP(ctx); err != nil {
		return err
	}

	sess, err := a.store.GetSession(ctx, c.Session)
	if err != nil {
		return err
	}
	cred, err := a.store.GetCredentialByID(ctx, sess.AuthID)
	if err != nil {
		return err
	}

	ws, err := tools.NewWorkspace(workspaceDir(sess, a.cfg))
	if err != nil {
		return err
	}
	registry := tools.NewRegistry(a.mcpPool, a.telemetry)
	registry.RegisterBuiltins(ws)
	decls, err := registry.DeclareForProvider(cred.Provider)
	if err != nil {
		return err
	}

	messages, err := c.history(ctx, a)
	if err != nil {
		return err
	}
	messages = append(messages, types.Message{Role: types.RoleUser, Content: c.Message})

	loop := agent.NewLoop(a.router, registry, a.store)
	loop.OnEvent = func(ev types.StreamEvent) {
		if ev.Type == types.EventContent {
			fmt.Print(ev.Content)
		}
	}

	result, err := loop.RunTurn(ctx, agent.TurnRequest{
		SessionID: c.Session,
		ThreadID:  c.Thread,
		Messages:  messages,
		Tools:     decls,
		MaxTokens: a.cfg.Chat.MaxTokens,
	})
	if err != nil {
		if snap := agent.SnapshotOf(err); snap != nil && snap.Text != "" {
			fmt.Println()
		}
		return err
	}

	fmt.Println()
	L_info("turn: complete", "thread", result.ThreadID, "rounds", len(result.Rounds),
		"tokens", result.Usage.TotalTokens)
	return nil
}

// history loads prior thread messages for continuation turns.
func (c *TurnCmd) history(ctx context.Context, a *app) ([]types.Message, error) {
	if c.Thread == "" {
		return nil, nil
	}
	entries, err := a.store.ThreadEntries(ctx, c.Thread)
	if err != nil {
		return nil, err
	}
	var messages []types.Message
	for _, e := range entries {
		var combined struct {
			Messages []types.Message `json:"messages"`
		}
		if err := json.Unmarshal(e.CombinedChat, &combined); err != nil {
			continue
		}
		messages = append(messages, combined.Messages...)
	}
	return messages, nil
}

// SessionCmd manages sessions.
type SessionCmd struct {
	Create SessionCreateCmd `cmd:"" help:"Create a session."`
	List   SessionListCmd   `cmd:"" help:"List sessions."`
	Delete SessionDeleteCmd `cmd:"" help:"Delete a session, keeping its history."`
	Attach SessionAttachCmd `cmd:"" help:"Attach MCP servers to a session."`
}

type SessionCreateCmd struct {
	Name     string `arg:"" help:"Session name."`
	Provider string `required:"" help:"Provider of the credential."`
	AuthType string `required:"" help:"Auth type of the credential."`
	Cred     string `required:"" help:"Credential name."`
	Model    string `required:"" help:"Model id."`
	Dir      string `help:"Working directory." default:"."`
}

func (c *SessionCreateCmd) Run(a *app) error {
	ctx := context.Background()
	cred, err := a.store.GetCredential(ctx, c.Provider, c.AuthType, c.Cred)
	if err != nil {
		return err
	}
	sess := &store.Session{
		Name:       c.Name,
		AuthID:     cred.ID,
		ModelID:    c.Model,
		WorkingDir: c.Dir,
	}
	if err := a.router.CreateSession(ctx, sess); err != nil {
		return err
	}
	fmt.Println(sess.ID)
	return nil
}

type SessionListCmd struct{}

func (c *SessionListCmd) Run(a *app) error {
	sessions, err := a.store.ListSessions(context.Background())
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s\t%s\t%s\n", s.ID, s.Name, s.ModelID)
	}
	return nil
}

type SessionDeleteCmd struct {
	ID string `arg:"" help:"Session id."`
}

func (c *SessionDeleteCmd) Run(a *app) error {
	return a.router.DeleteSession(context.Background(), c.ID)
}

type SessionAttachCmd struct {
	ID      string   `arg:"" help:"Session id."`
	Servers []string `arg:"" help:"MCP server names, replacing any previous attachments."`
}

func (c *SessionAttachCmd) Run(a *app) error {
	ctx := context.Background()
	if _, err := a.store.GetSession(ctx, c.ID); err != nil {
		return err
	}

	bindings := make([]store.SessionServerBinding, 0, len(c.Servers))
	for _, name := range c.Servers {
		srv, err := a.store.GetMCPServerByName(ctx, name)
		if err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		bindings = append(bindings, store.SessionServerBinding{ServerID: srv.ID})
	}
	return a.store.ReplaceSessionServers(ctx, c.ID, bindings)
}

// CredCmd manages saved credentials.
type CredCmd struct {
	Add    CredAddCmd    `cmd:"" help:"Save an api_key credential."`
	Login  CredLoginCmd  `cmd:"" help:"Save an oauth credential via browser login."`
	List   CredListCmd   `cmd:"" help:"List credentials."`
	Delete CredDeleteCmd `cmd:"" help:"Delete a credential."`
}

type CredAddCmd struct {
	Provider string `arg:"" help:"Provider (openai, anthropic, gemini)."`
	Name     string `arg:"" help:"Credential name."`
	Key      string `help:"API key; read from stdin when omitted."`
}

func (c *CredAddCmd) Run(a *app) error {
	key := c.Key
	if key == "" {
		fmt.Fprint(os.Stderr, "api key: ")
		if _, err := fmt.Scanln(&key); err != nil {
			return err
		}
	}
	rec, err := a.store.CreateNamed(context.Background(), c.Provider, store.AuthTypeAPIKey, c.Name,
		map[string]string{"api_key": key}, nil)
	if err != nil {
		return err
	}
	L_info("cred: saved", "provider", rec.Provider, "name", rec.Name, "key", Redact(key))
	return nil
}

// CredLoginCmd runs the PKCE authorization-code flow: print the browser
// URL, read the code back, exchange it and persist the token pair.
type CredLoginCmd struct {
	Provider string `arg:"" help:"Provider (openai, anthropic, gemini)."`
	Name     string `arg:"" optional:"" help:"Credential name." default:"default"`
}

func (c *CredLoginCmd) Run(a *app) error {
	ctx := context.Background()
	flow, err := llm.NewOAuthFlow(c.Provider, a.cfg.OAuth.ClientIDs[c.Provider], a.cfg.OAuth.RedirectURL)
	if err != nil {
		return err
	}

	state := uuid.New().String()
	fmt.Fprintln(os.Stderr, "Open this URL in your browser and authorize:")
	fmt.Fprintln(os.Stderr, flow.AuthURL(state))
	fmt.Fprint(os.Stderr, "authorization code: ")
	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		return err
	}

	tok, err := flow.Exchange(ctx, code)
	if err != nil {
		return err
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}
	rec, err := a.store.CreateNamed(ctx, c.Provider, store.AuthTypeOAuth, c.Name, map[string]string{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
	}, &expiresAt)
	if err != nil {
		return err
	}
	L_info("cred: oauth saved", "provider", rec.Provider, "name", rec.Name,
		"expires", expiresAt.Format(time.RFC3339), "token", Redact(tok.AccessToken))
	return nil
}

type CredListCmd struct{}

func (c *CredListCmd) Run(a *app) error {
	creds, err := a.store.ListCredentials(context.Background())
	if err != nil {
		return err
	}
	for _, cred := range creds {
		expiry := "-"
		if cred.ExpiresAt != nil {
			expiry = cred.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", cred.Provider, cred.AuthType, cred.Name, expiry)
	}
	return nil
}

type CredDeleteCmd struct {
	Provider string `arg:""`
	AuthType string `arg:""`
	Name     string `arg:""`
}

func (c *CredDeleteCmd) Run(a *app) error {
	return a.store.DeleteCredential(context.Background(), c.Provider, c.AuthType, c.Name)
}

// ModelsCmd lists models for a credential.
type ModelsCmd struct {
	Provider string `arg:"" help:"Provider."`
	AuthType string `help:"Auth type." default:"api_key"`
	Cred     string `arg:"" help:"Credential name."`
}

func (c *ModelsCmd) Run(a *app) error {
	models, err := a.router.ListModels(context.Background(), c.Provider, c.AuthType, c.Cred)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Printf("%s\t%s\t%s\n", m.ID, m.Name, strings.Join(m.Capabilities, ","))
	}
	return nil
}

// MCPCmd inspects the MCP pool.
type MCPCmd struct {
	List   MCPListCmd   `cmd:"" help:"List configured servers."`
	Status MCPStatusCmd `cmd:"" help:"Connect and show server states and tools."`
}

type MCPListCmd struct{}

func (c *MCPListCmd) Run(a *app) error {
	servers, err := a.store.ListMCPServers(context.Background(), false)
	if err != nil {
		return err
	}
	for _, s := range servers {
		enabled := "disabled"
		if s.IsEnabled {
			enabled = "enabled"
		}
		fmt.Printf("%s\t%s\t%s\n", s.Name, s.Transport, enabled)
	}
	return nil
}

type MCPStatusCmd struct{}

func (c *MCPStatusCmd) Run(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.connectMCP(ctx); err != nil {
		return err
	}
	for name, state := range a.mcpPool.States() {
		fmt.Printf("%s\t%s\n", name, state)
	}
	for _, def := range a.mcpPool.ExternalDefinitions() {
		fmt.Printf("  tool: %s\n", def.Name)
	}
	return nil
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("agentd"),
		kong.Description("LLM agent runtime: provider routing, tool execution, MCP integration."),
		kong.UsageOnError(),
	)

	a, err := buildApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer a.store.Close()

	if err := kctx.Run(a); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
