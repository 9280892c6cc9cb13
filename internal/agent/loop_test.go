package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loopline/agentd/internal/llm"
	"github.com/loopline/agentd/internal/tools"
	"github.com/loopline/agentd/internal/types"
)

// fakeStreamer replays one scripted event sequence per model call.
type fakeStreamer struct {
	scripts [][]types.StreamEvent
	calls   int
	seen    [][]types.Message
	err     error
}

func (f *fakeStreamer) StreamChat(ctx context.Context, opts llm.StreamOptions) (<-chan types.StreamEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	if ctx.Err() != nil {
		return nil, llm.WrapErr(llm.KindCancelled, ctx.Err())
	}
	f.seen = append(f.seen, opts.Messages)

	script := f.scripts[len(f.scripts)-1]
	if f.calls < len(f.scripts) {
		script = f.scripts[f.calls]
	}
	f.calls++

	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type fakeDispatcher struct {
	outputs map[string]string
	calls   [][]types.ToolCall
}

func (f *fakeDispatcher) DispatchAll(ctx context.Context, calls []types.ToolCall) []tools.Result {
	f.calls = append(f.calls, calls)
	results := make([]tools.Result, len(calls))
	for i, call := range calls {
		if out, ok := f.outputs[call.Name]; ok {
			results[i] = tools.Result{Call: call, Output: out}
		} else {
			results[i] = tools.Result{Call: call, Err: fmt.Errorf("unknown tool: %s", call.Name)}
		}
	}
	return results
}

func userTurn(text string) TurnRequest {
	return TurnRequest{
		SessionID: "sess-1",
		Messages:  []types.Message{{Role: types.RoleUser, Content: text}},
	}
}

func TestRunTurnPlainText(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]types.StreamEvent{{
		types.ContentEvent("Hello "),
		types.ContentEvent("world"),
		types.UsageEvent(10, 4, 14),
		types.DoneEvent(),
	}}}
	loop := NewLoop(streamer, &fakeDispatcher{}, nil)

	result, err := loop.RunTurn(context.Background(), userTurn("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "Hello world" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if len(result.Rounds) != 0 {
		t.Errorf("rounds = %+v", result.Rounds)
	}
}

func TestRunTurnOneToolRound(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]types.StreamEvent{
		{
			types.FunctionCallEvent(types.ToolCall{ID: "c1", Name: "read_file", Arguments: `{"path":"a"}`}),
			types.UsageEvent(5, 2, 7),
			types.DoneEvent(),
		},
		{
			types.ContentEvent("the file says hi"),
			types.UsageEvent(9, 3, 12),
			types.DoneEvent(),
		},
	}}
	dispatcher := &fakeDispatcher{outputs: map[string]string{"read_file": "hi"}}
	loop := NewLoop(streamer, dispatcher, nil)

	result, err := loop.RunTurn(context.Background(), userTurn("read it"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "the file says hi" {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.Rounds) != 1 || result.Rounds[0].Results[0] != "hi" {
		t.Errorf("rounds = %+v", result.Rounds)
	}
	if result.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v", result.Usage)
	}

	// second model call must carry the assistant echo and the tool result
	second := streamer.seen[1]
	last := second[len(second)-1]
	if last.Role != types.RoleTool || last.ToolCallID != "c1" || last.Content != "hi" {
		t.Errorf("continuation tail = %+v", last)
	}
	echo := second[len(second)-2]
	if echo.Role != types.RoleAssistant || len(echo.ToolCalls) != 1 {
		t.Errorf("assistant echo = %+v", echo)
	}
}

func TestRunTurnToolErrorFedBack(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]types.StreamEvent{
		{
			types.FunctionCallEvent(types.ToolCall{ID: "c1", Name: "missing", Arguments: "{}"}),
			types.DoneEvent(),
		},
		{
			types.ContentEvent("could not do that"),
			types.DoneEvent(),
		},
	}}
	loop := NewLoop(streamer, &fakeDispatcher{}, nil)

	result, err := loop.RunTurn(context.Background(), userTurn("go"))
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Rounds[0].Results[0]; got != "error: unknown tool: missing" {
		t.Errorf("result = %q", got)
	}
}

// A model that never stops asking for tools completes the round bound and
// then fails, snapshot intact.
func TestRunTurnToolLoopExceeded(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]types.StreamEvent{{
		types.FunctionCallEvent(types.ToolCall{ID: "c", Name: "fetch", Arguments: "{}"}),
		types.UsageEvent(1, 1, 2),
		types.DoneEvent(),
	}}}
	dispatcher := &fakeDispatcher{outputs: map[string]string{"fetch": "ok"}}
	loop := NewLoop(streamer, dispatcher, nil)

	_, err := loop.RunTurn(context.Background(), userTurn("loop"))
	if !IsToolLoopExceeded(err) {
		t.Fatalf("err = %v", err)
	}
	snap := SnapshotOf(err)
	if snap == nil || len(snap.Rounds) != MaxToolRounds {
		t.Fatalf("snapshot rounds = %+v", snap)
	}
	if len(dispatcher.calls) != MaxToolRounds {
		t.Errorf("dispatched rounds = %d", len(dispatcher.calls))
	}
	if snap.Usage.TotalTokens != 2*(MaxToolRounds+1) {
		t.Errorf("usage = %+v", snap.Usage)
	}
}

func TestRunTurnStreamErrorSnapshot(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]types.StreamEvent{{
		types.ContentEvent("partial "),
		types.ErrorEvent(llm.Errorf(llm.KindStreamFailure, "connection reset")),
	}}}
	loop := NewLoop(streamer, &fakeDispatcher{}, nil)

	_, err := loop.RunTurn(context.Background(), userTurn("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	snap := SnapshotOf(err)
	if snap == nil || snap.Text != "partial " {
		t.Fatalf("snapshot = %+v", snap)
	}
	var te *TurnError
	if !asTurnError(err, &te) || te.Kind != KindStreamFailure {
		t.Errorf("kind = %+v", err)
	}
}

func TestRunTurnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	streamer := &fakeStreamer{scripts: [][]types.StreamEvent{{
		types.ContentEvent("never seen"),
		types.DoneEvent(),
	}}}
	loop := NewLoop(streamer, &fakeDispatcher{}, nil)

	_, err := loop.RunTurn(ctx, userTurn("hi"))
	var te *TurnError
	if !asTurnError(err, &te) || te.Kind != KindCancelled {
		t.Fatalf("err = %v", err)
	}
}

// graceDispatcher cancels the turn as dispatch starts and records whether
// its own context survived past the cancel.
type graceDispatcher struct {
	cancelTurn context.CancelFunc
	survived   bool
}

func (d *graceDispatcher) DispatchAll(ctx context.Context, calls []types.ToolCall) []tools.Result {
	d.cancelTurn()
	select {
	case <-ctx.Done():
	case <-time.After(50 * time.Millisecond):
		d.survived = ctx.Err() == nil
	}
	results := make([]tools.Result, len(calls))
	for i, call := range calls {
		results[i] = tools.Result{Call: call, Output: "done"}
	}
	return results
}

// Cancelling the turn while tools are already running must not kill them
// immediately; they get the grace window and their results still land in
// the snapshot.
func TestRunToolsGraceCoversMidDispatchCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamer := &fakeStreamer{scripts: [][]types.StreamEvent{{
		types.FunctionCallEvent(types.ToolCall{ID: "c1", Name: "slow", Arguments: "{}"}),
		types.DoneEvent(),
	}}}
	dispatcher := &graceDispatcher{cancelTurn: cancel}
	loop := NewLoop(streamer, dispatcher, nil)

	_, err := loop.RunTurn(ctx, userTurn("go"))
	var te *TurnError
	if !asTurnError(err, &te) || te.Kind != KindCancelled {
		t.Fatalf("err = %v", err)
	}
	if !dispatcher.survived {
		t.Error("dispatch context cancelled before the grace window")
	}
	snap := SnapshotOf(err)
	if snap == nil || len(snap.Rounds) != 1 || snap.Rounds[0].Results[0] != "done" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func asTurnError(err error, target **TurnError) bool {
	te, ok := err.(*TurnError)
	if ok {
		*target = te
	}
	return ok
}
