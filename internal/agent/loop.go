// Package agent runs the tool-use loop: stream a model response, execute
// requested tools, feed results back, repeat until the model stops asking.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loopline/agentd/internal/llm"
	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/tools"
	"github.com/loopline/agentd/internal/types"
)

// MaxToolRounds bounds tool execution rounds within one turn. A model still
// requesting tools after this many completed rounds fails the turn.
const MaxToolRounds = 8

// toolCancelGrace is how long in-flight tools get to finish after the turn
// is cancelled.
const toolCancelGrace = 2 * time.Second

// ChatStreamer starts one streaming model call.
type ChatStreamer interface {
	StreamChat(ctx context.Context, opts llm.StreamOptions) (<-chan types.StreamEvent, error)
}

// Dispatcher executes a round of tool calls.
type Dispatcher interface {
	DispatchAll(ctx context.Context, calls []types.ToolCall) []tools.Result
}

// Loop drives turns for a session.
type Loop struct {
	streamer   ChatStreamer
	dispatcher Dispatcher
	store      *store.Store // optional; enables conversation persistence
	maxRounds  int

	// OnEvent, when set, observes every canonical stream event as it
	// arrives. Used by the CLI to render incrementally.
	OnEvent func(types.StreamEvent)
}

// NewLoop wires a loop. st may be nil to skip persistence.
func NewLoop(streamer ChatStreamer, dispatcher Dispatcher, st *store.Store) *Loop {
	return &Loop{streamer: streamer, dispatcher: dispatcher, store: st, maxRounds: MaxToolRounds}
}

// TurnRequest is one user turn.
type TurnRequest struct {
	SessionID string
	ThreadID  string // empty starts a new thread
	Messages  []types.Message
	Tools     []map[string]any
	MaxTokens int
}

// ToolRound records one executed round: the calls the model made and the
// results fed back.
type ToolRound struct {
	Calls   []types.ToolCall
	Results []string
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	ThreadID string
	Text     string
	Rounds   []ToolRound
	Usage    types.Usage
}

// RunTurn executes one turn to completion. On failure the returned TurnError
// snapshots whatever text, tool rounds and usage had accumulated.
func (l *Loop) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	threadID := req.ThreadID
	if l.store != nil && len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		entry, err := l.appendEntry(ctx, req.SessionID, threadID, last)
		if err != nil {
			return nil, err
		}
		threadID = entry.ThreadID
	}

	result := &TurnResult{ThreadID: threadID}
	messages := append([]types.Message(nil), req.Messages...)

	for {
		text, calls, usage, err := l.streamOnce(ctx, req, messages)
		result.Text += text
		result.Usage.Add(usage)
		if err != nil {
			return nil, &TurnError{Kind: errKindOf(err), Snapshot: result, Err: err}
		}

		if len(calls) == 0 {
			break
		}
		if len(result.Rounds) >= l.maxRounds {
			L_warn("agent: tool loop bound hit", "rounds", len(result.Rounds), "pending", len(calls))
			return nil, &TurnError{
				Kind:     KindToolLoopExceeded,
				Snapshot: result,
				Err:      fmt.Errorf("model still requesting tools after %d rounds", l.maxRounds),
			}
		}

		round, err := l.runTools(ctx, calls)
		result.Rounds = append(result.Rounds, round)
		if err != nil {
			return nil, &TurnError{Kind: KindCancelled, Snapshot: result, Err: err}
		}

		// fold the round into the conversation for the next model call
		messages = append(messages, types.Message{
			Role:      types.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		for i, call := range calls {
			messages = append(messages, types.Message{
				Role:       types.RoleTool,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    round.Results[i],
			})
		}
	}

	if l.store != nil {
		if _, err := l.appendEntry(ctx, req.SessionID, threadID, types.Message{
			Role:    types.RoleAssistant,
			Content: result.Text,
		}); err != nil {
			return nil, err
		}
	}

	L_debug("agent: turn complete", "thread", threadID, "rounds", len(result.Rounds),
		"tokens", result.Usage.TotalTokens)
	return result, nil
}

// streamOnce runs one model call and folds its event stream. Tool calls are
// collected in model emission order.
func (l *Loop) streamOnce(ctx context.Context, req TurnRequest, messages []types.Message) (string, []types.ToolCall, types.Usage, error) {
	events, err := l.streamer.StreamChat(ctx, llm.StreamOptions{
		SessionID: req.SessionID,
		Messages:  messages,
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", nil, types.Usage{}, err
	}

	var text string
	var calls []types.ToolCall
	var usage types.Usage

	for {
		select {
		case <-ctx.Done():
			return text, calls, usage, llm.WrapErr(llm.KindCancelled, ctx.Err())

		case ev, ok := <-events:
			if !ok {
				return text, calls, usage, llm.Errorf(llm.KindStreamFailure, "stream closed without completion")
			}
			if l.OnEvent != nil {
				l.OnEvent(ev)
			}
			switch ev.Type {
			case types.EventContent:
				text += ev.Content
			case types.EventFunctionCall:
				calls = append(calls, ev.ToolCalls...)
			case types.EventUsage:
				if ev.Usage != nil {
					usage.Add(*ev.Usage)
				}
			case types.EventError:
				return text, calls, usage, ev.Err
			case types.EventDone:
				return text, calls, usage, nil
			}
		}
	}
}

// runTools executes one round. Tool failures do not fail the turn; the
// error text goes back to the model instead. A cancelled turn gives
// in-flight tools a short grace window, then reports cancellation. The
// grace applies whether the cancel landed before or during dispatch.
func (l *Loop) runTools(ctx context.Context, calls []types.ToolCall) (ToolRound, error) {
	dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(toolCancelGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-dispatchCtx.Done():
		}
	})
	defer stop()

	results := l.dispatcher.DispatchAll(dispatchCtx, calls)
	round := ToolRound{Calls: calls, Results: make([]string, len(results))}
	for i, res := range results {
		if res.Err != nil {
			round.Results[i] = "error: " + res.Err.Error()
		} else {
			round.Results[i] = res.Output
		}
	}

	if ctx.Err() != nil {
		return round, ctx.Err()
	}
	return round, nil
}

func (l *Loop) appendEntry(ctx context.Context, sessionID, threadID string, msg types.Message) (*store.ChatEntry, error) {
	combined, err := json.Marshal(map[string]any{"messages": []types.Message{msg}})
	if err != nil {
		return nil, err
	}
	return l.store.AppendEntry(ctx, sessionID, threadID, string(msg.Role), combined)
}
