package agent

import (
	"errors"

	"github.com/loopline/agentd/internal/llm"
)

// Turn error kinds.
const (
	KindToolLoopExceeded = "tool_loop_exceeded"
	KindStreamFailure    = "stream_failure"
	KindCancelled        = "cancelled"
	KindTimeout          = "timeout"
	KindOther            = "error"
)

// TurnError is a failed turn carrying the partial result accumulated before
// the failure: streamed text, executed tool rounds and token usage.
type TurnError struct {
	Kind     string
	Snapshot *TurnResult
	Err      error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return e.Kind + ": " + e.Err.Error()
	}
	return e.Kind
}

func (e *TurnError) Unwrap() error { return e.Err }

// IsToolLoopExceeded reports whether the turn failed on the round bound.
func IsToolLoopExceeded(err error) bool {
	var te *TurnError
	return errors.As(err, &te) && te.Kind == KindToolLoopExceeded
}

// SnapshotOf extracts the partial result from a failed turn, if any.
func SnapshotOf(err error) *TurnResult {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Snapshot
	}
	return nil
}

// errKindOf maps an underlying llm error to a turn error kind.
func errKindOf(err error) string {
	switch llm.KindOf(err) {
	case llm.KindCancelled:
		return KindCancelled
	case llm.KindTimeout:
		return KindTimeout
	case llm.KindStreamFailure, llm.KindNetworkError, llm.KindHTTPError:
		return KindStreamFailure
	}
	return KindOther
}
