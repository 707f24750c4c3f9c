// Package executor runs tasks. The contract is thread-scoped: a thread is
// one ongoing conversation with the model, surviving task supersedes and
// continuations. An execution either finishes with output or suspends with
// a question for the human; suspended state is persisted so a restart can
// resume where it stopped.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/inflow/internal/persistence"
)

// Result is the outcome of one execution step.
type Result struct {
	Output    string // text produced before finishing or suspending
	Suspended bool   // true when the executor needs a human answer
	Question  string // the question, set when Suspended
}

// ExecState describes a thread's stored execution state.
type ExecState struct {
	Exists    bool
	Suspended bool
	Question  string
}

// Executor drives a task to completion or suspension.
type Executor interface {
	// Execute starts (or restarts) work on a thread with fresh input.
	Execute(ctx context.Context, threadID, input string) (Result, error)
	// Resume continues a suspended thread with the human's answer.
	Resume(ctx context.Context, threadID, answer string) (Result, error)
	// State reports whether the thread has a pending suspension.
	State(ctx context.Context, threadID string) (ExecState, error)
}

// Turn is one entry in a thread's persisted transcript.
type Turn struct {
	Role    string `json:"role"` // "user", "model", "human"
	Content string `json:"content"`
}

func decodeTranscript(raw string) ([]Turn, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var turns []Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return turns, nil
}

func encodeTranscript(turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return string(b), nil
}

// askHumanMarker is the model-visible suspension protocol: when the model
// cannot proceed it answers with a single line starting with this marker.
const askHumanMarker = "ASK_HUMAN:"

// splitAskHuman separates produced output from an ask-human question.
// Everything before the marker line is output; the remainder of the marker
// line is the question. No marker means the run finished.
func splitAskHuman(text string) (output, question string, suspended bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, askHumanMarker) {
			continue
		}
		question = strings.TrimSpace(strings.TrimPrefix(trimmed, askHumanMarker))
		output = strings.TrimSpace(strings.Join(lines[:i], "\n"))
		return output, question, question != ""
	}
	return strings.TrimSpace(text), "", false
}

// stateFromRecord maps a stored execution row onto the contract's view.
func stateFromRecord(rec *persistence.ExecutionRecord) ExecState {
	if rec == nil {
		return ExecState{}
	}
	return ExecState{
		Exists:    true,
		Suspended: rec.Suspended,
		Question:  rec.Question,
	}
}
