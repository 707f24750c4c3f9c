package executor

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedCall records one invocation against a Scripted executor.
type ScriptedCall struct {
	Method   string // "execute" or "resume"
	ThreadID string
	Input    string
}

// Scripted is an in-memory Executor for tests: it replays queued results
// per thread and tracks suspension state without touching a model.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]Result
	states  map[string]ExecState
	calls   []ScriptedCall
	failErr error
}

func NewScripted() *Scripted {
	return &Scripted{
		scripts: map[string][]Result{},
		states:  map[string]ExecState{},
	}
}

// Queue appends results to a thread's script, consumed in order by
// Execute/Resume. A thread with an empty script completes immediately.
func (s *Scripted) Queue(threadID string, results ...Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[threadID] = append(s.scripts[threadID], results...)
}

// Fail makes every subsequent call return err.
func (s *Scripted) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Calls returns a copy of the recorded invocations.
func (s *Scripted) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) Execute(ctx context.Context, threadID, input string) (Result, error) {
	return s.next(threadID, ScriptedCall{Method: "execute", ThreadID: threadID, Input: input})
}

func (s *Scripted) Resume(ctx context.Context, threadID, answer string) (Result, error) {
	s.mu.Lock()
	suspended := s.states[threadID].Suspended
	s.mu.Unlock()
	if !suspended {
		return Result{}, fmt.Errorf("resume: thread %s has no suspended execution", threadID)
	}
	return s.next(threadID, ScriptedCall{Method: "resume", ThreadID: threadID, Input: answer})
}

func (s *Scripted) State(ctx context.Context, threadID string) (ExecState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[threadID], nil
}

func (s *Scripted) next(threadID string, call ScriptedCall) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.failErr != nil {
		return Result{}, s.failErr
	}
	res := Result{Output: "done"}
	if queue := s.scripts[threadID]; len(queue) > 0 {
		res = queue[0]
		s.scripts[threadID] = queue[1:]
	}
	s.states[threadID] = ExecState{Exists: true, Suspended: res.Suspended, Question: res.Question}
	return res, nil
}

var _ Executor = (*Scripted)(nil)
