package executor

import (
	"strings"
	"testing"
)

func TestSplitAskHuman_NoMarker(t *testing.T) {
	output, question, suspended := splitAskHuman("Booked the venue.\nSent the invite.")
	if suspended {
		t.Fatal("expected no suspension")
	}
	if question != "" {
		t.Fatalf("question = %q", question)
	}
	if output != "Booked the venue.\nSent the invite." {
		t.Fatalf("output = %q", output)
	}
}

func TestSplitAskHuman_MarkerWithPreamble(t *testing.T) {
	text := "Drafted the reply.\n\nASK_HUMAN: Which account should I send it from?"
	output, question, suspended := splitAskHuman(text)
	if !suspended {
		t.Fatal("expected suspension")
	}
	if question != "Which account should I send it from?" {
		t.Fatalf("question = %q", question)
	}
	if output != "Drafted the reply." {
		t.Fatalf("output = %q", output)
	}
}

func TestSplitAskHuman_MarkerOnly(t *testing.T) {
	output, question, suspended := splitAskHuman("  ASK_HUMAN: What is the budget?  ")
	if !suspended || question != "What is the budget?" {
		t.Fatalf("suspended=%v question=%q", suspended, question)
	}
	if output != "" {
		t.Fatalf("output = %q", output)
	}
}

func TestSplitAskHuman_EmptyQuestionIsNotSuspension(t *testing.T) {
	output, _, suspended := splitAskHuman("All done.\nASK_HUMAN:")
	if suspended {
		t.Fatal("a bare marker with no question must not suspend")
	}
	if output != "All done." {
		t.Fatalf("output = %q", output)
	}
}

func TestTranscriptRoundTrip(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: "Plan the offsite"},
		{Role: "model", Content: "ASK_HUMAN: What dates work?"},
		{Role: "human", Content: "March 3-5"},
	}
	raw, err := encodeTranscript(turns)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeTranscript(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 3 || decoded[2].Content != "March 3-5" {
		t.Fatalf("decoded = %#v", decoded)
	}
}

func TestDecodeTranscript_Empty(t *testing.T) {
	for _, raw := range []string{"", "[]"} {
		turns, err := decodeTranscript(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if turns != nil {
			t.Fatalf("decode %q = %#v", raw, turns)
		}
	}
	if _, err := decodeTranscript("{not json"); err == nil {
		t.Fatal("expected error for malformed transcript")
	}
}

func TestTurnsToMessages_SkipsUnknownRoles(t *testing.T) {
	msgs := turnsToMessages([]Turn{
		{Role: "user", Content: "a"},
		{Role: "model", Content: "b"},
		{Role: "human", Content: "c"},
		{Role: "note", Content: "ignored"},
	})
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
}

func TestModelNameForProvider(t *testing.T) {
	if got := modelNameForProvider("anthropic", "claude-sonnet-4-5"); got != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("anthropic = %q", got)
	}
	if got := modelNameForProvider("google", ""); !strings.HasPrefix(got, "googleai/") {
		t.Fatalf("google default = %q", got)
	}
	if got := modelNameForProvider("openrouter", "meta/llama-3"); got != "meta/llama-3" {
		t.Fatalf("openrouter = %q", got)
	}
}
