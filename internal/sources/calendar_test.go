package sources

import (
	"strings"
	"testing"
	"time"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1@example.com\r\n" +
	"SUMMARY:Quarterly review\\, with finance\r\n" +
	"DESCRIPTION:Bring the Q3 numbers\\nand last year's deck\r\n" +
	"LOCATION:Room 4\r\n" +
	"DTSTART:20260901T140000Z\r\n" +
	"DTEND:20260901T150000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-2@example.com\r\n" +
	"SUMMARY:A very long summary that gets folded across two physical li\r\n" +
	" nes by the exporter\r\n" +
	"DTSTART;VALUE=DATE:20260902\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParseICS_EventsFoldingAndEscapes(t *testing.T) {
	events, err := ParseICS(strings.NewReader(sampleICS))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.UID != "evt-1@example.com" {
		t.Fatalf("uid: %q", first.UID)
	}
	if first.Summary != "Quarterly review, with finance" {
		t.Fatalf("escaped comma not unescaped: %q", first.Summary)
	}
	if !strings.Contains(first.Description, "\nand last year's deck") {
		t.Fatalf("escaped newline not unescaped: %q", first.Description)
	}
	wantStart := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	if !first.Start.Equal(wantStart) {
		t.Fatalf("start: %v", first.Start)
	}

	second := events[1]
	if !strings.Contains(second.Summary, "folded across two physical lines") {
		t.Fatalf("folded line not unfolded: %q", second.Summary)
	}
	if second.Start.Hour() != 0 || second.Start.Day() != 2 {
		t.Fatalf("all-day start: %v", second.Start)
	}
}

func TestCalendar_NormalizeAndLookaheadGate(t *testing.T) {
	src := NewCalendarSource("https://example.com/cal.ics", 48*time.Hour, discardLogger())
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return base }

	item := RawItem{
		SourceType: "calendar",
		SourceID:   "evt-1@example.com@20260901T140000Z",
		Data: map[string]any{
			"uid":         "evt-1@example.com",
			"summary":     "Quarterly review",
			"description": "Bring the numbers",
			"location":    "Room 4",
			"start":       "2026-09-01T14:00:00Z",
			"end":         "2026-09-01T15:00:00Z",
		},
	}
	got, err := src.Normalize(item)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.ThreadID != "calendar:evt-1@example.com" {
		t.Fatalf("thread: %q", got.ThreadID)
	}
	if got.Title != "Prepare for: Quarterly review" {
		t.Fatalf("title: %q", got.Title)
	}
	if got.DueAt == nil || !got.DueAt.Equal(time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("due_at: %v", got.DueAt)
	}

	// Inside the window.
	if !src.ShouldCreate(got) {
		t.Fatalf("event 6h ahead should be created")
	}

	// Beyond the window.
	far := got
	farDue := base.Add(72 * time.Hour)
	far.DueAt = &farDue
	if src.ShouldCreate(far) {
		t.Fatalf("event 72h ahead should be skipped with 48h lookahead")
	}

	// Already started.
	past := got
	pastDue := base.Add(-1 * time.Hour)
	past.DueAt = &pastDue
	if src.ShouldCreate(past) {
		t.Fatalf("past event should be skipped")
	}
}
