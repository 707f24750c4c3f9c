package sources

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/inflow/internal/persistence"
)

const calendarSourceType = "calendar"

// CalendarSource polls an iCalendar (ICS) feed and emits upcoming events as
// items. Only the VEVENT subset this needs is parsed; no pack repo carries
// an ICS library.
type CalendarSource struct {
	url       string
	lookahead time.Duration
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time // overridable in tests
}

func NewCalendarSource(url string, lookahead time.Duration, logger *slog.Logger) *CalendarSource {
	if lookahead <= 0 {
		lookahead = 48 * time.Hour
	}
	return &CalendarSource{
		url:       url,
		lookahead: lookahead,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		now:       time.Now,
	}
}

func (c *CalendarSource) Name() string {
	return calendarSourceType
}

func (c *CalendarSource) Fetch(ctx context.Context) ([]RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("calendar request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar fetch: unexpected status %d", resp.StatusCode)
	}

	events, err := ParseICS(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("calendar parse: %w", err)
	}

	fetchedAt := c.now().UTC()
	items := make([]RawItem, 0, len(events))
	for _, ev := range events {
		if ev.UID == "" || ev.Start.IsZero() {
			continue
		}
		items = append(items, RawItem{
			SourceType: calendarSourceType,
			// Start in the ID keeps rescheduled events distinct from their
			// original slot.
			SourceID: fmt.Sprintf("%s@%s", ev.UID, ev.Start.UTC().Format("20060102T150405Z")),
			Data: map[string]any{
				"uid":         ev.UID,
				"summary":     ev.Summary,
				"description": ev.Description,
				"location":    ev.Location,
				"start":       ev.Start.UTC().Format(time.RFC3339),
				"end":         ev.End.UTC().Format(time.RFC3339),
			},
			FetchedAt: fetchedAt,
		})
	}
	return items, nil
}

func (c *CalendarSource) Normalize(item RawItem) (NormalizedItem, error) {
	summary, _ := item.Data["summary"].(string)
	uid, _ := item.Data["uid"].(string)
	startRaw, _ := item.Data["start"].(string)
	if uid == "" || startRaw == "" {
		return NormalizedItem{}, fmt.Errorf("calendar item %s: missing uid or start", item.SourceID)
	}
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return NormalizedItem{}, fmt.Errorf("calendar item %s: bad start: %w", item.SourceID, err)
	}
	if summary == "" {
		summary = "(untitled event)"
	}

	description, _ := item.Data["description"].(string)
	location, _ := item.Data["location"].(string)
	content := fmt.Sprintf("Event: %s\nStarts: %s", summary, start.Format(time.RFC1123))
	if location != "" {
		content += "\nLocation: " + location
	}
	if description != "" {
		content += "\n\n" + description
	}

	return NormalizedItem{
		SourceType: calendarSourceType,
		SourceID:   item.SourceID,
		ThreadID:   "calendar:" + uid,
		Title:      "Prepare for: " + firstLine(summary, 70),
		Content:    content,
		Metadata: map[string]any{
			"uid":      uid,
			"location": location,
			"start":    startRaw,
			"end":      item.Data["end"],
		},
		Tags:  []string{"calendar"},
		DueAt: &start,
	}, nil
}

// ShouldCreate accepts only events starting within the lookahead window;
// the feed always contains the whole calendar.
func (c *CalendarSource) ShouldCreate(item NormalizedItem) bool {
	if item.DueAt == nil {
		return false
	}
	now := c.now().UTC()
	return item.DueAt.After(now) && item.DueAt.Before(now.Add(c.lookahead))
}

func (c *CalendarSource) ShouldUpdate(_ NormalizedItem, task *persistence.Task) bool {
	// Past events no longer feed their thread.
	return task != nil && !task.Status.IsTerminal()
}

func (c *CalendarSource) HealthCheck(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("calendar: no feed URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("calendar: feed returned %d", resp.StatusCode)
	}
	return nil
}

// Event is a parsed VEVENT.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

// ParseICS reads an iCalendar stream and returns its VEVENTs. Handles
// folded lines, escaped text values, and the common DTSTART shapes
// (UTC, floating, VALUE=DATE). Unknown properties are ignored.
func ParseICS(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// Unfold: continuation lines start with a space or tab.
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ics: %w", err)
	}

	var (
		events  []Event
		current *Event
	)
	for _, line := range lines {
		switch {
		case line == "BEGIN:VEVENT":
			current = &Event{}
			continue
		case line == "END:VEVENT":
			if current != nil {
				events = append(events, *current)
			}
			current = nil
			continue
		}
		if current == nil {
			continue
		}

		name, params, value, ok := splitICSLine(line)
		if !ok {
			continue
		}
		switch name {
		case "UID":
			current.UID = value
		case "SUMMARY":
			current.Summary = unescapeICS(value)
		case "DESCRIPTION":
			current.Description = unescapeICS(value)
		case "LOCATION":
			current.Location = unescapeICS(value)
		case "DTSTART":
			if ts, err := parseICSTime(value, params); err == nil {
				current.Start = ts
			}
		case "DTEND":
			if ts, err := parseICSTime(value, params); err == nil {
				current.End = ts
			}
		}
	}
	return events, nil
}

// splitICSLine splits "NAME;PARAM=V:value" into its parts.
func splitICSLine(line string) (name string, params map[string]string, value string, ok bool) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", nil, "", false
	}
	value = line[colon+1:]
	head := line[:colon]

	parts := strings.Split(head, ";")
	name = strings.ToUpper(parts[0])
	params = make(map[string]string)
	for _, p := range parts[1:] {
		if eq := strings.Index(p, "="); eq > 0 {
			params[strings.ToUpper(p[:eq])] = p[eq+1:]
		}
	}
	return name, params, value, true
}

func parseICSTime(value string, params map[string]string) (time.Time, error) {
	if params["VALUE"] == "DATE" || len(value) == 8 {
		return time.ParseInLocation("20060102", value, time.UTC)
	}
	if strings.HasSuffix(value, "Z") {
		return time.Parse("20060102T150405Z", value)
	}
	// Floating or TZID-qualified local time; treated as UTC. Good enough
	// for lookahead gating, not for minute-exact reminders.
	return time.ParseInLocation("20060102T150405", value, time.UTC)
}

func unescapeICS(s string) string {
	replacer := strings.NewReplacer(
		`\n`, "\n",
		`\N`, "\n",
		`\,`, ",",
		`\;`, ";",
		`\\`, `\`,
	)
	return replacer.Replace(s)
}
