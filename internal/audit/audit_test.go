package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesJSONL(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := Count()
	Record("worker.pause", "", "operator requested pause", "api")
	Record("task.reply", "task-42", "answer recorded", "telegram")
	if Count() != before+2 {
		t.Fatalf("count = %d, want %d", Count(), before+2)
	}
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var lines []map[string]string
	for sc.Scan() {
		var rec map[string]string
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line not JSON: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}
	if lines[1]["action"] != "task.reply" || lines[1]["subject"] != "task-42" {
		t.Fatalf("unexpected entry: %v", lines[1])
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	Record("config.reload", "", "api_key=sk_live_abcdefghijklmnop1234", "watcher")
	_ = Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "abcdefghijklmnop") {
		t.Fatalf("secret leaked into audit log: %s", data)
	}
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	_ = Close()
	Record("worker.resume", "", "", "cli")
}
