package smoke

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// startDaemon launches the built binary against a throwaway home directory
// and returns its bind address. Shutdown via SIGINT is registered as cleanup.
func startDaemon(t *testing.T, bin, home, addr string) *bytes.Buffer {
	t.Helper()

	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("smoke-token\n"), 0o600); err != nil {
		t.Fatalf("write auth token: %v", err)
	}

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"INFLOW_HOME="+home,
		"INFLOW_BIND_ADDR="+addr,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(4 * time.Second):
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})
	return &out
}

func waitForHealthz(t *testing.T, addr string, daemonOut *bytes.Buffer) map[string]any {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				var payload map[string]any
				if json.Unmarshal(body, &payload) == nil {
					return payload
				}
			}
		}
		time.Sleep(150 * time.Millisecond)
	}
	t.Fatalf("daemon never became healthy\noutput=%s", daemonOut.String())
	return nil
}

func TestSmoke_DaemonServesHealthz(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping daemon smoke test in -short mode")
	}
	bin := buildInflowBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

	out := startDaemon(t, bin, home, addr)
	payload := waitForHealthz(t, addr, out)

	if healthy, _ := payload["healthy"].(bool); !healthy {
		t.Fatalf("healthz payload = %#v", payload)
	}
	if _, ok := payload["worker_state"]; !ok {
		t.Fatalf("expected worker_state in healthz payload: %#v", payload)
	}
}

func TestSmoke_WebhookIngestCreatesTask(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping daemon smoke test in -short mode")
	}
	bin := buildInflowBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

	out := startDaemon(t, bin, home, addr)
	waitForHealthz(t, addr, out)

	item := `{"source_id":"smoke-1","thread_id":"ops:smoke","title":"Rotate the smoke keys","content":"from the smoke test"}`
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/api/items", strings.NewReader(item))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer smoke-token")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status = %d\n%s\ndaemon=%s", resp.StatusCode, body, out.String())
	}

	// The task list must show the ingested thread.
	listReq, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/api/tasks", nil)
	listReq.Header.Set("Authorization", "Bearer smoke-token")
	listResp, err := http.DefaultClient.Do(listReq)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	listBody, _ := io.ReadAll(listResp.Body)
	listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d\n%s", listResp.StatusCode, listBody)
	}
	if !bytes.Contains(listBody, []byte("ops:smoke")) {
		t.Fatalf("ingested thread missing from task list: %s", listBody)
	}
}

func TestSmoke_CLIStatusOutputsHealthzJSON(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping daemon smoke test in -short mode")
	}
	bin := buildInflowBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

	out := startDaemon(t, bin, home, addr)
	waitForHealthz(t, addr, out)

	s := exec.Command(bin, "status")
	s.Env = append(os.Environ(),
		"INFLOW_HOME="+home,
		"INFLOW_BIND_ADDR="+addr,
	)
	var buf bytes.Buffer
	s.Stdout = &buf
	s.Stderr = &buf
	if err := s.Run(); err != nil {
		t.Fatalf("status command: %v\n%s", err, buf.String())
	}

	var body map[string]any
	if err := json.Unmarshal(buf.Bytes(), &body); err != nil {
		t.Fatalf("status output not JSON: %v\nout=%s", err, buf.String())
	}
	if _, ok := body["healthy"]; !ok {
		t.Fatalf("expected healthy field in status output: %#v", body)
	}
}
