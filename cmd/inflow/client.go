package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/inflow/internal/config"
)

// apiClient talks to a running daemon's gateway on behalf of CLI subcommands.
type apiClient struct {
	base  string
	token string
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token"))
		if err != nil {
			return nil, fmt.Errorf("no auth token: start the daemon once or set INFLOW_AUTH_TOKEN")
		}
		token = strings.TrimSpace(string(b))
	}
	return &apiClient{base: baseURL(cfg.BindAddr), token: token}, nil
}

func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18990"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// do performs an authenticated request and prints the response body to
// stdout. Returns the HTTP status code.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(out)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	return resp.StatusCode, nil
}

func (c *apiClient) run(ctx context.Context, method, path string, body any) int {
	status, err := c.do(ctx, method, path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if status < 200 || status >= 300 {
		return 1
	}
	return 0
}

func runTasksCommand(ctx context.Context, args []string) int {
	status := ""
	limit := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-status", "--status":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "usage: inflow tasks [-status S] [-limit N]")
				return 2
			}
			i++
			status = args[i]
		case "-limit", "--limit":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "usage: inflow tasks [-status S] [-limit N]")
				return 2
			}
			i++
			limit = atoiOrZero(args[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", args[i])
			return 2
		}
	}

	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return client.run(ctx, http.MethodGet, path, nil)
}

func runReplyCommand(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: inflow reply <task-id> <answer...>")
		return 2
	}
	taskID := strings.TrimSpace(args[0])
	answer := strings.TrimSpace(strings.Join(args[1:], " "))
	if taskID == "" || answer == "" {
		fmt.Fprintln(os.Stderr, "usage: inflow reply <task-id> <answer...>")
		return 2
	}

	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return client.run(ctx, http.MethodPost,
		"/api/tasks/"+url.PathEscape(taskID)+"/reply",
		map[string]string{"answer": answer})
}

func runWorkerCommand(ctx context.Context, verb string, args []string) int {
	if len(args) != 0 {
		fmt.Fprintf(os.Stderr, "usage: inflow %s\n", verb)
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return client.run(ctx, http.MethodPost, "/api/worker/"+verb, nil)
}

func runForceCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: inflow force <task-id>")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return client.run(ctx, http.MethodPost, "/api/worker/force",
		map[string]string{"task_id": strings.TrimSpace(args[0])})
}

func runPipelineCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: inflow run [source]")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	path := "/api/pipeline/run"
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		path += "?source=" + url.QueryEscape(strings.TrimSpace(args[0]))
	}
	return client.run(ctx, http.MethodPost, path, nil)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
