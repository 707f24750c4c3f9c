// Package doctor runs preflight diagnostics: config, database, credentials,
// sources and network reachability, reported as PASS/WARN/FAIL per check.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/inflow/internal/config"
	"github.com/basket/inflow/internal/persistence"
	"github.com/basket/inflow/internal/sources"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkAPIKey,
		checkSources,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := filepath.Join(cfg.HomeDir, "inflow.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema check failed: %v", err)}
	}
	if _, err := store.TotalEventCount(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Connection ok, schema v%d", version)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}
	if cfg.LLMAPIKey() != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key configured for %s provider", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("No API key for %s provider; executor falls back to deterministic replies", provider),
		Detail:  "Set llm.api_key in config.yaml or the provider's environment variable",
	}
}

func checkSources(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sources", Status: "SKIP", Message: "Config missing"}
	}

	var details []string
	status := "PASS"
	enabled := 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg.Sources.Telegram.Enabled {
		enabled++
		src := sources.NewTelegramSource(cfg.Sources.Telegram.Token, cfg.Sources.Telegram.AllowedIDs, logger)
		if err := src.HealthCheck(ctx); err != nil {
			details = append(details, fmt.Sprintf("telegram: %v", err))
			status = "FAIL"
		} else {
			details = append(details, "telegram: ok")
		}
	}
	if cfg.Sources.Calendar.Enabled {
		enabled++
		lookahead := time.Duration(cfg.Sources.Calendar.LookaheadHours) * time.Hour
		src := sources.NewCalendarSource(cfg.Sources.Calendar.URL, lookahead, logger)
		if err := src.HealthCheck(ctx); err != nil {
			details = append(details, fmt.Sprintf("calendar: %v", err))
			status = "FAIL"
		} else {
			details = append(details, "calendar: ok")
		}
	}
	if cfg.Sources.Webhook.Enabled {
		enabled++
		if _, err := sources.NewWebhookSource(logger); err != nil {
			details = append(details, fmt.Sprintf("webhook: %v", err))
			status = "FAIL"
		} else {
			details = append(details, "webhook: ok")
		}
	}

	if enabled == 0 {
		return CheckResult{Name: "Sources", Status: "WARN", Message: "No sources enabled; nothing will be ingested"}
	}
	return CheckResult{
		Name:    "Sources",
		Status:  status,
		Message: fmt.Sprintf("Checked %d enabled sources", enabled),
		Detail:  strings.Join(details, "; "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openrouter":        "openrouter.ai",
		"openai_compatible": "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = endpoints["google"]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "WARN",
			Message: fmt.Sprintf("DNS lookup for %s failed: %v", host, err),
			Detail:  "The executor cannot reach its provider; pipeline and store still work offline",
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("%s resolves (%d addrs, %s)", host, len(addrs), time.Since(start).Round(time.Millisecond)),
	}
}
