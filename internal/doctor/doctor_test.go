package doctor_test

import (
	"context"
	"testing"

	"github.com/basket/inflow/internal/config"
	"github.com/basket/inflow/internal/doctor"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRun_NilConfig(t *testing.T) {
	d := doctor.Run(context.Background(), nil, "test")
	if d.Healthy() {
		t.Fatal("nil config must fail the config check")
	}
	if d.Results[0].Name != "Config" || d.Results[0].Status != "FAIL" {
		t.Fatalf("first result = %+v", d.Results[0])
	}
}

func TestRun_DefaultConfigPasses(t *testing.T) {
	cfg := loadTestConfig(t)
	d := doctor.Run(context.Background(), cfg, "test")

	byName := map[string]doctor.CheckResult{}
	for _, r := range d.Results {
		byName[r.Name] = r
	}

	if byName["Config"].Status != "PASS" {
		t.Fatalf("config check = %+v", byName["Config"])
	}
	if byName["Permissions"].Status != "PASS" {
		t.Fatalf("permissions check = %+v", byName["Permissions"])
	}
	if byName["Database"].Status != "PASS" {
		t.Fatalf("database check = %+v", byName["Database"])
	}
	// No key in a fresh test environment: warn, not fail.
	if s := byName["API Key"].Status; s != "WARN" && s != "PASS" {
		t.Fatalf("api key check = %+v", byName["API Key"])
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatalf("system info = %+v", d.System)
	}
}

func TestRun_TelegramWithoutTokenFails(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Sources.Telegram.Enabled = true
	cfg.Sources.Telegram.Token = ""

	d := doctor.Run(context.Background(), cfg, "test")
	for _, r := range d.Results {
		if r.Name == "Sources" {
			if r.Status != "FAIL" {
				t.Fatalf("sources check = %+v", r)
			}
			return
		}
	}
	t.Fatal("no sources check in results")
}

func TestRun_NoSourcesEnabledWarns(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Sources.Telegram.Enabled = false
	cfg.Sources.Calendar.Enabled = false
	cfg.Sources.Webhook.Enabled = false

	d := doctor.Run(context.Background(), cfg, "test")
	for _, r := range d.Results {
		if r.Name == "Sources" {
			if r.Status != "WARN" {
				t.Fatalf("sources check = %+v", r)
			}
			return
		}
	}
	t.Fatal("no sources check in results")
}
