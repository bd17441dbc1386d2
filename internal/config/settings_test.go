package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

const sampleSettings = `
defaults:
  risk_level: 2
  max_position_size: 500
users:
  alice:
    risk_level: 4
    default_sl_percent: 3
  bob:
    leverage: 5
`

func writeSettings(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
}

func TestSettingsStore_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	writeSettings(t, path, sampleSettings)

	store := NewSettingsStore(path)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	alice := store.Get("alice")
	if alice.RiskLevel != 4 || alice.MaxPositionSize != 500 || alice.DefaultSLPercent != 3 {
		t.Errorf("alice = %+v", alice)
	}
	if alice.DefaultTPPercent != 7 {
		t.Errorf("alice TP should keep built-in default, got %v", alice.DefaultTPPercent)
	}
	if alice.UserID != "alice" {
		t.Errorf("UserID = %q", alice.UserID)
	}

	bob := store.Get("bob")
	if bob.RiskLevel != 2 || bob.Leverage != 5 {
		t.Errorf("bob = %+v", bob)
	}

	carol := store.Get("carol")
	if carol.RiskLevel != 2 || carol.MaxPositionSize != 500 || carol.UserID != "carol" {
		t.Errorf("unknown user should get file defaults, got %+v", carol)
	}
}

func TestSettingsStore_MissingFile(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "absent.yaml"))
	if err := store.Load(); err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if got := store.Get("u1"); got != models.DefaultRiskSettings("u1") {
		t.Errorf("expected built-in defaults, got %+v", got)
	}
}

func TestSettingsStore_InvalidKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	writeSettings(t, path, sampleSettings)

	store := NewSettingsStore(path)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeSettings(t, path, "users:\n  alice:\n    risk_level: 9\n")
	if err := store.Reload(); err == nil {
		t.Fatal("expected validation error for risk_level 9")
	}
	if got := store.Get("alice").RiskLevel; got != 4 {
		t.Errorf("previous settings lost, risk_level = %d", got)
	}

	writeSettings(t, path, "users: [not, a, map")
	if err := store.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSettingsStore_SetNotifies(t *testing.T) {
	store := NewSettingsStore("")
	calls := 0
	store.OnChange(func() { calls++ })

	rs := models.DefaultRiskSettings("u1")
	rs.RiskLevel = 5
	if err := store.Set(rs); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if store.Get("u1").RiskLevel != 5 || calls != 1 {
		t.Errorf("Set not applied or not notified (calls=%d)", calls)
	}

	rs.Leverage = 0
	if err := store.Set(rs); err == nil {
		t.Error("invalid settings must be rejected")
	}
}

func TestSettingsWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	writeSettings(t, path, sampleSettings)

	store := NewSettingsStore(path)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan struct{}, 1)
	store.OnChange(func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	w, err := NewSettingsWatcher(store, utils.NewNop())
	if err != nil {
		t.Fatalf("NewSettingsWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeSettings(t, path, "users:\n  alice:\n    risk_level: 1\n")

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("settings were not reloaded")
	}
	if got := store.Get("alice").RiskLevel; got != 1 {
		t.Errorf("risk_level = %d, want 1", got)
	}
}
