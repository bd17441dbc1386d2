package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradecore/internal/bot"
	"tradecore/internal/config"
	"tradecore/internal/dlq"
	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedDLQ(t *testing.T, dir string, entries ...*models.DLQEntry) {
	t.Helper()
	store, err := dlq.NewFileStore(filepath.Join(dir, "dlq.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := store.Save(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDLQCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DRY_RUN", "true")
	t.Setenv("STATE_DIR", dir)
	t.Setenv("LOG_OUTPUT", "stderr")

	now := time.Now().UTC()
	seedDLQ(t, dir,
		&models.DLQEntry{ID: "e1", UserID: "u1", Symbol: "BTC/USDT", Status: models.DLQStatusFailedPermanent,
			RetryCount: 5, MaxRetries: 5, ErrorMessage: "exchange unavailable", CreatedAt: now, NextRetryAt: now, UpdatedAt: now},
		&models.DLQEntry{ID: "e2", UserID: "u1", Symbol: "ETH/USDT", Status: models.DLQStatusPending,
			MaxRetries: 5, CreatedAt: now, NextRetryAt: now, UpdatedAt: now},
	)

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
		wantErr bool
	}{
		{name: "list all", args: []string{"dlq", "list"}, want: []string{"e1", "e2", "FAILED_PERMANENT", "exchange unavailable"}},
		{name: "list by status", args: []string{"dlq", "list", "--status", "pending"}, want: []string{"e2"}, notWant: []string{"e1"}},
		{name: "unknown status", args: []string{"dlq", "list", "--status", "lost"}, wantErr: true},
		{name: "requeue", args: []string{"dlq", "requeue", "e1"}, want: []string{"requeued e1", "was FAILED_PERMANENT"}},
		{name: "requeued entry is pending", args: []string{"dlq", "list", "--status", "PENDING", "--json"}, want: []string{`"e1"`, `"e2"`, `"PENDING"`}},
		{name: "requeue missing", args: []string{"dlq", "requeue", "nope"}, wantErr: true},
		{name: "requeue needs id", args: []string{"dlq", "requeue"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v (%s)", err, tt.wantErr, out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("output contains %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestDLQList_Empty(t *testing.T) {
	t.Setenv("DRY_RUN", "true")
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("LOG_OUTPUT", "stderr")

	out, err := runCLI(t, "dlq", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no entries") {
		t.Errorf("output = %q", out)
	}
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	t.Setenv("MAX_RETRIES", "50")

	_, err := runCLI(t, "dlq", "list")
	if err == nil || !strings.Contains(err.Error(), "MAX_RETRIES") {
		t.Errorf("err = %v, want MAX_RETRIES range error", err)
	}
}

func TestVersionCmd_SkipsConfig(t *testing.T) {
	t.Setenv("MAX_RETRIES", "50")

	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "tradecore ") {
		t.Errorf("output = %q", out)
	}
}

func TestBuildRuntime_LiveModeRejected(t *testing.T) {
	cfg := &config.Config{Bot: config.BotConfig{DryRun: false}}

	_, err := buildRuntime(context.Background(), cfg, utils.NewNop(), false)
	if !errors.Is(err, ErrNoVenueAdapter) {
		t.Errorf("err = %v, want ErrNoVenueAdapter", err)
	}
}

func TestPricedSignals_Push(t *testing.T) {
	paper := exchange.NewPaperGateway()
	queue := bot.NewSignalQueue(2)
	sink := &pricedSignals{next: queue, paper: paper}

	price := 42000.0
	priced, err := models.NewSignal(models.SignalInput{UserID: "u1", Symbol: "BTCUSDT", Action: "buy", Confidence: 0.8, EntryPrice: &price})
	if err != nil {
		t.Fatal(err)
	}
	unpriced, err := models.NewSignal(models.SignalInput{UserID: "u1", Symbol: "ETH/USDT", Action: "buy", Confidence: 0.8})
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range []*models.Signal{priced, unpriced} {
		if err := sink.Push(s); err != nil {
			t.Fatalf("Push(%s) = %v", s.Symbol, err)
		}
	}
	if queue.Len() != 2 {
		t.Errorf("queued = %d, want 2", queue.Len())
	}

	tk, err := paper.GetTicker(context.Background(), "BTC/USDT")
	if err != nil || tk.Last != price {
		t.Errorf("BTC ticker = %+v, %v", tk, err)
	}
	if _, err := paper.GetTicker(context.Background(), "ETH/USDT"); err == nil {
		t.Error("ETH ticker set without entry price")
	}

	// переполненная очередь возвращает ErrQueueFull
	if err := sink.Push(unpriced); !errors.Is(err, bot.ErrQueueFull) {
		t.Errorf("Push on full queue = %v, want ErrQueueFull", err)
	}
}

type fakeLister struct {
	open map[string][]*models.Position
	err  error
}

func (f *fakeLister) ListOpen(_ context.Context, userID string) ([]*models.Position, error) {
	return f.open[userID], f.err
}

func TestSeedPaperBook(t *testing.T) {
	paper := exchange.NewPaperGateway()
	lister := &fakeLister{open: map[string][]*models.Position{
		"u1": {
			{ID: 1, UserID: "u1", Symbol: "BTC/USDT", Side: models.SideLong, Quantity: 0.5, EntryPrice: 40000, CurrentPrice: 41000, Leverage: 1},
			{ID: 2, UserID: "u1", Symbol: "ETH/USDT", Side: models.SideShort, Quantity: 2, EntryPrice: 2500, Leverage: 2},
		},
	}}

	n, err := seedPaperBook(context.Background(), paper, lister, []string{"u1", "u2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("seeded = %d, want 2", n)
	}

	positions, err := paper.GetPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("paper positions = %d, want 2", len(positions))
	}

	tk, err := paper.GetTicker(context.Background(), "ETH/USDT")
	if err != nil || tk.Last != 2500 {
		t.Errorf("ETH ticker = %+v, %v (want entry price when no mark)", tk, err)
	}
	tk, err = paper.GetTicker(context.Background(), "BTC/USDT")
	if err != nil || tk.Last != 41000 {
		t.Errorf("BTC ticker = %+v, %v", tk, err)
	}

	lister.err = errors.New("db down")
	if _, err := seedPaperBook(context.Background(), paper, lister, []string{"u1"}); err == nil {
		t.Error("expected error from lister")
	}
}
