package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/models"
	"tradecore/internal/repository"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	q        *Queue
	store    *FileStore
	path     string
	now      time.Time
	calls    int
	retryErr error
	inFlight string // статус записи во время вызова retry
	success  []*models.DLQEntry
	failure  []*models.DLQEntry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: base, path: filepath.Join(t.TempDir(), "dlq.json")}
	store, err := NewFileStore(h.path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h.store = store
	h.q = New(DefaultConfig(), store, h.retry, Callbacks{
		OnSuccess: func(e *models.DLQEntry) { h.success = append(h.success, e) },
		OnFailure: func(e *models.DLQEntry) { h.failure = append(h.failure, e) },
	}, utils.NewNop())
	h.q.now = func() time.Time { return h.now }
	return h
}

func (h *harness) retry(ctx context.Context, s *models.Signal) error {
	h.calls++
	entries, _ := h.store.List(ctx, models.DLQFilter{})
	for _, e := range entries {
		if e.Metadata["signal_id"] == s.ID {
			h.inFlight = e.Status
		}
	}
	return h.retryErr
}

func testSignal(t *testing.T) *models.Signal {
	t.Helper()
	s, err := models.NewSignal(models.SignalInput{
		ID: "sig-1", UserID: "u1", Symbol: "BTC/USDT", Action: "buy", Confidence: 0.8,
		Source: "test", CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	return s
}

func (h *harness) add(t *testing.T) string {
	t.Helper()
	id, err := h.q.AddFailedSignal(context.Background(), testSignal(t),
		tradeerr.TransientExchange("exchange.place_order", errors.New("timeout")))
	if err != nil {
		t.Fatalf("AddFailedSignal: %v", err)
	}
	return id
}

func (h *harness) get(t *testing.T, id string) *models.DLQEntry {
	t.Helper()
	e, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return e
}

func TestBackoff(t *testing.T) {
	q := New(DefaultConfig(), nil, nil, Callbacks{}, utils.NewNop())
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 300 * time.Second},
		{20, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.retries); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestAddFailedSignal(t *testing.T) {
	h := newHarness(t)
	id := h.add(t)

	e := h.get(t, id)
	if e.Status != models.DLQStatusPending || e.RetryCount != 0 || e.MaxRetries != 5 {
		t.Errorf("entry = %+v", e)
	}
	if !e.NextRetryAt.Equal(base.Add(30 * time.Second)) {
		t.Errorf("NextRetryAt = %v, want +30s", e.NextRetryAt)
	}
	if e.ErrorCode != "transient_exchange" || e.Symbol != "BTC/USDT" || e.UserID != "u1" {
		t.Errorf("entry fields = %+v", e)
	}
}

func TestProcessDue_RescheduleWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.retryErr = tradeerr.TransientExchange("exchange.place_order", errors.New("timeout"))
	id := h.add(t)
	ctx := context.Background()

	if n, _ := h.q.ProcessDue(ctx); n != 0 || h.calls != 0 {
		t.Fatalf("entry processed before due: n=%d calls=%d", n, h.calls)
	}

	h.now = base.Add(30 * time.Second)
	if n, err := h.q.ProcessDue(ctx); err != nil || n != 1 {
		t.Fatalf("ProcessDue = %d, %v", n, err)
	}
	if h.inFlight != models.DLQStatusRetrying {
		t.Errorf("status during retry = %q, want RETRYING", h.inFlight)
	}

	e := h.get(t, id)
	if e.Status != models.DLQStatusPending || e.RetryCount != 1 {
		t.Errorf("after failure: status=%s retries=%d", e.Status, e.RetryCount)
	}
	if want := h.now.Add(60 * time.Second); !e.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", e.NextRetryAt, want)
	}
	if e.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestProcessDue_RetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.retryErr = errors.New("exchange down")
	id := h.add(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		h.now = h.now.Add(5 * time.Minute)
		if _, err := h.q.ProcessDue(ctx); err != nil {
			t.Fatalf("ProcessDue: %v", err)
		}
	}

	if h.calls != 5 {
		t.Errorf("retry calls = %d, want 5", h.calls)
	}
	e := h.get(t, id)
	if e.Status != models.DLQStatusFailedPermanent || e.RetryCount != 5 {
		t.Errorf("status=%s retries=%d, want FAILED_PERMANENT/5", e.Status, e.RetryCount)
	}
	if len(h.failure) != 1 {
		t.Errorf("OnFailure calls = %d, want 1", len(h.failure))
	}
}

func TestProcessDue_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
		wantOK     int
		wantFail   int
	}{
		{"success", nil, models.DLQStatusSucceeded, 1, 0},
		{"already executed", tradeerr.Conflict("tx.execute", errors.New("duplicate signal")), models.DLQStatusSucceeded, 1, 0},
		{"validation", tradeerr.Validationf("risk", "below minimum"), models.DLQStatusFailedPermanent, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.retryErr = tt.err
			id := h.add(t)
			h.now = base.Add(time.Minute)

			if _, err := h.q.ProcessDue(context.Background()); err != nil {
				t.Fatalf("ProcessDue: %v", err)
			}
			if e := h.get(t, id); e.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", e.Status, tt.wantStatus)
			}
			if len(h.success) != tt.wantOK || len(h.failure) != tt.wantFail {
				t.Errorf("callbacks success=%d failure=%d", len(h.success), len(h.failure))
			}
		})
	}
}

func TestExpireOld(t *testing.T) {
	h := newHarness(t)
	id := h.add(t)

	h.now = base.Add(25 * time.Hour)
	if _, err := h.q.ProcessDue(context.Background()); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if h.calls != 0 {
		t.Errorf("expired entry was retried")
	}
	if e := h.get(t, id); e.Status != models.DLQStatusExpired {
		t.Errorf("status = %s, want EXPIRED", e.Status)
	}
	if len(h.failure) != 1 {
		t.Errorf("OnFailure calls = %d, want 1", len(h.failure))
	}
}

func TestFileStore_SurvivesRestartAndRecoversInFlight(t *testing.T) {
	h := newHarness(t)
	id := h.add(t)

	// сбой процесса посреди повтора
	e := h.get(t, id)
	e.Status = models.DLQStatusRetrying
	if err := h.store.Save(context.Background(), e); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileStore(h.path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	q := New(DefaultConfig(), reopened, h.retry, Callbacks{}, utils.NewNop())
	q.now = func() time.Time { return base }
	if err := q.recoverInFlight(context.Background()); err != nil {
		t.Fatalf("recoverInFlight: %v", err)
	}

	got, err := reopened.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("entry lost after restart: %v", err)
	}
	if got.Status != models.DLQStatusPending || got.RetryCount != 1 {
		t.Errorf("recovered entry: status=%s retries=%d", got.Status, got.RetryCount)
	}
}

func TestRequeueStatsCleanup(t *testing.T) {
	h := newHarness(t)
	h.retryErr = tradeerr.Validationf("risk", "rejected")
	ctx := context.Background()
	id := h.add(t)
	h.now = base.Add(time.Minute)
	h.q.ProcessDue(ctx)

	stats, err := h.q.Stats(ctx)
	if err != nil || stats[models.DLQStatusFailedPermanent] != 1 {
		t.Fatalf("Stats = %v, %v", stats, err)
	}

	e, err := h.q.Requeue(ctx, id)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if e.Status != models.DLQStatusPending || e.RetryCount != 0 || e.Metadata["requeued_from"] != models.DLQStatusFailedPermanent {
		t.Errorf("requeued entry = %+v", e)
	}
	if _, err := h.q.Requeue(ctx, "missing"); !errors.Is(err, repository.ErrDLQEntryNotFound) {
		t.Errorf("Requeue missing: %v", err)
	}

	h.retryErr = nil
	h.q.ProcessDue(ctx)
	if _, err := h.q.Requeue(ctx, id); !tradeerr.IsKind(err, tradeerr.KindValidation) {
		t.Errorf("Requeue succeeded entry: %v", err)
	}

	h.now = h.now.Add(8 * 24 * time.Hour)
	n, err := h.q.Cleanup(ctx, 7*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Cleanup = %d, %v", n, err)
	}
	if all, _ := h.q.List(ctx, models.DLQFilter{}); len(all) != 0 {
		t.Errorf("entries left after cleanup: %d", len(all))
	}
}

func TestFileStore_FilterAndLimit(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "dlq.json"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i, st := range []string{models.DLQStatusPending, models.DLQStatusPending, models.DLQStatusExpired} {
		store.Save(ctx, &models.DLQEntry{
			ID: string(rune('a' + i)), Status: st,
			CreatedAt: base.Add(time.Duration(i) * time.Hour), NextRetryAt: base.Add(time.Duration(-i) * time.Minute),
		})
	}

	pending, _ := store.List(ctx, models.DLQFilter{Statuses: []string{models.DLQStatusPending}})
	if len(pending) != 2 || pending[0].ID != "b" {
		t.Errorf("pending ordered by next_retry_at: %v", pending)
	}
	if got, _ := store.List(ctx, models.DLQFilter{Limit: 1}); len(got) != 1 || got[0].ID != "c" {
		t.Errorf("limit: %v", got)
	}
	if got, _ := store.List(ctx, models.DLQFilter{CreatedBefore: base.Add(time.Hour)}); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("created before: %v", got)
	}
	if err := store.Delete(ctx, "zzz"); !errors.Is(err, repository.ErrDLQEntryNotFound) {
		t.Errorf("Delete missing: %v", err)
	}
}
