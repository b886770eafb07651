package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Keralin/WodSniper/internal/orchestrator"
	"github.com/Keralin/WodSniper/internal/storage"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	fails int // fail the first N sends
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, chatID)
	return nil
}

func (f *fakeSender) snapshot() ([]string, []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]int64(nil), f.chats...)
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addUser(t *testing.T, st storage.Store, chatID int64, notify bool) storage.User {
	t.Helper()
	ctx := context.Background()
	g := storage.Gym{Name: "box", URL: "https://box.wodbuster.com"}
	if err := st.CreateGym(ctx, &g); err != nil {
		t.Fatalf("CreateGym: %v", err)
	}
	u := storage.User{Email: "ana@example.com", GymID: g.ID, TelegramChatID: chatID, Notify: notify}
	if err := st.CreateUser(ctx, &u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func startService(t *testing.T, cfg Config, sender Sender, st storage.Store) *Service {
	t.Helper()
	cfg.Enabled = true
	svc := New(cfg, sender, st, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func stopAndDrain(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func sampleResults() []orchestrator.AttemptResult {
	return []orchestrator.AttemptResult{
		{
			Status: storage.StatusSuccess, Day: "Friday", Time: "19:00", Class: "WOD",
			Message:    "Booked: WOD on 04/09",
			TargetDate: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
		},
		{
			Status: storage.StatusWaiting, Day: "Monday", Time: "10:00", Class: "Open Box",
			Message:    "Class is full - added to waitlist",
			TargetDate: time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestNotifyDeliversSummary(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	u := addUser(t, st, 4242, true)
	sender := &fakeSender{}
	svc := startService(t, Config{RatePerSec: 100}, sender, st)

	svc.Notify(context.Background(), u.ID, sampleResults())
	stopAndDrain(t, svc)

	sent, chats := sender.snapshot()
	if len(sent) != 1 || chats[0] != 4242 {
		t.Fatalf("sent = %v to %v", sent, chats)
	}
	for _, want := range []string{"✅ Friday 19:00 WOD", "⏳ Monday 10:00 Open Box", "[04/09/2026]"} {
		if !strings.Contains(sent[0], want) {
			t.Errorf("message missing %q:\n%s", want, sent[0])
		}
	}
}

func TestNotifySkipsOptedOutUsers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		chatID int64
		notify bool
	}{
		{"opted out", 4242, false},
		{"no chat linked", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := newStore(t)
			u := addUser(t, st, tc.chatID, tc.notify)
			sender := &fakeSender{}
			svc := startService(t, Config{RatePerSec: 100}, sender, st)

			svc.Notify(context.Background(), u.ID, sampleResults())
			stopAndDrain(t, svc)

			if sent, _ := sender.snapshot(); len(sent) != 0 {
				t.Errorf("sent = %v, want nothing", sent)
			}
		})
	}
}

func TestSendRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	sender := &fakeSender{fails: 2}
	svc := startService(t, Config{
		RatePerSec: 100, RetryMax: 3,
		RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	}, sender, st)

	if err := svc.Enqueue(context.Background(), 7, "hello"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stopAndDrain(t, svc)

	sent, _ := sender.snapshot()
	if len(sent) != 1 || sent[0] != "hello" {
		t.Fatalf("sent = %v, want delivery after two failures", sent)
	}
}

func TestEnqueueWhenDisabled(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: false}, &fakeSender{}, newStore(t), logx.Nop())
	svc.Start(context.Background())
	if err := svc.Enqueue(context.Background(), 7, "x"); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	svc := startService(t, Config{RatePerSec: 100}, &fakeSender{}, st)
	stopAndDrain(t, svc)

	if err := svc.Enqueue(context.Background(), 7, "x"); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	// One worker stuck behind a slow limiter keeps the queue occupied.
	svc := New(Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerSec: 1}, &fakeSender{}, st, logx.Nop())
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	var full bool
	for i := 0; i < 50; i++ {
		if err := svc.Enqueue(context.Background(), 7, "x"); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Error("queue never reported full")
	}
}

func TestFormatResultsGlyphs(t *testing.T) {
	t.Parallel()

	got := FormatResults([]orchestrator.AttemptResult{
		{Status: storage.StatusFailed, Day: "Monday", Time: "10:00", Message: "boom"},
	})
	if !strings.Contains(got, "❌ Monday 10:00: boom") {
		t.Errorf("FormatResults = %q", got)
	}
	if strings.Contains(got, "[") {
		t.Errorf("zero target date must not be rendered: %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	lines := strings.Repeat("0123456789\n", 30)
	chunks := splitText(lines, 100)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
		if strings.Contains(c, "\n0123456789\n\n") {
			t.Errorf("chunk %d has odd split: %q", i, c)
		}
	}
	if got := splitText("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text = %v", got)
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Errorf("attempt %d: delay %v out of range", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d > 200*time.Millisecond {
		t.Errorf("first delay %v too large", d)
	}
}
