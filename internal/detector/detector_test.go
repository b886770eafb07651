package detector

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Keralin/WodSniper/internal/runtime/supervisor"
	"github.com/Keralin/WodSniper/internal/storage"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

func TestNextOpening(t *testing.T) {
	t.Parallel()

	madrid, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	tests := []struct {
		name string
		gym  storage.Gym
		now  time.Time
		want time.Time
	}{
		{
			name: "later this week",
			gym:  storage.Gym{OpenDay: time.Sunday, OpenHour: 13},
			// Monday 2026-08-31 10:00 UTC
			now:  time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 9, 6, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "same day before open",
			gym:  storage.Gym{OpenDay: time.Monday, OpenHour: 22},
			now:  time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 31, 22, 0, 0, 0, time.UTC),
		},
		{
			name: "same day after open rolls a week",
			gym:  storage.Gym{OpenDay: time.Monday, OpenHour: 8},
			now:  time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "exact open instant rolls a week",
			gym:  storage.Gym{OpenDay: time.Monday, OpenHour: 10},
			now:  time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "window just after midnight, scanned just before",
			gym:  storage.Gym{OpenDay: time.Tuesday, OpenHour: 0, OpenMinute: 5},
			// Monday 23:58 UTC: opening is 7 minutes away, on the next day.
			now:  time.Date(2026, 8, 31, 23, 58, 0, 0, time.UTC),
			want: time.Date(2026, 9, 1, 0, 5, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := nextOpening(tc.gym, tc.now, time.UTC)
			if !got.Equal(tc.want) {
				t.Errorf("nextOpening = %v, want %v", got, tc.want)
			}
		})
	}

	t.Run("timezone aware", func(t *testing.T) {
		t.Parallel()
		gym := storage.Gym{OpenDay: time.Sunday, OpenHour: 13}
		now := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
		got := nextOpening(gym, now, madrid)
		want := time.Date(2026, 9, 6, 13, 0, 0, 0, madrid)
		if !got.Equal(want) {
			t.Errorf("nextOpening = %v, want %v", got, want)
		}
	})
}

type firing struct {
	kind   string
	gymID  int64
	openAt time.Time
}

type recorder struct {
	mu      sync.Mutex
	firings []firing
}

func (r *recorder) record(kind string) func(context.Context, storage.Gym, time.Time) {
	return func(_ context.Context, g storage.Gym, openAt time.Time) {
		r.mu.Lock()
		r.firings = append(r.firings, firing{kind: kind, gymID: g.ID, openAt: openAt})
		r.mu.Unlock()
	}
}

func (r *recorder) snapshot() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firing(nil), r.firings...)
}

func newScanFixture(t *testing.T, gyms ...storage.Gym) (*Service, *recorder, *supervisor.Supervisor) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for i := range gyms {
		if err := st.CreateGym(ctx, &gyms[i]); err != nil {
			t.Fatalf("CreateGym: %v", err)
		}
	}

	rec := &recorder{}
	sup := supervisor.New(context.Background())
	svc := New(Config{
		PollInterval: time.Minute,
		RefreshLead:  10 * time.Minute,
		BookLead:     5 * time.Minute,
	}, st, Triggers{Refresh: rec.record("refresh"), Book: rec.record("book")}, sup, logx.Nop())
	return svc, rec, sup
}

func waitSup(t *testing.T, sup *supervisor.Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("supervisor: %v", err)
	}
}

func TestScanFiresEachTriggerOnce(t *testing.T) {
	t.Parallel()

	// Opening Monday 12:00 UTC.
	svc, rec, sup := newScanFixture(t, storage.Gym{
		Name: "g", URL: "https://g.wodbuster.com",
		OpenDay: time.Monday, OpenHour: 12,
	})

	base := time.Date(2026, 8, 31, 11, 40, 0, 0, time.UTC) // T-20m
	svc.scan(base)                                         // nothing yet
	svc.scan(base.Add(11 * time.Minute))                   // T-9m: refresh
	svc.scan(base.Add(12 * time.Minute))                   // T-8m: no repeat
	svc.scan(base.Add(16 * time.Minute))                   // T-4m: book
	svc.scan(base.Add(17 * time.Minute))                   // T-3m: no repeat
	waitSup(t, sup)

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("firings = %+v, want exactly refresh+book", got)
	}
	counts := map[string]int{}
	for _, f := range got {
		counts[f.kind]++
		want := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
		if !f.openAt.Equal(want) {
			t.Errorf("%s openAt = %v, want %v", f.kind, f.openAt, want)
		}
	}
	if counts["refresh"] != 1 || counts["book"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestScanFiresAgainNextWeek(t *testing.T) {
	t.Parallel()

	svc, rec, sup := newScanFixture(t, storage.Gym{
		Name: "g", URL: "https://g.wodbuster.com",
		OpenDay: time.Monday, OpenHour: 12,
	})

	week1 := time.Date(2026, 8, 31, 11, 56, 0, 0, time.UTC)
	svc.scan(week1)
	week2 := week1.AddDate(0, 0, 7)
	svc.scan(week2)
	waitSup(t, sup)

	got := rec.snapshot()
	books := 0
	for _, f := range got {
		if f.kind == "book" {
			books++
		}
	}
	if books != 2 {
		t.Fatalf("book firings = %d, want one per weekly opening (%+v)", books, got)
	}
}

func TestScanHandlesGymsIndependently(t *testing.T) {
	t.Parallel()

	svc, rec, sup := newScanFixture(t,
		storage.Gym{Name: "near", URL: "https://a.wodbuster.com", OpenDay: time.Monday, OpenHour: 12},
		storage.Gym{Name: "far", URL: "https://b.wodbuster.com", OpenDay: time.Thursday, OpenHour: 9},
	)

	svc.scan(time.Date(2026, 8, 31, 11, 57, 0, 0, time.UTC))
	waitSup(t, sup)

	got := rec.snapshot()
	for _, f := range got {
		if f.gymID == 2 {
			t.Errorf("far gym fired early: %+v", f)
		}
	}
	if len(got) == 0 {
		t.Fatal("near gym should have fired")
	}
}
