package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Keralin/WodSniper/internal/runtime/supervisor"
	"github.com/Keralin/WodSniper/internal/storage"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

const (
	defaultPollInterval = time.Minute
	defaultRefreshLead  = 10 * time.Minute
	defaultBookLead     = 5 * time.Minute
)

// Config controls the window scanner.
type Config struct {
	// PollInterval is the scan cadence. Default 1m.
	PollInterval time.Duration
	// RefreshLead is how far before an opening the session refresh fires.
	// Default 10m.
	RefreshLead time.Duration
	// BookLead is how far before an opening the booking run starts.
	// Default 5m.
	BookLead time.Duration
	// Location is the timezone gym schedules are expressed in. Default UTC.
	Location *time.Location
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = defaultPollInterval
	}
	if out.RefreshLead <= 0 {
		out.RefreshLead = defaultRefreshLead
	}
	if out.BookLead <= 0 {
		out.BookLead = defaultBookLead
	}
	if out.Location == nil {
		out.Location = time.UTC
	}
	return out
}

// Triggers are the downstream actions the detector fires. Each fires at most
// once per gym per opening instant and runs on its own goroutine so gyms
// never block each other or the scan tick.
type Triggers struct {
	Refresh func(ctx context.Context, gym storage.Gym, openAt time.Time)
	Book    func(ctx context.Context, gym storage.Gym, openAt time.Time)
}

// Service scans gym opening schedules on a cron cadence and fires the
// refresh and booking triggers when an opening gets close.
type Service struct {
	cfg   Config
	store storage.Store
	trig  Triggers
	sup   *supervisor.Supervisor
	log   logx.Logger

	now func() time.Time

	cron *cron.Cron

	mu    sync.Mutex
	fired map[firedKey]bool
}

// firedKey identifies one trigger firing: a gym, a trigger kind, and the
// exact opening instant it was fired for.
type firedKey struct {
	gymID    int64
	kind     string
	openUnix int64
}

func New(cfg Config, store storage.Store, trig Triggers, sup *supervisor.Supervisor, log logx.Logger) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		trig:  trig,
		sup:   sup,
		log:   log.With(logx.String("svc", "detector")),
		now:   time.Now,
		fired: make(map[firedKey]bool),
	}
}

func (s *Service) Start() error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.PollInterval)
	if _, err := c.AddFunc(spec, func() { s.scan(s.now()) }); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	s.cron = c
	c.Start()
	s.log.Info("window detector started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Duration("refresh_lead", s.cfg.RefreshLead),
		logx.Duration("book_lead", s.cfg.BookLead))
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// nextOpening computes the next absolute opening instant for a gym, strictly
// in the future relative to now. Comparing instants (instead of weekday and
// hour fields) keeps openings near midnight from being skipped.
func nextOpening(g storage.Gym, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	daysAhead := (int(g.OpenDay) - int(local.Weekday()) + 7) % 7
	candidate := time.Date(local.Year(), local.Month(), local.Day()+daysAhead,
		g.OpenHour, g.OpenMinute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// scan runs one detector tick over every gym.
func (s *Service) scan(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	gyms, err := s.store.Gyms(ctx)
	cancel()
	if err != nil {
		s.log.Error("listing gyms", logx.Err(err))
		return
	}

	s.pruneFired(now)

	for _, gym := range gyms {
		openAt := nextOpening(gym, now, s.cfg.Location)
		until := openAt.Sub(now)

		if until <= s.cfg.RefreshLead && s.markFired(gym.ID, "refresh", openAt) {
			s.log.Info("refresh window reached",
				logx.String("gym", gym.Name),
				logx.Time("open_at", openAt),
				logx.Duration("until", until))
			s.dispatch("refresh", gym, openAt, s.trig.Refresh)
		}
		if until <= s.cfg.BookLead && s.markFired(gym.ID, "book", openAt) {
			s.log.Info("booking window reached",
				logx.String("gym", gym.Name),
				logx.Time("open_at", openAt),
				logx.Duration("until", until))
			s.dispatch("book", gym, openAt, s.trig.Book)
		}
	}
}

func (s *Service) dispatch(kind string, gym storage.Gym, openAt time.Time, fn func(context.Context, storage.Gym, time.Time)) {
	if fn == nil {
		return
	}
	name := fmt.Sprintf("detector.%s.gym-%d", kind, gym.ID)
	s.sup.Go0(name, func(ctx context.Context) {
		fn(ctx, gym, openAt)
	})
}

// markFired returns true exactly once per (gym, kind, opening instant).
func (s *Service) markFired(gymID int64, kind string, openAt time.Time) bool {
	key := firedKey{gymID: gymID, kind: kind, openUnix: openAt.Unix()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[key] {
		return false
	}
	s.fired[key] = true
	return true
}

// pruneFired drops markers for openings well in the past.
func (s *Service) pruneFired(now time.Time) {
	cutoff := now.Add(-time.Hour).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.fired {
		if key.openUnix < cutoff {
			delete(s.fired, key)
		}
	}
}
