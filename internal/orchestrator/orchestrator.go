package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Keralin/WodSniper/internal/secrets"
	"github.com/Keralin/WodSniper/internal/storage"
	"github.com/Keralin/WodSniper/internal/wodbuster"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

const (
	defaultMaxAttempts      = 3
	defaultRetryDelay       = time.Second
	defaultMaxParallelUsers = 50
	defaultSpinThreshold    = time.Second
	defaultSpinInterval     = 10 * time.Millisecond

	// maxRateLimitWait caps how long a penalty hint is honored inside the
	// booking window; anything longer means the window is lost anyway.
	maxRateLimitWait = 5 * time.Second
)

// Client is the slice of the upstream client a booking run needs.
type Client interface {
	RestoreSession(ctx context.Context, cookies []wodbuster.Cookie) bool
	Login(ctx context.Context, email, password string) error
	Cookies() []wodbuster.Cookie
	FindClass(ctx context.Context, date time.Time, hhmm, query string) (*wodbuster.Class, error)
	Book(ctx context.Context, classID string) error
}

// ClientFactory builds a fresh client for one gym. One client per user per
// run; clients are not goroutine-safe.
type ClientFactory func(gym storage.Gym) (Client, error)

// Notifier receives the per-user result summary after a run.
type Notifier interface {
	Notify(ctx context.Context, userID int64, results []AttemptResult)
}

// AttemptResult is the outcome of one booking in one run.
type AttemptResult struct {
	Status     string
	Day        string
	Time       string
	Class      string
	Message    string
	TargetDate time.Time
}

type Config struct {
	// MaxAttempts per booking for retryable failures. Default 3.
	MaxAttempts int
	// RetryDelay between attempts. Default 1s.
	RetryDelay time.Duration
	// MaxParallelUsers bounds the worker fan-out. Default 50.
	MaxParallelUsers int
	// SpinThreshold is how close to the opening the coarse sleep hands
	// over to the spin loop. Default 1s.
	SpinThreshold time.Duration
	// SpinInterval is the spin-loop poll period. Default 10ms.
	SpinInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = defaultRetryDelay
	}
	if out.MaxParallelUsers <= 0 {
		out.MaxParallelUsers = defaultMaxParallelUsers
	}
	if out.SpinThreshold <= 0 {
		out.SpinThreshold = defaultSpinThreshold
	}
	if out.SpinInterval <= 0 {
		out.SpinInterval = defaultSpinInterval
	}
	return out
}

// Service runs the parallel booking burst when a window opens.
type Service struct {
	cfg       Config
	store     storage.Store
	cipher    *secrets.Cipher
	newClient ClientFactory
	notifier  Notifier
	log       logx.Logger

	// injected for deterministic timing tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, store storage.Store, cipher *secrets.Cipher, factory ClientFactory, notifier Notifier, log logx.Logger) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		cipher:    cipher,
		newClient: factory,
		notifier:  notifier,
		log:       log.With(logx.String("svc", "orchestrator")),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one booking run for a gym: wait for the exact opening
// instant, then fan out one worker per user with active bookings.
func (s *Service) Run(ctx context.Context, gym storage.Gym, openAt time.Time) {
	log := s.log.With(logx.String("gym", gym.Name))

	users, err := s.store.UsersWithActiveBookings(ctx, gym.ID)
	if err != nil {
		log.Error("listing users", logx.Err(err))
		return
	}
	if len(users) == 0 {
		log.Info("no active bookings; skipping run")
		return
	}

	log.Info("booking run armed",
		logx.Int("users", len(users)), logx.Time("open_at", openAt))

	if err := s.waitUntil(ctx, openAt); err != nil {
		log.Warn("booking run aborted while waiting", logx.Err(err))
		return
	}
	started := s.now()
	log.Info("booking window open; firing", logx.Int("users", len(users)))

	sem := make(chan struct{}, s.cfg.MaxParallelUsers)
	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(user storage.User) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runUser(ctx, gym, user)
		}(user)
	}
	wg.Wait()

	log.Info("booking run complete", logx.Duration("took", s.now().Sub(started)))
}

// waitUntil sleeps coarsely to just before the opening instant, then spins
// in short polls so the first booking request lands as close to the opening
// as the clock allows.
func (s *Service) waitUntil(ctx context.Context, openAt time.Time) error {
	if d := openAt.Sub(s.now()) - s.cfg.SpinThreshold; d > 0 {
		if err := s.sleep(ctx, d); err != nil {
			return err
		}
	}
	for s.now().Before(openAt) {
		if err := s.sleep(ctx, s.cfg.SpinInterval); err != nil {
			return err
		}
	}
	return nil
}

// runUser processes all of one user's bookings on a dedicated client. A
// panic inside the worker is converted into failed results for the bookings
// that never ran.
func (s *Service) runUser(ctx context.Context, gym storage.Gym, user storage.User) {
	log := s.log.With(logx.String("gym", gym.Name), logx.String("user", user.Email))

	bookings, err := s.store.ActiveBookingsForUser(ctx, user.ID)
	if err != nil {
		log.Error("loading bookings", logx.Err(err))
		return
	}
	if len(bookings) == 0 {
		return
	}

	results := make([]AttemptResult, 0, len(bookings))
	processed := 0

	defer func() {
		if r := recover(); r != nil {
			log.Error("booking worker panicked",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			for _, b := range bookings[processed:] {
				res := failedResult(b, s.now(), fmt.Sprintf("internal error: %v", r))
				s.persistOutcome(ctx, b, res, log)
				results = append(results, res)
			}
			s.notify(ctx, user.ID, results)
		}
	}()

	client, err := s.newClient(gym)
	if err != nil {
		log.Error("building client", logx.Err(err))
		for _, b := range bookings {
			res := failedResult(b, s.now(), "upstream client unavailable: "+err.Error())
			s.persistOutcome(ctx, b, res, log)
			results = append(results, res)
		}
		processed = len(bookings)
		s.notify(ctx, user.ID, results)
		return
	}

	if msg, ok := s.establishSession(ctx, client, user, log); !ok {
		// Session failures are user-level and non-retryable: every booking
		// of this user fails with the same message.
		for _, b := range bookings {
			res := failedResult(b, s.now(), msg)
			s.persistOutcome(ctx, b, res, log)
			results = append(results, res)
		}
		processed = len(bookings)
		s.notify(ctx, user.ID, results)
		return
	}

	for _, b := range bookings {
		res := s.attemptBooking(ctx, client, b)
		s.persistOutcome(ctx, b, res, log)
		results = append(results, res)
		processed++
	}
	s.notify(ctx, user.ID, results)
}

// establishSession restores the stored session or falls back to a fresh
// login. New cookies are persisted before any booking call, so a crash
// mid-run never loses a working session.
func (s *Service) establishSession(ctx context.Context, client Client, user storage.User, log logx.Logger) (string, bool) {
	if cookies := wodbuster.DecodeCookies(user.SessionJSON); len(cookies) > 0 {
		if client.RestoreSession(ctx, cookies) {
			return "", true
		}
		log.Info("stored session rejected; re-logging")
	}

	if user.WBEmail == "" || user.WBPasswordEnc == "" {
		return "session expired and no credentials stored", false
	}
	password, err := s.cipher.Decrypt(user.WBPasswordEnc)
	if err != nil {
		return "session expired and credentials unreadable", false
	}
	if err := client.Login(ctx, user.WBEmail, password); err != nil {
		return "session expired and re-login failed: " + err.Error(), false
	}

	session, err := wodbuster.EncodeCookies(client.Cookies())
	if err == nil {
		if err := s.store.SaveSession(ctx, user.ID, session); err != nil {
			log.Error("persisting refreshed session", logx.Err(err))
		}
	}
	return "", true
}

func (s *Service) persistOutcome(ctx context.Context, b storage.Booking, res AttemptResult, log logx.Logger) {
	update := storage.RunUpdate{
		Status:      res.Status,
		LastAttempt: s.now().UTC(),
	}
	switch res.Status {
	case storage.StatusSuccess:
		update.SuccessDelta = 1
	case storage.StatusFailed:
		update.FailDelta = 1
		update.LastError = res.Message
	case storage.StatusWaiting:
		update.LastError = res.Message
	}
	if err := s.store.UpdateBookingRun(ctx, b.ID, update); err != nil {
		log.Error("updating booking", logx.Int64("booking_id", b.ID), logx.Err(err))
	}

	entry := storage.BookingLog{
		BookingID:  b.ID,
		Status:     res.Status,
		Message:    truncateMsg(res.Message, 500),
		TargetDate: res.TargetDate,
	}
	if err := s.store.AppendBookingLog(ctx, &entry); err != nil {
		log.Error("appending booking log", logx.Int64("booking_id", b.ID), logx.Err(err))
	}
}

func (s *Service) notify(ctx context.Context, userID int64, results []AttemptResult) {
	if s.notifier == nil || len(results) == 0 {
		return
	}
	s.notifier.Notify(ctx, userID, results)
}

func failedResult(b storage.Booking, now time.Time, msg string) AttemptResult {
	return AttemptResult{
		Status:     storage.StatusFailed,
		Day:        b.Weekday.String(),
		Time:       b.TimeHHMM,
		Class:      b.ClassQuery,
		Message:    msg,
		TargetDate: nextTargetDate(now, b.Weekday),
	}
}

func truncateMsg(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return s[:maxN]
}
