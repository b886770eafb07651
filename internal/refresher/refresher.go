package refresher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Keralin/WodSniper/internal/secrets"
	"github.com/Keralin/WodSniper/internal/storage"
	"github.com/Keralin/WodSniper/internal/wodbuster"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

const defaultUserDelay = 2 * time.Second

// Client is the slice of the upstream client the refresher needs.
type Client interface {
	Login(ctx context.Context, email, password string) error
	Cookies() []wodbuster.Cookie
	DetectOpening(ctx context.Context, daysAhead int) (*wodbuster.Opening, error)
}

// ClientFactory builds a fresh upstream client for one gym. One client per
// user per refresh; sessions are never shared.
type ClientFactory func(gym storage.Gym) (Client, error)

type Config struct {
	// UserDelay spaces out logins between users of the same gym, so a
	// burst of refreshes doesn't look like an attack. Default 2s.
	UserDelay time.Duration
}

// Service re-establishes upstream sessions for every user of a gym ahead of
// a booking window. It always performs a fresh login: stored cookies may be
// silently dead, and the only way to know is to replace them.
type Service struct {
	store     storage.Store
	cipher    *secrets.Cipher
	newClient ClientFactory
	limiter   *rate.Limiter
	log       logx.Logger

	mu     sync.Mutex
	probed map[int64]bool // gyms whose schedule was already auto-detected
}

func New(cfg Config, store storage.Store, cipher *secrets.Cipher, factory ClientFactory, log logx.Logger) *Service {
	delay := cfg.UserDelay
	if delay <= 0 {
		delay = defaultUserDelay
	}
	return &Service{
		store:     store,
		cipher:    cipher,
		newClient: factory,
		limiter:   rate.NewLimiter(rate.Every(delay), 1),
		log:       log.With(logx.String("svc", "refresher")),
		probed:    make(map[int64]bool),
	}
}

// RefreshGym refreshes the session of every user with at least one active
// booking at the gym. One user's failure never aborts the batch.
func (s *Service) RefreshGym(ctx context.Context, gym storage.Gym) {
	users, err := s.store.UsersWithActiveBookings(ctx, gym.ID)
	if err != nil {
		s.log.Error("listing users", logx.String("gym", gym.Name), logx.Err(err))
		return
	}
	if len(users) == 0 {
		s.log.Debug("no users to refresh", logx.String("gym", gym.Name))
		return
	}
	s.log.Info("refreshing sessions",
		logx.String("gym", gym.Name), logx.Int("users", len(users)))

	refreshed := 0
	for _, user := range users {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if s.refreshUser(ctx, gym, user) {
			refreshed++
		}
	}
	s.log.Info("session refresh done",
		logx.String("gym", gym.Name),
		logx.Int("refreshed", refreshed), logx.Int("users", len(users)))
}

func (s *Service) refreshUser(ctx context.Context, gym storage.Gym, user storage.User) bool {
	log := s.log.With(logx.String("user", user.Email))

	if user.WBEmail == "" || user.WBPasswordEnc == "" {
		log.Warn("skipping user without credentials")
		return false
	}
	password, err := s.cipher.Decrypt(user.WBPasswordEnc)
	if err != nil {
		log.Error("decrypting credentials", logx.Err(err))
		return false
	}

	client, err := s.newClient(gym)
	if err != nil {
		log.Error("building client", logx.Err(err))
		return false
	}
	if err := client.Login(ctx, user.WBEmail, password); err != nil {
		log.Warn("session refresh failed", logx.Err(err))
		return false
	}

	session, err := wodbuster.EncodeCookies(client.Cookies())
	if err != nil {
		log.Error("encoding session", logx.Err(err))
		return false
	}
	if err := s.store.SaveSession(ctx, user.ID, session); err != nil {
		log.Error("persisting session", logx.Err(err))
		return false
	}
	log.Debug("session refreshed")

	s.maybeDetectSchedule(ctx, gym, client)
	return true
}

// maybeDetectSchedule probes the gym's real opening time once per process
// and corrects the stored schedule when it disagrees.
func (s *Service) maybeDetectSchedule(ctx context.Context, gym storage.Gym, client Client) {
	s.mu.Lock()
	if s.probed[gym.ID] {
		s.mu.Unlock()
		return
	}
	s.probed[gym.ID] = true
	s.mu.Unlock()

	opening, err := client.DetectOpening(ctx, 7)
	if err != nil || opening == nil {
		return
	}
	if opening.Weekday == gym.OpenDay &&
		opening.Hour == gym.OpenHour && opening.Minute == gym.OpenMinute {
		return
	}
	if err := s.store.UpdateGymSchedule(ctx, gym.ID, opening.Weekday, opening.Hour, opening.Minute); err != nil {
		s.log.Error("updating gym schedule", logx.String("gym", gym.Name), logx.Err(err))
		return
	}
	s.log.Info("gym schedule auto-detected",
		logx.String("gym", gym.Name),
		logx.String("weekday", opening.Weekday.String()),
		logx.Int("hour", opening.Hour), logx.Int("minute", opening.Minute))
}
