package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Booking run states.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusWaiting = "waiting"
	StatusFailed  = "failed"
)

// Gym is one WodBuster-hosted box with its weekly booking-window schedule.
// OpenDay/OpenHour/OpenMinute are in the daemon's configured timezone.
type Gym struct {
	ID         int64
	Name       string
	URL        string
	OpenDay    time.Weekday
	OpenHour   int
	OpenMinute int
	CreatedAt  time.Time
}

// User is an account that books through this daemon. WBPasswordEnc holds the
// upstream password sealed by internal/secrets; SessionJSON holds the last
// known upstream cookies as a JSON list (empty when never logged in).
type User struct {
	ID             int64
	Email          string
	GymID          int64
	WBEmail        string
	WBPasswordEnc  string
	SessionJSON    string
	TelegramChatID int64
	Notify         bool
	CreatedAt      time.Time
}

// Booking is a standing weekly intent: book the class matching ClassQuery at
// Weekday/TimeHHMM every time the window opens.
type Booking struct {
	ID          int64
	UserID      int64
	Weekday     time.Weekday
	TimeHHMM    string
	ClassQuery  string
	Active      bool
	Status      string
	LastError   string
	LastAttempt *time.Time
	SuccessCnt  int
	FailCnt     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BookingLog is one append-only line per booking run.
type BookingLog struct {
	ID         int64
	BookingID  int64
	Status     string
	Message    string
	TargetDate time.Time
	CreatedAt  time.Time
}

// RunUpdate carries the outcome of one booking run back into the booking
// row. A waiting outcome moves neither counter.
type RunUpdate struct {
	Status       string
	LastError    string
	LastAttempt  time.Time
	SuccessDelta int
	FailDelta    int
}

type Store interface {
	Close() error

	CreateGym(ctx context.Context, g *Gym) error
	Gyms(ctx context.Context) ([]Gym, error)
	UpdateGymSchedule(ctx context.Context, gymID int64, day time.Weekday, hour, minute int) error

	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id int64) (*User, error)
	// UsersWithActiveBookings returns the distinct users of a gym that have
	// at least one active booking, credentials included.
	UsersWithActiveBookings(ctx context.Context, gymID int64) ([]User, error)
	SaveSession(ctx context.Context, userID int64, sessionJSON string) error

	CreateBooking(ctx context.Context, b *Booking) error
	ActiveBookingsForUser(ctx context.Context, userID int64) ([]Booking, error)
	UpdateBookingRun(ctx context.Context, bookingID int64, u RunUpdate) error

	AppendBookingLog(ctx context.Context, l *BookingLog) error
	RecentBookingLogs(ctx context.Context, bookingID int64, limit int) ([]BookingLog, error)
}
