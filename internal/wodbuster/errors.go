package wodbuster

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionExpired is returned when an operation needs a logged-in session
// and none is established.
var ErrSessionExpired = errors.New("wodbuster: session expired")

// LoginError means authentication was rejected or could not complete.
// It is not retryable with the same credentials.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string { return "wodbuster: login failed: " + e.Reason }

// NoClassesError means the target date has no published schedule at all.
type NoClassesError struct {
	Date time.Time
}

func (e *NoClassesError) Error() string {
	return fmt.Sprintf("wodbuster: no classes published for %s", e.Date.Format("2006-01-02"))
}

// ClassNotFoundError means the schedule exists but nothing matched the
// requested time and name.
type ClassNotFoundError struct {
	Query string
	Time  string
	Date  time.Time
}

func (e *ClassNotFoundError) Error() string {
	return fmt.Sprintf("wodbuster: no class %q at %s on %s",
		e.Query, e.Time, e.Date.Format("2006-01-02"))
}

// ClassFullError means the class has no free spots.
type ClassFullError struct {
	ClassID string
	Message string
}

func (e *ClassFullError) Error() string {
	return fmt.Sprintf("wodbuster: class %s is full", e.ClassID)
}

// RateLimitError means the upstream applied a booking penalty. RetryAfter is
// the wait it announced, 0 when the message carried none.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("wodbuster: rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "wodbuster: rate limited: " + e.Message
}

// BookingError covers any other booking rejection.
type BookingError struct {
	Message string
}

func (e *BookingError) Error() string { return "wodbuster: booking failed: " + e.Message }
