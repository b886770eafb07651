package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Keralin/WodSniper/internal/storage"
	"github.com/Keralin/WodSniper/internal/wodbuster"
)

// nextTargetDate resolves a weekly booking to its concrete class date: the
// next future occurrence of the weekday, never today. Classes publishing
// today already had their window.
func nextTargetDate(now time.Time, day time.Weekday) time.Time {
	ahead := (int(day) - int(now.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	d := now.AddDate(0, 0, ahead)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
}

// attemptBooking drives one booking through the retry state machine. Full
// classes and empty schedules are terminal on the first attempt; everything
// else retries up to MaxAttempts with RetryDelay between tries.
func (s *Service) attemptBooking(ctx context.Context, client Client, b storage.Booking) AttemptResult {
	target := nextTargetDate(s.now(), b.Weekday)
	res := AttemptResult{
		Day:        b.Weekday.String(),
		Time:       b.TimeHHMM,
		Class:      b.ClassQuery,
		TargetDate: target,
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		class, err := client.FindClass(ctx, target, b.TimeHHMM, b.ClassQuery)
		if err == nil {
			err = client.Book(ctx, class.ID)
			if err == nil {
				res.Status = storage.StatusSuccess
				res.Message = fmt.Sprintf("Booked: %s on %s", class.Name, target.Format("02/01"))
				if attempt > 1 {
					res.Message += fmt.Sprintf(" (attempt %d)", attempt)
				}
				return res
			}
		}

		var fullErr *wodbuster.ClassFullError
		var noClasses *wodbuster.NoClassesError
		switch {
		case errors.As(err, &fullErr):
			res.Status = storage.StatusWaiting
			res.Message = "Class is full - added to waitlist"
			return res
		case errors.As(err, &noClasses):
			res.Status = storage.StatusFailed
			res.Message = "No classes available (holiday or closed)"
			return res
		}

		lastErr = err
		if attempt < s.cfg.MaxAttempts {
			if serr := s.sleep(ctx, s.retryWait(err)); serr != nil {
				break
			}
		}
	}

	res.Status = storage.StatusFailed
	res.Message = fmt.Sprintf("%v (after %d attempts)", lastErr, s.cfg.MaxAttempts)
	return res
}

// retryWait honors an upstream penalty hint when it is short enough to still
// matter inside the window.
func (s *Service) retryWait(err error) time.Duration {
	var rl *wodbuster.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		if rl.RetryAfter < maxRateLimitWait {
			return rl.RetryAfter
		}
		return maxRateLimitWait
	}
	return s.cfg.RetryDelay
}
