package refresher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Keralin/WodSniper/internal/secrets"
	"github.com/Keralin/WodSniper/internal/storage"
	"github.com/Keralin/WodSniper/internal/wodbuster"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

type fakeClient struct {
	mu       sync.Mutex
	loginErr error
	logins   []string // emails, in order
	opening  *wodbuster.Opening
}

func (f *fakeClient) Login(ctx context.Context, email, password string) error {
	f.mu.Lock()
	f.logins = append(f.logins, email)
	f.mu.Unlock()
	if f.loginErr != nil && email == "broken@example.com" {
		return f.loginErr
	}
	return nil
}

func (f *fakeClient) Cookies() []wodbuster.Cookie {
	return []wodbuster.Cookie{{Name: ".WBAuth", Value: "fresh"}}
}

func (f *fakeClient) DetectOpening(ctx context.Context, daysAhead int) (*wodbuster.Opening, error) {
	return f.opening, nil
}

func newFixture(t *testing.T) (storage.Store, *secrets.Cipher, storage.Gym) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cipher, err := secrets.New("test-key")
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}

	gym := storage.Gym{Name: "box", URL: "https://box.wodbuster.com", OpenDay: time.Sunday, OpenHour: 13}
	if err := st.CreateGym(context.Background(), &gym); err != nil {
		t.Fatalf("CreateGym: %v", err)
	}
	return st, cipher, gym
}

func addUser(t *testing.T, st storage.Store, cipher *secrets.Cipher, gymID int64, email, password string) storage.User {
	t.Helper()
	ctx := context.Background()
	enc := ""
	wbEmail := ""
	if password != "" {
		var err error
		enc, err = cipher.Encrypt(password)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		wbEmail = email
	}
	u := storage.User{Email: email, GymID: gymID, WBEmail: wbEmail, WBPasswordEnc: enc, Notify: true}
	if err := st.CreateUser(ctx, &u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	b := storage.Booking{UserID: u.ID, Weekday: time.Monday, TimeHHMM: "10:00", ClassQuery: "WOD", Active: true}
	if err := st.CreateBooking(ctx, &b); err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	return u
}

func TestRefreshGymPersistsSessions(t *testing.T) {
	t.Parallel()

	st, cipher, gym := newFixture(t)
	u1 := addUser(t, st, cipher, gym.ID, "ana@example.com", "pw1")
	u2 := addUser(t, st, cipher, gym.ID, "bob@example.com", "pw2")

	fc := &fakeClient{}
	svc := New(Config{UserDelay: time.Millisecond}, st, cipher,
		func(storage.Gym) (Client, error) { return fc, nil }, logx.Nop())

	svc.RefreshGym(context.Background(), gym)

	if len(fc.logins) != 2 {
		t.Fatalf("logins = %v", fc.logins)
	}
	for _, id := range []int64{u1.ID, u2.ID} {
		u, err := st.UserByID(context.Background(), id)
		if err != nil {
			t.Fatalf("UserByID: %v", err)
		}
		cookies := wodbuster.DecodeCookies(u.SessionJSON)
		if len(cookies) != 1 || cookies[0].Name != ".WBAuth" {
			t.Errorf("user %d session = %q", id, u.SessionJSON)
		}
	}
}

func TestRefreshGymSkipsUsersWithoutCredentials(t *testing.T) {
	t.Parallel()

	st, cipher, gym := newFixture(t)
	addUser(t, st, cipher, gym.ID, "nocreds@example.com", "")
	ok := addUser(t, st, cipher, gym.ID, "ana@example.com", "pw")

	fc := &fakeClient{}
	svc := New(Config{UserDelay: time.Millisecond}, st, cipher,
		func(storage.Gym) (Client, error) { return fc, nil }, logx.Nop())
	svc.RefreshGym(context.Background(), gym)

	if len(fc.logins) != 1 || fc.logins[0] != "ana@example.com" {
		t.Fatalf("logins = %v, want only the user with credentials", fc.logins)
	}
	u, _ := st.UserByID(context.Background(), ok.ID)
	if u.SessionJSON == "" {
		t.Error("credentialed user should have a session")
	}
}

func TestRefreshGymIsolatesFailures(t *testing.T) {
	t.Parallel()

	st, cipher, gym := newFixture(t)
	addUser(t, st, cipher, gym.ID, "broken@example.com", "pw")
	good := addUser(t, st, cipher, gym.ID, "good@example.com", "pw")

	fc := &fakeClient{loginErr: &wodbuster.LoginError{Reason: "invalid email or password"}}
	svc := New(Config{UserDelay: time.Millisecond}, st, cipher,
		func(storage.Gym) (Client, error) { return fc, nil }, logx.Nop())
	svc.RefreshGym(context.Background(), gym)

	if len(fc.logins) != 2 {
		t.Fatalf("logins = %v, the failing user must not abort the batch", fc.logins)
	}
	u, _ := st.UserByID(context.Background(), good.ID)
	if u.SessionJSON == "" {
		t.Error("good user should still be refreshed")
	}
}

func TestRefreshGymAutoDetectsSchedule(t *testing.T) {
	t.Parallel()

	st, cipher, gym := newFixture(t)
	addUser(t, st, cipher, gym.ID, "ana@example.com", "pw")
	addUser(t, st, cipher, gym.ID, "bob@example.com", "pw")

	fc := &fakeClient{opening: &wodbuster.Opening{
		Weekday: time.Saturday, Hour: 20, Minute: 30,
	}}
	svc := New(Config{UserDelay: time.Millisecond}, st, cipher,
		func(storage.Gym) (Client, error) { return fc, nil }, logx.Nop())
	svc.RefreshGym(context.Background(), gym)

	gyms, err := st.Gyms(context.Background())
	if err != nil {
		t.Fatalf("Gyms: %v", err)
	}
	g := gyms[0]
	if g.OpenDay != time.Saturday || g.OpenHour != 20 || g.OpenMinute != 30 {
		t.Errorf("schedule = %v %d:%02d, want auto-detected value", g.OpenDay, g.OpenHour, g.OpenMinute)
	}

	// A second refresh must not probe again; reset the stored schedule and
	// verify it stays put.
	if err := st.UpdateGymSchedule(context.Background(), gym.ID, time.Sunday, 13, 0); err != nil {
		t.Fatalf("UpdateGymSchedule: %v", err)
	}
	svc.RefreshGym(context.Background(), gym)
	gyms, _ = st.Gyms(context.Background())
	if gyms[0].OpenDay != time.Sunday {
		t.Error("schedule probe should run once per gym")
	}
}

func TestRefreshGymClientFactoryFailure(t *testing.T) {
	t.Parallel()

	st, cipher, gym := newFixture(t)
	addUser(t, st, cipher, gym.ID, "ana@example.com", "pw")

	svc := New(Config{UserDelay: time.Millisecond}, st, cipher,
		func(storage.Gym) (Client, error) { return nil, errors.New("no transport") }, logx.Nop())
	// Must not panic; the user is skipped.
	svc.RefreshGym(context.Background(), gym)
}
