package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/Keralin/WodSniper/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- gyms ----

func (s *sqliteStore) CreateGym(ctx context.Context, g *Gym) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO gyms(name, url, open_day, open_hour, open_minute, created_at)
		 VALUES(?,?,?,?,?,?)`,
		g.Name, g.URL, int(g.OpenDay), g.OpenHour, g.OpenMinute, fmtTime(g.CreatedAt),
	)
	if err != nil {
		return err
	}
	g.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) Gyms(ctx context.Context) ([]Gym, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, open_day, open_hour, open_minute, created_at
		 FROM gyms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Gym
	for rows.Next() {
		var g Gym
		var day int
		var created string
		if err := rows.Scan(&g.ID, &g.Name, &g.URL, &day, &g.OpenHour, &g.OpenMinute, &created); err != nil {
			return nil, err
		}
		g.OpenDay = time.Weekday(day)
		g.CreatedAt = parseTime(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateGymSchedule(ctx context.Context, gymID int64, day time.Weekday, hour, minute int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gyms SET open_day = ?, open_hour = ?, open_minute = ? WHERE id = ?`,
		int(day), hour, minute, gymID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ---- users ----

func (s *sqliteStore) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, gym_id, wb_email, wb_password_enc, session_json, telegram_chat_id, notify, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		u.Email, u.GymID, u.WBEmail, u.WBPasswordEnc, u.SessionJSON,
		u.TelegramChatID, boolInt(u.Notify), fmtTime(u.CreatedAt),
	)
	if err != nil {
		return err
	}
	u.ID, err = res.LastInsertId()
	return err
}

const userCols = `id, email, gym_id, wb_email, wb_password_enc, session_json, telegram_chat_id, notify, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var notify int
	var created string
	err := row.Scan(&u.ID, &u.Email, &u.GymID, &u.WBEmail, &u.WBPasswordEnc,
		&u.SessionJSON, &u.TelegramChatID, &notify, &created)
	if err != nil {
		return User{}, err
	}
	u.Notify = notify != 0
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (s *sqliteStore) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *sqliteStore) UsersWithActiveBookings(ctx context.Context, gymID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT u.id, u.email, u.gym_id, u.wb_email, u.wb_password_enc,
		        u.session_json, u.telegram_chat_id, u.notify, u.created_at
		 FROM users u
		 JOIN bookings b ON b.user_id = u.id AND b.active = 1
		 WHERE u.gym_id = ?
		 ORDER BY u.id`, gymID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSession(ctx context.Context, userID int64, sessionJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET session_json = ? WHERE id = ?`, sessionJSON, userID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ---- bookings ----

func (s *sqliteStore) CreateBooking(ctx context.Context, b *Booking) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings(user_id, weekday, time_hhmm, class_query, active, status,
		                      last_error, success_count, fail_count, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		b.UserID, int(b.Weekday), b.TimeHHMM, b.ClassQuery, boolInt(b.Active), b.Status,
		b.LastError, b.SuccessCnt, b.FailCnt, fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt),
	)
	if err != nil {
		return err
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) ActiveBookingsForUser(ctx context.Context, userID int64) ([]Booking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, weekday, time_hhmm, class_query, active, status, last_error,
		        last_attempt, success_count, fail_count, created_at, updated_at
		 FROM bookings WHERE user_id = ? AND active = 1
		 ORDER BY weekday, time_hhmm`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var b Booking
		var day, active int
		var lastAttempt sql.NullString
		var created, updated string
		if err := rows.Scan(&b.ID, &b.UserID, &day, &b.TimeHHMM, &b.ClassQuery, &active,
			&b.Status, &b.LastError, &lastAttempt, &b.SuccessCnt, &b.FailCnt,
			&created, &updated); err != nil {
			return nil, err
		}
		b.Weekday = time.Weekday(day)
		b.Active = active != 0
		if lastAttempt.Valid {
			t := parseTime(lastAttempt.String)
			b.LastAttempt = &t
		}
		b.CreatedAt = parseTime(created)
		b.UpdatedAt = parseTime(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateBookingRun(ctx context.Context, bookingID int64, u RunUpdate) error {
	if u.LastAttempt.IsZero() {
		u.LastAttempt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bookings
		 SET status = ?, last_error = ?, last_attempt = ?,
		     success_count = success_count + ?, fail_count = fail_count + ?,
		     updated_at = ?
		 WHERE id = ?`,
		u.Status, u.LastError, fmtTime(u.LastAttempt), u.SuccessDelta, u.FailDelta,
		fmtTime(time.Now().UTC()), bookingID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ---- booking logs ----

func (s *sqliteStore) AppendBookingLog(ctx context.Context, l *BookingLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO booking_logs(booking_id, status, message, target_date, created_at)
		 VALUES(?,?,?,?,?)`,
		l.BookingID, l.Status, l.Message, fmtTime(l.TargetDate), fmtTime(l.CreatedAt),
	)
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) RecentBookingLogs(ctx context.Context, bookingID int64, limit int) ([]BookingLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, booking_id, status, message, target_date, created_at
		 FROM booking_logs WHERE booking_id = ?
		 ORDER BY id DESC LIMIT ?`, bookingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BookingLog
	for rows.Next() {
		var l BookingLog
		var target, created string
		if err := rows.Scan(&l.ID, &l.BookingID, &l.Status, &l.Message, &target, &created); err != nil {
			return nil, err
		}
		l.TargetDate = parseTime(target)
		l.CreatedAt = parseTime(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---- helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
