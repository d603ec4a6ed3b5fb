package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "medremind/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	name := "migrations/sqlite.sql"
	if s.dialect == dialectPostgres {
		name = "migrations/postgres.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- medicines ----

func (s *sqlStore) CreateMedicine(ctx context.Context, m Medicine) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO medicines(id, user_id, name, dosage_amount, unit, type, created_at)
		 VALUES(?,?,?,?,?,?,?)`),
		m.ID, m.UserID, m.Name, m.DosageAmount, m.Unit, string(m.Type), m.CreatedAt.Unix(),
	)
	return err
}

const medicineCols = `m.id, m.user_id, m.name, m.dosage_amount, m.unit, m.type, m.created_at`

func scanMedicine(sc interface{ Scan(...any) error }, m *Medicine) error {
	var typ string
	var created int64
	if err := sc.Scan(&m.ID, &m.UserID, &m.Name, &m.DosageAmount, &m.Unit, &typ, &created); err != nil {
		return err
	}
	m.Type = MedicineType(typ)
	m.CreatedAt = unixUTC(created)
	return nil
}

func (s *sqlStore) GetMedicine(ctx context.Context, id string) (Medicine, error) {
	var m Medicine
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+medicineCols+` FROM medicines m WHERE m.id = ?`), id)
	if err := scanMedicine(row, &m); err != nil {
		return Medicine{}, notFound(err)
	}
	return m, nil
}

func (s *sqlStore) ListMedicines(ctx context.Context, userID string) ([]Medicine, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+medicineCols+` FROM medicines m WHERE m.user_id = ? ORDER BY m.created_at`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Medicine
	for rows.Next() {
		var m Medicine
		if err := scanMedicine(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- reminders ----

const reminderCols = `r.id, r.medicine_id, r.reminder_at, r.next_reminder_at, r.is_taken, r.taken_at,
	r.is_active, r.snooze_count, r.snooze_duration_minutes, r.created_at, r.updated_at`

func scanReminder(sc interface{ Scan(...any) error }, r *Reminder, extra ...any) error {
	var at, next, created, updated int64
	var takenAt sql.NullInt64
	dest := []any{&r.ID, &r.MedicineID, &at, &next, &r.IsTaken, &takenAt,
		&r.IsActive, &r.SnoozeCount, &r.SnoozeDurationMinutes, &created, &updated}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	r.ReminderAt = unixUTC(at)
	r.NextReminderAt = unixUTC(next)
	r.CreatedAt = unixUTC(created)
	r.UpdatedAt = unixUTC(updated)
	r.TakenAt = nil
	if takenAt.Valid {
		t := unixUTC(takenAt.Int64)
		r.TakenAt = &t
	}
	return nil
}

func (s *sqlStore) InsertReminder(ctx context.Context, r Reminder) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO reminders(id, medicine_id, reminder_at, next_reminder_at, is_taken, taken_at,
		   is_active, snooze_count, snooze_duration_minutes, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		r.ID, r.MedicineID, r.ReminderAt.Unix(), r.NextReminderAt.Unix(), r.IsTaken, nullUnix(r.TakenAt),
		r.IsActive, r.SnoozeCount, r.SnoozeDurationMinutes, r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	return err
}

func (s *sqlStore) GetReminder(ctx context.Context, id string) (Reminder, error) {
	var r Reminder
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+reminderCols+` FROM reminders r WHERE r.id = ?`), id)
	if err := scanReminder(row, &r); err != nil {
		return Reminder{}, notFound(err)
	}
	return r, nil
}

func (s *sqlStore) GetReminderDetail(ctx context.Context, id string) (ReminderDetail, error) {
	var (
		d       ReminderDetail
		typ     string
		created int64
	)
	m := &d.Medicine
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+reminderCols+`, `+medicineCols+`
		 FROM reminders r JOIN medicines m ON m.id = r.medicine_id
		 WHERE r.id = ?`), id)
	err := scanReminder(row, &d.Reminder, &m.ID, &m.UserID, &m.Name, &m.DosageAmount, &m.Unit, &typ, &created)
	if err != nil {
		return ReminderDetail{}, notFound(err)
	}
	m.Type = MedicineType(typ)
	m.CreatedAt = unixUTC(created)
	return d, nil
}

func (s *sqlStore) UpdateReminder(ctx context.Context, r Reminder) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reminders SET reminder_at = ?, next_reminder_at = ?, is_taken = ?, taken_at = ?,
		   is_active = ?, snooze_count = ?, snooze_duration_minutes = ?, updated_at = ?
		 WHERE id = ?`),
		r.ReminderAt.Unix(), r.NextReminderAt.Unix(), r.IsTaken, nullUnix(r.TakenAt),
		r.IsActive, r.SnoozeCount, r.SnoozeDurationMinutes, r.UpdatedAt.Unix(), r.ID,
	)
	return mustAffect(res, err)
}

func (s *sqlStore) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM reminders WHERE id = ?`), id)
	return mustAffect(res, err)
}

func (s *sqlStore) DueReminders(ctx context.Context, before time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+reminderCols+` FROM reminders r
		 WHERE r.is_active = ? AND r.is_taken = ? AND r.next_reminder_at <= ?
		 ORDER BY r.next_reminder_at`),
		true, false, before.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := scanReminder(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- devices ----

func (s *sqlStore) UpsertDevice(ctx context.Context, d Device) (Device, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	row := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO user_devices(id, user_id, fcm_token, device_name, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, device_name) DO UPDATE SET fcm_token = excluded.fcm_token
		 RETURNING id, created_at`),
		d.ID, d.UserID, d.Token, d.DeviceName, d.CreatedAt.Unix(),
	)
	var created int64
	if err := row.Scan(&d.ID, &created); err != nil {
		return Device{}, err
	}
	d.CreatedAt = unixUTC(created)
	return d, nil
}

func (s *sqlStore) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT fcm_token FROM user_devices WHERE user_id = ? AND fcm_token <> '' ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// ---- helpers ----

func unixUTC(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func nullUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
