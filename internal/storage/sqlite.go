package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tazhate/ffdash/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("record not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Storage) Ping() error {
	return s.db.Ping()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_name TEXT DEFAULT '',
			name TEXT DEFAULT '',
			phone TEXT DEFAULT '',
			status TEXT DEFAULT 'new',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			date_time DATETIME NOT NULL,
			lead_id INTEGER,
			completed INTEGER NOT NULL DEFAULT 0,
			sent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_date_time ON reminders(date_time)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_pending ON reminders(completed, sent)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// === Reminders ===

const reminderColumns = `id, text, date_time, lead_id, completed, sent, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReminder(row scanner) (*domain.Reminder, error) {
	r := &domain.Reminder{}
	var fireTime time.Time
	if err := row.Scan(&r.ID, &r.Text, &fireTime, &r.LeadID, &r.Completed, &r.Sent, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.FireTimeUTC = fireTime.UTC()
	r.Synced = true
	return r, nil
}

func (s *Storage) CreateReminder(r *domain.Reminder) error {
	res, err := s.db.Exec(
		`INSERT INTO reminders (text, date_time, lead_id, completed, sent)
		 VALUES (?, ?, ?, ?, ?)`,
		r.Text, r.FireTimeUTC.UTC(), r.LeadID, r.Completed, r.Sent,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	r.ID = id
	r.CreatedAt = time.Now().UTC()
	return nil
}

func (s *Storage) GetReminder(id int64) (*domain.Reminder, error) {
	row := s.db.QueryRow(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListReminders returns every reminder, latest fire time first.
func (s *Storage) ListReminders() ([]*domain.Reminder, error) {
	return s.queryReminders(`SELECT ` + reminderColumns + ` FROM reminders ORDER BY date_time DESC, id DESC`)
}

// ListPendingReminders returns reminders that are not completed, earliest first.
func (s *Storage) ListPendingReminders() ([]*domain.Reminder, error) {
	return s.queryReminders(`SELECT ` + reminderColumns + ` FROM reminders WHERE completed = 0 ORDER BY date_time ASC, id ASC`)
}

// ListDueReminders returns reminders whose fire time has passed and that no
// path has completed or sent yet.
func (s *Storage) ListDueReminders(now time.Time) ([]*domain.Reminder, error) {
	return s.queryReminders(
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE date_time <= ? AND completed = 0 AND sent = 0
		 ORDER BY date_time ASC, id ASC`,
		now.UTC(),
	)
}

func (s *Storage) queryReminders(query string, args ...any) ([]*domain.Reminder, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []*domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// MarkReminderSent sets sent once. It reports whether this call flipped the flag.
func (s *Storage) MarkReminderSent(id int64) (bool, error) {
	return s.setFlag(`UPDATE reminders SET sent = 1 WHERE id = ? AND sent = 0`, id)
}

// MarkReminderCompleted sets completed once. It reports whether this call flipped the flag.
func (s *Storage) MarkReminderCompleted(id int64) (bool, error) {
	return s.setFlag(`UPDATE reminders SET completed = 1 WHERE id = ? AND completed = 0`, id)
}

func (s *Storage) setFlag(query string, id int64) (bool, error) {
	res, err := s.db.Exec(query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RescheduleReminder moves the fire time and clears sent so the sweep
// delivers again at the new time.
func (s *Storage) RescheduleReminder(id int64, fireTime time.Time) error {
	res, err := s.db.Exec(`UPDATE reminders SET date_time = ?, sent = 0 WHERE id = ?`, fireTime.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteReminder(id int64) error {
	res, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// === Leads ===

func (s *Storage) CreateLead(l *domain.Lead) error {
	res, err := s.db.Exec(
		`INSERT INTO leads (client_name, name, phone, status) VALUES (?, ?, ?, ?)`,
		l.ClientName, l.Name, l.Phone, l.Status,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	l.ID = id
	l.CreatedAt = time.Now().UTC()
	return nil
}

func (s *Storage) GetLead(id int64) (*domain.Lead, error) {
	l := &domain.Lead{}
	err := s.db.QueryRow(
		`SELECT id, client_name, name, phone, status, created_at FROM leads WHERE id = ?`,
		id,
	).Scan(&l.ID, &l.ClientName, &l.Name, &l.Phone, &l.Status, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// === Settings ===

func (s *Storage) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Storage) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}
