package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": embedded SQLite database file (Path)
//   - "postgres": PostgreSQL via pgx (DSN)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpen     int           // postgres only; 0 means driver default
}

// MedicineType mirrors the dosage form of a medicine.
type MedicineType string

const (
	MedicineTablet    MedicineType = "tablet"
	MedicineCapsule   MedicineType = "capsule"
	MedicineLiquid    MedicineType = "liquid"
	MedicineInjection MedicineType = "injection"
	MedicineOther     MedicineType = "other"
)

// Medicine is the projection the pipeline needs to render a notification
// and resolve the owning user.
type Medicine struct {
	ID           string
	UserID       string
	Name         string
	DosageAmount float64
	Unit         string
	Type         MedicineType
	CreatedAt    time.Time
}

// Reminder is the authoritative reminder record. Times are UTC with
// whole-second precision.
type Reminder struct {
	ID                    string
	MedicineID            string
	ReminderAt            time.Time
	NextReminderAt        time.Time
	IsTaken               bool
	TakenAt               *time.Time
	IsActive              bool
	SnoozeCount           int
	SnoozeDurationMinutes int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ReminderDetail is a reminder with its medicine (and therefore owner) loaded.
type ReminderDetail struct {
	Reminder Reminder
	Medicine Medicine
}

func (d ReminderDetail) UserID() string { return d.Medicine.UserID }

// Device is a registered push target for a user.
type Device struct {
	ID         string
	UserID     string
	Token      string
	DeviceName string
	CreatedAt  time.Time
}

// Store is the durable store API used by the reminder service and the
// background pipeline.
type Store interface {
	CreateMedicine(ctx context.Context, m Medicine) error
	GetMedicine(ctx context.Context, id string) (Medicine, error)
	ListMedicines(ctx context.Context, userID string) ([]Medicine, error)

	InsertReminder(ctx context.Context, r Reminder) error
	GetReminder(ctx context.Context, id string) (Reminder, error)
	// GetReminderDetail loads the reminder with its medicine. Reminders whose
	// medicine no longer exists resolve to ErrNotFound.
	GetReminderDetail(ctx context.Context, id string) (ReminderDetail, error)
	// UpdateReminder writes every mutable field of r (point write by id).
	UpdateReminder(ctx context.Context, r Reminder) error
	DeleteReminder(ctx context.Context, id string) error
	// DueReminders returns active, not-taken reminders with NextReminderAt <= before.
	DueReminders(ctx context.Context, before time.Time) ([]Reminder, error)

	// UpsertDevice registers a token, replacing the token of an existing
	// (UserID, DeviceName) pair.
	UpsertDevice(ctx context.Context, d Device) (Device, error)
	DeviceTokens(ctx context.Context, userID string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
