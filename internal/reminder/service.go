package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

// MaxSnoozes bounds how many times a reminder can be snoozed. Attempts past
// the bound are rejected, never clamped.
const MaxSnoozes = 3

// DefaultSnoozeMinutes applies when a reminder is scheduled without one.
const DefaultSnoozeMinutes = 5

var (
	ErrNotFound         = errors.New("reminder not found")
	ErrMedicineNotFound = errors.New("medicine not found")
	ErrAlreadyTaken     = errors.New("reminder already taken")
	ErrSnoozeLimit      = errors.New("maximum snooze limit reached")
	ErrInvalid          = errors.New("invalid request")
)

// Service is the request-layer entry point for reminder mutations. Every
// mutation commits to the store first and then applies its hot-cache hook.
//
// A non-empty userID must own the medicine behind the reminder; records of
// other users resolve to ErrNotFound. An empty userID skips the check
// (operator tooling).
type Service struct {
	store storage.Store
	hooks *Hooks
	log   logx.Logger
	now   func() time.Time
	newID func() string
}

type Option func(*Service)

// WithClock overrides the wall clock for the service and its hooks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store storage.Store, hooks *Hooks, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: store,
		hooks: hooks,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.hooks != nil {
		s.hooks.now = s.now
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC().Truncate(time.Second) }

// ---- medicines and devices ----

type MedicineInput struct {
	Name         string
	DosageAmount float64
	Unit         string
	Type         storage.MedicineType
}

func (s *Service) AddMedicine(ctx context.Context, userID string, in MedicineInput) (storage.Medicine, error) {
	name := strings.TrimSpace(in.Name)
	if strings.TrimSpace(userID) == "" || name == "" {
		return storage.Medicine{}, fmt.Errorf("%w: user and medicine name are required", ErrInvalid)
	}
	if in.DosageAmount < 0 {
		return storage.Medicine{}, fmt.Errorf("%w: dosage must not be negative", ErrInvalid)
	}
	typ := in.Type
	switch typ {
	case storage.MedicineTablet, storage.MedicineCapsule, storage.MedicineLiquid, storage.MedicineInjection, storage.MedicineOther:
	case "":
		typ = storage.MedicineOther
	default:
		return storage.Medicine{}, fmt.Errorf("%w: unknown medicine type %q", ErrInvalid, in.Type)
	}
	m := storage.Medicine{
		ID:           s.newID(),
		UserID:       userID,
		Name:         name,
		DosageAmount: in.DosageAmount,
		Unit:         strings.TrimSpace(in.Unit),
		Type:         typ,
		CreatedAt:    s.clock(),
	}
	if err := s.store.CreateMedicine(ctx, m); err != nil {
		return storage.Medicine{}, fmt.Errorf("create medicine: %w", err)
	}
	return m, nil
}

// RegisterDevice stores a push token for userID. Registering the same device
// name again replaces its token.
func (s *Service) RegisterDevice(ctx context.Context, userID, token, deviceName string) (storage.Device, error) {
	token = strings.TrimSpace(token)
	deviceName = strings.TrimSpace(deviceName)
	if strings.TrimSpace(userID) == "" || token == "" {
		return storage.Device{}, fmt.Errorf("%w: user and token are required", ErrInvalid)
	}
	if deviceName == "" {
		deviceName = "default"
	}
	d, err := s.store.UpsertDevice(ctx, storage.Device{
		ID:         s.newID(),
		UserID:     userID,
		Token:      token,
		DeviceName: deviceName,
		CreatedAt:  s.clock(),
	})
	if err != nil {
		return storage.Device{}, fmt.Errorf("register device: %w", err)
	}
	if s.hooks != nil {
		s.hooks.OnDeviceRegistered(d.UserID)
	}
	return d, nil
}

// ---- reminders ----

// Schedule creates a reminder for medicineID firing at at. snoozeMinutes <= 0
// selects DefaultSnoozeMinutes.
func (s *Service) Schedule(ctx context.Context, userID, medicineID string, at time.Time, snoozeMinutes int) (storage.Reminder, error) {
	now := s.clock()
	at = at.UTC().Truncate(time.Second)
	if !at.After(now) {
		return storage.Reminder{}, fmt.Errorf("%w: reminder time must be in the future", ErrInvalid)
	}
	med, err := s.store.GetMedicine(ctx, medicineID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !owns(userID, med.UserID)) {
		return storage.Reminder{}, ErrMedicineNotFound
	}
	if err != nil {
		return storage.Reminder{}, fmt.Errorf("load medicine: %w", err)
	}
	if snoozeMinutes <= 0 {
		snoozeMinutes = DefaultSnoozeMinutes
	}

	r := storage.Reminder{
		ID:                    s.newID(),
		MedicineID:            med.ID,
		ReminderAt:            at,
		NextReminderAt:        at,
		IsActive:              true,
		SnoozeDurationMinutes: snoozeMinutes,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.InsertReminder(ctx, r); err != nil {
		return storage.Reminder{}, fmt.Errorf("insert reminder: %w", err)
	}
	s.sync(ctx, func(ctx context.Context) error { return s.hooks.OnScheduled(ctx, r) })
	return r, nil
}

// Snooze pushes the next firing SnoozeDurationMinutes past now.
func (s *Service) Snooze(ctx context.Context, userID, id string) (storage.Reminder, error) {
	r, err := s.load(ctx, userID, id)
	if err != nil {
		return storage.Reminder{}, err
	}
	if r.IsTaken {
		return r, ErrAlreadyTaken
	}
	if r.SnoozeCount >= MaxSnoozes {
		return r, ErrSnoozeLimit
	}
	minutes := r.SnoozeDurationMinutes
	if minutes <= 0 {
		minutes = DefaultSnoozeMinutes
	}
	now := s.clock()
	r.SnoozeCount++
	r.NextReminderAt = now.Add(time.Duration(minutes) * time.Minute)
	r.UpdatedAt = now
	if err := s.write(ctx, r); err != nil {
		return storage.Reminder{}, err
	}
	s.sync(ctx, func(ctx context.Context) error { return s.hooks.OnSnoozed(ctx, r) })
	return r, nil
}

// MarkTaken is idempotent: an already-taken reminder is returned unchanged.
func (s *Service) MarkTaken(ctx context.Context, userID, id string) (storage.Reminder, error) {
	r, err := s.load(ctx, userID, id)
	if err != nil {
		return storage.Reminder{}, err
	}
	if r.IsTaken {
		return r, nil
	}
	now := s.clock()
	r.IsTaken = true
	r.TakenAt = &now
	r.UpdatedAt = now
	if err := s.write(ctx, r); err != nil {
		return storage.Reminder{}, err
	}
	s.sync(ctx, func(ctx context.Context) error { return s.hooks.OnTaken(ctx, r) })
	return r, nil
}

func (s *Service) SetActive(ctx context.Context, userID, id string, active bool) (storage.Reminder, error) {
	r, err := s.load(ctx, userID, id)
	if err != nil {
		return storage.Reminder{}, err
	}
	r.IsActive = active
	r.UpdatedAt = s.clock()
	if err := s.write(ctx, r); err != nil {
		return storage.Reminder{}, err
	}
	s.sync(ctx, func(ctx context.Context) error { return s.hooks.OnActiveChanged(ctx, r) })
	return r, nil
}

// UpdateInput carries the mutable reminder fields; nil leaves a field as is.
type UpdateInput struct {
	ReminderAt            *time.Time
	IsActive              *bool
	SnoozeDurationMinutes *int
}

// Update applies in. Moving the schedule restarts the reminder: it becomes
// untaken with no snoozes and fires at the new time.
func (s *Service) Update(ctx context.Context, userID, id string, in UpdateInput) (storage.Reminder, error) {
	r, err := s.load(ctx, userID, id)
	if err != nil {
		return storage.Reminder{}, err
	}
	if in.ReminderAt != nil {
		at := in.ReminderAt.UTC().Truncate(time.Second)
		if !at.Equal(r.ReminderAt) {
			r.ReminderAt = at
			r.NextReminderAt = at
			r.IsTaken = false
			r.TakenAt = nil
			r.SnoozeCount = 0
		}
	}
	if in.IsActive != nil {
		r.IsActive = *in.IsActive
	}
	if in.SnoozeDurationMinutes != nil {
		if *in.SnoozeDurationMinutes <= 0 {
			return storage.Reminder{}, fmt.Errorf("%w: snooze duration must be positive", ErrInvalid)
		}
		r.SnoozeDurationMinutes = *in.SnoozeDurationMinutes
	}
	r.UpdatedAt = s.clock()
	if err := s.write(ctx, r); err != nil {
		return storage.Reminder{}, err
	}
	s.sync(ctx, func(ctx context.Context) error { return s.hooks.OnUpdated(ctx, r) })
	return r, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.load(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.DeleteReminder(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete reminder: %w", err)
	}
	s.sync(ctx, func(ctx context.Context) error { return s.hooks.OnDeleted(ctx, id) })
	return nil
}

// Get returns the reminder with its medicine.
func (s *Service) Get(ctx context.Context, userID, id string) (storage.ReminderDetail, error) {
	d, err := s.store.GetReminderDetail(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !owns(userID, d.UserID())) {
		return storage.ReminderDetail{}, ErrNotFound
	}
	if err != nil {
		return storage.ReminderDetail{}, fmt.Errorf("load reminder: %w", err)
	}
	return d, nil
}

func (s *Service) load(ctx context.Context, userID, id string) (storage.Reminder, error) {
	d, err := s.Get(ctx, userID, id)
	if err != nil {
		return storage.Reminder{}, err
	}
	return d.Reminder, nil
}

func (s *Service) write(ctx context.Context, r storage.Reminder) error {
	if err := s.store.UpdateReminder(ctx, r); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update reminder: %w", err)
	}
	return nil
}

// sync runs a hook. Hook failures are logged by the hook and never fail the
// request. The hook gets its own short deadline so a canceled request still
// reaches the cache.
func (s *Service) sync(ctx context.Context, hook func(context.Context) error) {
	if s.hooks == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = hook(hctx)
}

func owns(userID, owner string) bool {
	return userID == "" || userID == owner
}
