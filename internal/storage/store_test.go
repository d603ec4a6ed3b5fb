package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "medremind/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st Store, rems ...Reminder) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateMedicine(ctx, Medicine{
		ID: "med-1", UserID: "user-1", Name: "Aspirin", DosageAmount: 1.5, Unit: "mg", Type: MedicineTablet,
	}); err != nil {
		t.Fatalf("CreateMedicine: %v", err)
	}
	for _, r := range rems {
		if err := st.InsertReminder(ctx, r); err != nil {
			t.Fatalf("InsertReminder(%s): %v", r.ID, err)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("empty driver err = %v, want ErrDisabled", err)
	}
}

func TestReminderRoundTripAndDetail(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seed(t, st, Reminder{
		ID: "r1", MedicineID: "med-1", ReminderAt: at, NextReminderAt: at,
		IsActive: true, SnoozeDurationMinutes: 5,
	})

	d, err := st.GetReminderDetail(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReminderDetail: %v", err)
	}
	if d.UserID() != "user-1" || d.Medicine.Name != "Aspirin" || d.Medicine.DosageAmount != 1.5 {
		t.Fatalf("detail = %+v", d)
	}
	if !d.Reminder.NextReminderAt.Equal(at) || d.Reminder.TakenAt != nil {
		t.Fatalf("reminder = %+v", d.Reminder)
	}

	taken := at.Add(time.Minute)
	r := d.Reminder
	r.IsTaken = true
	r.TakenAt = &taken
	if err := st.UpdateReminder(ctx, r); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}
	got, err := st.GetReminder(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if !got.IsTaken || got.TakenAt == nil || !got.TakenAt.Equal(taken) {
		t.Fatalf("after update = %+v", got)
	}
}

func TestMissingRecordsAreNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetReminder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReminder err = %v", err)
	}
	if _, err := st.GetReminderDetail(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReminderDetail err = %v", err)
	}
	if err := st.UpdateReminder(ctx, Reminder{ID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateReminder err = %v", err)
	}
	if err := st.DeleteReminder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteReminder err = %v", err)
	}
}

func TestDueRemindersFiltersState(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	taken := now
	seed(t, st,
		Reminder{ID: "due", MedicineID: "med-1", ReminderAt: now, NextReminderAt: now.Add(time.Hour), IsActive: true},
		Reminder{ID: "overdue", MedicineID: "med-1", ReminderAt: now, NextReminderAt: now.Add(-time.Hour), IsActive: true},
		Reminder{ID: "later", MedicineID: "med-1", ReminderAt: now, NextReminderAt: now.Add(48 * time.Hour), IsActive: true},
		Reminder{ID: "inactive", MedicineID: "med-1", ReminderAt: now, NextReminderAt: now, IsActive: false},
		Reminder{ID: "taken", MedicineID: "med-1", ReminderAt: now, NextReminderAt: now, IsActive: true, IsTaken: true, TakenAt: &taken},
	)

	got, err := st.DueReminders(context.Background(), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(got) != 2 || got[0].ID != "overdue" || got[1].ID != "due" {
		ids := make([]string, 0, len(got))
		for _, r := range got {
			ids = append(ids, r.ID)
		}
		t.Fatalf("due ids = %v, want [overdue due]", ids)
	}
}

func TestUpsertDeviceReplacesToken(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first, err := st.UpsertDevice(ctx, Device{ID: "d1", UserID: "u", Token: "tok-a", DeviceName: "phone"})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	second, err := st.UpsertDevice(ctx, Device{ID: "d2", UserID: "u", Token: "tok-b", DeviceName: "phone"})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("device id = %s, want existing %s", second.ID, first.ID)
	}
	if _, err := st.UpsertDevice(ctx, Device{ID: "d3", UserID: "u", Token: "tok-c", DeviceName: "tablet"}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	toks, err := st.DeviceTokens(ctx, "u")
	if err != nil {
		t.Fatalf("DeviceTokens: %v", err)
	}
	if len(toks) != 2 {
		t.Fatalf("tokens = %v", toks)
	}
	seen := map[string]bool{}
	for _, tok := range toks {
		seen[tok] = true
	}
	if !seen["tok-b"] || !seen["tok-c"] || seen["tok-a"] {
		t.Fatalf("tokens = %v", toks)
	}
}

func TestDeleteReminderRemovesRow(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seed(t, st, Reminder{ID: "r1", MedicineID: "med-1", ReminderAt: now, NextReminderAt: now, IsActive: true})

	if err := st.DeleteReminder(ctx, "r1"); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	if _, err := st.GetReminder(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReminder after delete = %v", err)
	}
}

func TestRebindPostgres(t *testing.T) {
	t.Parallel()
	s := &sqlStore{dialect: dialectPostgres}
	got := s.q("UPDATE t SET a = ?, b = ? WHERE id = ?")
	if want := "UPDATE t SET a = $1, b = $2 WHERE id = $3"; got != want {
		t.Fatalf("q() = %q, want %q", got, want)
	}
	lite := &sqlStore{dialect: dialectSQLite}
	if got := lite.q("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite q() = %q", got)
	}
}
