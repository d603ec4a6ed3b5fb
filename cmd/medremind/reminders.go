package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medremind/internal/app"
	"medremind/internal/reminder"
	"medremind/internal/storage"
)

func newMedicineCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "medicine", Short: "Manage medicines"}

	var (
		user, name, unit, typ string
		dosage                float64
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a medicine for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				m, err := core.Reminders.AddMedicine(ctx, user, reminder.MedicineInput{
					Name:         name,
					DosageAmount: dosage,
					Unit:         unit,
					Type:         storage.MedicineType(strings.ToLower(typ)),
				})
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	add.Flags().StringVar(&user, "user", "", "owner user id")
	add.Flags().StringVar(&name, "name", "", "medicine name")
	add.Flags().Float64Var(&dosage, "dosage", 0, "dosage amount")
	add.Flags().StringVar(&unit, "unit", "", "dosage unit (mg, ml, ...)")
	add.Flags().StringVar(&typ, "type", "", "tablet|capsule|liquid|injection|other")
	_ = add.MarkFlagRequired("user")
	_ = add.MarkFlagRequired("name")

	cmd.AddCommand(add)
	return cmd
}

func newDeviceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage push devices"}

	var user, token, name string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register or replace a device push token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				d, err := core.Reminders.RegisterDevice(ctx, user, token, name)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	register.Flags().StringVar(&user, "user", "", "owner user id")
	register.Flags().StringVar(&token, "token", "", "FCM token or Telegram chat id")
	register.Flags().StringVar(&name, "name", "default", "device name")
	_ = register.MarkFlagRequired("user")
	_ = register.MarkFlagRequired("token")

	cmd.AddCommand(register)
	return cmd
}

// parseWhen accepts an RFC 3339 time or a duration from now ("+90m", "2h").
func parseWhen(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(raw, "+")); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or a duration like +90m", raw)
}

func newReminderCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "reminder", Short: "Schedule and manage reminders"}
	var user string
	cmd.PersistentFlags().StringVar(&user, "user", "", "acting user id (empty skips the ownership check)")

	// byID builds a subcommand taking one reminder id.
	byID := func(use, short string, fn func(ctx context.Context, svc *reminder.Service, id string) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <reminder-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
					out, err := fn(ctx, core.Reminders, args[0])
					if err != nil {
						return err
					}
					return printJSON(out)
				})
			},
		}
	}

	var (
		medicineID, at string
		snooze         int
	)
	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a reminder for a medicine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseWhen(at, time.Now())
			if err != nil {
				return err
			}
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				r, err := core.Reminders.Schedule(ctx, user, medicineID, when, snooze)
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
	schedule.Flags().StringVar(&medicineID, "medicine", "", "medicine id")
	schedule.Flags().StringVar(&at, "at", "", "fire time: RFC 3339 or +duration")
	schedule.Flags().IntVar(&snooze, "snooze-minutes", reminder.DefaultSnoozeMinutes, "snooze duration in minutes")
	_ = schedule.MarkFlagRequired("medicine")
	_ = schedule.MarkFlagRequired("at")

	var (
		newAt     string
		active    string
		snoozeMin int
	)
	update := &cobra.Command{
		Use:   "update <reminder-id>",
		Short: "Change a reminder's time, active flag or snooze duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in reminder.UpdateInput
			if cmd.Flags().Changed("at") {
				t, err := parseWhen(newAt, time.Now())
				if err != nil {
					return err
				}
				in.ReminderAt = &t
			}
			if cmd.Flags().Changed("active") {
				v, err := parseBool(active)
				if err != nil {
					return err
				}
				in.IsActive = &v
			}
			if cmd.Flags().Changed("snooze-minutes") {
				in.SnoozeDurationMinutes = &snoozeMin
			}
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				r, err := core.Reminders.Update(ctx, user, args[0], in)
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
	update.Flags().StringVar(&newAt, "at", "", "new fire time: RFC 3339 or +duration")
	update.Flags().StringVar(&active, "active", "", "true|false")
	update.Flags().IntVar(&snoozeMin, "snooze-minutes", 0, "new snooze duration in minutes")

	cmd.AddCommand(
		schedule,
		update,
		byID("snooze", "Snooze a reminder by its snooze duration", func(ctx context.Context, svc *reminder.Service, id string) (any, error) {
			return svc.Snooze(ctx, user, id)
		}),
		byID("take", "Mark a reminder as taken", func(ctx context.Context, svc *reminder.Service, id string) (any, error) {
			return svc.MarkTaken(ctx, user, id)
		}),
		byID("activate", "Activate a reminder", func(ctx context.Context, svc *reminder.Service, id string) (any, error) {
			return svc.SetActive(ctx, user, id, true)
		}),
		byID("deactivate", "Deactivate a reminder", func(ctx context.Context, svc *reminder.Service, id string) (any, error) {
			return svc.SetActive(ctx, user, id, false)
		}),
		byID("delete", "Delete a reminder", func(ctx context.Context, svc *reminder.Service, id string) (any, error) {
			if err := svc.Delete(ctx, user, id); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": id}, nil
		}),
		byID("show", "Show a reminder with its medicine", func(ctx context.Context, svc *reminder.Service, id string) (any, error) {
			return svc.Get(ctx, user, id)
		}),
	)
	return cmd
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
