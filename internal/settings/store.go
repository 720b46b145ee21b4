package settings

import (
	"context"
	"errors"
	"fmt"

	"prayerlock/internal/eventtable"
	"prayerlock/internal/storage"
)

// SharedBucket holds one key per setting for the out-of-process monitor.
const SharedBucket = "shared"

const (
	keyDuration     = "duration_minutes"
	keyStrict       = "strict_mode"
	keyReminders    = "reminders_enabled"
	keyReminderLead = "reminder_lead_minutes"
	keyBlocking     = "blocking_enabled"
)

func selectedKey(k eventtable.Kind) string { return "selected_" + k.String() }

// persist writes every key; it is unconditional and cheap.
func persist(ctx context.Context, st storage.Store, s Settings) error {
	var errs []error
	put := func(key string, v any) {
		if err := storage.PutJSON(ctx, st, SharedBucket, key, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	for _, k := range eventtable.AllKinds {
		put(selectedKey(k), s.Selected.Has(k))
	}
	put(keyDuration, s.DurationMinutes)
	put(keyStrict, s.Strict)
	put(keyReminders, s.RemindersEnabled)
	put(keyReminderLead, s.ReminderLeadMinutes)
	put(keyBlocking, s.BlockingEnabled)
	return errors.Join(errs...)
}

// load overlays whatever keys are present onto base. Unreadable keys keep
// the base value.
func load(ctx context.Context, st storage.Store, base Settings) (Settings, bool, error) {
	out := base.clone()
	found := false
	var errs []error
	get := func(key string, v any) {
		ok, err := storage.GetJSON(ctx, st, SharedBucket, key, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		found = found || ok
	}

	selected := eventtable.NewKindSet()
	for _, k := range eventtable.AllKinds {
		on := out.Selected.Has(k)
		get(selectedKey(k), &on)
		if on {
			selected[k] = struct{}{}
		}
	}
	out.Selected = selected
	get(keyDuration, &out.DurationMinutes)
	get(keyStrict, &out.Strict)
	get(keyReminders, &out.RemindersEnabled)
	get(keyReminderLead, &out.ReminderLeadMinutes)
	get(keyBlocking, &out.BlockingEnabled)
	return out, found, errors.Join(errs...)
}
