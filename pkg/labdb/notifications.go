package labdb

import (
	"context"
	"slices"

	"github.com/infrasense/labfarm/pkg/lab"
)

// GetNotifications returns the user's notifications, most recent first.
func (d *DB) GetNotifications(ctx context.Context, userID string) ([]lab.Notification, error) {
	all, _, err := load[[]lab.Notification](ctx, d.store, KeyNotifications)
	if err != nil {
		return nil, err
	}

	out := make([]lab.Notification, 0, len(all))

	for _, n := range all {
		if n.UserID == userID {
			out = append(out, n)
		}
	}

	slices.SortStableFunc(out, func(a, b lab.Notification) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	return out, nil
}

// AddNotification stores n unread with a fresh id and timestamp.
func (d *DB) AddNotification(ctx context.Context, n lab.Notification) (lab.Notification, error) {
	if n.UserID == "" {
		return lab.Notification{}, lab.Validationf("notification recipient is required")
	}

	if !n.Type.Valid() {
		return lab.Notification{}, lab.Validationf("unknown notification type %q", n.Type)
	}

	n.ID = "notif-" + d.newID()
	n.Timestamp = d.now()
	n.Read = false

	_, err := update(ctx, d, KeyNotifications, func(all *[]lab.Notification) error {
		*all = slices.Insert(*all, 0, n)

		return nil
	})
	if err != nil {
		return lab.Notification{}, err
	}

	return n, nil
}

// MarkNotificationRead sets the read flag on one of userID's notifications.
// Unknown ids, ids addressed to someone else and already read ids are
// ignored.
func (d *DB) MarkNotificationRead(ctx context.Context, userID, id string) error {
	_, err := update(ctx, d, KeyNotifications, func(all *[]lab.Notification) error {
		i := slices.IndexFunc(*all, func(n lab.Notification) bool {
			return n.ID == id && n.UserID == userID
		})
		if i < 0 || (*all)[i].Read {
			return ErrNoChange
		}

		(*all)[i].Read = true

		return nil
	})

	return err
}

// ClearNotifications removes every notification addressed to userID and
// returns how many were removed.
func (d *DB) ClearNotifications(ctx context.Context, userID string) (int, error) {
	var removed int

	_, err := update(ctx, d, KeyNotifications, func(all *[]lab.Notification) error {
		n := len(*all)
		*all = slices.DeleteFunc(*all, func(x lab.Notification) bool { return x.UserID == userID })
		removed = n - len(*all)

		if removed == 0 {
			return ErrNoChange
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}
