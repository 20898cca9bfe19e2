// Package notify creates and manages per-user notifications. Every record
// has exactly one recipient; role-wide messages fan out into one record
// per user.
package notify

import (
	"context"

	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Dispatcher writes and reads notifications.
type Dispatcher struct {
	log logrus.FieldLogger
	db  *labdb.DB
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(log logrus.FieldLogger, db *labdb.DB) *Dispatcher {
	return &Dispatcher{
		log: log.WithField("component", "notify"),
		db:  db,
	}
}

// Notify stores an unread notification for userID.
func (d *Dispatcher) Notify(
	ctx context.Context, userID, title, message string, severity lab.Severity,
) (lab.Notification, error) {
	n, err := d.db.AddNotification(ctx, lab.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
		Type:    severity,
	})
	if err != nil {
		return lab.Notification{}, err
	}

	metrics.RecordNotification(string(severity))

	d.log.WithFields(logrus.Fields{
		"user":  userID,
		"title": title,
	}).Debug("Notification sent")

	return n, nil
}

// NotifyRole sends the same notification to every active user with role
// and returns how many were sent.
func (d *Dispatcher) NotifyRole(
	ctx context.Context, role lab.Role, title, message string, severity lab.Severity,
) (int, error) {
	users, err := d.db.GetUsers(ctx)
	if err != nil {
		return 0, err
	}

	var sent int

	for _, u := range users {
		if u.Role != role || !u.Active() {
			continue
		}

		if _, err := d.Notify(ctx, u.ID, title, message, severity); err != nil {
			return sent, err
		}

		sent++
	}

	return sent, nil
}

// List returns userID's notifications, most recent first.
func (d *Dispatcher) List(ctx context.Context, userID string) ([]lab.Notification, error) {
	return d.db.GetNotifications(ctx, userID)
}

// UnreadCount returns how many of userID's notifications are unread.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	all, err := d.List(ctx, userID)
	if err != nil {
		return 0, err
	}

	var unread int

	for _, n := range all {
		if !n.Read {
			unread++
		}
	}

	return unread, nil
}

// MarkRead flags one of userID's notifications as read. Unknown ids,
// other users' notifications and notifications already read are ignored.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, id string) error {
	return d.db.MarkNotificationRead(ctx, userID, id)
}

// ClearAll removes every notification addressed to userID.
func (d *Dispatcher) ClearAll(ctx context.Context, userID string) (int, error) {
	removed, err := d.db.ClearNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		d.log.WithFields(logrus.Fields{
			"user":  userID,
			"count": removed,
		}).Debug("Notifications cleared")
	}

	return removed, nil
}
