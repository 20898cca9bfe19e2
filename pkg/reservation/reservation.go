// Package reservation executes board reservation, release, expiry,
// maintenance, visibility and provisioning transitions.
package reservation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/infrasense/labfarm/pkg/access"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Notifier delivers one notification per user holding a role.
type Notifier interface {
	NotifyRole(
		ctx context.Context, role lab.Role, title, message string, severity lab.Severity,
	) (int, error)
}

// Manager validates and applies board transitions.
type Manager struct {
	log      logrus.FieldLogger
	db       *labdb.DB
	notifier Notifier
	opts     access.Options
}

// NewManager creates a Manager. notifier may be nil.
func NewManager(
	log logrus.FieldLogger,
	db *labdb.DB,
	notifier Notifier,
	opts access.Options,
) *Manager {
	return &Manager{
		log:      log.WithField("component", "reservation"),
		db:       db,
		notifier: notifier,
		opts:     opts,
	}
}

// Reserve holds an ONLINE board for actor over [start, end).
func (m *Manager) Reserve(
	ctx context.Context, boardID string, actor lab.User, start, end time.Time,
) (lab.Board, error) {
	if err := lab.Actor(&actor); err != nil {
		return lab.Board{}, err
	}

	if !actor.Role.CanReserve() {
		return lab.Board{}, lab.Forbiddenf("role %s cannot reserve boards", actor.Role)
	}

	if start.IsZero() || end.IsZero() {
		return lab.Board{}, lab.Validationf("reservation start and end are required")
	}

	if !end.After(start) {
		return lab.Board{}, lab.Validationf("reservation end must be after start")
	}

	b, err := m.db.ModifyBoard(ctx, boardID, func(b *lab.Board) error {
		if b.Status != lab.BoardOnline {
			return lab.Conflictf("board %s is %s", b.ID, b.Status)
		}

		if err := lab.CheckTransition(b, lab.BoardReserved); err != nil {
			return err
		}

		b.SetReservation(actor, start, end)

		return nil
	})
	if err != nil {
		return lab.Board{}, err
	}

	metrics.RecordReservation()

	m.log.WithFields(logrus.Fields{
		"board":    b.ID,
		"user":     actor.ID,
		"duration": units.HumanDuration(end.Sub(start)),
	}).Info("Board reserved")

	return b, nil
}

// Release ends a reservation. The holder may always release; ADMIN and
// LAB_CREW may release someone else's board only with force set.
func (m *Manager) Release(
	ctx context.Context, boardID string, actor lab.User, force bool,
) (lab.Board, error) {
	if err := lab.Actor(&actor); err != nil {
		return lab.Board{}, err
	}

	var (
		forced bool
		holder string
	)

	b, err := m.db.ModifyBoard(ctx, boardID, func(b *lab.Board) error {
		if b.Status != lab.BoardReserved {
			return lab.Conflictf("board %s is not reserved", b.ID)
		}

		forced = !access.IsHolder(actor, *b, m.opts)
		holder = b.ReservedUserID

		if forced {
			if !actor.Role.ManagesBoards() {
				return lab.Forbiddenf("board %s is reserved by another user", b.ID)
			}

			if !force {
				return lab.Conflictf(
					"board %s is reserved by %s, forced release must be confirmed",
					b.ID, b.ReservedBy,
				)
			}
		}

		b.ClearReservation()
		b.Status = lab.BoardOnline

		return nil
	})
	if err != nil {
		return lab.Board{}, err
	}

	kind := metrics.ReleaseManual
	if forced {
		kind = metrics.ReleaseForced
	}

	metrics.RecordRelease(kind, 1)

	m.log.WithFields(logrus.Fields{
		"board":  b.ID,
		"user":   actor.ID,
		"holder": holder,
		"forced": forced,
	}).Info("Board released")

	return b, nil
}

// ReconcileExpiry returns every RESERVED board whose window ended at or
// before now to ONLINE and reports how many changed. Running it again with
// nothing expired writes nothing.
func (m *Manager) ReconcileExpiry(ctx context.Context, now time.Time) (int, error) {
	var expired []string

	_, err := m.db.ModifyBoards(ctx, func(boards []lab.Board) error {
		expired = expired[:0]

		for i := range boards {
			if !boards[i].Expired(now) {
				continue
			}

			boards[i].ClearReservation()
			boards[i].Status = lab.BoardOnline
			expired = append(expired, boards[i].ID)
		}

		if len(expired) == 0 {
			return labdb.ErrNoChange
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reconciling expiry: %w", err)
	}

	if len(expired) > 0 {
		metrics.RecordRelease(metrics.ReleaseExpiry, len(expired))

		m.log.WithFields(logrus.Fields{
			"boards": expired,
			"count":  len(expired),
		}).Info("Expired reservations released")
	}

	return len(expired), nil
}

// SetMaintenance moves a board into or out of MAINTENANCE. Entering from
// RESERVED needs confirm and clears the reservation; leaving always lands
// on ONLINE and never restores a cleared reservation.
func (m *Manager) SetMaintenance(
	ctx context.Context, boardID string, actor lab.User, enabled, confirm bool,
) (lab.Board, error) {
	if err := requireManager(actor); err != nil {
		return lab.Board{}, err
	}

	var cleared string

	b, err := m.db.ModifyBoard(ctx, boardID, func(b *lab.Board) error {
		cleared = ""

		if enabled {
			switch b.Status {
			case lab.BoardMaintenance:
				return labdb.ErrNoChange
			case lab.BoardReserved:
				if !confirm {
					return lab.Conflictf(
						"board %s is reserved by %s, maintenance must be confirmed",
						b.ID, b.ReservedBy,
					)
				}

				cleared = b.ReservedUserID
			}

			if err := lab.CheckTransition(b, lab.BoardMaintenance); err != nil {
				return err
			}

			b.ClearReservation()
			b.Status = lab.BoardMaintenance

			return nil
		}

		switch b.Status {
		case lab.BoardOnline:
			return labdb.ErrNoChange
		case lab.BoardMaintenance:
			b.Status = lab.BoardOnline

			return nil
		default:
			return lab.Validationf("board %s is %s, not in maintenance", b.ID, b.Status)
		}
	})
	if err != nil {
		return lab.Board{}, err
	}

	fields := logrus.Fields{
		"board":   b.ID,
		"user":    actor.ID,
		"enabled": enabled,
	}

	if cleared != "" {
		fields["forced"] = true
		fields["holder"] = cleared

		metrics.RecordRelease(metrics.ReleaseForced, 1)
	}

	m.log.WithFields(fields).Info("Board maintenance updated")

	return b, nil
}

// SetVisibility changes whether non-privileged users may list the board.
// The reservation is left untouched.
func (m *Manager) SetVisibility(
	ctx context.Context, boardID string, actor lab.User, visibility lab.Visibility,
) (lab.Board, error) {
	if err := requireManager(actor); err != nil {
		return lab.Board{}, err
	}

	if !visibility.Valid() {
		return lab.Board{}, lab.Validationf("unknown visibility %q", visibility)
	}

	b, err := m.db.ModifyBoard(ctx, boardID, func(b *lab.Board) error {
		if b.Visibility == visibility {
			return labdb.ErrNoChange
		}

		b.Visibility = visibility

		return nil
	})
	if err != nil {
		return lab.Board{}, err
	}

	m.log.WithFields(logrus.Fields{
		"board":      b.ID,
		"visibility": visibility,
	}).Info("Board visibility updated")

	return b, nil
}

// RegisterBoard provisions a physical board as ONLINE.
func (m *Manager) RegisterBoard(
	ctx context.Context, actor lab.User, board lab.Board,
) (lab.Board, error) {
	if err := requireManager(actor); err != nil {
		return lab.Board{}, err
	}

	if board.ID == "" {
		board.ID = "phy-" + uuid.NewString()[:8]
	}

	if board.Name == "" {
		return lab.Board{}, lab.Validationf("board name is required")
	}

	if board.Visibility == "" {
		board.Visibility = lab.VisibilityPublic
	}

	board.Type = lab.BoardPhysical
	board.Status = lab.BoardOnline
	board.RequestedBy = ""
	board.ClearReservation()

	b, err := m.db.AddBoard(ctx, board)
	if err != nil {
		return lab.Board{}, err
	}

	m.log.WithFields(logrus.Fields{
		"board": b.ID,
		"ip":    b.IP,
		"user":  actor.ID,
	}).Info("Board registered")

	return b, nil
}

// RequestVirtualBoard creates a simulated board from the catalog. Boards
// requested by USER wait in PENDING_APPROVAL and admins are notified;
// other roles get an ONLINE board straight away.
func (m *Manager) RequestVirtualBoard(
	ctx context.Context, actor lab.User, archID string,
) (lab.Board, error) {
	if err := lab.Actor(&actor); err != nil {
		return lab.Board{}, err
	}

	if !actor.Role.CanReserve() {
		return lab.Board{}, lab.Forbiddenf("role %s cannot create virtual boards", actor.Role)
	}

	arch, ok := FindArchitecture(archID)
	if !ok {
		return lab.Board{}, lab.Validationf("unknown architecture %q", archID)
	}

	n := rand.IntN(1000)
	suffix := fmt.Sprint(n)

	board := lab.Board{
		ID:         "v-" + suffix,
		Name:       arch.boardName(suffix),
		IP:         fmt.Sprintf("10.0.%d.%d", 10+n/250, n%250+1),
		Type:       lab.BoardVirtual,
		Status:     lab.BoardOnline,
		Visibility: lab.VisibilityPublic,
		Location:   "AI Server Farm (Simulated)",
		Specs:      lab.BoardSpecs{CPU: arch.CPU, RAM: arch.RAM, Storage: arch.Storage},
		Access:     &lab.BoardAccess{SSHUser: "sim_admin", SSHKey: "ssh-rsa-sim..."},
	}

	pending := actor.Role.NeedsBoardApproval()
	if pending {
		board.Status = lab.BoardPendingApproval
		board.RequestedBy = actor.Name
	}

	b, err := m.db.AddBoard(ctx, board)
	if err != nil {
		return lab.Board{}, err
	}

	m.log.WithFields(logrus.Fields{
		"board":   b.ID,
		"arch":    arch.ID,
		"user":    actor.ID,
		"pending": pending,
	}).Info("Virtual board created")

	if pending && m.notifier != nil {
		if _, err := m.notifier.NotifyRole(
			ctx, lab.RoleAdmin,
			"Virtual Board Request",
			fmt.Sprintf("%s requested %s", actor.Name, b.Name),
			lab.SeverityWarning,
		); err != nil {
			m.log.WithError(err).Warn("Failed to notify admins of virtual board request")
		}
	}

	return b, nil
}

// ApproveBoard brings a PENDING_APPROVAL board ONLINE.
func (m *Manager) ApproveBoard(
	ctx context.Context, boardID string, actor lab.User,
) (lab.Board, error) {
	if err := requireManager(actor); err != nil {
		return lab.Board{}, err
	}

	b, err := m.db.ModifyBoard(ctx, boardID, func(b *lab.Board) error {
		if b.Status != lab.BoardPendingApproval {
			return lab.Conflictf("board %s is %s, not pending approval", b.ID, b.Status)
		}

		b.Status = lab.BoardOnline

		return nil
	})
	if err != nil {
		return lab.Board{}, err
	}

	m.log.WithFields(logrus.Fields{
		"board": b.ID,
		"user":  actor.ID,
	}).Info("Board approved")

	return b, nil
}

// DeleteBoard removes a board permanently.
func (m *Manager) DeleteBoard(ctx context.Context, boardID string, actor lab.User) error {
	if err := requireManager(actor); err != nil {
		return err
	}

	if err := m.db.DeleteBoard(ctx, boardID); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"board": boardID,
		"user":  actor.ID,
	}).Info("Board deleted")

	return nil
}

func requireManager(actor lab.User) error {
	if err := lab.Actor(&actor); err != nil {
		return err
	}

	if !actor.Role.ManagesBoards() {
		return lab.Forbiddenf("role %s cannot manage boards", actor.Role)
	}

	return nil
}
