package lab

// transitions lists the board status changes the managers may request.
// RESERVED to MAINTENANCE is only reached after a forced release.
var transitions = map[BoardStatus][]BoardStatus{
	BoardOnline:          {BoardReserved, BoardMaintenance},
	BoardReserved:        {BoardOnline, BoardMaintenance},
	BoardMaintenance:     {BoardOnline},
	BoardPendingApproval: {BoardOnline},
}

// CanTransition reports whether a board may move from one status to another.
func CanTransition(from, to BoardStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// CheckTransition returns a validation error if the change is not allowed.
func CheckTransition(b *Board, to BoardStatus) error {
	if !CanTransition(b.Status, to) {
		return Validationf("board %s: cannot move from %s to %s", b.ID, b.Status, to)
	}

	return nil
}

// Actor returns a forbidden error unless the user may act at all.
func Actor(u *User) error {
	if u == nil {
		return Forbiddenf("no actor")
	}

	if !u.Active() {
		return Forbiddenf("user %s is %s", u.ID, u.Status)
	}

	return nil
}
