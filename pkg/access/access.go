// Package access decides which boards and test cases a user may see.
package access

import "github.com/infrasense/labfarm/pkg/lab"

// Options tune board filtering.
type Options struct {
	// LegacyNameMatch also counts a board as held by the user when its
	// holder display name equals the user's name. Records written before
	// holder ids were stored carry only the name.
	LegacyNameMatch bool
}

// IsHolder reports whether user holds the board's reservation.
func IsHolder(user lab.User, b lab.Board, opts Options) bool {
	if user.ID != "" && b.ReservedUserID == user.ID {
		return true
	}

	return opts.LegacyNameMatch && user.Name != "" && b.ReservedBy == user.Name
}

// ComputeVisibleBoards returns the boards user may list, in input order.
// ADMIN, LAB_CREW and TESTER see everything. Everyone else loses private
// boards they do not hold, and any RESERVED or BUSY board held by someone
// else is dropped entirely rather than shown as taken.
func ComputeVisibleBoards(user lab.User, boards []lab.Board, opts Options) []lab.Board {
	if user.Role.SeesAllBoards() {
		return boards
	}

	out := make([]lab.Board, 0, len(boards))

	for _, b := range boards {
		held := IsHolder(user, b, opts)

		if b.Visibility == lab.VisibilityPrivate && !held {
			continue
		}

		if (b.Status == lab.BoardReserved || b.Status == lab.BoardBusy) && !held {
			continue
		}

		out = append(out, b)
	}

	return out
}

// VisibleTestCases returns public test cases and those owned by user.
func VisibleTestCases(user lab.User, tests []lab.TestCase) []lab.TestCase {
	out := make([]lab.TestCase, 0, len(tests))

	for _, t := range tests {
		if t.Visibility != lab.VisibilityPrivate || (t.OwnerID != "" && t.OwnerID == user.ID) {
			out = append(out, t)
		}
	}

	return out
}
