package labdb

import (
	"context"
	"errors"
	"slices"

	"github.com/infrasense/labfarm/pkg/lab"
)

// GetBoards returns every board, physical and virtual.
func (d *DB) GetBoards(ctx context.Context) ([]lab.Board, error) {
	boards, _, err := load[[]lab.Board](ctx, d.store, KeyBoards)

	return boards, err
}

// GetBoard returns one board by id.
func (d *DB) GetBoard(ctx context.Context, id string) (lab.Board, error) {
	boards, err := d.GetBoards(ctx)
	if err != nil {
		return lab.Board{}, err
	}

	for _, b := range boards {
		if b.ID == id {
			return b, nil
		}
	}

	return lab.Board{}, lab.NotFoundf("board %s", id)
}

// AddBoard validates board and appends it. The id must be unused.
func (d *DB) AddBoard(ctx context.Context, board lab.Board) (lab.Board, error) {
	if err := board.Validate(); err != nil {
		return lab.Board{}, err
	}

	_, err := update(ctx, d, KeyBoards, func(boards *[]lab.Board) error {
		if slices.ContainsFunc(*boards, func(b lab.Board) bool { return b.ID == board.ID }) {
			return lab.Conflictf("board %s already exists", board.ID)
		}

		*boards = append(*boards, board)

		return nil
	})
	if err != nil {
		return lab.Board{}, err
	}

	return board, nil
}

// ModifyBoard applies fn to one board and writes it back if the result is
// valid. fn may run more than once.
func (d *DB) ModifyBoard(
	ctx context.Context, id string, fn func(b *lab.Board) error,
) (lab.Board, error) {
	var out lab.Board

	_, err := update(ctx, d, KeyBoards, func(boards *[]lab.Board) error {
		i := slices.IndexFunc(*boards, func(b lab.Board) bool { return b.ID == id })
		if i < 0 {
			return lab.NotFoundf("board %s", id)
		}

		b := (*boards)[i]
		if err := fn(&b); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = (*boards)[i]
			}

			return err
		}

		b.ID = id

		if err := b.Validate(); err != nil {
			return err
		}

		(*boards)[i] = b
		out = b

		return nil
	})
	if err != nil {
		return lab.Board{}, err
	}

	return out, nil
}

// ModifyBoards applies fn to the whole collection. fn edits the slice in
// place and returns ErrNoChange to skip the write.
func (d *DB) ModifyBoards(
	ctx context.Context, fn func(boards []lab.Board) error,
) ([]lab.Board, error) {
	return update(ctx, d, KeyBoards, func(boards *[]lab.Board) error {
		if err := fn(*boards); err != nil {
			return err
		}

		for i := range *boards {
			if err := (*boards)[i].Validate(); err != nil {
				return err
			}
		}

		return nil
	})
}

// DeleteBoard removes a board by id.
func (d *DB) DeleteBoard(ctx context.Context, id string) error {
	_, err := update(ctx, d, KeyBoards, func(boards *[]lab.Board) error {
		n := len(*boards)
		*boards = slices.DeleteFunc(*boards, func(b lab.Board) bool { return b.ID == id })

		if len(*boards) == n {
			return lab.NotFoundf("board %s", id)
		}

		return nil
	})

	return err
}
