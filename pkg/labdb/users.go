package labdb

import (
	"context"
	"slices"
	"strings"

	"github.com/infrasense/labfarm/pkg/lab"
)

// GetUsers returns every user.
func (d *DB) GetUsers(ctx context.Context) ([]lab.User, error) {
	users, _, err := load[[]lab.User](ctx, d.store, KeyUsers)

	return users, err
}

// GetUser returns one user by id.
func (d *DB) GetUser(ctx context.Context, id string) (lab.User, error) {
	users, err := d.GetUsers(ctx)
	if err != nil {
		return lab.User{}, err
	}

	for _, u := range users {
		if u.ID == id {
			return u, nil
		}
	}

	return lab.User{}, lab.NotFoundf("user %s", id)
}

// AddUser rejects a user whose id or email is already taken.
func (d *DB) AddUser(ctx context.Context, user lab.User) (lab.User, error) {
	if err := user.Validate(); err != nil {
		return lab.User{}, err
	}

	_, err := update(ctx, d, KeyUsers, func(users *[]lab.User) error {
		for _, u := range *users {
			if u.ID == user.ID ||
				(user.Email != "" && strings.EqualFold(u.Email, user.Email)) {
				return lab.Conflictf("user %s already exists", user.ID)
			}
		}

		*users = append(*users, user)

		return nil
	})
	if err != nil {
		return lab.User{}, err
	}

	return user, nil
}

// UpdateUser replaces the stored user with the same id.
func (d *DB) UpdateUser(ctx context.Context, user lab.User) (lab.User, error) {
	if err := user.Validate(); err != nil {
		return lab.User{}, err
	}

	_, err := update(ctx, d, KeyUsers, func(users *[]lab.User) error {
		i := slices.IndexFunc(*users, func(u lab.User) bool { return u.ID == user.ID })
		if i < 0 {
			return lab.NotFoundf("user %s", user.ID)
		}

		(*users)[i] = user

		return nil
	})
	if err != nil {
		return lab.User{}, err
	}

	return user, nil
}

// DeleteUser removes a user by id.
func (d *DB) DeleteUser(ctx context.Context, id string) error {
	_, err := update(ctx, d, KeyUsers, func(users *[]lab.User) error {
		n := len(*users)
		*users = slices.DeleteFunc(*users, func(u lab.User) bool { return u.ID == id })

		if len(*users) == n {
			return lab.NotFoundf("user %s", id)
		}

		return nil
	})

	return err
}
