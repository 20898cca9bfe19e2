package api

import (
	"fmt"

	"github.com/infrasense/labfarm/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

// passwordCost is the bcrypt cost used when hashing configured passwords.
var passwordCost = bcrypt.DefaultCost

// hashCredentials hashes configured passwords so plaintext is not kept
// after startup.
func hashCredentials(users []config.BasicAuthUser) (map[string][]byte, error) {
	out := make(map[string][]byte, len(users))

	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), passwordCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password for %s: %w", u.UserID, err)
		}

		out[u.UserID] = hash
	}

	return out, nil
}

// checkPassword compares a bcrypt hash with a plaintext password.
func checkPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
