package upload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/infrasense/labfarm/pkg/labdb"
)

// Backup exports the lab state and stores it with u.
func Backup(ctx context.Context, db *labdb.DB, u Uploader) (string, error) {
	doc, err := db.Export(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	return u.Upload(ctx, db.Now(), data)
}

// Restore imports the most recent snapshot stored with u and returns the
// key it came from and how many collections were replaced.
func Restore(ctx context.Context, db *labdb.DB, u Uploader) (string, int, error) {
	data, key, err := u.Latest(ctx)
	if err != nil {
		return "", 0, err
	}

	n, err := db.Import(ctx, data)
	if err != nil {
		return key, 0, fmt.Errorf("importing %s: %w", key, err)
	}

	return key, n, nil
}
