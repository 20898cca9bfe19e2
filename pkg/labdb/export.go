package labdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/infrasense/labfarm/pkg/lab"
)

// Validate checks every record of the document.
func (doc *Document) Validate() error {
	userIDs := make(map[string]struct{}, len(doc.Users))

	for i := range doc.Users {
		if err := doc.Users[i].Validate(); err != nil {
			return err
		}

		if _, ok := userIDs[doc.Users[i].ID]; ok {
			return lab.Validationf("duplicate user %s", doc.Users[i].ID)
		}

		userIDs[doc.Users[i].ID] = struct{}{}
	}

	boardIDs := make(map[string]struct{}, len(doc.Boards))

	for i := range doc.Boards {
		if err := doc.Boards[i].Validate(); err != nil {
			return err
		}

		if _, ok := boardIDs[doc.Boards[i].ID]; ok {
			return lab.Validationf("duplicate board %s", doc.Boards[i].ID)
		}

		boardIDs[doc.Boards[i].ID] = struct{}{}
	}

	var maxSeq int64

	jobIDs := make(map[string]struct{}, len(doc.Jobs))

	for _, j := range doc.Jobs {
		seq, err := lab.ParseJobID(j.ID)
		if err != nil {
			return err
		}

		if _, ok := jobIDs[j.ID]; ok {
			return lab.Validationf("duplicate job %s", j.ID)
		}

		jobIDs[j.ID] = struct{}{}
		maxSeq = max(maxSeq, seq)

		if !j.Status.Valid() {
			return lab.Validationf("job %s: unknown status %q", j.ID, j.Status)
		}
	}

	for i := range doc.Tests {
		if err := doc.Tests[i].Validate(); err != nil {
			return err
		}
	}

	for _, n := range doc.Notifications {
		if n.ID == "" || n.UserID == "" {
			return lab.Validationf("notification id and recipient are required")
		}

		if !n.Type.Valid() {
			return lab.Validationf("notification %s: unknown type %q", n.ID, n.Type)
		}
	}

	if doc.JobSeq != nil {
		if *doc.JobSeq < 1 {
			return lab.Validationf("job sequence must be positive, got %d", *doc.JobSeq)
		}

		// The next id must not collide with a job in the same document.
		if *doc.JobSeq <= maxSeq {
			return lab.Validationf(
				"job sequence %d would reissue %s", *doc.JobSeq, lab.FormatJobID(*doc.JobSeq),
			)
		}
	}

	return nil
}

// Export reads every collection into one document.
func (d *DB) Export(ctx context.Context) (Document, error) {
	snap, err := d.store.Snapshot(ctx, Keys...)
	if err != nil {
		return Document{}, lab.Persistence("reading snapshot", err)
	}

	var doc Document

	targets := map[string]any{
		KeyUsers:         &doc.Users,
		KeyBoards:        &doc.Boards,
		KeyJobs:          &doc.Jobs,
		KeyTests:         &doc.Tests,
		KeyNotifications: &doc.Notifications,
		KeyAIConfig:      &doc.AIConfig,
		KeyJobSeq:        &doc.JobSeq,
	}

	for key, target := range targets {
		e, ok := snap[key]
		if !ok {
			continue
		}

		if err := json.Unmarshal(e.Value, target); err != nil {
			return Document{}, lab.Persistence("decoding "+key, err)
		}
	}

	doc.Users = nonNil(doc.Users)
	doc.Boards = nonNil(doc.Boards)
	doc.Jobs = nonNil(doc.Jobs)
	doc.Tests = nonNil(doc.Tests)
	doc.Notifications = nonNil(doc.Notifications)

	return doc, nil
}

// importFields maps export document fields to store keys.
var importFields = map[string]string{
	"users":         KeyUsers,
	"boards":        KeyBoards,
	"jobs":          KeyJobs,
	"tests":         KeyTests,
	"notifications": KeyNotifications,
	"aiConfig":      KeyAIConfig,
	"jobSeq":        KeyJobSeq,
}

// Import replaces the collections present in data. The whole document is
// parsed and validated first; on any failure nothing is written. Fields
// that are absent or null keep their stored value and unknown fields are
// ignored.
func (d *DB) Import(ctx context.Context, data []byte) (int, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, lab.Persistence("parsing import document", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, lab.Persistence("decoding import document", err)
	}

	if err := doc.Validate(); err != nil {
		return 0, lab.Persistence("validating import document", err)
	}

	encoded := map[string]any{
		"users":         doc.Users,
		"boards":        doc.Boards,
		"jobs":          doc.Jobs,
		"tests":         doc.Tests,
		"notifications": doc.Notifications,
		"aiConfig":      doc.AIConfig,
		"jobSeq":        doc.JobSeq,
	}

	values := make(map[string][]byte, len(importFields))

	for field, key := range importFields {
		msg, ok := raw[field]
		if !ok || string(msg) == "null" {
			continue
		}

		value, err := json.Marshal(encoded[field])
		if err != nil {
			return 0, lab.Persistence(fmt.Sprintf("encoding %s", field), err)
		}

		values[key] = value
	}

	if len(values) == 0 {
		return 0, nil
	}

	if err := d.store.Replace(ctx, values); err != nil {
		return 0, lab.Persistence("writing import document", err)
	}

	d.log.WithField("collections", len(values)).Info("Imported lab state")

	return len(values), nil
}
