package labdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/statestore"
	"gopkg.in/yaml.v3"
)

// Document is the full lab state as exported, imported and seeded.
type Document struct {
	Users         []lab.User         `json:"users" yaml:"users"`
	Boards        []lab.Board        `json:"boards" yaml:"boards"`
	Jobs          []lab.TestJob      `json:"jobs" yaml:"jobs"`
	Tests         []lab.TestCase     `json:"tests" yaml:"tests"`
	Notifications []lab.Notification `json:"notifications" yaml:"notifications"`
	AIConfig      *lab.AIConfig      `json:"aiConfig,omitempty" yaml:"ai_config,omitempty"`
	JobSeq        *int64             `json:"jobSeq,omitempty" yaml:"job_seq,omitempty"`
}

// values encodes each collection of the document under its store key.
func (doc *Document) values() (map[string][]byte, error) {
	seq := int64(1)
	if doc.JobSeq != nil {
		seq = *doc.JobSeq
	}

	aiCfg := lab.DefaultAIConfig()
	if doc.AIConfig != nil {
		aiCfg = *doc.AIConfig
	}

	collections := map[string]any{
		KeyUsers:         nonNil(doc.Users),
		KeyBoards:        nonNil(doc.Boards),
		KeyJobs:          nonNil(doc.Jobs),
		KeyTests:         nonNil(doc.Tests),
		KeyNotifications: nonNil(doc.Notifications),
		KeyAIConfig:      aiCfg,
		KeyJobSeq:        seq,
	}

	out := make(map[string][]byte, len(collections))

	for key, v := range collections {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", key, err)
		}

		out[key] = data
	}

	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}

// DefaultSeed returns the built-in lab: four users, three boards, four
// test cases, two finished jobs and one notification. The reserved board's
// window is placed around now.
func DefaultSeed(now time.Time) Document {
	now = now.UTC()
	seq := int64(3)
	aiCfg := lab.DefaultAIConfig()

	xeon := lab.Board{
		ID:         "2",
		Name:       "Xeon-W-3400",
		IP:         "192.168.1.102",
		Type:       lab.BoardPhysical,
		Visibility: lab.VisibilityPublic,
		Location:   "Lab 2, Rack 1",
		Specs:      lab.BoardSpecs{CPU: "Xeon w9-3495X", RAM: "512GB", Storage: "8TB NVMe"},
		Access:     &lab.BoardAccess{SSHUser: "root"},
	}
	xeon.SetReservation(
		lab.User{ID: "ALIC02", Name: "Alice Engineer"},
		now.Add(-time.Hour), now.Add(time.Hour),
	)

	return Document{
		Users: []lab.User{
			{
				ID: "ADMI01", Name: "System Admin", Email: "admin@intel.com",
				Role: lab.RoleAdmin, Status: lab.UserActive,
				BusinessUnit: "IT", Geosite: "Santa Clara", Project: "Lab Infra",
			},
			{
				ID: "ALIC02", Name: "Alice Engineer", Email: "tester@intel.com",
				Role: lab.RoleTester, Status: lab.UserActive,
				BusinessUnit: "CCG", Geosite: "Hillsboro", Project: "Meteor Lake Validation",
			},
			{
				ID: "CHAR03", Name: "Charlie Dev", Email: "user@intel.com",
				Role: lab.RoleUser, Status: lab.UserActive,
				BusinessUnit: "DCAI", Geosite: "Haifa", Project: "Gaudi SW",
			},
			{
				ID: "BOBV04", Name: "Bob Viewer", Email: "viewer@intel.com",
				Role: lab.RoleViewer, Status: lab.UserActive,
				BusinessUnit: "SMG", Geosite: "Bangalore", Project: "Sales Enablement",
			},
		},
		Boards: []lab.Board{
			{
				ID:         "1",
				Name:       "NUC-13-Extreme",
				IP:         "192.168.1.101",
				Type:       lab.BoardPhysical,
				Status:     lab.BoardOnline,
				Visibility: lab.VisibilityPublic,
				Location:   "Lab 1, Rack 3",
				Specs:      lab.BoardSpecs{CPU: "i9-13900K", RAM: "64GB", Storage: "2TB NVMe"},
				Access:     &lab.BoardAccess{SSHUser: "lab_admin", SSHKey: "ssh-rsa AA..."},
			},
			xeon,
			{
				ID:         "3",
				Name:       "Gaudi-2-Cluster",
				IP:         "10.10.20.50",
				Type:       lab.BoardPhysical,
				Status:     lab.BoardMaintenance,
				Visibility: lab.VisibilityPrivate,
				Location:   "AI Lab, Zone A",
				Specs:      lab.BoardSpecs{CPU: "Gaudi 2", RAM: "96GB HBM", Storage: "Network Storage"},
				Access:     &lab.BoardAccess{SSHUser: "admin"},
			},
		},
		Tests: []lab.TestCase{
			{
				ID: "t1", Name: "Full System Sanity", Category: lab.CategorySanity,
				ScriptPath: "playbooks/sanity.yml", Visibility: lab.VisibilityPublic,
				Description: "Basic check of CPU, RAM, Network.",
			},
			{
				ID: "t2", Name: "Stress-ng 24h", Category: lab.CategoryStress,
				ScriptPath: "playbooks/stress_ng.yml", Visibility: lab.VisibilityPublic,
				Description: "Heavy load testing for thermal throttle.",
			},
			{
				ID: "t3", Name: "PCIE Bandwidth", Category: lab.CategoryIO,
				ScriptPath: "playbooks/pcie_bw.yml", Visibility: lab.VisibilityPublic,
				Description: "Validates Gen5 speeds.",
			},
			{
				ID: "t4", Name: "Power Consumption Idle", Category: lab.CategoryPower,
				ScriptPath: "playbooks/pwr_idle.yml", Visibility: lab.VisibilityPublic,
				Description: "Measure C-State residency.",
			},
		},
		Jobs: []lab.TestJob{
			{
				ID: "JOB-0001", UserID: "ALIC02",
				TestNames:  []string{"DDR5 Bandwidth Check"},
				BoardNames: []string{"NUC-13-Extreme"},
				StartedAt:  time.Date(2023, 10, 28, 9, 15, 0, 0, time.UTC),
				Status:     lab.JobPassed,
				Logs:       []string{"[INFO] Init sequence..", "[SUCCESS] Bandwidth: 84GB/s"},
			},
			{
				ID: "JOB-0002", UserID: "ALIC02",
				TestNames:  []string{"PCIE Gen5 Stress"},
				BoardNames: []string{"Xeon-W-3400"},
				StartedAt:  time.Date(2023, 10, 27, 14, 30, 0, 0, time.UTC),
				Status:     lab.JobFailed,
				Logs:       []string{"[INFO] Starting stress..", "[ERROR] Link training failed"},
			},
		},
		Notifications: []lab.Notification{
			{
				ID: "n1", UserID: "ALIC02", Title: "System Update",
				Message:   "Lab maintenance scheduled for Sunday.",
				Type:      lab.SeverityInfo,
				Timestamp: time.Date(2023, 10, 28, 10, 0, 0, 0, time.UTC),
			},
		},
		AIConfig: &aiCfg,
		JobSeq:   &seq,
	}
}

// LoadSeedFile reads a YAML seed document.
func LoadSeedFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading seed file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing seed file: %w", err)
	}

	if err := doc.Validate(); err != nil {
		return Document{}, fmt.Errorf("validating seed file: %w", err)
	}

	return doc, nil
}

// Init writes every collection that is not stored yet and returns how many
// were written. Collections seeded concurrently by another actor are left
// as they are.
func (d *DB) Init(ctx context.Context, seed Document) (int, error) {
	values, err := seed.values()
	if err != nil {
		return 0, lab.Persistence("encoding seed", err)
	}

	var written int

	for _, key := range Keys {
		_, err := d.store.Put(ctx, key, values[key], 0)
		if errors.Is(err, statestore.ErrVersionMismatch) {
			continue
		}

		if err != nil {
			return written, lab.Persistence("seeding "+key, err)
		}

		written++
	}

	if written > 0 {
		d.log.WithField("collections", written).Info("Seeded lab state")
	}

	return written, nil
}

// Reset overwrites every collection with the seed.
func (d *DB) Reset(ctx context.Context, seed Document) error {
	values, err := seed.values()
	if err != nil {
		return lab.Persistence("encoding seed", err)
	}

	if err := d.store.Replace(ctx, values); err != nil {
		return lab.Persistence("resetting lab state", err)
	}

	d.log.Warn("Lab state reset to seed")

	return nil
}
