package labdb

import (
	"context"
	"errors"
	"slices"

	"github.com/infrasense/labfarm/pkg/lab"
)

// GetJobs returns jobs most recent first.
func (d *DB) GetJobs(ctx context.Context) ([]lab.TestJob, error) {
	jobs, _, err := load[[]lab.TestJob](ctx, d.store, KeyJobs)

	return jobs, err
}

// GetJob returns one job by identifier.
func (d *DB) GetJob(ctx context.Context, id string) (lab.TestJob, error) {
	jobs, err := d.GetJobs(ctx)
	if err != nil {
		return lab.TestJob{}, err
	}

	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}

	return lab.TestJob{}, lab.NotFoundf("job %s", id)
}

// CreateJob assigns the next identifier from the shared counter and
// prepends the job. A stored counter value K yields JOB-000K and leaves
// K+1 behind; a missing counter starts at 1.
func (d *DB) CreateJob(ctx context.Context, job lab.TestJob) (lab.TestJob, error) {
	n, err := d.store.Increment(ctx, KeyJobSeq)
	if err != nil {
		return lab.TestJob{}, lab.Persistence("allocating job id", err)
	}

	if n == 1 {
		if n, err = d.store.Increment(ctx, KeyJobSeq); err != nil {
			return lab.TestJob{}, lab.Persistence("allocating job id", err)
		}
	}

	job.ID = lab.FormatJobID(n - 1)

	_, err = update(ctx, d, KeyJobs, func(jobs *[]lab.TestJob) error {
		if slices.ContainsFunc(*jobs, func(j lab.TestJob) bool { return j.ID == job.ID }) {
			return lab.Conflictf("job %s already exists", job.ID)
		}

		*jobs = slices.Insert(*jobs, 0, job)

		return nil
	})
	if err != nil {
		return lab.TestJob{}, err
	}

	return job, nil
}

// ModifyJob applies fn to one job and writes it back. fn may run more
// than once and may return ErrNoChange.
func (d *DB) ModifyJob(
	ctx context.Context, id string, fn func(j *lab.TestJob) error,
) (lab.TestJob, error) {
	var out lab.TestJob

	_, err := update(ctx, d, KeyJobs, func(jobs *[]lab.TestJob) error {
		i := slices.IndexFunc(*jobs, func(j lab.TestJob) bool { return j.ID == id })
		if i < 0 {
			return lab.NotFoundf("job %s", id)
		}

		j := (*jobs)[i]
		j.Logs = slices.Clone(j.Logs)

		if err := fn(&j); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = (*jobs)[i]
			}

			return err
		}

		j.ID = id
		(*jobs)[i] = j
		out = j

		return nil
	})
	if err != nil {
		return lab.TestJob{}, err
	}

	return out, nil
}

// JobSequence returns the next counter value, or 0 if none is stored.
func (d *DB) JobSequence(ctx context.Context) (int64, error) {
	seq, _, err := load[int64](ctx, d.store, KeyJobSeq)

	return seq, err
}
