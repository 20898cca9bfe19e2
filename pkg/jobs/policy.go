package jobs

import (
	"math/rand/v2"

	"github.com/infrasense/labfarm/pkg/lab"
)

// OutcomePolicy picks the terminal status of a completing job.
type OutcomePolicy interface {
	Outcome() lab.JobStatus
}

// WeightedPolicy picks an outcome at random in proportion to its weight.
type WeightedPolicy struct {
	Passed int
	Failed int
	Error  int
}

var _ OutcomePolicy = WeightedPolicy{}

// DefaultPolicy passes two jobs out of three and fails the rest.
func DefaultPolicy() WeightedPolicy {
	return WeightedPolicy{Passed: 2, Failed: 1}
}

// Outcome implements OutcomePolicy. Non-positive weights are ignored; if
// every weight is non-positive the job passes.
func (p WeightedPolicy) Outcome() lab.JobStatus {
	passed, failed, errored := max(p.Passed, 0), max(p.Failed, 0), max(p.Error, 0)

	total := passed + failed + errored
	if total == 0 {
		return lab.JobPassed
	}

	n := rand.IntN(total)

	switch {
	case n < passed:
		return lab.JobPassed
	case n < passed+failed:
		return lab.JobFailed
	default:
		return lab.JobError
	}
}

// FixedPolicy always returns the same outcome.
type FixedPolicy lab.JobStatus

// Outcome implements OutcomePolicy.
func (p FixedPolicy) Outcome() lab.JobStatus {
	return lab.JobStatus(p)
}
