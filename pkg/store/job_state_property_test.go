package store

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/faxbot/faxbot/pkg/fax"
)

// TestJobLifecycle_FirstTerminalWins drives the state machine with random
// event sequences. Whatever the ordering, the job ends in the first terminal
// status of the sequence and later events change nothing.
func TestJobLifecycle_FirstTerminalWins(t *testing.T) {
	db := setupDB(t)
	s := NewJobStore(db)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	statuses := []fax.JobStatus{
		fax.StatusQueued, fax.StatusInProgress, fax.StatusSuccess, fax.StatusFailed,
	}
	liveStates := []fax.JobStatus{fax.StatusQueued, fax.StatusInProgress}

	properties.Property("first terminal event decides the final status", prop.ForAll(
		func(picks []int) bool {
			job := newJob(fax.StatusQueued)
			if err := s.Create(ctx, job); err != nil {
				return false
			}

			var wantTerminal fax.JobStatus
			for _, p := range picks {
				ev := statuses[p%len(statuses)]
				if ev == fax.StatusQueued {
					continue // progress noise, no transition attempted
				}
				err := s.Transition(ctx, job.ID, liveStates, ev, fax.JobUpdate{})
				if ev.Terminal() && wantTerminal == "" {
					if err != nil {
						return false // first terminal event must apply
					}
					wantTerminal = ev
					continue
				}
				if wantTerminal != "" && err == nil {
					return false // anything after a terminal state must be stale
				}
			}

			got, err := s.Get(ctx, job.ID)
			if err != nil {
				return false
			}
			if wantTerminal == "" {
				return !got.Status.Terminal()
			}
			return got.Status == wantTerminal
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.TestingRun(t)
}
