// Package status collapses the per-envelope statuses of one submission into
// the single status shown to the client.
package status

import (
	"github.com/minimailgun/minimailgun/internal/store"
)

// Aggregate folds the statuses of a submission's envelopes. Uniform
// statuses collapse to that status; any mixture means part of the
// submission is still in flight, so the whole submission reads as queued.
//
// rows must be non-empty; an unknown submission is the caller's case.
func Aggregate(rows []store.StatusRow) store.Status {
	agg := rows[0].Status
	for _, r := range rows[1:] {
		if r.Status != agg {
			return store.StatusQueued
		}
	}
	return agg
}
