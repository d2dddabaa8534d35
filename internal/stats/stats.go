// Package stats accumulates the small set of run-wide counters the rest of
// the codebase reports in the one-line summary logged at the end of a run.
// It deliberately reuses the teacher's channel-serialized Counter primitive
// rather than introducing a second counting mechanism.
package stats

import (
	"fmt"

	"fastclone/internal/counter"
)

// Counters is process-private and lives only for the duration of one
// invocation — mirroring the freshness and mutex maps it sits alongside.
type Counters struct {
	MirrorsCreated    *counter.Counter
	MirrorsRefreshed  *counter.Counter
	MirrorsEvicted    *counter.Counter
	SubmodulesFetched *counter.Counter
	Retries           *counter.Counter
}

func New() *Counters {
	return &Counters{
		MirrorsCreated:    counter.NewCounter(),
		MirrorsRefreshed:  counter.NewCounter(),
		MirrorsEvicted:    counter.NewCounter(),
		SubmodulesFetched: counter.NewCounter(),
		Retries:           counter.NewCounter(),
	}
}

// Summary renders the single line logged once a run finishes.
func (c *Counters) Summary() string {
	return fmtSummary(
		c.MirrorsCreated.Count(),
		c.MirrorsRefreshed.Count(),
		c.MirrorsEvicted.Count(),
		c.SubmodulesFetched.Count(),
		c.Retries.Count(),
	)
}

func fmtSummary(created, refreshed, evicted, submodules, retries int) string {
	return fmt.Sprintf("%d mirrors created, %d refreshed, %d evicted, %d submodules fetched, %d retries",
		created, refreshed, evicted, submodules, retries)
}
