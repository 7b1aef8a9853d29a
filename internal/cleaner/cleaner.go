/*
MiniMailGun - minimal SMTP relay service.
Copyright © 2026 MiniMailGun contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package cleaner removes delivered and given-up envelopes once they have
// been inactive for longer than the retention period. The queue keeps
// working without it; the cleaner only bounds database growth.
package cleaner

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minimailgun/minimailgun/framework/log"
	"github.com/minimailgun/minimailgun/internal/queue"
)

var (
	removedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minimailgun",
		Subsystem: "cleaner",
		Name:      "removed_total",
		Help:      "Terminal envelopes removed after the retention period",
	})
	queuedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "minimailgun",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Envelopes in the QUEUED state for this shard",
	})
)

func init() {
	prometheus.MustRegister(removedTotal, queuedGauge)
}

// Queue is the subset of the store proxy the cleaner needs.
type Queue interface {
	RemoveInactive(ctx context.Context, retention int64) (int, error)
	CountQueued(ctx context.Context) (int, error)
}

type Cleaner struct {
	Queue Queue

	// Seconds a terminal envelope survives past its last activity.
	Retention int64

	// Sweep period.
	Interval time.Duration

	Log log.Logger
}

// Run sweeps immediately and then on every Interval tick until ctx is
// cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	c.sweep(ctx)

	t := time.NewTicker(c.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	removed, err := c.Queue.RemoveInactive(ctx, c.Retention)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
			return
		}
		c.Log.Error("cleanup sweep failed", err)
		return
	}
	// Report every pass, a zero is as informative as a burst.
	c.Log.Msg("removed inactive envelopes", "count", removed)
	removedTotal.Add(float64(removed))

	depth, err := c.Queue.CountQueued(ctx)
	if err == nil {
		queuedGauge.Set(float64(depth))
	}
}
