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

// Package delivery implements the delivery agent: the claim -> resolve MX ->
// try each MX -> classify outcome -> update store loop, and the worker pool
// running it.
//
// Failure handling summary:
//   - Resolver errors and 4xx/transport errors from every MX are temporary:
//     the envelope is rescheduled until the attempt cap is reached, then
//     marked UNDELIVERABLE.
//   - A 5xx reply (or a null MX) is permanent: the envelope is marked
//     UNDELIVERABLE immediately, remaining MXs are not consulted.
//   - A store transition rejected due to a wrong pre-state is a bug in the
//     pipeline and aborts the worker.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/minimailgun/minimailgun/framework/exterrors"
	"github.com/minimailgun/minimailgun/framework/log"
	"github.com/minimailgun/minimailgun/internal/mx"
	"github.com/minimailgun/minimailgun/internal/store"
)

// Result of a single DeliverOne pass.
type Result int

const (
	// Idle: there was no eligible envelope to process.
	Idle Result = iota
	// Done: an envelope was processed (whatever the outcome).
	Done
)

// Queue is the subset of the store proxy the agent needs.
type Queue interface {
	Claim(ctx context.Context) (*store.Envelope, error)
	MarkSent(ctx context.Context, id int64) error
	MarkUndeliverable(ctx context.Context, id int64) error
	ScheduleRetry(ctx context.Context, id int64, retryAfter int64) error
}

// SMTPClient is the wire capability used to hand a message to one MX host.
type SMTPClient interface {
	Send(ctx context.Context, host, from string, recipients []string, message string) error
}

type Agent struct {
	Queue    Queue
	Resolver mx.Resolver
	Client   SMTPClient

	// Attempt cap: one initial delivery plus MaxAttempts-1 retries.
	MaxAttempts int

	// Seconds until a transiently-failed envelope becomes eligible again.
	RetryInterval int64

	Log log.Logger
}

// DeliverOne claims and processes a single envelope. It returns Idle when
// the queue had nothing eligible. Errors are returned only for store/proxy
// breakage (e.g. shutdown); delivery failures never propagate, they become
// store transitions.
func (a *Agent) DeliverOne(ctx context.Context) (Result, error) {
	env, err := a.Queue.Claim(ctx)
	if err != nil {
		return Idle, err
	}
	if env == nil {
		return Idle, nil
	}

	a.Log.Msg("took envelope for delivery",
		"id", env.ID, "domain", env.DestinationDomain, "attempts", env.DeliveryAttempts)

	hosts, err := a.Resolver.Resolve(ctx, env.DestinationDomain)
	if err != nil {
		if !exterrors.IsTemporaryOrUnspec(err) {
			a.Log.Error("permanent resolution failure", err, "id", env.ID, "domain", env.DestinationDomain)
			return Done, a.markUndeliverable(ctx, env)
		}
		a.Log.Error("MX resolution failed", err, "id", env.ID, "domain", env.DestinationDomain)
		return Done, a.handleTemporaryFailure(ctx, env)
	}
	if len(hosts) == 0 {
		a.Log.Msg("no MX hosts for domain", "id", env.ID, "domain", env.DestinationDomain)
		return Done, a.handleTemporaryFailure(ctx, env)
	}

	for _, host := range hosts {
		err := a.Client.Send(ctx, host, env.Sender, env.Recipients, env.Message)
		if err == nil {
			a.Log.Msg("delivered", "id", env.ID, "remote_server", host,
				"attempt", env.DeliveryAttempts+1)
			deliveriesTotal.WithLabelValues("sent").Inc()
			return Done, a.storeOp(a.Queue.MarkSent(ctx, env.ID))
		}

		if !exterrors.IsTemporaryOrUnspec(err) {
			a.Log.Error("permanent delivery failure", err, "id", env.ID, "remote_server", host)
			return Done, a.markUndeliverable(ctx, env)
		}

		// Temporary failure on this MX; fall through to the next one.
		a.Log.Error("delivery attempt failed", err, "id", env.ID, "remote_server", host)
	}

	return Done, a.handleTemporaryFailure(ctx, env)
}

// handleTemporaryFailure schedules a retry unless the envelope is out of
// attempts, in which case it is given up on.
func (a *Agent) handleTemporaryFailure(ctx context.Context, env *store.Envelope) error {
	attempted := env.DeliveryAttempts + 1
	if attempted < a.MaxAttempts {
		a.Log.Msg("scheduling retry",
			"id", env.ID, "retry_in", a.RetryInterval, "attempts", attempted)
		deliveriesTotal.WithLabelValues("retried").Inc()
		return a.storeOp(a.Queue.ScheduleRetry(ctx, env.ID, a.RetryInterval))
	}

	a.Log.Msg("can't deliver, giving up", "id", env.ID, "attempts", attempted)
	return a.markUndeliverable(ctx, env)
}

func (a *Agent) markUndeliverable(ctx context.Context, env *store.Envelope) error {
	deliveriesTotal.WithLabelValues("undeliverable").Inc()
	return a.storeOp(a.Queue.MarkUndeliverable(ctx, env.ID))
}

// storeOp escalates integrity violations: a transition rejected because of
// a wrong pre-state means the at-most-one-worker invariant is broken
// somewhere and continuing would corrupt delivery accounting.
func (a *Agent) storeOp(err error) error {
	if errors.Is(err, store.ErrBadState) || errors.Is(err, store.ErrNotFound) {
		panic(fmt.Sprintf("delivery: store integrity violation: %v", err))
	}
	return err
}
