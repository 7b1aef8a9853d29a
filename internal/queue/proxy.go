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

// Package queue serializes access to the envelope store.
//
// The store owns a single database handle and is not goroutine-safe; the
// proxy owns the store on a dedicated goroutine and exposes the same
// operations to any number of callers. Operations execute one at a time in
// arrival order and callers block until their own operation completes.
//
// Each call carries its own buffered reply channel, so a caller that gives
// up on its context never stalls the store goroutine and never receives
// another caller's result. A call that was already picked up by the store
// goroutine runs to completion; its result is discarded if the caller is
// gone.
package queue

import (
	"context"
	"errors"

	"github.com/minimailgun/minimailgun/framework/log"
	"github.com/minimailgun/minimailgun/internal/store"
)

// ErrClosed is returned for calls issued after Close.
var ErrClosed = errors.New("queue: proxy is closed")

type result struct {
	val interface{}
	err error
}

type call struct {
	fn    func(*store.Store) (interface{}, error)
	reply chan result
}

type Proxy struct {
	store *store.Store

	// Capacity 1: at most one submitted-but-not-started call, everything
	// else blocks in send. The store absorbs load, not the channel.
	calls chan call
	done  chan struct{}
	ended chan struct{}

	Log log.Logger
}

// NewProxy starts the store goroutine and returns the proxy. The proxy
// assumes ownership of the store; Close releases both.
func NewProxy(s *store.Store, l log.Logger) *Proxy {
	p := &Proxy{
		store: s,
		calls: make(chan call, 1),
		done:  make(chan struct{}),
		ended: make(chan struct{}),
		Log:   l,
	}
	go p.run()
	return p
}

func (p *Proxy) run() {
	defer close(p.ended)
	for {
		select {
		case c := <-p.calls:
			v, err := c.fn(p.store)
			c.reply <- result{v, err}
		case <-p.done:
			// Drain calls that were submitted concurrently with Close so
			// their callers are not left hanging.
			for {
				select {
				case c := <-p.calls:
					c.reply <- result{nil, ErrClosed}
				default:
					return
				}
			}
		}
	}
}

func (p *Proxy) do(ctx context.Context, fn func(*store.Store) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := call{fn: fn, reply: make(chan result, 1)}

	select {
	case p.calls <- c:
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-c.reply:
		return res.val, res.err
	case <-p.ended:
		// The store goroutine is gone. The call either completed right
		// before it exited (reply is buffered) or will never be picked up.
		select {
		case res := <-c.reply:
			return res.val, res.err
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		// The operation still runs (or ran) to completion; only the
		// caller stops waiting. reply is buffered so the store goroutine
		// does not block.
		return nil, ctx.Err()
	}
}

// Close stops the store goroutine and closes the underlying store. Calls
// issued after Close fail with ErrClosed.
func (p *Proxy) Close() error {
	close(p.done)
	<-p.ended
	return p.store.Close()
}

func (p *Proxy) Put(ctx context.Context, env *store.Envelope) (int64, error) {
	v, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return s.Put(env)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (p *Proxy) Claim(ctx context.Context) (*store.Envelope, error) {
	v, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return s.Claim()
	})
	if err != nil {
		return nil, err
	}
	env, _ := v.(*store.Envelope)
	return env, nil
}

func (p *Proxy) MarkSent(ctx context.Context, id int64) error {
	_, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return nil, s.MarkSent(id)
	})
	return err
}

func (p *Proxy) MarkUndeliverable(ctx context.Context, id int64) error {
	_, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return nil, s.MarkUndeliverable(id)
	})
	return err
}

func (p *Proxy) ScheduleRetry(ctx context.Context, id int64, retryAfter int64) error {
	_, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return nil, s.ScheduleRetry(id, retryAfter)
	})
	return err
}

func (p *Proxy) StatusOf(ctx context.Context, clientID, submissionID string) ([]store.StatusRow, error) {
	v, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return s.StatusOf(clientID, submissionID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.StatusRow), nil
}

func (p *Proxy) RemoveInactive(ctx context.Context, retention int64) (int, error) {
	v, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return s.RemoveInactive(retention)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (p *Proxy) CountQueued(ctx context.Context) (int, error) {
	v, err := p.do(ctx, func(s *store.Store) (interface{}, error) {
		return s.CountQueued()
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
