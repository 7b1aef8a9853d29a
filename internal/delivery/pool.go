package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/minimailgun/minimailgun/framework/log"
	"github.com/minimailgun/minimailgun/internal/queue"
)

// Pool runs the configured number of delivery workers, each looping over
// Agent.DeliverOne. Workers sleep for IdleSleep when the queue is empty so
// an idle instance does not spin on the store.
type Pool struct {
	Agent     *Agent
	Workers   int
	IdleSleep time.Duration

	Log log.Logger

	wg sync.WaitGroup
}

// Start launches the workers. They stop when ctx is cancelled or when the
// store proxy is closed under them.
func (p *Pool) Start(ctx context.Context) {
	if p.IdleSleep == 0 {
		p.IdleSleep = time.Second
	}
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
}

// Wait blocks until all workers have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	l := p.Log
	l.Debugf("delivery worker %d started", id)
	defer l.Debugf("delivery worker %d stopped", id)

	for {
		res, err := p.Agent.DeliverOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			l.Error("delivery iteration failed", err, "worker", id)
			// Treat unexpected errors like an empty queue and back off.
			res = Idle
		}

		if res == Idle {
			select {
			case <-time.After(p.IdleSleep):
			case <-ctx.Done():
				return
			}
		}
	}
}
