package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/minimailgun/minimailgun/internal/store"
	"github.com/minimailgun/minimailgun/internal/testutils"
)

func testProxy(t *testing.T) *Proxy {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"), store.Options{
		Log: testutils.Logger(t, "store"),
	})
	if err != nil {
		t.Fatal(err)
	}

	p := NewProxy(s, testutils.Logger(t, "queue"))
	t.Cleanup(func() {
		p.Close()
	})
	return p
}

func testEnvelope(submissionID, domain string) *store.Envelope {
	return &store.Envelope{
		ClientID:          "client1",
		SubmissionID:      submissionID,
		Sender:            "sender@sender.org",
		Recipients:        []string{"rcpt@" + domain},
		DestinationDomain: domain,
		Message:           "From: sender@sender.org\r\n\r\nhi\r\n",
	}
}

func TestProxy_Roundtrip(t *testing.T) {
	p := testProxy(t)
	ctx := context.Background()

	id, err := p.Put(ctx, testEnvelope("sub1", "example.org"))
	if err != nil {
		t.Fatal(err)
	}

	env, err := p.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if env == nil || env.ID != id {
		t.Fatalf("Wrong claimed envelope: %v", env)
	}

	if err := p.MarkSent(ctx, id); err != nil {
		t.Fatal(err)
	}

	rows, err := p.StatusOf(ctx, "client1", "sub1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != store.StatusSent {
		t.Errorf("Wrong status rows: %v", rows)
	}
}

func TestProxy_EmptyClaim(t *testing.T) {
	p := testProxy(t)

	env, err := p.Claim(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if env != nil {
		t.Errorf("Claimed envelope from empty queue: %v", env)
	}
}

func TestProxy_ConcurrentCallers(t *testing.T) {
	p := testProxy(t)
	ctx := context.Background()

	// All operations funnel through one store goroutine; none may be lost
	// or corrupted regardless of caller concurrency.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				sub := "sub-" + strconv.Itoa(i)
				if _, err := p.Put(ctx, testEnvelope(sub, "example.org")); err != nil {
					t.Errorf("Put: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	n, err := p.CountQueued(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Errorf("Wrong queued count: %v", n)
	}

	for i := 0; i < 10; i++ {
		rows, err := p.StatusOf(ctx, "client1", "sub-"+strconv.Itoa(i))
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 10 {
			t.Errorf("Submission %d has %d envelopes", i, len(rows))
		}
	}
}

func TestProxy_Close(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"), store.Options{
		Log: testutils.Logger(t, "store"),
	})
	if err != nil {
		t.Fatal(err)
	}

	p := NewProxy(s, testutils.Logger(t, "queue"))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Put(context.Background(), testEnvelope("sub1", "example.org")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestProxy_CallAfterClose(t *testing.T) {
	// A call submitted after Close may still win the race for the calls
	// channel against the exiting store goroutine. It must fail with
	// ErrClosed instead of waiting for a reply that never comes. Repeat
	// with fresh proxies since the racy window exists only for the first
	// call after Close.
	for i := 0; i < 20; i++ {
		s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"), store.Options{
			Log: testutils.Logger(t, "store"),
		})
		if err != nil {
			t.Fatal(err)
		}

		p := NewProxy(s, testutils.Logger(t, "queue"))
		if err := p.Close(); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = p.Put(ctx, testEnvelope("sub1", "example.org"))
		cancel()
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Iteration %d: expected ErrClosed, got %v", i, err)
		}
	}
}

func TestProxy_CallsRacingClose(t *testing.T) {
	for i := 0; i < 10; i++ {
		s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"), store.Options{
			Log: testutils.Logger(t, "store"),
		})
		if err != nil {
			t.Fatal(err)
		}
		p := NewProxy(s, testutils.Logger(t, "queue"))

		// Every concurrent caller must get an answer: either its result
		// (the call slipped in before shutdown) or ErrClosed. Never a
		// timeout.
		results := make(chan error, 4)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, err := p.Claim(ctx)
				results <- err
			}()
		}
		p.Close()
		wg.Wait()
		close(results)

		for err := range results {
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Fatalf("Iteration %d: unexpected error: %v", i, err)
			}
		}
	}
}

func TestProxy_ContextCancelled(t *testing.T) {
	p := testProxy(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Claim(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
