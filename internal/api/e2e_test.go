package api

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/minimailgun/minimailgun/internal/delivery"
	"github.com/minimailgun/minimailgun/internal/mx"
	"github.com/minimailgun/minimailgun/internal/queue"
	"github.com/minimailgun/minimailgun/internal/smtpclient"
	"github.com/minimailgun/minimailgun/internal/store"
	"github.com/minimailgun/minimailgun/internal/submit"
	"github.com/minimailgun/minimailgun/internal/testutils"
)

// testStack wires the full service: HTTP front-end, store proxy and a
// running delivery pool pointed at resolver/port.
func testStack(t *testing.T, resolver mx.Resolver, port string, workers int) http.Handler {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"), store.Options{
		Log: testutils.Logger(t, "store"),
	})
	if err != nil {
		t.Fatal(err)
	}
	proxy := queue.NewProxy(s, testutils.Logger(t, "queue"))

	client := smtpclient.New()
	client.Port = port
	client.Hostname = "mail.example.org"
	client.Log = testutils.Logger(t, "smtpclient")

	ctx, cancel := context.WithCancel(context.Background())
	pool := &delivery.Pool{
		Agent: &delivery.Agent{
			Queue:         proxy,
			Resolver:      resolver,
			Client:        client,
			MaxAttempts:   4,
			RetryInterval: 600,
			Log:           testutils.Logger(t, "delivery"),
		},
		Workers:   workers,
		IdleSleep: 10 * time.Millisecond,
		Log:       testutils.Logger(t, "delivery"),
	}
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
		proxy.Close()
	})

	srv := &Server{
		Submit:  submit.NewAdapter(proxy, "mail.example.org", testutils.Logger(t, "submit")),
		Status:  proxy,
		Clients: ClientSet{"client1": {}},
		Log:     testutils.Logger(t, "api"),
	}
	return srv.Handler()
}

func waitForStatus(t *testing.T, h http.Handler, submissionID, want string) {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for {
		_, resp := doJSON(t, h, "/status", map[string]interface{}{
			"client_id":     "client1",
			"submission_id": submissionID,
		})
		if resp["status"] == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Submission %s stuck at %q, want %q", submissionID, resp["status"], want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeliveryEndToEnd(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:40131", testutils.AuthDisabled)
	defer srv.Close()

	h := testStack(t, mx.Static{M: map[string][]string{
		"example.invalid": {"127.0.0.1"},
	}}, "40131", 2)

	code, resp := doJSON(t, h, "/send", map[string]interface{}{
		"client_id":  "client1",
		"sender":     "sender@sender.org",
		"recipients": []string{"rcpt1@example.invalid", "rcpt2@example.invalid"},
		"subject":    "test",
		"body":       "hi",
	})
	if code != http.StatusOK {
		t.Fatalf("Wrong status code: %d (%v)", code, resp)
	}

	waitForStatus(t, h, resp["submission_id"], "sent")

	be.CheckMsg(t, 0, "sender@sender.org",
		[]string{"rcpt1@example.invalid", "rcpt2@example.invalid"})
	if len(be.Messages) != 1 {
		t.Errorf("Expected one message for a single-domain submission, got %d", len(be.Messages))
	}
}

func TestDelivery_SlowDomainDoesNotBlockOthers(t *testing.T) {
	slowBE, slowSrv := testutils.SMTPServer(t, "127.0.0.2:40132", testutils.AuthDisabled)
	defer slowSrv.Close()
	fastBE, fastSrv := testutils.SMTPServer(t, "127.0.0.1:40132", testutils.AuthDisabled)
	defer fastSrv.Close()

	wait := make(chan struct{})
	slowBE.DataWait = wait
	released := false
	defer func() {
		if !released {
			close(wait)
		}
	}()

	h := testStack(t, mx.Static{M: map[string][]string{
		"fast.invalid": {"127.0.0.1"},
		"slow.invalid": {"127.0.0.2"},
	}}, "40132", 2)

	_, slowResp := doJSON(t, h, "/send", map[string]interface{}{
		"client_id":  "client1",
		"sender":     "sender@sender.org",
		"recipients": []string{"rcpt@slow.invalid"},
		"subject":    "slow",
		"body":       "hi",
	})
	_, fastResp := doJSON(t, h, "/send", map[string]interface{}{
		"client_id":  "client1",
		"sender":     "sender@sender.org",
		"recipients": []string{"rcpt@fast.invalid"},
		"subject":    "fast",
		"body":       "hi",
	})

	// The delivery stuck in DATA on slow.invalid must not hold up the
	// other domain.
	waitForStatus(t, h, fastResp["submission_id"], "sent")
	fastBE.CheckMsg(t, 0, "sender@sender.org", []string{"rcpt@fast.invalid"})

	_, resp := doJSON(t, h, "/status", map[string]interface{}{
		"client_id":     "client1",
		"submission_id": slowResp["submission_id"],
	})
	if resp["status"] != "queued" {
		t.Errorf("Held-back submission is %q, want queued", resp["status"])
	}

	close(wait)
	released = true
	waitForStatus(t, h, slowResp["submission_id"], "sent")
	slowBE.CheckMsg(t, 0, "sender@sender.org", []string{"rcpt@slow.invalid"})
}
