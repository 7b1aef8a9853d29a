package smtpclient

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/minimailgun/minimailgun/framework/exterrors"
	"github.com/minimailgun/minimailgun/internal/testutils"
)

const testMessage = "From: sender@sender.org\r\nTo: rcpt@example.invalid\r\n\r\nhi\r\n"

func testClient(t *testing.T, port string) *C {
	t.Helper()

	c := New()
	c.Port = port
	c.Log = testutils.Logger(t, "smtpclient")
	return c
}

func TestSend(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:40125", testutils.AuthDisabled)
	defer srv.Close()

	c := testClient(t, "40125")
	err := c.Send(context.Background(), "127.0.0.1", "sender@sender.org",
		[]string{"rcpt1@example.invalid", "rcpt2@example.invalid"}, testMessage)
	if err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@sender.org",
		[]string{"rcpt1@example.invalid", "rcpt2@example.invalid"})
	if !strings.Contains(string(be.Messages[0].Data), "hi") {
		t.Errorf("Wrong DATA payload: %q", be.Messages[0].Data)
	}

	testutils.CheckSMTPConnLeak(t, srv)
}

func TestSend_RcptTemporaryError(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:40126", testutils.AuthDisabled)
	defer srv.Close()
	be.RcptErr = map[string]error{
		"rcpt@example.invalid": &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 1},
			Message:      "Greylisted",
		},
	}

	c := testClient(t, "40126")
	err := c.Send(context.Background(), "127.0.0.1", "sender@sender.org",
		[]string{"rcpt@example.invalid"}, testMessage)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("4xx reply not classified as temporary: %v", err)
	}
	if code, _ := exterrors.Fields(err)["smtp_code"].(int); code != 451 {
		t.Errorf("Wrong smtp_code: %v", code)
	}
}

func TestSend_PermanentError(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:40127", testutils.AuthDisabled)
	defer srv.Close()
	be.DataErr = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user",
	}

	c := testClient(t, "40127")
	err := c.Send(context.Background(), "127.0.0.1", "sender@sender.org",
		[]string{"rcpt@example.invalid"}, testMessage)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("5xx reply classified as temporary: %v", err)
	}
	if code, _ := exterrors.Fields(err)["smtp_code"].(int); code != 550 {
		t.Errorf("Wrong smtp_code: %v", code)
	}
}

func TestSend_552Rewrite(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:40128", testutils.AuthDisabled)
	defer srv.Close()
	be.RcptErr = map[string]error{
		"rcpt@example.invalid": &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 2, 2},
			Message:      "Mailbox full",
		},
	}

	c := testClient(t, "40128")
	err := c.Send(context.Background(), "127.0.0.1", "sender@sender.org",
		[]string{"rcpt@example.invalid"}, testMessage)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}

	// 552 is a historical alias of 452, per RFC 5321 Section 4.5.3.1.10.
	if code, _ := exterrors.Fields(err)["smtp_code"].(int); code != 452 {
		t.Errorf("Wrong smtp_code: %v", code)
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("Rewritten 552 not classified as temporary: %v", err)
	}
}

func TestSend_ConnectionError(t *testing.T) {
	// Nothing listens on this port.
	tarpit := testutils.FailOnConn(t, "127.0.0.1:40129")
	tarpit.Close()

	c := testClient(t, "40129")
	err := c.Send(context.Background(), "127.0.0.1", "sender@sender.org",
		[]string{"rcpt@example.invalid"}, testMessage)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("Connection error not classified as temporary: %v", err)
	}
}

func TestWrapClientErr_Unclassified(t *testing.T) {
	c := testClient(t, "25")

	// Transport breakage with no SMTP reply maps to a synthetic 450.
	err := c.wrapClientErr(errors.New("short response"), "mx.example.invalid")
	testutils.CheckSMTPErr(t, err, 450, exterrors.EnhancedCode{4, 4, 2}, "Connection error")
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("Unclassified error not temporary: %v", err)
	}

	// An explicit permanent flag survives the wrapping.
	err = c.wrapClientErr(exterrors.WithTemporary(errors.New("no way"), false), "mx.example.invalid")
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 4, 2}, "Connection error")
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("Permanent error classified as temporary: %v", err)
	}
}

func TestSend_RetryAfterTemporary(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:40130", testutils.AuthDisabled)
	defer srv.Close()
	be.DataErrs = []error{
		&smtp.SMTPError{Code: 421, Message: "Try again later"},
	}

	c := testClient(t, "40130")

	err := c.Send(context.Background(), "127.0.0.1", "sender@sender.org",
		[]string{"rcpt@example.invalid"}, testMessage)
	if err == nil {
		t.Fatal("Expected an error on the first attempt")
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Fatalf("421 not classified as temporary: %v", err)
	}

	err = c.Send(context.Background(), "127.0.0.1", "sender@sender.org",
		[]string{"rcpt@example.invalid"}, testMessage)
	if err != nil {
		t.Fatal(err)
	}
	be.CheckMsg(t, 0, "sender@sender.org", []string{"rcpt@example.invalid"})
}
