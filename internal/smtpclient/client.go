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

// Package smtpclient implements the SMTP wire client used by the delivery
// agent.
//
// It is a wrapper over the go-smtp Client object with the following
// features added:
//   - Timeouts for connection establishment and session commands.
//   - Wrapping of returned errors using the exterrors package, classifying
//     them into the temporary/permanent taxonomy: connection and I/O
//     failures and 4xx replies are temporary, 5xx replies are permanent.
package smtpclient

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/minimailgun/minimailgun/framework/exterrors"
	"github.com/minimailgun/minimailgun/framework/log"
)

// The C object holds the dial-time configuration. It is safe to share one C
// across workers; every Send runs its own session.
type C struct {
	// Dialer to use to establish new network connections. Set to net.Dialer
	// DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Port to connect to on MX hosts.
	Port string

	// Hostname to send in the EHLO/HELO command.
	Hostname string

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA).
	CommandTimeout time.Duration

	// Timeout for the final dot.
	SubmissionTimeout time.Duration

	Log log.Logger
}

// New creates the new instance of the C object, populating the required
// fields with reasonable default values.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		Port:              "25",
		Hostname:          "localhost.localdomain",
		ConnectTimeout:    time.Minute,
		CommandTimeout:    2 * time.Minute,
		SubmissionTimeout: 5 * time.Minute,
	}
}

// Send performs one complete SMTP session with the host: HELO, MAIL FROM,
// one RCPT TO per recipient, DATA with the serialized message, QUIT.
//
// A nil return means the message was accepted (2xx). Errors carry the
// temporary/permanent classification of exterrors.
func (c *C) Send(ctx context.Context, host, from string, recipients []string, message string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, "tcp", net.JoinHostPort(host, c.Port))
	cancel()
	if err != nil {
		return c.wrapClientErr(err, host)
	}

	cl, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return c.wrapClientErr(err, host)
	}
	defer func() {
		if cl != nil {
			cl.Close()
		}
	}()

	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	if err := cl.Hello(c.Hostname); err != nil {
		return c.wrapClientErr(err, host)
	}

	if err := cl.Mail(from, &smtp.MailOptions{}); err != nil {
		return c.wrapClientErr(err, host)
	}
	for _, rcpt := range recipients {
		if err := cl.Rcpt(rcpt); err != nil {
			return c.wrapClientErr(err, host)
		}
	}

	wc, err := cl.Data()
	if err != nil {
		return c.wrapClientErr(err, host)
	}
	if _, err := strings.NewReader(message).WriteTo(wc); err != nil {
		wc.Close()
		return c.wrapClientErr(err, host)
	}
	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, host)
	}

	// QUIT failures do not undo an accepted message; log and move on.
	if err := cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, host))
		cl.Close()
	}
	cl = nil

	return nil
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	switch err := err.(type) {
	case *exterrors.SMTPError:
		return err
	case *smtp.SMTPError:
		code := err.Code
		if code == 552 {
			code = 452
			c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
		}

		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: exterrors.EnhancedCode(err.EnhancedCode),
			Message:      serverName + " said: " + err.Message,
			TargetName:   "smtpclient",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
		}
	case *net.OpError:
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			TargetName:   "smtpclient",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
				"io_op":         err.Op,
			},
		}
	default:
		// Timeouts, DNS errors for the MX host itself and other transport
		// breakage. Unclassified errors count as temporary here.
		return &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 450, 550),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 2}),
			Message:      "Connection error",
			TargetName:   "smtpclient",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
		}
	}
}
