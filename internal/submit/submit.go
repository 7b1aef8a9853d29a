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

// Package submit turns one logical submission into queued envelopes, one
// per distinct recipient domain.
package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/minimailgun/minimailgun/framework/address"
	"github.com/minimailgun/minimailgun/framework/log"
	"github.com/minimailgun/minimailgun/internal/store"
)

// Validation errors. The API layer maps all of them to HTTP 400.
var (
	ErrNoClientID   = errors.New("submit: missing client_id")
	ErrNoSender     = errors.New("submit: missing sender")
	ErrNoRecipients = errors.New("submit: missing recipients")
	ErrNoSubject    = errors.New("submit: missing subject")
	ErrNoBody       = errors.New("submit: missing body")
	ErrBadRecipient = errors.New("submit: malformed recipient")
)

// Submission is one /send request after authentication.
type Submission struct {
	ClientID   string
	Sender     string
	Recipients []string
	Subject    string
	Body       string
}

// Queue is the subset of the store proxy the adapter needs.
type Queue interface {
	Put(ctx context.Context, env *store.Envelope) (int64, error)
}

type Adapter struct {
	Queue Queue

	// Hostname used in generated Message-ID headers.
	Hostname string

	Now func() time.Time

	Log log.Logger
}

func NewAdapter(q Queue, hostname string, l log.Logger) *Adapter {
	return &Adapter{
		Queue:    q,
		Hostname: hostname,
		Now:      time.Now,
		Log:      l,
	}
}

// Submit validates the submission, fans it out into one envelope per
// recipient domain and queues all of them. It returns the submission id
// shared by the created envelopes.
//
// Fan-out is not atomic: if a later Put fails, envelopes queued earlier for
// the same submission stay queued and will be delivered.
func (a *Adapter) Submit(ctx context.Context, sub *Submission) (string, error) {
	if err := validate(sub); err != nil {
		return "", err
	}

	domains, byDomain, err := groupByDomain(sub.Recipients)
	if err != nil {
		return "", err
	}

	submissionID := uuid.New().String()
	msg, err := a.assembleMessage(sub, submissionID)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	for _, domain := range domains {
		id, err := a.Queue.Put(ctx, &store.Envelope{
			ClientID:          sub.ClientID,
			SubmissionID:      submissionID,
			Sender:            sub.Sender,
			Recipients:        byDomain[domain],
			DestinationDomain: domain,
			Message:           msg,
		})
		if err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
		a.Log.Msg("queued envelope",
			"id", id, "submission_id", submissionID, "domain", domain,
			"rcpt_count", len(byDomain[domain]))
	}

	return submissionID, nil
}

func validate(sub *Submission) error {
	switch {
	case sub.ClientID == "":
		return ErrNoClientID
	case sub.Sender == "":
		return ErrNoSender
	case len(sub.Recipients) == 0:
		return ErrNoRecipients
	case sub.Subject == "":
		return ErrNoSubject
	case sub.Body == "":
		return ErrNoBody
	}
	return nil
}

// groupByDomain partitions recipients by their lowercased domain, keeping
// the first-seen order of both domains and recipients.
func groupByDomain(recipients []string) ([]string, map[string][]string, error) {
	var domains []string
	byDomain := map[string][]string{}
	for _, rcpt := range recipients {
		domain, err := address.Domain(rcpt)
		if err != nil {
			return nil, nil, fmt.Errorf("%w %q: %v", ErrBadRecipient, rcpt, err)
		}
		if _, seen := byDomain[domain]; !seen {
			domains = append(domains, domain)
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}
	return domains, byDomain, nil
}

// assembleMessage builds the RFC 5322 text shared by all envelopes of the
// submission. The To field lists every recipient of the submission, not
// just the per-domain slice, so each copy reads the same.
func (a *Adapter) assembleMessage(sub *Submission, submissionID string) (string, error) {
	var h textproto.Header
	// Add prepends, so fields are added in reverse of their output order.
	h.Add("Message-Id", "<"+submissionID+"@"+a.Hostname+">")
	h.Add("Date", a.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	h.Add("Subject", sub.Subject)
	h.Add("To", strings.Join(sub.Recipients, ", "))
	h.Add("From", sub.Sender)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return "", err
	}
	buf.WriteString(sub.Body)
	if !strings.HasSuffix(sub.Body, "\r\n") {
		buf.WriteString("\r\n")
	}
	return buf.String(), nil
}
