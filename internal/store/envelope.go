package store

import (
	"fmt"
	"strings"
)

// Status of an envelope. SENT and UNDELIVERABLE are terminal: the only
// further operation permitted on such envelopes is retention deletion.
type Status string

const (
	StatusQueued        Status = "QUEUED"
	StatusSent          Status = "SENT"
	StatusUndeliverable Status = "UNDELIVERABLE"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusUndeliverable
}

// Envelope is the unit of delivery: one submission fans out into one
// envelope per distinct recipient domain, each carrying the full serialized
// message.
type Envelope struct {
	// Store-assigned identifier, unique within a shard. Zero until Put.
	ID int64

	// Opaque principal that created the submission. Used for visibility
	// isolation only.
	ClientID string

	// Shared by all sibling envelopes of one submission.
	SubmissionID string

	Sender string

	// RFC 5321 addresses, all sharing DestinationDomain.
	Recipients []string

	// Lowercased domain part of Recipients.
	DestinationDomain string

	// Serialized RFC 5322 message, opaque to the store.
	Message string

	Status Status

	// Unix seconds; the envelope is eligible for claim once
	// now >= NextAttemptAt.
	NextAttemptAt int64

	// Count of completed delivery attempts.
	DeliveryAttempts int

	// In-flight flag. While set, the envelope is invisible to Claim.
	BeingProcessed bool

	CreatedAt int64
	UpdatedAt int64
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope %d (domain=%s, status=%s, attempts=%d)",
		e.ID, e.DestinationDomain, e.Status, e.DeliveryAttempts)
}

// StatusRow is the (id, status) projection returned by StatusOf.
type StatusRow struct {
	ID     int64
	Status Status
}

func joinRecipients(rcpts []string) string {
	return strings.Join(rcpts, ",")
}

func splitRecipients(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
