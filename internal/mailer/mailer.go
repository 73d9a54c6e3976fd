// Package mailer defines the opaque SMTP-delivery capability (component B,
// spec.md §4.B): Send(msg) → (messageId, error). The core depends only on
// this interface; the SMTP substrate itself is an external collaborator.
package mailer

import (
	"context"
	"errors"
	"time"
)

// Message is the fully-resolved email ready for delivery. By the time a
// message reaches a Mailer, all recipient resolution and content
// assembly is complete.
type Message struct {
	JobID       string
	CampaignID  string
	To          string
	FromName    string
	FromEmail   string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// Attachment mirrors domain.Attachment without importing internal/domain,
// keeping this package dependency-free apart from the stdlib.
type Attachment struct {
	Filename    string
	ContentType string
	Bytes       []byte
}

// Mailer is the opaque SMTP-delivery capability.
type Mailer interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// ErrorKind classifies a Send error per spec.md §7's error taxonomy.
type ErrorKind int

const (
	// Unknown errors are treated as transient: retry, don't give up early.
	Unknown ErrorKind = iota
	Transient
	Permanent
)

// Classifiable is implemented by Mailer errors that already know their
// own retry classification (e.g. the SMTP adapter, which inspects reply
// codes). Errors that don't implement it are classified Unknown by Classify.
type Classifiable interface {
	error
	ErrorKind() ErrorKind
}

// Classify maps a Send error to the §7 retry policy. It unwraps err via
// errors.As so a Classifiable wrapped with %w by an intermediate layer is
// still recognized, rather than falling through to Unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return Unknown
	}
	var c Classifiable
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return Unknown
}

// SendDeadline is the per-call deadline applied around Mailer.Send
// (spec.md §4.H step 5).
const SendDeadline = 30 * time.Second
