package mailer

import (
	"context"
	"sync"
)

// Mock is an in-memory Mailer for unit tests. It records every message
// it was asked to send and can be configured to fail on demand.
type Mock struct {
	mu       sync.Mutex
	Sent     []Message
	FailWith func(msg Message) error
}

// NewMock returns an empty Mock mailer.
func NewMock() *Mock {
	return &Mock{}
}

// Send implements Mailer.
func (m *Mock) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.FailWith != nil {
		if err := m.FailWith(msg); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	m.Sent = append(m.Sent, msg)
	m.mu.Unlock()
	return msg.JobID, nil
}

// Count returns the number of messages accepted so far.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
