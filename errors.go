package redqueue

import (
	"context"
	"errors"
)

var (
	ErrInvalidQueueName      = errors.New("redqueue: invalid queue name")
	ErrUnknownPriority       = errors.New("redqueue: unknown priority")
	ErrUnknownQueue          = errors.New("redqueue: unknown queue")
	ErrDelayNotConfigured    = errors.New("redqueue: delayed queues not configured")
	ErrNotSupported          = errors.New("redqueue: not supported by this driver")
	ErrDuplicateConsumer     = errors.New("redqueue: consumer already registered")
	ErrInvalidClaimLimit     = errors.New("redqueue: maximum claims cannot be negative")
	ErrMalformedMessage      = errors.New("redqueue: malformed message")
	ErrShutdown              = errors.New("redqueue: shutdown requested")
	ErrKilled                = errors.New("redqueue: process marked as killed")
	ErrTriggersNotConfigured = errors.New("redqueue: triggers not configured")
)

// IsTerminal reports whether err must stop a Wait loop instead of being
// logged and skipped.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrShutdown) || errors.Is(err, ErrKilled) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
