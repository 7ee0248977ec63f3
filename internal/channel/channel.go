// Package channel wraps the chat endpoint the bridge relays through.
// The concrete implementation speaks the Telegram Bot API; everything
// above it depends only on the Client interface.
package channel

import (
	"context"
	"time"
)

// Client is the interface a channel implementation must satisfy. It
// handles connection checking, rate-limited sending with retry, and
// delivery of inbound updates.
type Client interface {
	// Send delivers text to a chat and returns the channel's message ID.
	// replyTo threads the message under an earlier one when non-zero.
	// Send applies rate limiting, retry with backoff, and the circuit
	// breaker; errors it returns are terminal for this call.
	Send(ctx context.Context, chatID, text string, replyTo int64) (int64, error)

	// Listen returns a channel of inbound updates. The channel is closed
	// when the context is cancelled or the client is closed.
	Listen(ctx context.Context) (<-chan InboundUpdate, error)

	// TestConnection verifies the credential and chat reachability,
	// returning a human-readable diagnostic.
	TestConnection(ctx context.Context) (string, error)

	// Close shuts the client down and stops the update listener.
	Close() error
}

// InboundUpdate is a message received from the channel.
type InboundUpdate struct {
	UpdateID  int64
	ChatID    string
	MessageID int64
	InReplyTo int64 // message ID this update replies to; 0 when not a reply
	UserID    int64
	UserName  string
	Text      string
	Timestamp time.Time
}

// BreakerStater is an optional interface for clients that expose their
// circuit-breaker state for status reporting.
type BreakerStater interface {
	BreakerState() string
}
