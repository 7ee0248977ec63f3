package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage records one Send call observed by the MockClient.
type SentMessage struct {
	ChatID    string
	Text      string
	ReplyTo   int64
	MessageID int64
}

// MockClient implements Client for testing. It records sent messages,
// assigns increasing message IDs, and allows simulating inbound updates
// and send failures.
type MockClient struct {
	mu        sync.Mutex
	closed    bool
	listening bool
	inbound   chan InboundUpdate
	sent      []SentMessage
	nextID    int64
	failNext  int   // fail this many upcoming sends
	sendErr   error // error returned for injected failures
	updateID  int64
	onSend    func(SentMessage) // runs after each successful send
}

// NewMockClient creates a MockClient with a buffered inbound channel.
func NewMockClient() *MockClient {
	return &MockClient{
		inbound: make(chan InboundUpdate, 100),
		nextID:  100,
		sendErr: fmt.Errorf("%w: injected failure", ErrRetriesExhausted),
	}
}

// Send records the message and returns a fresh message ID, or the
// injected error while failures remain queued.
func (m *MockClient) Send(ctx context.Context, chatID, text string, replyTo int64) (int64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("mock client: closed")
	}
	if m.failNext > 0 {
		m.failNext--
		err := m.sendErr
		m.mu.Unlock()
		return 0, err
	}
	m.nextID++
	msg := SentMessage{
		ChatID:    chatID,
		Text:      text,
		ReplyTo:   replyTo,
		MessageID: m.nextID,
	}
	m.sent = append(m.sent, msg)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return msg.MessageID, nil
}

// Listen returns the inbound channel.
func (m *MockClient) Listen(ctx context.Context) (<-chan InboundUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("mock client: closed")
	}
	m.listening = true
	return m.inbound, nil
}

// TestConnection reports a canned diagnostic.
func (m *MockClient) TestConnection(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("mock client: closed")
	}
	return "connected as @mockbot (id 1)", nil
}

// Close shuts down the mock and closes the inbound channel.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.inbound)
	return nil
}

// --- test helpers ---

// FailNextSends makes the next n Send calls fail with err (or a default
// retries-exhausted error when err is nil).
func (m *MockClient) FailNextSends(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	if err != nil {
		m.sendErr = err
	}
}

// OnSend installs a hook that runs after each successful send, outside
// the mock's lock. Lets tests interleave inbound traffic or failure
// injection with a multi-part send.
func (m *MockClient) OnSend(fn func(SentMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSend = fn
}

// SimulateReply pushes an inbound update replying to a previously sent
// message. Safe to call from any goroutine.
func (m *MockClient) SimulateReply(chatID string, inReplyTo int64, text string) {
	m.mu.Lock()
	m.updateID++
	m.nextID++
	u := InboundUpdate{
		UpdateID:  m.updateID,
		ChatID:    chatID,
		MessageID: m.nextID,
		InReplyTo: inReplyTo,
		UserID:    7,
		UserName:  "tester",
		Text:      text,
		Timestamp: time.Now(),
	}
	m.mu.Unlock()
	m.inbound <- u
}

// AllSent returns a copy of every recorded send.
func (m *MockClient) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCount returns the number of recorded sends.
func (m *MockClient) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// LastSent returns the most recent send, if any.
func (m *MockClient) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}
