package session

import (
	"time"
)

// Session states.
const (
	StateCreated       = "created"
	StateSent          = "sent"
	StateAwaitingReply = "awaiting_reply"
	StateCompleted     = "completed"
	StateExpired       = "expired"
	StateFailed        = "failed"
)

// Outcome classifies how a dispatched call resolved.
type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeExpired Outcome = "expired"
	OutcomeFailed  Outcome = "failed"
)

// Result is the resolution of a dispatched call. Expiry is a well-formed
// outcome, not an error.
type Result struct {
	CallID    string
	Outcome   Outcome
	ReplyText string
	ReplyFrom string
	RepliedAt time.Time
	Err       error // diagnostic for OutcomeFailed
}

// Session is the live correlation unit for one feedback conversation.
// Owned exclusively by the Correlator; callers only ever see copies.
type Session struct {
	ID             string
	ChatID         string
	State          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Timeout        time.Duration
	PendingCallID  string
	SentMessageIDs []int64

	deadline   time.Time   // expiry while a reply is awaited
	terminalAt time.Time   // when a terminal state was entered
	result     chan Result // buffered; resolved at most once per dispatch
}

// Terminal reports whether the session reached a terminal state.
func (s *Session) Terminal() bool {
	switch s.State {
	case StateCompleted, StateExpired, StateFailed:
		return true
	}
	return false
}

// sentMessage reports whether messageID belongs to this session's
// outbound chunks.
func (s *Session) sentMessage(messageID int64) bool {
	for _, id := range s.SentMessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// resolve delivers a result to the waiting dispatcher, once.
func (s *Session) resolve(r Result) {
	if s.result == nil {
		return
	}
	select {
	case s.result <- r:
	default:
	}
	s.result = nil
}

// snapshot returns a caller-safe copy.
func (s *Session) snapshot() Session {
	cp := *s
	cp.result = nil
	cp.SentMessageIDs = append([]int64(nil), s.SentMessageIDs...)
	return cp
}
