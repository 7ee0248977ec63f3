// Package session tracks feedback conversations against a chat channel:
// it owns the session table, dispatches chunked prompts, threads inbound
// replies back to the pending call, and expires sessions that never hear
// back. All mutation goes through the Correlator's synchronized API.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/semaphore/internal/channel"
	"github.com/zulandar/semaphore/internal/chunk"
)

// DefaultRetention keeps terminal sessions around briefly so a late
// reply is logged and discarded instead of missing the table entirely.
const DefaultRetention = 60 * time.Second

// summaryThreshold is the chunk count above which a dispatch opens with
// a short overview message.
const summaryThreshold = 3

var (
	// ErrDuplicateSession means an active session already exists for the id.
	ErrDuplicateSession = errors.New("session: duplicate session")
	// ErrSessionBusy means the session already has a call awaiting a reply.
	ErrSessionBusy = errors.New("session: session busy")
	// ErrUnknownSession means no session exists for the id.
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrSessionLimit means the concurrent-session cap was reached.
	ErrSessionLimit = errors.New("session: session limit reached")
)

// Stats is a point-in-time view of the session table plus lifetime
// counters, for status reporting and digests.
type Stats struct {
	Active   int // non-terminal sessions
	Awaiting int // sessions with a reply outstanding
	Retained int // terminal sessions awaiting removal

	TotalDispatched uint64
	TotalReplied    uint64
	TotalExpired    uint64
	TotalFailed     uint64
}

// Correlator owns the session table. It dispatches outbound prompts in
// ordered chunks and matches inbound replies back to the pending call.
type Correlator struct {
	client       channel.Client
	maxChunkSize int
	maxSessions  int
	retention    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	stats    Stats

	now func() time.Time // test override
}

// CorrelatorOpts holds parameters for creating a Correlator.
type CorrelatorOpts struct {
	Client       channel.Client // required
	MaxChunkSize int            // required; must stay under the channel hard limit
	MaxSessions  int            // cap on non-terminal sessions; 0 means unlimited
	Retention    time.Duration  // terminal-session grace window; defaults to DefaultRetention
}

// NewCorrelator creates a Correlator.
func NewCorrelator(opts CorrelatorOpts) (*Correlator, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("session: correlator: client is required")
	}
	if opts.MaxChunkSize <= 0 {
		return nil, fmt.Errorf("session: correlator: max chunk size is required")
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Correlator{
		client:       opts.Client,
		maxChunkSize: opts.MaxChunkSize,
		maxSessions:  opts.MaxSessions,
		retention:    retention,
		sessions:     make(map[string]*Session),
		now:          time.Now,
	}, nil
}

// Open creates a session for the id. An existing non-terminal session is
// a caller error; a retained terminal session is replaced. The session
// cap is checked here, under the table lock, so concurrent opens cannot
// overshoot it.
func (c *Correlator) Open(sessionID, chatID string, timeout time.Duration) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sessions[sessionID]; ok {
		if !existing.Terminal() {
			return Session{}, fmt.Errorf("%w: %s is %s", ErrDuplicateSession, sessionID, existing.State)
		}
		delete(c.sessions, sessionID)
	}

	if c.maxSessions > 0 {
		active := 0
		for _, s := range c.sessions {
			if !s.Terminal() {
				active++
			}
		}
		if active >= c.maxSessions {
			return Session{}, fmt.Errorf("%w: %d active", ErrSessionLimit, active)
		}
	}

	now := c.now()
	s := &Session{
		ID:             sessionID,
		ChatID:         chatID,
		State:          StateCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		Timeout:        timeout,
	}
	c.sessions[sessionID] = s
	log.Printf("session: opened %s [chat=%s timeout=%v]", sessionID, chatID, timeout)
	return s.snapshot(), nil
}

// Dispatch chunks text and sends every chunk in order, then arms the
// reply wait. The returned channel resolves with the correlated reply,
// the expiry, or a failure. A send failure aborts the remaining chunks
// and marks the session failed.
func (c *Correlator) Dispatch(ctx context.Context, sessionID, callID, text string) (<-chan Result, error) {
	s, future, err := c.beginDispatch(sessionID, callID)
	if err != nil {
		return nil, err
	}

	chunks, err := chunk.Split(text, c.maxChunkSize)
	if err != nil {
		c.markFailed(sessionID, callID, err)
		return nil, fmt.Errorf("session: dispatch %s: %w", sessionID, err)
	}

	if len(chunks) > summaryThreshold {
		notice := fmt.Sprintf("Feedback request %s: %d chars in %d parts follow.",
			callID, len(text), len(chunks))
		if err := c.sendPart(ctx, sessionID, s.ChatID, notice); err != nil {
			if !c.markFailed(sessionID, callID, err) {
				return future, nil
			}
			return nil, fmt.Errorf("session: dispatch %s: summary: %w", sessionID, err)
		}
	}

	for i, ch := range chunks {
		if err := c.sendPart(ctx, sessionID, s.ChatID, ch.Render()); err != nil {
			if !c.markFailed(sessionID, callID, err) {
				// The call resolved while chunks were in flight; the
				// buffered result outranks the send failure.
				return future, nil
			}
			return nil, fmt.Errorf("session: dispatch %s: chunk %d/%d: %w",
				sessionID, i+1, len(chunks), err)
		}
	}

	c.armReply(sessionID, len(chunks))
	return future, nil
}

// beginDispatch validates and reserves the session for one call. It
// returns the call's result channel so the dispatcher holds it even if
// a reply resolves the session before the last chunk is sent.
func (c *Correlator) beginDispatch(sessionID, callID string) (Session, chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if s.PendingCallID != "" {
		return Session{}, nil, fmt.Errorf("%w: %s awaiting call %s", ErrSessionBusy, sessionID, s.PendingCallID)
	}

	now := c.now()
	s.PendingCallID = callID
	s.State = StateSent
	s.LastActivityAt = now
	s.SentMessageIDs = nil
	s.terminalAt = time.Time{}
	s.deadline = now.Add(s.Timeout)
	s.result = make(chan Result, 1)
	c.stats.TotalDispatched++
	return s.snapshot(), s.result, nil
}

// sendPart sends one outbound message and records its id on the session.
// The lock is not held across the network call.
func (c *Correlator) sendPart(ctx context.Context, sessionID, chatID, text string) error {
	msgID, err := c.client.Send(ctx, chatID, text, 0)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if s, ok := c.sessions[sessionID]; ok {
		s.SentMessageIDs = append(s.SentMessageIDs, msgID)
	}
	c.mu.Unlock()
	return nil
}

// armReply moves the session to awaiting-reply. The expiry deadline was
// anchored when the dispatch was accepted, so slow sends count against
// the timeout window. A session already resolved by a reply that beat
// the last chunk is left terminal.
func (c *Correlator) armReply(sessionID string, parts int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok || s.Terminal() || s.PendingCallID == "" {
		return
	}
	s.State = StateAwaitingReply
	s.LastActivityAt = c.now()
	log.Printf("session: %s awaiting reply [call=%s parts=%d deadline=%v]",
		sessionID, s.PendingCallID, parts, s.deadline.Format(time.RFC3339))
}

// markFailed records an unrecoverable dispatch error on the session.
// Returns false when the session already reached a terminal state, in
// which case its buffered result stands and nothing is overwritten.
func (c *Correlator) markFailed(sessionID, callID string, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return true
	}
	if s.Terminal() {
		return false
	}
	s.State = StateFailed
	s.PendingCallID = ""
	s.terminalAt = c.now()
	s.resolve(Result{CallID: callID, Outcome: OutcomeFailed, Err: cause})
	c.stats.TotalFailed++
	log.Printf("session: %s failed [call=%s]: %v", sessionID, callID, cause)
	return true
}

// CorrelateReply matches an inbound update to a pending call. It first
// looks for a session that sent the replied-to message, then falls back
// to the most recently active awaiting session for the chat. Returns the
// resolved call id, or false when the update matches nothing pending.
func (c *Correlator) CorrelateReply(u channel.InboundUpdate) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.matchLocked(u)
	if s == nil {
		return "", false
	}
	if s.Terminal() {
		// Late reply to a retained session. Log and discard.
		log.Printf("session: %s: discarding late reply to message %d [state=%s]",
			s.ID, u.InReplyTo, s.State)
		return "", false
	}

	callID := s.PendingCallID
	now := c.now()
	s.State = StateCompleted
	s.PendingCallID = ""
	s.LastActivityAt = now
	s.terminalAt = now
	s.resolve(Result{
		CallID:    callID,
		Outcome:   OutcomeReplied,
		ReplyText: u.Text,
		ReplyFrom: u.UserName,
		RepliedAt: u.Timestamp,
	})
	c.stats.TotalReplied++
	log.Printf("session: %s completed [call=%s from=%s %d chars]",
		s.ID, callID, u.UserName, len(u.Text))
	return callID, true
}

// matchLocked finds the session an update belongs to. Caller holds mu.
func (c *Correlator) matchLocked(u channel.InboundUpdate) *Session {
	if u.InReplyTo != 0 {
		for _, s := range c.sessions {
			if s.ChatID == u.ChatID && s.sentMessage(u.InReplyTo) {
				return s
			}
		}
	}

	// Untargeted message: attribute it to the newest awaiting session in
	// the chat, matching channels without reply threading.
	var best *Session
	for _, s := range c.sessions {
		if s.ChatID != u.ChatID || s.State != StateAwaitingReply {
			continue
		}
		if best == nil || s.LastActivityAt.After(best.LastActivityAt) {
			best = s
		}
	}
	return best
}

// ExpireOverdue resolves every awaiting session past its deadline with
// an expired outcome and removes terminal sessions past the retention
// window. Returns the number of sessions expired.
func (c *Correlator) ExpireOverdue(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for id, s := range c.sessions {
		if s.State == StateAwaitingReply && now.After(s.deadline) {
			callID := s.PendingCallID
			s.State = StateExpired
			s.PendingCallID = ""
			s.terminalAt = now
			s.resolve(Result{CallID: callID, Outcome: OutcomeExpired})
			c.stats.TotalExpired++
			expired++
			log.Printf("session: %s expired [call=%s]", id, callID)
		}
		if s.Terminal() && now.Sub(s.terminalAt) >= c.retention {
			delete(c.sessions, id)
		}
	}
	return expired
}

// Cancel releases the pending wait for a session whose caller gave up.
// Messages already sent are not recalled; the session is marked failed
// so a stray late reply is discarded rather than misrouted.
func (c *Correlator) Cancel(sessionID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok || s.Terminal() {
		return
	}
	callID := s.PendingCallID
	s.State = StateFailed
	s.PendingCallID = ""
	s.terminalAt = c.now()
	s.resolve(Result{CallID: callID, Outcome: OutcomeFailed, Err: cause})
	c.stats.TotalFailed++
	log.Printf("session: %s cancelled [call=%s]: %v", sessionID, callID, cause)
}

// Get returns a copy of the session, if present.
func (c *Correlator) Get(sessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// ActiveCount returns the number of non-terminal sessions.
func (c *Correlator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sessions {
		if !s.Terminal() {
			n++
		}
	}
	return n
}

// Snapshot returns table stats plus copies of every session, ordered by
// creation time.
func (c *Correlator) Snapshot() (Stats, []Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		switch {
		case s.Terminal():
			stats.Retained++
		default:
			stats.Active++
			if s.State == StateAwaitingReply {
				stats.Awaiting++
			}
		}
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return stats, out
}

// ExpireAll force-expires every awaiting session, used during shutdown
// drain. Returns the number expired.
func (c *Correlator) ExpireAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	now := c.now()
	for id, s := range c.sessions {
		if s.State != StateAwaitingReply && s.PendingCallID == "" {
			continue
		}
		callID := s.PendingCallID
		s.State = StateExpired
		s.PendingCallID = ""
		s.terminalAt = now
		s.resolve(Result{CallID: callID, Outcome: OutcomeExpired})
		c.stats.TotalExpired++
		expired++
		log.Printf("session: %s force-expired during drain [call=%s]", id, callID)
	}
	return expired
}

// SetNow overrides the clock source. Tests only.
func (c *Correlator) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
