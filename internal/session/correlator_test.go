package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/semaphore/internal/channel"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCorrelator(t *testing.T, maxChunkSize int) (*Correlator, *channel.MockClient, *fakeClock) {
	t.Helper()
	mock := channel.NewMockClient()
	c, err := NewCorrelator(CorrelatorOpts{
		Client:       mock,
		MaxChunkSize: maxChunkSize,
		Retention:    30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewCorrelator: %v", err)
	}
	clk := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c.SetNow(clk.now)
	return c, mock, clk
}

func TestOpen_DuplicateRejected(t *testing.T) {
	c, _, _ := newTestCorrelator(t, 4096)

	if _, err := c.Open("s1", "42", 5*time.Second); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err := c.Open("s1", "42", 5*time.Second)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("second Open = %v, want ErrDuplicateSession", err)
	}
}

func TestOpen_ReplacesRetainedTerminalSession(t *testing.T) {
	c, _, clk := newTestCorrelator(t, 4096)

	c.Open("s1", "42", 5*time.Second)
	c.Cancel("s1", errors.New("gave up"))

	clk.advance(time.Second)
	s, err := c.Open("s1", "42", 5*time.Second)
	if err != nil {
		t.Fatalf("reopen after terminal: %v", err)
	}
	if s.State != StateCreated {
		t.Errorf("state = %s, want created", s.State)
	}
}

func TestDispatch_SingleChunk(t *testing.T) {
	c, mock, _ := newTestCorrelator(t, 4096)
	c.Open("s1", "42", 5*time.Second)

	future, err := c.Dispatch(context.Background(), "s1", "c1", "please review")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if future == nil {
		t.Fatal("want a result channel")
	}
	if mock.SentCount() != 1 {
		t.Fatalf("sent = %d, want 1", mock.SentCount())
	}

	s, _ := c.Get("s1")
	if s.State != StateAwaitingReply {
		t.Errorf("state = %s, want awaiting_reply", s.State)
	}
	if s.PendingCallID != "c1" {
		t.Errorf("pending call = %q, want c1", s.PendingCallID)
	}
	if len(s.SentMessageIDs) != 1 {
		t.Errorf("sent message ids = %v, want one", s.SentMessageIDs)
	}
}

func TestDispatch_BusyRejected(t *testing.T) {
	c, _, _ := newTestCorrelator(t, 4096)
	c.Open("s1", "42", 5*time.Second)

	if _, err := c.Dispatch(context.Background(), "s1", "c1", "first"); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	_, err := c.Dispatch(context.Background(), "s1", "c2", "second")
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Dispatch = %v, want ErrSessionBusy", err)
	}

	// The busy rejection must not disturb the pending call.
	s, _ := c.Get("s1")
	if s.PendingCallID != "c1" {
		t.Errorf("pending call = %q, want c1 untouched", s.PendingCallID)
	}
}

func TestDispatch_UnknownSession(t *testing.T) {
	c, _, _ := newTestCorrelator(t, 4096)
	_, err := c.Dispatch(context.Background(), "nope", "c1", "text")
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Dispatch = %v, want ErrUnknownSession", err)
	}
}

func TestDispatch_SendFailureAbortsAndFails(t *testing.T) {
	c, mock, _ := newTestCorrelator(t, 64)
	c.Open("s1", "42", 5*time.Second)

	text := strings.Repeat("some sentence here. ", 20) // several chunks at 64
	mock.FailNextSends(1, channel.ErrRetriesExhausted)

	future, err := c.Dispatch(context.Background(), "s1", "c1", text)
	if err == nil {
		t.Fatal("want dispatch error")
	}
	if future != nil {
		t.Error("failed dispatch must not return a future")
	}
	if mock.SentCount() != 0 {
		t.Errorf("sent = %d, want 0 (remaining chunks aborted)", mock.SentCount())
	}

	s, _ := c.Get("s1")
	if s.State != StateFailed {
		t.Errorf("state = %s, want failed", s.State)
	}
	if s.PendingCallID != "" {
		t.Errorf("pending call = %q, want cleared", s.PendingCallID)
	}
}

func TestDispatch_OrderedChunksAndSummary(t *testing.T) {
	c, mock, _ := newTestCorrelator(t, 64)
	c.Open("s1", "42", 5*time.Second)

	var parts []string
	for i := 0; i < 12; i++ {
		parts = append(parts, "a paragraph of review text that needs room")
	}
	text := strings.Join(parts, "\n\n")

	if _, err := c.Dispatch(context.Background(), "s1", "c1", text); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sent := mock.AllSent()
	if len(sent) < 5 {
		t.Fatalf("sent = %d messages, want a summary plus several chunks", len(sent))
	}
	if !strings.Contains(sent[0].Text, "parts follow") {
		t.Errorf("first message %q should be the overview", sent[0].Text)
	}
	// Chunk markers must appear in order after the overview.
	if !strings.HasPrefix(sent[1].Text, "[1/") {
		t.Errorf("second message %q should carry the first part marker", sent[1].Text)
	}
	if !strings.HasPrefix(sent[2].Text, "[2/") {
		t.Errorf("third message %q should carry the second part marker", sent[2].Text)
	}

	s, _ := c.Get("s1")
	if len(s.SentMessageIDs) != len(sent) {
		t.Errorf("recorded %d message ids, want %d", len(s.SentMessageIDs), len(sent))
	}
}

// sentWithPrefix finds the recorded send whose text starts with prefix.
func sentWithPrefix(mock *channel.MockClient, prefix string) (channel.SentMessage, bool) {
	for _, m := range mock.AllSent() {
		if strings.HasPrefix(m.Text, prefix) {
			return m, true
		}
	}
	return channel.SentMessage{}, false
}

func TestDispatch_ReplyDuringMultiChunkSend(t *testing.T) {
	c, mock, _ := newTestCorrelator(t, 64)
	c.Open("s1", "42", 5*time.Second)

	// Answer the first chunk while later chunks are still going out.
	replied := false
	mock.OnSend(func(m channel.SentMessage) {
		if replied || !strings.HasPrefix(m.Text, "[2/") {
			return
		}
		replied = true
		first, ok := sentWithPrefix(mock, "[1/")
		if !ok {
			t.Error("first chunk not recorded before the second went out")
			return
		}
		callID, ok := c.CorrelateReply(channel.InboundUpdate{
			ChatID: "42", MessageID: 999, InReplyTo: first.MessageID,
			UserName: "alice", Text: "early answer", Timestamp: time.Now(),
		})
		if !ok || callID != "c1" {
			t.Errorf("CorrelateReply = (%q, %v), want (c1, true)", callID, ok)
		}
	})

	text := strings.Repeat("a paragraph of review text that needs room\n\n", 12)
	future, err := c.Dispatch(context.Background(), "s1", "c1", text)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if future == nil {
		t.Fatal("Dispatch returned a nil future after a mid-send reply")
	}

	select {
	case r := <-future:
		if r.Outcome != OutcomeReplied || r.ReplyText != "early answer" {
			t.Errorf("result = %+v, want the early reply", r)
		}
	default:
		t.Fatal("future should already hold the early reply")
	}

	s, _ := c.Get("s1")
	if s.State != StateCompleted {
		t.Errorf("state = %s, want completed (not re-armed after the reply)", s.State)
	}
	if s.PendingCallID != "" {
		t.Errorf("pending call = %q, want cleared", s.PendingCallID)
	}
}

func TestDispatch_SendFailureAfterReplyKeepsReply(t *testing.T) {
	c, mock, _ := newTestCorrelator(t, 64)
	c.Open("s1", "42", 5*time.Second)

	// A reply lands mid-send and the following chunk fails to deliver.
	replied := false
	mock.OnSend(func(m channel.SentMessage) {
		if replied || !strings.HasPrefix(m.Text, "[2/") {
			return
		}
		replied = true
		first, _ := sentWithPrefix(mock, "[1/")
		c.CorrelateReply(channel.InboundUpdate{
			ChatID: "42", InReplyTo: first.MessageID, UserName: "alice", Text: "done already",
		})
		mock.FailNextSends(1, channel.ErrRetriesExhausted)
	})

	text := strings.Repeat("a paragraph of review text that needs room\n\n", 12)
	future, err := c.Dispatch(context.Background(), "s1", "c1", text)
	if err != nil {
		t.Fatalf("Dispatch = %v, want the resolved reply to win over the late send failure", err)
	}

	r := <-future
	if r.Outcome != OutcomeReplied || r.ReplyText != "done already" {
		t.Errorf("result = %+v, want the reply", r)
	}
	s, _ := c.Get("s1")
	if s.State != StateCompleted {
		t.Errorf("state = %s, want completed untouched by the late failure", s.State)
	}
}

func TestOpen_EnforcesSessionCap(t *testing.T) {
	mock := channel.NewMockClient()
	c, err := NewCorrelator(CorrelatorOpts{Client: mock, MaxChunkSize: 4096, MaxSessions: 2})
	if err != nil {
		t.Fatalf("NewCorrelator: %v", err)
	}

	c.Open("s1", "42", time.Minute)
	c.Open("s2", "42", time.Minute)
	if _, err := c.Open("s3", "42", time.Minute); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("third Open = %v, want ErrSessionLimit", err)
	}

	// A terminal session frees its slot.
	c.Cancel("s1", errors.New("gave up"))
	if _, err := c.Open("s3", "42", time.Minute); err != nil {
		t.Fatalf("Open after a slot freed: %v", err)
	}
}

func TestOpen_CapHoldsUnderConcurrentOpens(t *testing.T) {
	mock := channel.NewMockClient()
	c, err := NewCorrelator(CorrelatorOpts{Client: mock, MaxChunkSize: 4096, MaxSessions: 3})
	if err != nil {
		t.Fatalf("NewCorrelator: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Open(fmt.Sprintf("s%d", i), "42", time.Minute)
		}(i)
	}
	wg.Wait()

	if got := c.ActiveCount(); got != 3 {
		t.Errorf("ActiveCount = %d, want the cap of 3", got)
	}
}

func TestCorrelateReply_ByReplyThread(t *testing.T) {
	c, mock, _ := newTestCorrelator(t, 64)
	c.Open("s1", "42", 5*time.Second)

	text := strings.Repeat("short paragraph here.\n\n", 8)
	future, err := c.Dispatch(context.Background(), "s1", "c1", text)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Reply threads off the LAST chunk's message id.
	last, _ := mock.LastSent()
	callID, ok := c.CorrelateReply(channel.InboundUpdate{
		ChatID:    "42",
		MessageID: 999,
		InReplyTo: last.MessageID,
		UserName:  "alice",
		Text:      "ship it",
		Timestamp: time.Now(),
	})
	if !ok || callID != "c1" {
		t.Fatalf("CorrelateReply = (%q, %v), want (c1, true)", callID, ok)
	}

	r := <-future
	if r.Outcome != OutcomeReplied || r.ReplyText != "ship it" || r.ReplyFrom != "alice" {
		t.Errorf("result = %+v, want replied with body and author", r)
	}

	s, _ := c.Get("s1")
	if s.State != StateCompleted || s.PendingCallID != "" {
		t.Errorf("session = %+v, want completed with pending cleared", s)
	}
}

func TestCorrelateReply_FallbackMostRecentAwaiting(t *testing.T) {
	c, _, clk := newTestCorrelator(t, 4096)

	c.Open("old", "42", time.Minute)
	if _, err := c.Dispatch(context.Background(), "old", "c1", "first ask"); err != nil {
		t.Fatal(err)
	}
	clk.advance(10 * time.Second)
	c.Open("new", "42", time.Minute)
	if _, err := c.Dispatch(context.Background(), "new", "c2", "second ask"); err != nil {
		t.Fatal(err)
	}

	// No reply threading: the newest awaiting session in the chat wins.
	callID, ok := c.CorrelateReply(channel.InboundUpdate{ChatID: "42", Text: "for the new one"})
	if !ok || callID != "c2" {
		t.Fatalf("CorrelateReply = (%q, %v), want (c2, true)", callID, ok)
	}

	// A different chat matches nothing.
	if _, ok := c.CorrelateReply(channel.InboundUpdate{ChatID: "77", Text: "stray"}); ok {
		t.Error("update for an unknown chat must not correlate")
	}
}

func TestCorrelateReply_LateReplyDiscarded(t *testing.T) {
	c, mock, clk := newTestCorrelator(t, 4096)
	c.Open("s1", "42", 5*time.Second)

	future, err := c.Dispatch(context.Background(), "s1", "c1", "anyone there?")
	if err != nil {
		t.Fatal(err)
	}

	clk.advance(6 * time.Second)
	if n := c.ExpireOverdue(clk.now()); n != 1 {
		t.Fatalf("ExpireOverdue = %d, want 1", n)
	}
	if r := <-future; r.Outcome != OutcomeExpired {
		t.Fatalf("result = %+v, want expired", r)
	}

	// The retained session still swallows the late reply.
	last, _ := mock.LastSent()
	if _, ok := c.CorrelateReply(channel.InboundUpdate{
		ChatID: "42", InReplyTo: last.MessageID, Text: "sorry, late",
	}); ok {
		t.Error("late reply to an expired session must be discarded")
	}
}

func TestExpireOverdue_TimeoutDeterminism(t *testing.T) {
	c, _, clk := newTestCorrelator(t, 4096)
	c.Open("s1", "42", 5*time.Second)
	if _, err := c.Dispatch(context.Background(), "s1", "c1", "ping"); err != nil {
		t.Fatal(err)
	}

	clk.advance(4 * time.Second)
	if n := c.ExpireOverdue(clk.now()); n != 0 {
		t.Fatalf("expired %d sessions before the deadline", n)
	}

	clk.advance(2 * time.Second)
	if n := c.ExpireOverdue(clk.now()); n != 1 {
		t.Fatalf("ExpireOverdue = %d at 6s, want 1", n)
	}
}

func TestExpireOverdue_SlowSendsCountAgainstWindow(t *testing.T) {
	c, mock, clk := newTestCorrelator(t, 64)
	c.Open("s1", "42", 5*time.Second)

	// Every outbound part burns a second of wall time.
	mock.OnSend(func(channel.SentMessage) { clk.advance(time.Second) })

	text := strings.Repeat("a paragraph of review text that needs room\n\n", 8)
	future, err := c.Dispatch(context.Background(), "s1", "c1", text)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if mock.SentCount() < 6 {
		t.Fatalf("sent = %d, want enough parts to outlast the timeout", mock.SentCount())
	}

	// The window is anchored at dispatch acceptance, so the session is
	// already overdue when the last part lands.
	if n := c.ExpireOverdue(clk.now()); n != 1 {
		t.Fatalf("ExpireOverdue = %d, want 1 right after the slow send", n)
	}
	if r := <-future; r.Outcome != OutcomeExpired {
		t.Errorf("result = %+v, want expired", r)
	}
}

func TestExpireOverdue_RemovesAfterRetention(t *testing.T) {
	c, _, clk := newTestCorrelator(t, 4096)
	c.Open("s1", "42", time.Second)
	if _, err := c.Dispatch(context.Background(), "s1", "c1", "ping"); err != nil {
		t.Fatal(err)
	}

	clk.advance(2 * time.Second)
	c.ExpireOverdue(clk.now())
	if _, ok := c.Get("s1"); !ok {
		t.Fatal("expired session should be retained for the grace window")
	}

	clk.advance(30 * time.Second)
	c.ExpireOverdue(clk.now())
	if _, ok := c.Get("s1"); ok {
		t.Error("session should be removed after the retention window")
	}
}

func TestCancel_ResolvesFailed(t *testing.T) {
	c, _, _ := newTestCorrelator(t, 4096)
	c.Open("s1", "42", time.Minute)
	future, err := c.Dispatch(context.Background(), "s1", "c1", "ping")
	if err != nil {
		t.Fatal(err)
	}

	cause := errors.New("caller went away")
	c.Cancel("s1", cause)

	r := <-future
	if r.Outcome != OutcomeFailed || !errors.Is(r.Err, cause) {
		t.Errorf("result = %+v, want failed with cause", r)
	}
	s, _ := c.Get("s1")
	if s.State != StateFailed {
		t.Errorf("state = %s, want failed", s.State)
	}
}

func TestExpireAll_DrainsAwaitingSessions(t *testing.T) {
	c, _, _ := newTestCorrelator(t, 4096)
	for _, id := range []string{"s1", "s2"} {
		c.Open(id, "42", time.Minute)
		if _, err := c.Dispatch(context.Background(), id, "c-"+id, "ping"); err != nil {
			t.Fatal(err)
		}
	}
	c.Open("idle", "42", time.Minute)

	if n := c.ExpireAll(); n != 2 {
		t.Fatalf("ExpireAll = %d, want 2", n)
	}
	if got := c.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1 (the idle session)", got)
	}
}

func TestSnapshot_CountsStates(t *testing.T) {
	c, _, clk := newTestCorrelator(t, 4096)
	c.Open("a", "42", time.Second)
	c.Open("b", "42", time.Minute)
	if _, err := c.Dispatch(context.Background(), "a", "c1", "ping"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Dispatch(context.Background(), "b", "c2", "ping"); err != nil {
		t.Fatal(err)
	}

	clk.advance(2 * time.Second)
	c.ExpireOverdue(clk.now())

	stats, sessions := c.Snapshot()
	if stats.Active != 1 || stats.Awaiting != 1 || stats.Retained != 1 {
		t.Errorf("stats = %+v, want 1 active awaiting and 1 retained", stats)
	}
	if stats.TotalDispatched != 2 || stats.TotalExpired != 1 {
		t.Errorf("counters = %+v, want 2 dispatched 1 expired", stats)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}
	if !sessions[0].CreatedAt.Before(sessions[1].CreatedAt) && !sessions[0].CreatedAt.Equal(sessions[1].CreatedAt) {
		t.Error("sessions should be ordered by creation time")
	}
}
