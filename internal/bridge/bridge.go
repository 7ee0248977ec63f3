// Package bridge is the public entry point of the relay: it accepts
// feedback requests, drives the session correlator and the chat channel,
// and resolves each request when a correlated reply arrives or the
// session times out.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/semaphore/internal/channel"
	"github.com/zulandar/semaphore/internal/session"
)

// Defaults applied by New.
const (
	DefaultMaxChunkSize   = 3800 // headroom below the channel's 4096 hard limit
	DefaultSessionTimeout = 5 * time.Minute
	DefaultMaxSessions    = 5
	DefaultSweepInterval  = 2 * time.Second
)

var (
	// ErrOverloaded means the concurrent-session cap was reached.
	ErrOverloaded = errors.New("bridge: too many concurrent sessions")
	// ErrShuttingDown means the bridge no longer accepts submissions.
	ErrShuttingDown = errors.New("bridge: shutting down")
	// ErrChunking means the body cannot be delivered within size limits.
	ErrChunking = errors.New("bridge: content cannot be chunked")
)

// FeedbackRequest identifies one feedback call. Immutable once created.
type FeedbackRequest struct {
	CallID      string // generated when empty
	SessionID   string
	ChatID      string // falls back to the configured default chat
	Text        string
	ProjectPath string
	Timestamped bool
	Timeout     time.Duration // falls back to the configured session timeout
}

// FeedbackResult is the caller-facing resolution of a submitted request.
// Expiry is a well-formed outcome, not an error.
type FeedbackResult struct {
	CallID    string
	Outcome   session.Outcome
	ReplyText string
	ReplyFrom string
	RepliedAt time.Time
	Error     string // diagnostic when Outcome is failed
}

// Status is a point-in-time observability view.
type Status struct {
	Running      bool
	ShuttingDown bool
	Sessions     session.Stats
	BreakerState string
	LastFailure  string
}

// Recorder persists conversation transcripts, best-effort. Errors are
// logged and never fail a submission.
type Recorder interface {
	RecordRequest(sessionID, callID, chatID, text string) error
	RecordReply(sessionID, callID, from, text string) error
}

// Bridge accepts feedback requests and relays them over a chat channel.
type Bridge struct {
	client   channel.Client
	corr     *session.Correlator
	recorder Recorder
	out      io.Writer

	chatID         string
	enableChunking bool
	maxChunkSize   int
	sessionTimeout time.Duration
	maxSessions    int
	sweepInterval  time.Duration
	digestCron     string

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	lastFailure  string
	inflight     sync.WaitGroup

	now func() time.Time // test override
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	Client     channel.Client      // required
	Correlator *session.Correlator // optional; built from Client when nil
	Recorder   Recorder            // optional transcript store
	Out        io.Writer           // defaults to os.Stdout

	DefaultChatID   string
	DisableChunking bool // reject oversized bodies instead of splitting
	MaxChunkSize    int
	SessionTimeout  time.Duration
	MaxSessions     int
	SweepInterval   time.Duration
	Retention       time.Duration
	DigestCron      string // optional 5-field cron for the stats digest
}

// New creates a Bridge.
func New(opts Opts) (*Bridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("bridge: client is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	maxChunkSize := opts.MaxChunkSize
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	sessionTimeout := opts.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	maxSessions := opts.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	corr := opts.Correlator
	if corr == nil {
		var err error
		corr, err = session.NewCorrelator(session.CorrelatorOpts{
			Client:       opts.Client,
			MaxChunkSize: maxChunkSize,
			MaxSessions:  maxSessions,
			Retention:    opts.Retention,
		})
		if err != nil {
			return nil, fmt.Errorf("bridge: build correlator: %w", err)
		}
	}

	return &Bridge{
		client:         opts.Client,
		corr:           corr,
		recorder:       opts.Recorder,
		out:            out,
		chatID:         opts.DefaultChatID,
		enableChunking: !opts.DisableChunking,
		maxChunkSize:   maxChunkSize,
		sessionTimeout: sessionTimeout,
		maxSessions:    maxSessions,
		sweepInterval:  sweepInterval,
		digestCron:     opts.DigestCron,
		now:            time.Now,
	}, nil
}

// Run starts the inbound pump and the expiry sweep and blocks until the
// context is cancelled. On shutdown it posts a notice and closes the
// channel client.
func (b *Bridge) Run(ctx context.Context) error {
	fmt.Fprintf(b.out, "Semaphore connecting...\n")
	inbound, err := b.client.Listen(ctx)
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}

	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	sweep := time.NewTicker(b.sweepInterval)
	defer sweep.Stop()

	if b.digestCron != "" {
		go b.runDigestScheduler(ctx)
	}

	fmt.Fprintf(b.out, "Semaphore online\n")
	b.notify(ctx, "Semaphore online")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(b.out, "Semaphore shutting down...\n")
			b.notify(context.Background(), "Semaphore shutting down")
			if err := b.client.Close(); err != nil {
				log.Printf("bridge: close client: %v", err)
			}
			b.mu.Lock()
			b.running = false
			b.mu.Unlock()
			fmt.Fprintf(b.out, "Semaphore stopped\n")
			return nil

		case <-sweep.C:
			b.corr.ExpireOverdue(b.now())

		case u, ok := <-inbound:
			if !ok {
				fmt.Fprintf(b.out, "Semaphore inbound channel closed\n")
				b.mu.Lock()
				b.running = false
				b.mu.Unlock()
				return nil
			}
			if _, matched := b.corr.CorrelateReply(u); !matched {
				log.Printf("bridge: unmatched update from %s in chat %s (%d chars)",
					u.UserName, u.ChatID, len(u.Text))
			}
		}
	}
}

// Submit relays one feedback request and blocks until a reply arrives,
// the session expires, or delivery fails. Overlapping requests on one
// session and submissions past the concurrency cap fail fast with an
// error; delivery problems resolve as a failed result instead.
func (b *Bridge) Submit(ctx context.Context, req FeedbackRequest) (FeedbackResult, error) {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return FeedbackResult{}, ErrShuttingDown
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	if req.ChatID == "" {
		req.ChatID = b.chatID
	}
	if req.ChatID == "" {
		return FeedbackResult{}, fmt.Errorf("bridge: no chat id for call %s", req.CallID)
	}
	if req.Timeout <= 0 {
		req.Timeout = b.sessionTimeout
	}

	text := formatRequest(req, b.now())
	if !b.enableChunking && len(text) > b.maxChunkSize {
		err := fmt.Errorf("%w: %d chars with chunking disabled", ErrChunking, len(text))
		return b.failResult(req.CallID, err), nil
	}

	if existing, ok := b.corr.Get(req.SessionID); !ok || existing.Terminal() {
		// The correlator enforces the cap under its own lock, so racing
		// submissions cannot overshoot it.
		if _, err := b.corr.Open(req.SessionID, req.ChatID, req.Timeout); err != nil {
			if errors.Is(err, session.ErrSessionLimit) {
				return FeedbackResult{}, fmt.Errorf("%w: limit %d", ErrOverloaded, b.maxSessions)
			}
			return FeedbackResult{}, err
		}
	}

	if b.recorder != nil {
		if err := b.recorder.RecordRequest(req.SessionID, req.CallID, req.ChatID, req.Text); err != nil {
			log.Printf("bridge: record request %s: %v", req.CallID, err)
		}
	}

	future, err := b.corr.Dispatch(ctx, req.SessionID, req.CallID, text)
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) || errors.Is(err, session.ErrUnknownSession) {
			return FeedbackResult{}, err
		}
		// Delivery problems degrade to a prompt failed result rather
		// than an error the caller has to classify.
		return b.failResult(req.CallID, err), nil
	}

	select {
	case <-ctx.Done():
		b.corr.Cancel(req.SessionID, ctx.Err())
		return FeedbackResult{}, fmt.Errorf("bridge: call %s: %w", req.CallID, ctx.Err())
	case r := <-future:
		return b.finish(req, r), nil
	}
}

// finish converts a session result into the caller-facing form and
// records the reply transcript.
func (b *Bridge) finish(req FeedbackRequest, r session.Result) FeedbackResult {
	res := FeedbackResult{
		CallID:    r.CallID,
		Outcome:   r.Outcome,
		ReplyText: r.ReplyText,
		ReplyFrom: r.ReplyFrom,
		RepliedAt: r.RepliedAt,
	}
	if r.Err != nil {
		res.Error = r.Err.Error()
		b.recordFailure(r.Err)
	}
	if r.Outcome == session.OutcomeReplied && b.recorder != nil {
		if err := b.recorder.RecordReply(req.SessionID, r.CallID, r.ReplyFrom, r.ReplyText); err != nil {
			log.Printf("bridge: record reply %s: %v", r.CallID, err)
		}
	}
	return res
}

// failResult builds a failed outcome carrying the diagnostic.
func (b *Bridge) failResult(callID string, err error) FeedbackResult {
	b.recordFailure(err)
	return FeedbackResult{
		CallID:  callID,
		Outcome: session.OutcomeFailed,
		Error:   err.Error(),
	}
}

func (b *Bridge) recordFailure(err error) {
	b.mu.Lock()
	b.lastFailure = err.Error()
	b.mu.Unlock()
}

// Status reports open sessions, circuit state, and the last failure.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	st := Status{
		Running:      b.running,
		ShuttingDown: b.shuttingDown,
		LastFailure:  b.lastFailure,
	}
	b.mu.Unlock()

	st.Sessions, _ = b.corr.Snapshot()
	if bs, ok := b.client.(channel.BreakerStater); ok {
		st.BreakerState = bs.BreakerState()
	}
	return st
}

// Shutdown stops accepting submissions, waits up to grace for in-flight
// sessions to resolve, then force-expires the rest.
func (b *Bridge) Shutdown(grace time.Duration) {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return
	}
	b.shuttingDown = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		n := b.corr.ExpireAll()
		log.Printf("bridge: drain grace elapsed, force-expired %d sessions", n)
		<-done
	}
}

// notify posts a status notice to the default chat, best-effort.
func (b *Bridge) notify(ctx context.Context, text string) {
	if b.chatID == "" {
		return
	}
	if _, err := b.client.Send(ctx, b.chatID, text, 0); err != nil {
		log.Printf("bridge: notify: %v", err)
	}
}
