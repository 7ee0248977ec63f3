package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zulandar/semaphore/internal/ratelimit"
)

const (
	// defaultMaxAttempts bounds retries for a single send.
	defaultMaxAttempts = 5
	// defaultBaseDelay seeds the exponential backoff.
	defaultBaseDelay = 500 * time.Millisecond
	// defaultMaxDelay caps a single backoff wait.
	defaultMaxDelay = 30 * time.Second
	// defaultPollTimeout is the long-poll window for getUpdates.
	defaultPollTimeout = 30 * time.Second
	// rateWaitAttempts bounds how many times a send will wait for a
	// local rate-limit token before giving up.
	rateWaitAttempts = 10
	// dedupTTL is how long processed update IDs are remembered.
	dedupTTL = 10 * time.Minute
)

// Telegram implements Client over the Telegram Bot API using plain HTTP
// calls (sendMessage, getUpdates, getMe).
type Telegram struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *ratelimit.Bucket
	breaker *Breaker

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	pollTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	offset  int64
	inbound chan InboundUpdate
	cancel  context.CancelFunc
	seen    *gocache.Cache // update-ID dedup across poll retries

	sleep func(ctx context.Context, d time.Duration) error // test override
}

// TelegramOpts holds parameters for creating a Telegram client.
type TelegramOpts struct {
	Token       string
	Limiter     *ratelimit.Bucket // required
	Breaker     *Breaker          // optional; defaults applied
	HTTPClient  *http.Client      // optional
	BaseURL     string            // optional API root override (tests)
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	PollTimeout time.Duration
}

// NewTelegram creates a Telegram client.
func NewTelegram(opts TelegramOpts) (*Telegram, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("telegram: rate limiter is required")
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewBreaker(BreakerOpts{})
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Telegram{
		token:       opts.Token,
		baseURL:     baseURL,
		http:        httpClient,
		limiter:     opts.Limiter,
		breaker:     breaker,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		pollTimeout: pollTimeout,
		inbound:     make(chan InboundUpdate, 100),
		seen:        gocache.New(dedupTTL, dedupTTL),
		sleep:       sleepCtx,
	}, nil
}

// --- wire types ---

type tgResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *tgParameters   `json:"parameters"`
}

type tgParameters struct {
	RetryAfter int `json:"retry_after"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64      `json:"message_id"`
	Date      int64      `json:"date"`
	Text      string     `json:"text"`
	Chat      tgChat     `json:"chat"`
	From      *tgUser    `json:"from"`
	ReplyTo   *tgMessage `json:"reply_to_message"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// Send delivers text to a chat with rate limiting, bounded retry with
// exponential backoff and jitter, and circuit-breaker protection.
func (t *Telegram) Send(ctx context.Context, chatID, text string, replyTo int64) (int64, error) {
	if err := t.breaker.Allow(); err != nil {
		return 0, err
	}

	// A local throttle failure is not an endpoint fault; it does not
	// touch the breaker.
	if err := t.waitForToken(ctx); err != nil {
		return 0, err
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
	}

	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := t.backoff(attempt - 1)
			if ae, ok := lastErr.(*apiError); ok && ae.RetryAfter > 0 {
				wait = time.Duration(ae.RetryAfter) * time.Second
			}
			log.Printf("telegram: send retry %d/%d in %v: %v", attempt, t.maxAttempts-1, wait, lastErr)
			if err := t.sleep(ctx, wait); err != nil {
				return 0, err
			}
		}

		var msg tgMessage
		err := t.call(ctx, "sendMessage", payload, &msg)
		if err == nil {
			t.breaker.Success()
			return msg.MessageID, nil
		}

		// Credential errors and outright request rejections are terminal:
		// retrying cannot change the outcome, and neither indicates an
		// unhealthy endpoint, so the breaker stays untouched.
		if ae, ok := err.(*AuthError); ok {
			return 0, ae
		}
		if re, ok := err.(*RequestError); ok {
			return 0, re
		}
		t.breaker.Failure()
		lastErr = err
	}
	return 0, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// waitForToken blocks (bounded) until the local token bucket grants a
// send. Callers back off rather than spin; exhausting the bounded wait
// surfaces ErrRateLimited.
func (t *Telegram) waitForToken(ctx context.Context) error {
	for i := 0; i < rateWaitAttempts; i++ {
		if t.limiter.TryAcquire(1) {
			return nil
		}
		wait := t.limiter.RetryAfter()
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return ErrRateLimited
}

// backoff computes the exponential backoff with jitter for a retry.
func (t *Telegram) backoff(attempt int) time.Duration {
	wait := t.baseDelay << uint(attempt)
	if wait > t.maxDelay {
		wait = t.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(t.baseDelay)))
	if wait+jitter > t.maxDelay {
		return t.maxDelay
	}
	return wait + jitter
}

// Listen starts the long-poll loop and returns the inbound channel.
func (t *Telegram) Listen(ctx context.Context) (<-chan InboundUpdate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("telegram: client closed")
	}
	if t.cancel != nil {
		return nil, fmt.Errorf("telegram: already listening")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.pollLoop(pollCtx)
	return t.inbound, nil
}

// pollLoop long-polls getUpdates and pushes messages onto the inbound
// channel until the context is cancelled.
func (t *Telegram) pollLoop(ctx context.Context) {
	defer close(t.inbound)

	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("telegram: poll: %v", err)
			if err := t.sleep(ctx, 5*time.Second); err != nil {
				return
			}
			continue
		}

		for _, u := range updates {
			t.mu.Lock()
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.mu.Unlock()

			key := strconv.FormatInt(u.UpdateID, 10)
			if _, dup := t.seen.Get(key); dup {
				continue
			}
			t.seen.Set(key, struct{}{}, gocache.DefaultExpiration)

			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			if u.Message.From != nil && u.Message.From.IsBot {
				continue
			}
			inb := toInbound(u)
			select {
			case t.inbound <- inb:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toInbound converts a Telegram update into the channel-neutral form.
func toInbound(u *tgUpdate) InboundUpdate {
	m := u.Message
	inb := InboundUpdate{
		UpdateID:  u.UpdateID,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		MessageID: m.MessageID,
		Text:      m.Text,
		Timestamp: time.Unix(m.Date, 0),
	}
	if m.From != nil {
		inb.UserID = m.From.ID
		inb.UserName = m.From.Username
	}
	if m.ReplyTo != nil {
		inb.InReplyTo = m.ReplyTo.MessageID
	}
	return inb
}

// getUpdates performs one long-poll call.
func (t *Telegram) getUpdates(ctx context.Context) ([]*tgUpdate, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	params := url.Values{}
	params.Set("timeout", strconv.Itoa(int(t.pollTimeout/time.Second)))
	params.Set("allowed_updates", `["message"]`)
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", t.baseURL, t.token, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build request: %w", err)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}
	defer resp.Body.Close()

	var parsed tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	if !parsed.OK {
		return nil, respError(&parsed)
	}

	var updates []*tgUpdate
	if err := json.Unmarshal(parsed.Result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parse updates: %w", err)
	}
	return updates, nil
}

// TestConnection validates the credential via getMe and reports the bot
// identity.
func (t *Telegram) TestConnection(ctx context.Context) (string, error) {
	var me tgUser
	if err := t.call(ctx, "getMe", nil, &me); err != nil {
		return "", fmt.Errorf("telegram: credential check failed: %w", err)
	}
	return fmt.Sprintf("connected as @%s (id %d)", me.Username, me.ID), nil
}

// Close stops the poll loop. Safe to call more than once.
func (t *Telegram) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// BreakerState exposes the circuit state for status reporting.
func (t *Telegram) BreakerState() string {
	return t.breaker.State()
}

// call performs one Bot API method call and unmarshals the result.
func (t *Telegram) call(ctx context.Context, method string, payload map[string]any, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("telegram: encode %s: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return &apiError{Description: err.Error()}
	}
	defer resp.Body.Close()

	var parsed tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return &apiError{Code: resp.StatusCode, Description: "malformed response body"}
	}
	if !parsed.OK {
		return respError(&parsed)
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("telegram: parse %s result: %w", method, err)
		}
	}
	return nil
}

// respError classifies an API error response: auth codes and bad
// requests are terminal, everything else (including 429 with
// retry_after) is retryable.
func respError(r *tgResponse) error {
	if isAuthCode(r.ErrorCode) {
		return &AuthError{Code: r.ErrorCode, Description: r.Description}
	}
	if r.ErrorCode == 400 {
		return &RequestError{Code: r.ErrorCode, Description: r.Description}
	}
	e := &apiError{Code: r.ErrorCode, Description: r.Description}
	if r.Parameters != nil {
		e.RetryAfter = r.Parameters.RetryAfter
	}
	return e
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
