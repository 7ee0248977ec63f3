package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/semaphore/internal/bridge"
	"github.com/zulandar/semaphore/internal/channel"
	"github.com/zulandar/semaphore/internal/session"
)

func newTestRouter(t *testing.T) (*gin.Engine, *bridge.Bridge, *channel.MockClient, *session.Correlator) {
	t.Helper()
	mock := channel.NewMockClient()
	corr, err := session.NewCorrelator(session.CorrelatorOpts{
		Client:       mock,
		MaxChunkSize: 3800,
	})
	if err != nil {
		t.Fatalf("NewCorrelator: %v", err)
	}
	b, err := bridge.New(bridge.Opts{
		Client:        mock,
		Correlator:    corr,
		DefaultChatID: "42",
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, b, mock)
	return router, b, mock, corr
}

func TestFeedbackEndpoint_RoundTrip(t *testing.T) {
	router, _, mock, corr := newTestRouter(t)

	body := `{"session_id":"s1","call_id":"c1","text":"please review"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for mock.SentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never reached the channel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	last, _ := mock.LastSent()
	corr.CorrelateReply(channel.InboundUpdate{
		ChatID: "42", InReplyTo: last.MessageID, UserName: "alice", Text: "lgtm",
	})
	<-done

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["outcome"] != "replied" || got["reply_text"] != "lgtm" || got["call_id"] != "c1" {
		t.Errorf("response = %v, want the correlated reply", got)
	}
}

func TestFeedbackEndpoint_BadRequest(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(`{"text":"no session"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFeedbackEndpoint_ConflictWhenShuttingDown(t *testing.T) {
	router, b, _, _ := newTestRouter(t)
	b.Shutdown(0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/feedback",
		strings.NewReader(`{"session_id":"s1","text":"late"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got["sessions"]; !ok {
		t.Errorf("response = %v, want session counters", got)
	}
}

func TestTestEndpoint(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "mockbot") {
		t.Errorf("body = %s, want the probe diagnostic", rec.Body.String())
	}
}

func TestTestEndpoint_NoProber(t *testing.T) {
	_, b, _, _ := newTestRouter(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, b, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStart_RequiresBridge(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("want an error without a bridge")
	}
}
