//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
	"github.com/ashureev/deskpilot/internal/eventbus"
	"github.com/ashureev/deskpilot/internal/safety"
	"github.com/ashureev/deskpilot/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type fakeSessions struct {
	bus        *eventbus.Bus
	subscribed chan string

	mu        sync.Mutex
	startErr  error
	requests  []session.StartRequest
	cancelled []string
	snapshots map[string]session.Snapshot
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		bus:        eventbus.New(eventbus.Config{BufferSize: 16}, nil),
		subscribed: make(chan string, 4),
		snapshots:  make(map[string]session.Snapshot),
	}
}

func (f *fakeSessions) StartOrContinue(_ context.Context, req session.StartRequest) (session.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.startErr != nil {
		return session.StartResult{}, f.startErr
	}
	id := req.SessionID
	if id == "" {
		id = "new-session"
	}
	return session.StartResult{SessionID: id, Status: domain.StatusStarting}, nil
}

func (f *fakeSessions) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSessions) Get(id string) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return session.Snapshot{}, session.ErrSessionNotFound
	}
	return snap, nil
}

func (f *fakeSessions) Subscribe(id string) (*eventbus.Subscription, error) {
	sub, err := f.bus.Subscribe(id)
	switch {
	case errors.Is(err, eventbus.ErrUnknownStream):
		return nil, session.ErrSessionNotFound
	case errors.Is(err, eventbus.ErrSealed):
		return nil, session.ErrSessionClosed
	case err != nil:
		return nil, err
	}
	f.subscribed <- id
	return sub, nil
}

func (f *fakeSessions) startRequests() []session.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.StartRequest(nil), f.requests...)
}

func (f *fakeSessions) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func newTestServer(t *testing.T, sessions Sessions, limiter *RateLimiter) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewSessionHandler(sessions, limiter, SessionConfig{RetryDelay: 3 * time.Second}, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, got
}

// publishAfterSubscribe waits for a subscriber on id and then publishes evs.
func publishAfterSubscribe(t *testing.T, f *fakeSessions, id string, evs ...eventbus.Event) {
	t.Helper()
	go func() {
		select {
		case <-f.subscribed:
		case <-time.After(5 * time.Second):
			return
		}
		for _, ev := range evs {
			if _, err := f.bus.Publish(id, ev); err != nil {
				return
			}
		}
	}()
}

func TestStartSession(t *testing.T) {
	f := newFakeSessions()
	srv := newTestServer(t, f, nil)

	resp, got := postJSON(t, srv.URL+"/api/sessions", map[string]any{"instruction": "open the docs"})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	if got["sessionId"] != "new-session" {
		t.Errorf("Expected sessionId new-session, got %v", got["sessionId"])
	}
	immediate, ok := got["immediateResult"].(map[string]any)
	if !ok || immediate["status"] != string(domain.StatusStarting) {
		t.Errorf("Expected immediateResult.status starting, got %v", got["immediateResult"])
	}
	if reqs := f.startRequests(); len(reqs) != 1 || reqs[0].Instruction != "open the docs" {
		t.Errorf("Unexpected requests %+v", reqs)
	}
}

func TestContinueForwardsAcknowledgedFlags(t *testing.T) {
	f := newFakeSessions()
	srv := newTestServer(t, f, nil)

	resp, _ := postJSON(t, srv.URL+"/api/sessions", map[string]any{
		"sessionId":         "s1",
		"instruction":       "",
		"acknowledgedFlags": []string{"malicious_instructions"},
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	req := f.startRequests()[0]
	if req.SessionID != "s1" || len(req.AcknowledgedFlags) != 1 || req.AcknowledgedFlags[0] != "malicious_instructions" {
		t.Errorf("Unexpected forwarded request %+v", req)
	}
}

func TestStartErrorMapping(t *testing.T) {
	missing := []domain.RiskFlag{{ID: "sc_1", Category: "irrelevant_domain", Message: "off-task site"}}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "not found", err: session.ErrSessionNotFound, status: http.StatusNotFound, code: CodeSessionNotFound},
		{name: "busy", err: session.ErrSessionBusy, status: http.StatusConflict, code: CodeSessionBusy},
		{name: "closed", err: session.ErrSessionClosed, status: http.StatusConflict, code: CodeSessionClosed},
		{name: "empty", err: session.ErrEmptyInstruction, status: http.StatusBadRequest, code: CodeEmptyInstruction},
		{name: "shutting down", err: session.ErrShuttingDown, status: http.StatusServiceUnavailable, code: CodeShuttingDown},
		{name: "internal", err: errors.New("boom"), status: http.StatusInternalServerError, code: CodeInternal},
		{
			name:   "unacknowledged",
			err:    fmt.Errorf("%w: %w", session.ErrUnacknowledgedRisk, &safety.UnacknowledgedError{Missing: missing}),
			status: http.StatusConflict,
			code:   CodeUnacknowledgedRisk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeSessions()
			f.startErr = tt.err
			srv := newTestServer(t, f, nil)

			resp, got := postJSON(t, srv.URL+"/api/sessions", map[string]any{"sessionId": "s1", "instruction": "x"})

			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if got["code"] != tt.code {
				t.Errorf("Expected code %q, got %v", tt.code, got["code"])
			}
			if tt.code == CodeUnacknowledgedRisk {
				checks, ok := got["pendingSafetyChecks"].([]any)
				if !ok || len(checks) != 1 {
					t.Fatalf("Expected one pending safety check, got %v", got["pendingSafetyChecks"])
				}
				if check := checks[0].(map[string]any); check["id"] != "sc_1" {
					t.Errorf("Expected pending check sc_1, got %v", check)
				}
			}
		})
	}
}

func TestStartRejectsMalformedBody(t *testing.T) {
	f := newFakeSessions()
	srv := newTestServer(t, f, nil)

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if n := len(f.startRequests()); n != 0 {
		t.Errorf("Expected controller not to be called, got %d requests", n)
	}
}

func TestStartIsRateLimited(t *testing.T) {
	f := newFakeSessions()
	srv := newTestServer(t, f, NewRateLimiter(1, time.Minute))

	first, _ := postJSON(t, srv.URL+"/api/sessions", map[string]any{"instruction": "a"})
	second, got := postJSON(t, srv.URL+"/api/sessions", map[string]any{"instruction": "b"})

	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected first request to pass, got %d", first.StatusCode)
	}
	if second.StatusCode != http.StatusTooManyRequests || got["code"] != CodeRateLimited {
		t.Errorf("Expected 429 rate_limited, got %d %v", second.StatusCode, got)
	}
}

func TestCancelAlwaysSucceeds(t *testing.T) {
	f := newFakeSessions()
	srv := newTestServer(t, f, nil)

	resp, got := postJSON(t, srv.URL+"/api/sessions/unknown/cancel", map[string]any{})

	if resp.StatusCode != http.StatusOK || got["status"] != "cancelled" {
		t.Errorf("Expected 200 cancelled, got %d %v", resp.StatusCode, got)
	}
	if ids := f.cancelledIDs(); len(ids) != 1 || ids[0] != "unknown" {
		t.Errorf("Expected cancel to be forwarded, got %v", ids)
	}
}

func TestGetSnapshot(t *testing.T) {
	f := newFakeSessions()
	f.snapshots["s1"] = session.Snapshot{SessionID: "s1", Status: domain.StatusAwaitingInput}
	srv := newTestServer(t, f, nil)

	resp, err := http.Get(srv.URL + "/api/sessions/s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var got session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || got.Status != domain.StatusAwaitingInput {
		t.Errorf("Unexpected snapshot %d %+v", resp.StatusCode, got)
	}

	missing, err := http.Get(srv.URL + "/api/sessions/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", missing.StatusCode)
	}
}

func TestEventsStreamsUntilComplete(t *testing.T) {
	f := newFakeSessions()
	if err := f.bus.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	srv := newTestServer(t, f, nil)

	publishAfterSubscribe(t, f, "s1",
		eventbus.Log("Action: click at (10, 20)"),
		eventbus.Result("Done", domain.AnswerPayload{Answer: "Done"}),
		eventbus.Complete("Task completed", domain.CompletionPayload{Status: domain.StatusDone, Reason: domain.ReasonCompleted}),
	)

	resp, err := http.Get(srv.URL + "/api/sessions/s1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)

	if !strings.HasPrefix(text, "retry: 3000\n\n") {
		t.Errorf("Expected retry prelude, got %q", text)
	}

	var events []string
	for _, block := range strings.Split(strings.TrimSpace(text), "\n\n")[1:] {
		lines := strings.Split(block, "\n")
		if len(lines) != 3 || !strings.HasPrefix(lines[0], "id: ") {
			t.Fatalf("Malformed SSE frame %q", block)
		}
		events = append(events, strings.TrimPrefix(lines[1], "event: "))

		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &frame); err != nil {
			t.Fatalf("frame data is not JSON: %v", err)
		}
		if frame["type"] != events[len(events)-1] {
			t.Errorf("Frame type %v does not match event %s", frame["type"], events[len(events)-1])
		}
	}

	want := []string{"log", "result", "complete"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("Expected events %v, got %v", want, events)
	}
}

func TestEventsUnknownAndClosedSessions(t *testing.T) {
	f := newFakeSessions()
	if err := f.bus.Open("sealed"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.bus.Publish("sealed", eventbus.Complete("done", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	srv := newTestServer(t, f, nil)

	tests := []struct {
		id     string
		status int
	}{
		{id: "missing", status: http.StatusNotFound},
		{id: "sealed", status: http.StatusConflict},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + "/api/sessions/" + tt.id + "/events")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.id, tt.status, resp.StatusCode)
		}
	}
}

func TestWebSocketStreamsUntilComplete(t *testing.T) {
	f := newFakeSessions()
	if err := f.bus.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	srv := newTestServer(t, f, nil)

	publishAfterSubscribe(t, f, "s1",
		eventbus.Log("Thinking"),
		eventbus.Complete("Task completed", domain.CompletionPayload{Status: domain.StatusDone, Reason: domain.ReasonCompleted}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/s1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var frames []map[string]any
	for {
		var frame map[string]any
		err := wsjson.Read(ctx, conn, &frame)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
				t.Fatalf("Expected normal closure, got %v (%v)", status, err)
			}
			break
		}
		frames = append(frames, frame)
	}

	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d: %v", len(frames), frames)
	}
	if frames[0]["type"] != "log" || frames[1]["type"] != "complete" {
		t.Errorf("Unexpected frame order %v", frames)
	}
	if id, _ := frames[0]["id"].(string); id == "" {
		t.Errorf("Expected frame id, got %v", frames[0])
	}
}
