package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/server/servertest"
	"github.com/MarcoPoloResearchLab/planner/internal/session"
	"github.com/gorilla/websocket"
)

type staticSource struct {
	token  string
	userID string
}

func (s staticSource) Current() *session.Session {
	if s.token == "" {
		return nil
	}
	return &session.Session{UserID: s.userID, AccessToken: s.token}
}

func (s staticSource) OnChange(func(*session.Session)) func() { return func() {} }

func newTestClient(t *testing.T, baseURL string, source session.Source) *Client {
	t.Helper()
	api, err := New(Config{BaseURL: baseURL, Session: source, ReconnectBackoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return api
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "not a url", "http://"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestQueryContractOverHTTP(t *testing.T) {
	api := servertest.New(t, nil)
	token, userID := api.Token(t, "query@example.com")
	otherToken, otherID := api.Token(t, "other@example.com")
	owner := newTestClient(t, api.URL, staticSource{token: token, userID: userID})
	other := newTestClient(t, api.URL, staticSource{token: otherToken, userID: otherID})
	ctx := context.Background()

	raw, err := owner.Insert(ctx, "tasks", map[string]any{"title": "Write tests", "user_id": userID})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == "" {
		t.Fatalf("unexpected insert result %s (%v)", raw, err)
	}
	if _, err := owner.Insert(ctx, "subtasks", map[string]any{"task_id": created.ID, "title": "first"}); err != nil {
		t.Fatalf("child insert failed: %v", err)
	}

	children, err := owner.Select(ctx, "subtasks", remote.Where().In("task_id", created.ID, "missing"))
	if err != nil || len(children) != 1 {
		t.Fatalf("expected one child, got %d (%v)", len(children), err)
	}
	none, err := owner.Select(ctx, "subtasks", remote.Where().In("task_id"))
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil result for empty set, got %v (%v)", none, err)
	}

	byID := remote.Where().Eq("id", created.ID)
	rows, err := owner.Update(ctx, "tasks", byID, map[string]any{"priority": "high"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := other.Update(ctx, "tasks", byID, map[string]any{"priority": "low"}); remote.CodeOf(err) != remote.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := owner.Update(ctx, "tasks", byID, map[string]any{"priority": "urgent"}); remote.CodeOf(err) != remote.CodeInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}

	removed, err := owner.Delete(ctx, "tasks", byID)
	if err != nil || removed != 1 {
		t.Fatalf("expected one removed row, got %d (%v)", removed, err)
	}
	children, err = owner.Select(ctx, "subtasks", remote.Where().Eq("task_id", created.ID))
	if err != nil || len(children) != 0 {
		t.Fatalf("expected cascade delete, got %d (%v)", len(children), err)
	}
}

func TestRequestsWithoutSessionFailFast(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	t.Cleanup(server.Close)
	api := newTestClient(t, server.URL, nil)
	if _, err := api.Select(context.Background(), "tasks", remote.Where()); remote.CodeOf(err) != remote.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := api.OpenChannel(context.Background(), remote.ChannelSpec{Tables: []string{"tasks"}}); remote.CodeOf(err) != remote.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated channel, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no requests, got %d", calls)
	}
}

func TestErrorResponsesAreClassified(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		want   remote.Code
	}{
		{name: "typed body", status: http.StatusBadRequest, body: `{"error":{"code":"conflict","message":"dup"}}`, want: remote.CodeConflict},
		{name: "plain body", status: http.StatusServiceUnavailable, body: "maintenance", want: remote.CodeUnavailable},
		{name: "empty body", status: http.StatusNotFound, body: "", want: remote.CodeNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			t.Cleanup(server.Close)
			api := newTestClient(t, server.URL, staticSource{token: "t", userID: "u"})
			if _, err := api.Invoke(context.Background(), "generate-tasks", map[string]any{}); remote.CodeOf(err) != testCase.want {
				t.Fatalf("expected %q, got %v", testCase.want, err)
			}
		})
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	api := newTestClient(t, server.URL, staticSource{token: "t", userID: "u"})
	server.Close()
	if _, err := api.Select(context.Background(), "tasks", remote.Where()); !remote.IsTransient(err) {
		t.Fatalf("expected transport failures to be transient, got %v", err)
	}
}

func TestSignInThroughProvider(t *testing.T) {
	api := servertest.New(t, nil)
	unauthenticated := newTestClient(t, api.URL, nil)
	provider := session.NewProvider(session.ProviderConfig{Authenticator: unauthenticated})
	bound := unauthenticated.WithSession(provider)

	active, err := provider.SignIn(context.Background(), "grace@example.com", "Grace")
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	if active.UserID == "" || active.Email != "grace@example.com" || active.ExpiresAt.IsZero() {
		t.Fatalf("unexpected session %#v", active)
	}
	user, err := bound.User(context.Background())
	if err != nil || user.UserID != active.UserID {
		t.Fatalf("expected user %s, got %#v (%v)", active.UserID, user, err)
	}
	if _, err := unauthenticated.SignIn(context.Background(), "broken", ""); remote.CodeOf(err) != remote.CodeInvalid {
		t.Fatalf("expected invalid email to be rejected, got %v", err)
	}
}

func TestRealtimeChannelDeliversEvents(t *testing.T) {
	api := servertest.New(t, nil)
	token, userID := api.Token(t, "live@example.com")
	live := newTestClient(t, api.URL, staticSource{token: token, userID: userID})
	ctx := context.Background()

	channel, err := live.OpenChannel(ctx, remote.ChannelSpec{Tables: []string{"notes", "note_tags"}, Filter: remote.Where().Eq("user_id", userID)})
	if err != nil {
		t.Fatalf("open channel failed: %v", err)
	}
	if _, err := live.Insert(ctx, "notes", map[string]any{"title": "hello"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	select {
	case event := <-channel.Events():
		if event.Type != remote.EventInsert || event.Table != "notes" || event.RecordID() == "" {
			t.Fatalf("unexpected event %#v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}

	if err := live.CloseChannel(channel); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, open := <-channel.Events(); open {
		t.Fatalf("expected events to be closed")
	}

	if _, err := live.OpenChannel(ctx, remote.ChannelSpec{Tables: []string{"notes"}, Filter: remote.Where().Eq("user_id", "intruder")}); remote.CodeOf(err) != remote.CodeForbidden {
		t.Fatalf("expected forbidden channel, got %v", err)
	}
}

// flakyRealtime drops the first connection right after acknowledging it and streams
// one event on every later connection.
type flakyRealtime struct {
	mu          sync.Mutex
	connections int
	upgrader    websocket.Upgrader
}

func (f *flakyRealtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	var subscribe remote.Frame
	if err := conn.ReadJSON(&subscribe); err != nil {
		return
	}
	f.mu.Lock()
	f.connections++
	attempt := f.connections
	f.mu.Unlock()
	_ = conn.WriteJSON(remote.Frame{Type: remote.FrameSubscribed})
	if attempt == 1 {
		return
	}
	_ = conn.WriteJSON(remote.Frame{Type: remote.FrameEvent, Event: &remote.Event{Type: remote.EventDelete, Table: "tasks", OldID: "t1"}})
	_, _, _ = conn.ReadMessage()
}

func TestRealtimeChannelReconnectsAndSignalsResync(t *testing.T) {
	server := httptest.NewServer(&flakyRealtime{})
	t.Cleanup(server.Close)
	api := newTestClient(t, server.URL, staticSource{token: "t", userID: "u"})

	channel, err := api.OpenChannel(context.Background(), remote.ChannelSpec{Tables: []string{"tasks", "subtasks"}})
	if err != nil {
		t.Fatalf("open channel failed: %v", err)
	}
	t.Cleanup(func() { _ = api.CloseChannel(channel) })

	next := func() remote.Event {
		select {
		case event := <-channel.Events():
			return event
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event")
			return remote.Event{}
		}
	}
	resync := next()
	if resync.Type != remote.EventUpdate || resync.Table != "tasks" || len(resync.Row) != 0 {
		t.Fatalf("expected resync signal, got %#v", resync)
	}
	if event := next(); event.Type != remote.EventDelete || event.RecordID() != "t1" {
		t.Fatalf("expected streamed delete after reconnect, got %#v", event)
	}
}
