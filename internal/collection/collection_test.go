package collection

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/session"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
)

type harness struct {
	query    *fakeQuery
	realtime *fakeRealtime
	manager  *subscription.Manager
	items    *Collection[item]
	sleeps   []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T, strategy Strategy) *harness {
	t.Helper()
	h := &harness{query: newFakeQuery(), realtime: newFakeRealtime()}
	h.manager = subscription.NewManager(subscription.ManagerConfig{
		Name:     "items",
		Tables:   []string{"items", "parts"},
		Realtime: h.realtime,
	})
	temp := 0
	items, err := New(Config[item]{
		Entity:        itemEntity{},
		Query:         h.query,
		Subscriptions: h.manager,
		Strategy:      strategy,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
		NewTempID: func() string {
			temp++
			return tempIDPrefix + string(rune('a'+temp-1))
		},
	})
	if err != nil {
		t.Fatalf("new collection: %v", err)
	}
	h.items = items
	t.Cleanup(items.Close)
	return h
}

func TestLoadOrdersRecordsAndAttachesChildren(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	h.query.seed("items", map[string]any{"id": "b", "user_id": "u1", "title": "second", "created_at": "2024-01-02T00:00:00Z"})
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first", "created_at": "2024-01-01T00:00:00Z"})
	h.query.seed("items", map[string]any{"id": "x", "user_id": "u2", "title": "foreign"})
	h.query.seed("parts", map[string]any{"id": "p1", "item_id": "a", "label": "one"})
	h.query.seed("parts", map[string]any{"id": "p2", "item_id": "x", "label": "foreign"})

	if err := h.items.Activate(context.Background(), "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	snapshot := h.items.Snapshot()
	if got := ids(snapshot); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected snapshot order %v", got)
	}
	if len(snapshot[0].Parts) != 1 || snapshot[0].Parts[0].ID != "p1" {
		t.Fatalf("expected child attached to a, got %#v", snapshot[0].Parts)
	}
	if len(snapshot[1].Parts) != 0 {
		t.Fatalf("expected no children on b, got %#v", snapshot[1].Parts)
	}
	if state := h.items.State(); state.Loading || state.Err != nil || state.Owner != "u1" {
		t.Fatalf("unexpected state %#v", state)
	}
}

func TestLoadRetriesTransientFailuresWithLinearBackoff(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	unavailable := remote.NewError(remote.CodeUnavailable, "down")
	h.query.fail("select", "items", unavailable, unavailable)

	if err := h.items.Activate(context.Background(), "u1"); err != nil {
		t.Fatalf("expected third attempt to succeed, got %v", err)
	}
	if len(h.items.Snapshot()) != 1 {
		t.Fatalf("expected loaded record")
	}
	if !reflect.DeepEqual(h.sleeps, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}) {
		t.Fatalf("unexpected backoff %v", h.sleeps)
	}
}

func TestLoadGivesUpAfterAttemptsAndRecordsError(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	unavailable := remote.NewError(remote.CodeUnavailable, "down")
	h.query.fail("select", "items", unavailable, unavailable, unavailable)

	err := h.items.Activate(context.Background(), "u1")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	if h.query.callCount("select", "items") != 3 {
		t.Fatalf("expected three attempts, got %d", h.query.callCount("select", "items"))
	}
	if !errors.Is(h.items.State().Err, ErrRemoteUnavailable) {
		t.Fatalf("expected error recorded in state")
	}
	h.items.DismissError()
	if h.items.State().Err != nil {
		t.Fatalf("expected dismissed error")
	}
}

func TestLoadDoesNotRetryPermanentFailures(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	h.query.fail("select", "items", remote.NewError(remote.CodeForbidden, "nope"))

	err := h.items.Activate(context.Background(), "u1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if h.query.callCount("select", "items") != 1 {
		t.Fatalf("expected a single attempt, got %d", h.query.callCount("select", "items"))
	}
}

func TestOperationsWithoutSessionFailBeforeRemoteCalls(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()

	if err := h.items.Load(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated load, got %v", err)
	}
	if _, err := h.items.Create(ctx, CreateRequest{Fields: map[string]any{"title": "x"}}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated create, got %v", err)
	}
	if _, err := h.items.Update(ctx, "a", UpdateRequest{Fields: map[string]any{"done": true}}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated update, got %v", err)
	}
	if err := h.items.Delete(ctx, "a"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated delete, got %v", err)
	}
	for _, op := range []string{"select", "insert", "update", "delete"} {
		if h.query.callCount(op, "items") != 0 {
			t.Fatalf("expected no %s call", op)
		}
	}
}

func TestCreateValidatesBeforeRemoteCall(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	if err := h.items.Activate(context.Background(), "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	_, err := h.items.Create(context.Background(), CreateRequest{Fields: map[string]any{"title": "   "}})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if h.query.callCount("insert", "items") != 0 {
		t.Fatalf("expected no insert")
	}
	if len(h.items.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}

func TestCreateShowsOptimisticRecordUntilServerAnswers(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	var during []string
	h.query.beforeInsert = func(table string) {
		if table == "items" {
			during = ids(h.items.Snapshot())
		}
	}

	created, err := h.items.Create(ctx, CreateRequest{
		Fields:   map[string]any{"title": "Buy milk", "id": "client-chosen"},
		Children: []map[string]any{{"label": "whole"}, {"label": "oat"}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !reflect.DeepEqual(during, []string{"tmp_a"}) {
		t.Fatalf("expected optimistic record during insert, got %v", during)
	}
	if created.ID == "" || created.ID == "client-chosen" || created.UserID != "u1" {
		t.Fatalf("expected server assigned id and owner, got %#v", created)
	}
	if len(created.Parts) != 2 {
		t.Fatalf("expected two children, got %#v", created.Parts)
	}
	snapshot := h.items.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != created.ID {
		t.Fatalf("expected server record replacing temporary one, got %v", ids(snapshot))
	}
}

func TestCreateFailureRollsBackOptimisticRecord(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	h.query.fail("insert", "items", remote.NewError(remote.CodeUnavailable, "down"))

	if _, err := h.items.Create(ctx, CreateRequest{Fields: map[string]any{"title": "x"}}); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	if len(h.items.Snapshot()) != 0 {
		t.Fatalf("expected rollback, got %v", ids(h.items.Snapshot()))
	}
	if h.query.callCount("insert", "items") != 1 {
		t.Fatalf("expected writes never retried")
	}
}

func TestCreateChildFailureKeepsParent(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	h.query.fail("insert", "parts", remote.NewError(remote.CodeInvalid, "bad child"))

	created, err := h.items.Create(ctx, CreateRequest{
		Fields:   map[string]any{"title": "x"},
		Children: []map[string]any{{"label": "a"}},
	})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected child failure surfaced, got %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected created parent returned")
	}
	if _, ok := h.items.Get(created.ID); !ok {
		t.Fatalf("expected parent kept in snapshot")
	}
}

func TestUpdateAppliesPatchAndUpsertsChildren(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	h.query.seed("parts", map[string]any{"id": "p1", "item_id": "a", "label": "one"})
	h.query.seed("parts", map[string]any{"id": "p2", "item_id": "a", "label": "two"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	updated, err := h.items.Update(ctx, "a", UpdateRequest{
		Fields: map[string]any{"done": true},
		Children: []ChildUpsert{
			{ID: "p1", Fields: map[string]any{"label": "uno"}},
			{Fields: map[string]any{"label": "three"}},
		},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.Done {
		t.Fatalf("expected patched parent, got %#v", updated)
	}
	labels := map[string]string{}
	for _, child := range updated.Parts {
		labels[child.ID] = child.Label
	}
	if len(labels) != 3 || labels["p1"] != "uno" || labels["p2"] != "two" {
		t.Fatalf("unexpected children %#v", updated.Parts)
	}
	if got, _ := h.items.Get("a"); !got.Done || len(got.Parts) != 3 {
		t.Fatalf("expected snapshot to hold merged record, got %#v", got)
	}
}

func TestUpdateFailureRollsBackOptimisticPatch(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	h.query.fail("update", "items", remote.NewError(remote.CodeUnavailable, "down"))

	var seen []bool
	cancel := h.items.Observe(func(records []item) {
		if len(records) == 1 {
			seen = append(seen, records[0].Done)
		}
	})
	defer cancel()

	if _, err := h.items.Update(ctx, "a", UpdateRequest{Fields: map[string]any{"done": true}}); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	if got, _ := h.items.Get("a"); got.Done {
		t.Fatalf("expected rollback")
	}
	if !reflect.DeepEqual(seen, []bool{false, true, false}) {
		t.Fatalf("expected optimistic then rolled back notifications, got %v", seen)
	}
}

func TestUpdateOfVanishedRecordRemovesIt(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(ctx context.Context, h *harness)
	}{
		{
			name: "no rows updated",
			setup: func(ctx context.Context, h *harness) {
				if _, err := h.query.Delete(ctx, "items", remote.Where().Eq("id", "a").Eq("user_id", "u1")); err != nil {
					t.Fatalf("delete failed: %v", err)
				}
			},
		},
		{
			name: "not found error",
			setup: func(_ context.Context, h *harness) {
				h.query.fail("update", "items", remote.NewError(remote.CodeNotFound, "a"))
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newHarness(t, StrategyPatch)
			ctx := context.Background()
			h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
			h.query.seed("items", map[string]any{"id": "b", "user_id": "u1", "title": "second"})
			if err := h.items.Activate(ctx, "u1"); err != nil {
				t.Fatalf("activate failed: %v", err)
			}
			testCase.setup(ctx, h)

			if _, err := h.items.Update(ctx, "a", UpdateRequest{Fields: map[string]any{"done": true}}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if got := ids(h.items.Snapshot()); !reflect.DeepEqual(got, []string{"b"}) {
				t.Fatalf("expected vanished record dropped, got %v", got)
			}
			if state := h.items.State(); !errors.Is(state.Err, ErrNotFound) {
				t.Fatalf("expected not found recorded, got %v", state.Err)
			}
		})
	}
}

func TestUpdateChildFailureKeepsParentPatch(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	_, err := h.items.Update(ctx, "a", UpdateRequest{
		Fields:   map[string]any{"title": "renamed"},
		Children: []ChildUpsert{{ID: "missing", Fields: map[string]any{"label": "x"}}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected child not found, got %v", err)
	}
	if got, _ := h.items.Get("a"); got.Title != "renamed" {
		t.Fatalf("expected parent patch kept, got %#v", got)
	}
	if rows := h.query.rows("items"); rows[0]["title"] != "renamed" {
		t.Fatalf("expected remote parent updated")
	}
}

func TestUpdateAndDeleteReportOwnership(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "x", "user_id": "u2", "title": "foreign"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	if _, err := h.items.Update(ctx, "x", UpdateRequest{Fields: map[string]any{"done": true}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized update, got %v", err)
	}
	if _, err := h.items.Update(ctx, "nope", UpdateRequest{Fields: map[string]any{"done": true}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found update, got %v", err)
	}
	if err := h.items.Delete(ctx, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized delete, got %v", err)
	}
	if err := h.items.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found delete, got %v", err)
	}
	if rows := h.query.rows("items"); len(rows) != 1 || rows[0]["done"] != nil {
		t.Fatalf("expected foreign row untouched, got %#v", rows)
	}
}

func TestUpdateRejectsEmptyAndTemporaryRequests(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if _, err := h.items.Update(ctx, "a", UpdateRequest{}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if _, err := h.items.Update(ctx, "a", UpdateRequest{Fields: map[string]any{"title": ""}}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected blank title rejected, got %v", err)
	}
	if _, err := h.items.Update(ctx, "tmp_z", UpdateRequest{Fields: map[string]any{"done": true}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected temporary id rejected, got %v", err)
	}
	if h.query.callCount("update", "items") != 0 {
		t.Fatalf("expected no remote update")
	}
}

func TestDeleteRemovesRecordOnAcknowledgement(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	h.query.seed("items", map[string]any{"id": "b", "user_id": "u1", "title": "second"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	h.query.fail("delete", "items", remote.NewError(remote.CodeUnavailable, "down"))

	if err := h.items.Delete(ctx, "a"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected failure, got %v", err)
	}
	if len(h.items.Snapshot()) != 2 {
		t.Fatalf("expected record kept after failed delete")
	}
	if err := h.items.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := ids(h.items.Snapshot()); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("unexpected snapshot %v", got)
	}
}

func TestReloadStrategyMatchesStoreAfterWrites(t *testing.T) {
	h := newHarness(t, StrategyReload)
	ctx := context.Background()
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	created, err := h.items.Create(ctx, CreateRequest{Fields: map[string]any{"title": "x"}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Another client adds a row without an event reaching us.
	h.query.seed("items", map[string]any{"id": "other", "user_id": "u1", "title": "elsewhere"})
	if _, err := h.items.Update(ctx, created.ID, UpdateRequest{Fields: map[string]any{"done": true}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := ids(h.items.Snapshot()); !reflect.DeepEqual(got, []string{created.ID, "other"}) {
		t.Fatalf("expected snapshot to mirror store, got %v", got)
	}
	if h.query.callCount("select", "items") != 3 {
		t.Fatalf("expected a reload after each write, got %d selects", h.query.callCount("select", "items"))
	}
}

func TestRealtimeEventsUpdateSnapshot(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if h.realtime.openCount() != 1 {
		t.Fatalf("expected realtime channel opened on activation")
	}

	h.query.seed("items", map[string]any{"id": "b", "user_id": "u1", "title": "second"})
	row, _ := json.Marshal(map[string]any{"id": "b", "user_id": "u1"})
	h.realtime.emit(remote.Event{Type: remote.EventInsert, Table: "items", Row: row})
	eventually(t, "insert reload", func() bool { return len(h.items.Snapshot()) == 2 })

	h.realtime.emit(remote.Event{Type: remote.EventDelete, Table: "items", OldID: "missing"})
	h.realtime.emit(remote.Event{Type: remote.EventDelete, Table: "items", OldID: "a"})
	eventually(t, "delete applied", func() bool {
		return reflect.DeepEqual(ids(h.items.Snapshot()), []string{"b"})
	})

	h.query.seed("parts", map[string]any{"id": "p1", "item_id": "b", "label": "child"})
	child, _ := json.Marshal(map[string]any{"id": "p1", "item_id": "b"})
	h.realtime.emit(remote.Event{Type: remote.EventInsert, Table: "parts", Row: child})
	eventually(t, "child reload", func() bool {
		record, ok := h.items.Get("b")
		return ok && len(record.Parts) == 1
	})
}

func TestEventsForRecordWithPendingUpdateAreIgnored(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	before := h.query.callCount("select", "items")

	h.items.mu.Lock()
	epoch := h.items.epoch
	h.items.pending["a"] = 1
	h.items.mu.Unlock()

	h.items.handleEvent(epoch, remote.Event{Type: remote.EventDelete, Table: "items", OldID: "a"})
	row, _ := json.Marshal(map[string]any{"id": "a", "user_id": "u1"})
	h.items.handleEvent(epoch, remote.Event{Type: remote.EventUpdate, Table: "items", Row: row})
	child, _ := json.Marshal(map[string]any{"id": "p", "item_id": "a"})
	h.items.handleEvent(epoch, remote.Event{Type: remote.EventInsert, Table: "parts", Row: child})

	time.Sleep(20 * time.Millisecond)
	if len(h.items.Snapshot()) != 1 {
		t.Fatalf("expected record kept while update in flight")
	}
	if h.query.callCount("select", "items") != before {
		t.Fatalf("expected no reload while update in flight")
	}
}

func TestSessionChangesSwitchOwner(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "mine"})
	h.query.seed("items", map[string]any{"id": "b", "user_id": "u2", "title": "theirs"})
	provider := session.NewProvider(session.ProviderConfig{})

	if err := h.items.Bind(ctx, provider); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if len(h.items.Snapshot()) != 0 || h.items.State().Owner != "" {
		t.Fatalf("expected inactive collection before sign in")
	}

	if err := provider.Set(&session.Session{UserID: "u1"}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	eventually(t, "u1 records", func() bool {
		return reflect.DeepEqual(ids(h.items.Snapshot()), []string{"a"})
	})

	if err := provider.Set(&session.Session{UserID: "u2"}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	for _, record := range h.items.Snapshot() {
		if record.UserID != "u2" {
			t.Fatalf("records of the previous owner survived the switch: %v", ids(h.items.Snapshot()))
		}
	}
	eventually(t, "u2 records", func() bool {
		return reflect.DeepEqual(ids(h.items.Snapshot()), []string{"b"})
	})
	eventually(t, "single channel", func() bool { return h.realtime.openCount() == 1 })

	provider.SignOut()
	if len(h.items.Snapshot()) != 0 {
		t.Fatalf("expected cleared snapshot after sign out")
	}
	eventually(t, "channel closed", func() bool { return h.realtime.openCount() == 0 })
}

func TestSessionSwitchReacquiresSharedChannel(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "mine"})
	h.query.seed("items", map[string]any{"id": "b", "user_id": "u2", "title": "theirs"})
	h.query.seed("items", map[string]any{"id": "c", "user_id": "u2", "title": "also theirs"})
	sibling, err := New(Config[item]{Entity: itemEntity{}, Query: h.query, Subscriptions: h.manager})
	if err != nil {
		t.Fatalf("new collection: %v", err)
	}
	t.Cleanup(sibling.Close)

	provider := session.NewProvider(session.ProviderConfig{})
	if err := h.items.Bind(ctx, provider); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	// A slow listener between the two keeps the sibling on the old owner for a while.
	provider.OnChange(func(*session.Session) { time.Sleep(50 * time.Millisecond) })
	if err := sibling.Bind(ctx, provider); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	if err := provider.Set(&session.Session{UserID: "u1"}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	eventually(t, "u1 leases", func() bool { return h.manager.Refs() == 2 })
	if err := provider.Set(&session.Session{UserID: "u2"}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	eventually(t, "u2 records", func() bool {
		return reflect.DeepEqual(ids(h.items.Snapshot()), []string{"b", "c"}) &&
			reflect.DeepEqual(ids(sibling.Snapshot()), []string{"b", "c"})
	})
	eventually(t, "u2 leases", func() bool { return h.manager.Refs() == 2 && h.realtime.openCount() == 1 })

	if _, err := h.query.Delete(ctx, "items", remote.Where().Eq("id", "b").Eq("user_id", "u2")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	h.realtime.emit(remote.Event{Type: remote.EventDelete, Table: "items", OldID: "b"})
	eventually(t, "delete reaches both collections", func() bool {
		return reflect.DeepEqual(ids(h.items.Snapshot()), []string{"c"}) &&
			reflect.DeepEqual(ids(sibling.Snapshot()), []string{"c"})
	})
}

func TestLoadResultDiscardedAfterSessionChange(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "mine"})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.query.beforeSelect = func(table string, filter remote.Filter) {
		if owner, _ := filter.Value("user_id"); table == "items" && owner == "u1" {
			entered <- struct{}{}
			<-release
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.items.Activate(context.Background(), "u1") }()
	<-entered
	h.items.Deactivate()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("expected stale load to resolve quietly, got %v", err)
	}
	if len(h.items.Snapshot()) != 0 {
		t.Fatalf("expected stale result discarded, got %v", ids(h.items.Snapshot()))
	}
}

func TestOverlappingLoadsApplyMostRecent(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var once sync.Once
	h.query.beforeSelect = func(table string, _ remote.Filter) {
		if table != "items" {
			return
		}
		blocked := false
		once.Do(func() { blocked = true })
		if blocked {
			entered <- struct{}{}
			<-release
		}
	}

	slow := make(chan error, 1)
	go func() { slow <- h.items.Load(ctx) }()
	<-entered
	h.query.seed("items", map[string]any{"id": "b", "user_id": "u1", "title": "second"})
	if err := h.items.Load(ctx); err != nil {
		t.Fatalf("fast load failed: %v", err)
	}
	// The slow load reads only after release, so removing b tells its result apart.
	if _, err := h.query.Delete(ctx, "items", remote.Where().Eq("id", "b").Eq("user_id", "u1")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	close(release)
	if err := <-slow; err != nil {
		t.Fatalf("slow load failed: %v", err)
	}
	if got := ids(h.items.Snapshot()); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected the later load to win, got %v", got)
	}
}

func TestObserverMayWriteToCollection(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	h.query.seed("items", map[string]any{"id": "a", "user_id": "u1", "title": "first"})
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	var (
		once    sync.Once
		written = make(chan error, 1)
		mu      sync.Mutex
		last    []item
	)
	observe := func(records []item) {
		mu.Lock()
		last = records
		mu.Unlock()
		if len(records) != 1 || records[0].Done {
			return
		}
		once.Do(func() {
			_, err := h.items.Update(ctx, records[0].ID, UpdateRequest{Fields: map[string]any{"done": true}})
			written <- err
		})
	}
	cancels := make(chan func(), 1)
	go func() { cancels <- h.items.Observe(observe) }()

	select {
	case err := <-written:
		if err != nil {
			t.Fatalf("update from observer failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("update from observer did not complete")
	}
	select {
	case cancel := <-cancels:
		defer cancel()
	case <-time.After(2 * time.Second):
		t.Fatalf("observe did not return")
	}
	if got, _ := h.items.Get("a"); !got.Done {
		t.Fatalf("expected update applied, got %#v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(last) != 1 || !last[0].Done {
		t.Fatalf("expected observer to end on the newest snapshot, got %#v", last)
	}
}

func TestObserversSeeSnapshotsInOrder(t *testing.T) {
	ctx := context.Background()
	items, err := New(Config[item]{Entity: itemEntity{}, Query: newFakeQuery()})
	if err != nil {
		t.Fatalf("new collection: %v", err)
	}
	t.Cleanup(items.Close)
	if err := items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []int
	)
	cancel := items.Observe(func(records []item) {
		mu.Lock()
		seen = append(seen, len(records))
		mu.Unlock()
	})
	defer cancel()

	var wg sync.WaitGroup
	for index := 0; index < 8; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := items.Create(ctx, CreateRequest{Fields: map[string]any{"title": "item"}}); err != nil {
				t.Errorf("create failed: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for index := 1; index < len(seen); index++ {
		if seen[index] < seen[index-1] {
			t.Fatalf("observer saw an older snapshot after a newer one: %v", seen)
		}
	}
	if seen[len(seen)-1] != 8 {
		t.Fatalf("expected the last delivery to hold every record, got %v", seen)
	}
}

func TestCloseReleasesLeaseAndRejectsOperations(t *testing.T) {
	h := newHarness(t, StrategyPatch)
	ctx := context.Background()
	if err := h.items.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	h.items.Close()
	if h.realtime.openCount() != 0 {
		t.Fatalf("expected channel closed")
	}
	if err := h.items.Load(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	h.items.Close()
}
