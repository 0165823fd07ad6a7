package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
)

type item struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Done      bool   `json:"done"`
	CreatedAt string `json:"created_at,omitempty"`
	Parts     []part `json:"parts,omitempty"`
}

type part struct {
	ID     string `json:"id"`
	ItemID string `json:"item_id"`
	Label  string `json:"label"`
}

type itemEntity struct{}

func (itemEntity) Name() string  { return "items" }
func (itemEntity) Table() string { return "items" }
func (itemEntity) Child() (ChildSpec, bool) {
	return ChildSpec{Table: "parts", ParentColumn: "item_id"}, true
}

func (itemEntity) Decode(raw json.RawMessage) (item, error) {
	var decoded item
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return item{}, err
	}
	if decoded.ID == "" || decoded.UserID == "" {
		return item{}, errors.New("id and user_id required")
	}
	return decoded, nil
}

func (itemEntity) Attach(records []item, children []json.RawMessage) ([]item, error) {
	byParent := map[string][]part{}
	for _, raw := range children {
		var decoded part
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		byParent[decoded.ItemID] = append(byParent[decoded.ItemID], decoded)
	}
	out := make([]item, len(records))
	for i, record := range records {
		record.Parts = byParent[record.ID]
		out[i] = record
	}
	return out, nil
}

func (itemEntity) CarryChildren(from, to item) item {
	to.Parts = from.Parts
	return to
}

func (itemEntity) ID(record item) string    { return record.ID }
func (itemEntity) Owner(record item) string { return record.UserID }

func (itemEntity) Validate(fields map[string]any, creating bool) error {
	title, present := fields["title"]
	if !present {
		if creating {
			return errors.New("title required")
		}
		return nil
	}
	text, ok := title.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return errors.New("title required")
	}
	return nil
}

// fakeQuery is an in-memory owner-aware store. Update and Delete answer forbidden when
// the id exists under another owner, mirroring row-level security.
type fakeQuery struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	seq      int
	calls    map[string]int
	failures map[string][]error

	beforeSelect func(table string, filter remote.Filter)
	beforeInsert func(table string)
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		tables:   map[string][]map[string]any{},
		calls:    map[string]int{},
		failures: map[string][]error{},
	}
}

func (q *fakeQuery) seed(table string, row map[string]any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	copied := copyFields(row)
	if _, ok := copied["created_at"]; !ok {
		copied["created_at"] = fmt.Sprintf("2024-01-01T00:00:%02dZ", q.seq)
	}
	q.tables[table] = append(q.tables[table], copied)
}

func (q *fakeQuery) fail(op, table string, errs ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := op + ":" + table
	q.failures[key] = append(q.failures[key], errs...)
}

func (q *fakeQuery) callCount(op, table string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[op+":"+table]
}

func (q *fakeQuery) rows(table string) []map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]map[string]any, 0, len(q.tables[table]))
	for _, row := range q.tables[table] {
		out = append(out, copyFields(row))
	}
	return out
}

func (q *fakeQuery) enter(op, table string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := op + ":" + table
	q.calls[key]++
	if queued := q.failures[key]; len(queued) > 0 {
		q.failures[key] = queued[1:]
		return queued[0]
	}
	return nil
}

func (q *fakeQuery) Select(_ context.Context, table string, filter remote.Filter) ([]json.RawMessage, error) {
	if q.beforeSelect != nil {
		q.beforeSelect(table, filter)
	}
	if err := q.enter("select", table); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var matched []map[string]any
	for _, row := range q.tables[table] {
		if matches(row, filter) {
			matched = append(matched, row)
		}
	}
	if ordering, ok := filter.Ordering(); ok {
		sort.SliceStable(matched, func(i, j int) bool {
			left, right := fmt.Sprint(matched[i][ordering.Column]), fmt.Sprint(matched[j][ordering.Column])
			if ordering.Ascending {
				return left < right
			}
			return left > right
		})
	}
	out := make([]json.RawMessage, 0, len(matched))
	for _, row := range matched {
		encoded, _ := json.Marshal(row)
		out = append(out, encoded)
	}
	return out, nil
}

func (q *fakeQuery) Insert(_ context.Context, table string, row any) (json.RawMessage, error) {
	if q.beforeInsert != nil {
		q.beforeInsert(table)
	}
	if err := q.enter("insert", table); err != nil {
		return nil, err
	}
	fields, ok := row.(map[string]any)
	if !ok {
		return nil, remote.NewError(remote.CodeInvalid, "row must be an object")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	stored := copyFields(fields)
	stored["id"] = fmt.Sprintf("%s-%d", table, q.seq)
	stored["created_at"] = fmt.Sprintf("2024-01-01T00:00:%02dZ", q.seq)
	q.tables[table] = append(q.tables[table], stored)
	return json.Marshal(stored)
}

func (q *fakeQuery) Update(_ context.Context, table string, filter remote.Filter, patch map[string]any) ([]json.RawMessage, error) {
	if err := q.enter("update", table); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.forbiddenLocked(table, filter); err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, row := range q.tables[table] {
		if !matches(row, filter) {
			continue
		}
		for column, value := range patch {
			row[column] = value
		}
		encoded, _ := json.Marshal(row)
		out = append(out, encoded)
	}
	return out, nil
}

func (q *fakeQuery) Delete(_ context.Context, table string, filter remote.Filter) (int, error) {
	if err := q.enter("delete", table); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.forbiddenLocked(table, filter); err != nil {
		return 0, err
	}
	kept := q.tables[table][:0]
	deleted := 0
	for _, row := range q.tables[table] {
		if matches(row, filter) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	q.tables[table] = kept
	return deleted, nil
}

func (q *fakeQuery) forbiddenLocked(table string, filter remote.Filter) error {
	id, hasID := filter.Value("id")
	owner, hasOwner := filter.Value("user_id")
	if !hasID || !hasOwner {
		return nil
	}
	for _, row := range q.tables[table] {
		if row["id"] == id && row["user_id"] != owner {
			return remote.NewError(remote.CodeForbidden, "row belongs to another owner")
		}
	}
	return nil
}

func matches(row map[string]any, filter remote.Filter) bool {
	for _, condition := range filter.Conditions() {
		value := fmt.Sprint(row[condition.Column])
		found := false
		for _, candidate := range condition.Values {
			if candidate == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type fakeRealtime struct {
	mu   sync.Mutex
	open map[*fakeChannel]bool
}

type fakeChannel struct {
	events chan remote.Event
}

func (c *fakeChannel) Events() <-chan remote.Event {
	return c.events
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{open: map[*fakeChannel]bool{}}
}

func (r *fakeRealtime) OpenChannel(context.Context, remote.ChannelSpec) (remote.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel := &fakeChannel{events: make(chan remote.Event, 16)}
	r.open[channel] = true
	return channel, nil
}

func (r *fakeRealtime) CloseChannel(channel remote.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	typed := channel.(*fakeChannel)
	if r.open[typed] {
		delete(r.open, typed)
		close(typed.events)
	}
	return nil
}

func (r *fakeRealtime) emit(event remote.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.open {
		channel.events <- event
	}
}

func (r *fakeRealtime) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func eventually(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func ids(records []item) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.ID)
	}
	return out
}
