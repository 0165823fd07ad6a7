package tasks

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateRejectsInvalidFields(t *testing.T) {
	testCases := []struct {
		name     string
		fields   map[string]any
		creating bool
		want     error
	}{
		{name: "missing title on create", fields: map[string]any{"description": "x"}, creating: true, want: ErrInvalidTitle},
		{name: "blank title on patch", fields: map[string]any{"title": "  "}, want: ErrInvalidTitle},
		{name: "unknown priority", fields: map[string]any{"title": "a", "priority": "urgent"}, creating: true, want: ErrInvalidPriority},
		{name: "bad due date", fields: map[string]any{"title": "a", "due_date": "06/01/2024"}, creating: true, want: ErrInvalidDueDate},
		{name: "bad due time", fields: map[string]any{"due_time": "25:00"}, want: ErrInvalidDueTime},
		{name: "patch without title", fields: map[string]any{"is_completed": true}},
		{name: "cleared due date", fields: map[string]any{"due_date": nil}},
		{name: "complete draft", fields: map[string]any{"title": "a", "due_date": "2024-06-01", "due_time": "09:30", "priority": "high"}, creating: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := Entity.Validate(testCase.fields, testCase.creating)
			if testCase.want == nil {
				if err != nil {
					t.Fatalf("expected valid fields, got %v", err)
				}
				return
			}
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestDecodeRequiresIdentity(t *testing.T) {
	if _, err := Entity.Decode(json.RawMessage(`{"title":"a"}`)); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected malformed row, got %v", err)
	}
	task, err := Entity.Decode(json.RawMessage(`{"id":"t1","user_id":"u1","title":"a","completed_at":null}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if task.CompletedAt != nil || task.Due() != "" {
		t.Fatalf("unexpected task %#v", task)
	}
}

func TestAttachGroupsSubtasksByTask(t *testing.T) {
	records := []Task{{ID: "t1", UserID: "u1", Title: "a"}, {ID: "t2", UserID: "u1", Title: "b"}}
	children := []json.RawMessage{
		json.RawMessage(`{"id":"s1","task_id":"t1","title":"one","is_completed":true}`),
		json.RawMessage(`{"id":"s2","task_id":"t1","title":"two"}`),
		json.RawMessage(`{"id":"s3","task_id":"gone","title":"orphan"}`),
	}
	attached, err := Entity.Attach(records, children)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if len(attached[0].Subtasks) != 2 || attached[0].CompletedSubtasks() != 1 {
		t.Fatalf("unexpected subtasks %#v", attached[0].Subtasks)
	}
	if attached[1].Subtasks == nil || len(attached[1].Subtasks) != 0 {
		t.Fatalf("expected empty subtask list, got %#v", attached[1].Subtasks)
	}
	if records[0].Subtasks != nil {
		t.Fatalf("expected input records untouched")
	}
}

func TestPatchRequestSeparatesParentAndChildren(t *testing.T) {
	done := true
	empty := ""
	title := " new step "
	request := Patch{
		IsCompleted: &done,
		DueDate:     &empty,
		Subtasks: []SubtaskChange{
			{ID: "s1", IsCompleted: &done},
			{Title: &title},
		},
	}.Request()

	if request.Fields["is_completed"] != true {
		t.Fatalf("expected completion in parent fields, got %#v", request.Fields)
	}
	if value, ok := request.Fields["due_date"]; !ok || value != nil {
		t.Fatalf("expected cleared due date, got %#v", request.Fields)
	}
	if len(request.Children) != 2 || request.Children[0].ID != "s1" || request.Children[1].ID != "" {
		t.Fatalf("unexpected children %#v", request.Children)
	}
	if request.Children[1].Fields["title"] != "new step" {
		t.Fatalf("expected trimmed child title, got %#v", request.Children[1].Fields)
	}
}

func TestDraftRequestSkipsBlankSubtasks(t *testing.T) {
	request := Draft{Title: " Buy milk ", DueDate: "2024-06-01", Subtasks: []string{"whole", " ", "oat"}}.Request()
	if request.Fields["title"] != "Buy milk" || request.Fields["due_date"] != "2024-06-01" {
		t.Fatalf("unexpected fields %#v", request.Fields)
	}
	if _, ok := request.Fields["due_time"]; ok {
		t.Fatalf("expected unset due time to be omitted")
	}
	if len(request.Children) != 2 || request.Children[1]["position"] != 2 {
		t.Fatalf("unexpected children %#v", request.Children)
	}
}
