package store

import (
	"encoding/json"
	"time"
)

// Document is the persisted form of every row: a JSON payload keyed by table and id,
// with the owner and parent extracted into indexed columns.
type Document struct {
	Table          string `gorm:"column:table_name;primaryKey;size:64;not null;index:idx_documents_owner,priority:1"`
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;size:190;not null;index:idx_documents_owner,priority:2"`
	ParentID       string `gorm:"column:parent_id;size:190;not null;default:'';index:idx_documents_parent"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null;index:idx_documents_owner,priority:3"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

func (d Document) payload() (map[string]any, error) {
	fields := map[string]any{}
	if d.PayloadJSON == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(d.PayloadJSON), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}
