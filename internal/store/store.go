// Package store implements the backend document store: owner-scoped JSON rows kept in
// SQLite through GORM, with change events published to the realtime hub.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/realtime"
	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	queryTableOwner   = "table_name = ? AND user_id = ?"
	queryTableID      = "table_name = ? AND id = ?"
	queryTableParents = "table_name = ? AND parent_id IN ?"
	orderCreatedAsc   = "created_at_ns ASC, id ASC"
)

// Config describes the dependencies of a Store.
type Config struct {
	Database   *gorm.DB
	Schema     *Schema
	Hub        *realtime.Hub
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store executes row operations on behalf of a principal. The principal is the row-level
// security boundary: rows of other owners are invisible.
type Store struct {
	db         *gorm.DB
	schema     Schema
	hub        *realtime.Hub
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	clockMu   sync.Mutex
	lastNanos int64
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	schema := PlannerSchema()
	if cfg.Schema != nil {
		schema = *cfg.Schema
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		schema:     schema,
		hub:        cfg.Hub,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Schema exposes the table registry.
func (s *Store) Schema() Schema {
	return s.schema
}

// Select returns the rows of table visible to principal that match filter.
func (s *Store) Select(ctx context.Context, principal, table string, filter remote.Filter) ([]json.RawMessage, error) {
	schema, err := s.prepare(opSelect, principal, table)
	if err != nil {
		return nil, err
	}
	query, empty, err := s.scopedQuery(s.db.WithContext(ctx), principal, schema, filter)
	if err != nil {
		return nil, err
	}
	if empty {
		return []json.RawMessage{}, nil
	}
	var documents []Document
	if err := query.Find(&documents).Error; err != nil {
		s.logError(opSelect, reasonQueryFailed, err, zap.String("table", table))
		return nil, classify(remote.CodeUnavailable, opSelect, reasonQueryFailed, err)
	}
	rows := make([]json.RawMessage, 0, len(documents))
	for _, document := range documents {
		rows = append(rows, json.RawMessage(document.PayloadJSON))
	}
	return rows, nil
}

// Insert stores a new row owned by principal and returns it with server-assigned fields.
func (s *Store) Insert(ctx context.Context, principal, table string, row any) (json.RawMessage, error) {
	schema, err := s.prepare(opInsert, principal, table)
	if err != nil {
		return nil, err
	}
	fields, err := toFields(row)
	if err != nil {
		return nil, classify(remote.CodeInvalid, opInsert, reasonInvalidRow, err)
	}
	if owner, ok := fields[ColumnUserID].(string); ok && owner != "" && owner != principal {
		return nil, classify(remote.CodeForbidden, opInsert, reasonForbidden, errForeignRow)
	}
	delete(fields, ColumnID)
	delete(fields, ColumnUserID)
	delete(fields, ColumnCreatedAt)
	delete(fields, ColumnUpdatedAt)

	for column, value := range schema.Defaults {
		if _, present := fields[column]; !present {
			fields[column] = value
		}
	}
	if err := schema.validate(fields); err != nil {
		return nil, classify(remote.CodeInvalid, opInsert, reasonInvalidRow, err)
	}

	var (
		stored Document
		event  realtime.Message
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parentID := ""
		if schema.IsChild() {
			parentID, _ = fields[schema.ParentColumn].(string)
			if strings.TrimSpace(parentID) == "" {
				return classify(remote.CodeInvalid, opInsert, reasonInvalidRow, fmt.Errorf("%s is required", schema.ParentColumn))
			}
			if err := s.checkParent(tx, principal, schema, parentID); err != nil {
				return err
			}
		}

		rowID := ""
		if schema.IDFromOwner {
			rowID = principal
			var count int64
			if err := tx.Model(&Document{}).Where(queryTableID, schema.Name, rowID).Count(&count).Error; err != nil {
				return classify(remote.CodeUnavailable, opInsert, reasonQueryFailed, err)
			}
			if count > 0 {
				return classify(remote.CodeConflict, opInsert, reasonConflict, errRowExists)
			}
		} else {
			generated, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opInsert, reasonIDFailed, err, zap.String("table", table))
				return classify(remote.CodeInternal, opInsert, reasonIDFailed, err)
			}
			rowID = generated
		}

		now := s.now()
		if schema.Normalize != nil {
			if err := schema.Normalize(nil, fields, now); err != nil {
				return classify(remote.CodeInvalid, opInsert, reasonInvalidRow, err)
			}
		}
		fields[ColumnID] = rowID
		if !schema.IsChild() {
			fields[ColumnUserID] = principal
		}
		fields[ColumnCreatedAt] = formatTimestamp(now)
		fields[ColumnUpdatedAt] = formatTimestamp(now)

		payload, err := json.Marshal(fields)
		if err != nil {
			return classify(remote.CodeInternal, opInsert, reasonEncodeFailed, err)
		}
		stored = Document{
			Table:          schema.Name,
			ID:             rowID,
			UserID:         principal,
			ParentID:       parentID,
			PayloadJSON:    string(payload),
			CreatedAtNanos: now.UnixNano(),
			UpdatedAtNanos: now.UnixNano(),
		}
		if err := tx.Create(&stored).Error; err != nil {
			s.logError(opInsert, reasonWriteFailed, err, zap.String("table", table), zap.String("id", rowID))
			return classify(remote.CodeUnavailable, opInsert, reasonWriteFailed, err)
		}
		event = realtime.Message{
			OwnerID: principal,
			Event:   remote.Event{Type: remote.EventInsert, Table: schema.Name, Row: json.RawMessage(stored.PayloadJSON)},
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	s.publish(event)
	return json.RawMessage(stored.PayloadJSON), nil
}

// Update merges patch into every row matching filter and returns the updated rows.
// A filter that matches nothing yields not_found, or forbidden when the id exists under another owner.
func (s *Store) Update(ctx context.Context, principal, table string, filter remote.Filter, patch map[string]any) ([]json.RawMessage, error) {
	schema, err := s.prepare(opUpdate, principal, table)
	if err != nil {
		return nil, err
	}
	if filter.Empty() {
		return nil, classify(remote.CodeInvalid, opUpdate, reasonInvalidFilter, errors.New("update requires a filter"))
	}
	for column := range patch {
		if schema.reserved(column) {
			return nil, classify(remote.CodeInvalid, opUpdate, reasonInvalidRow, fmt.Errorf("%w: %s", errReservedColumn, column))
		}
		if !columnPattern.MatchString(column) {
			return nil, classify(remote.CodeInvalid, opUpdate, reasonInvalidRow, fmt.Errorf("%w: %s", errInvalidColumn, column))
		}
	}
	patchFields, err := toFields(patch)
	if err != nil {
		return nil, classify(remote.CodeInvalid, opUpdate, reasonInvalidRow, err)
	}

	var (
		rows   []json.RawMessage
		events []realtime.Message
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query, empty, err := s.scopedQuery(tx, principal, schema, filter)
		if err != nil {
			return err
		}
		var documents []Document
		if !empty {
			if err := query.Find(&documents).Error; err != nil {
				return classify(remote.CodeUnavailable, opUpdate, reasonQueryFailed, err)
			}
		}
		if len(documents) == 0 {
			return s.missing(tx, opUpdate, schema, filter)
		}
		now := s.now()
		for _, document := range documents {
			existing, err := document.payload()
			if err != nil {
				return classify(remote.CodeInternal, opUpdate, reasonDecodeFailed, err)
			}
			next := make(map[string]any, len(existing)+len(patchFields))
			for column, value := range existing {
				next[column] = value
			}
			for column, value := range patchFields {
				next[column] = value
			}
			if err := schema.validate(next); err != nil {
				return classify(remote.CodeInvalid, opUpdate, reasonInvalidRow, err)
			}
			if schema.Normalize != nil {
				if err := schema.Normalize(existing, next, now); err != nil {
					return classify(remote.CodeInvalid, opUpdate, reasonInvalidRow, err)
				}
			}
			next[ColumnUpdatedAt] = formatTimestamp(now)
			payload, err := json.Marshal(next)
			if err != nil {
				return classify(remote.CodeInternal, opUpdate, reasonEncodeFailed, err)
			}
			result := tx.Model(&Document{}).
				Where(queryTableID, document.Table, document.ID).
				Updates(map[string]any{"payload_json": string(payload), "updated_at_ns": now.UnixNano()})
			if result.Error != nil {
				s.logError(opUpdate, reasonWriteFailed, result.Error, zap.String("table", table), zap.String("id", document.ID))
				return classify(remote.CodeUnavailable, opUpdate, reasonWriteFailed, result.Error)
			}
			rows = append(rows, json.RawMessage(payload))
			events = append(events, realtime.Message{
				OwnerID: document.UserID,
				Event:   remote.Event{Type: remote.EventUpdate, Table: document.Table, Row: json.RawMessage(payload)},
			})
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	for _, event := range events {
		s.publish(event)
	}
	return rows, nil
}

// Delete removes the rows matching filter together with their children and reports
// how many rows of table were removed.
func (s *Store) Delete(ctx context.Context, principal, table string, filter remote.Filter) (int, error) {
	schema, err := s.prepare(opDelete, principal, table)
	if err != nil {
		return 0, err
	}
	if filter.Empty() {
		return 0, classify(remote.CodeInvalid, opDelete, reasonInvalidFilter, errors.New("delete requires a filter"))
	}

	var (
		removed int
		events  []realtime.Message
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query, empty, err := s.scopedQuery(tx, principal, schema, filter)
		if err != nil {
			return err
		}
		if empty {
			return nil
		}
		var documents []Document
		if err := query.Find(&documents).Error; err != nil {
			return classify(remote.CodeUnavailable, opDelete, reasonQueryFailed, err)
		}
		if len(documents) == 0 {
			return nil
		}
		ids := make([]string, 0, len(documents))
		for _, document := range documents {
			ids = append(ids, document.ID)
		}
		for _, child := range s.schema.Children(schema.Name) {
			var children []Document
			if err := tx.Where(queryTableParents, child.Name, ids).Find(&children).Error; err != nil {
				return classify(remote.CodeUnavailable, opDelete, reasonQueryFailed, err)
			}
			if len(children) == 0 {
				continue
			}
			if err := tx.Where(queryTableParents, child.Name, ids).Delete(&Document{}).Error; err != nil {
				return classify(remote.CodeUnavailable, opDelete, reasonWriteFailed, err)
			}
			for _, document := range children {
				events = append(events, deleteMessage(document))
			}
		}
		if err := tx.Where("table_name = ? AND id IN ?", schema.Name, ids).Delete(&Document{}).Error; err != nil {
			s.logError(opDelete, reasonWriteFailed, err, zap.String("table", table))
			return classify(remote.CodeUnavailable, opDelete, reasonWriteFailed, err)
		}
		for _, document := range documents {
			events = append(events, deleteMessage(document))
		}
		removed = len(documents)
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	for _, event := range events {
		s.publish(event)
	}
	return removed, nil
}

// Subscribe opens a realtime stream of principal's changes on tables.
func (s *Store) Subscribe(ctx context.Context, principal string, tables []string) (<-chan remote.Event, func(), error) {
	if strings.TrimSpace(principal) == "" {
		return nil, nil, classify(remote.CodeUnauthenticated, opChannel, reasonMissingPrincipal, errMissingPrincipal)
	}
	for _, table := range tables {
		if _, ok := s.schema.Table(table); !ok {
			return nil, nil, classify(remote.CodeInvalid, opChannel, reasonUnknownTable, fmt.Errorf("%w: %s", errUnknownTable, table))
		}
	}
	if s.hub == nil {
		return nil, nil, classify(remote.CodeUnavailable, opChannel, reasonMissingDatabase, errors.New("realtime hub not configured"))
	}
	stream, cleanup := s.hub.Subscribe(ctx, principal, tables)
	return stream, cleanup, nil
}

func (s *Store) prepare(operation, principal, table string) (TableSchema, error) {
	if s == nil || s.db == nil {
		return TableSchema{}, classify(remote.CodeInternal, operation, reasonMissingDatabase, errMissingDatabase)
	}
	if strings.TrimSpace(principal) == "" {
		return TableSchema{}, classify(remote.CodeUnauthenticated, operation, reasonMissingPrincipal, errMissingPrincipal)
	}
	schema, ok := s.schema.Table(table)
	if !ok {
		return TableSchema{}, classify(remote.CodeInvalid, operation, reasonUnknownTable, fmt.Errorf("%w: %s", errUnknownTable, table))
	}
	return schema, nil
}

// scopedQuery builds the owner-scoped query for filter. empty reports a filter that
// can match nothing (an empty IN set).
func (s *Store) scopedQuery(tx *gorm.DB, principal string, schema TableSchema, filter remote.Filter) (*gorm.DB, bool, error) {
	query := tx.Model(&Document{}).Where(queryTableOwner, schema.Name, principal)
	for _, condition := range filter.Conditions() {
		expression, err := columnExpression(schema, condition.Column)
		if err != nil {
			return nil, false, classify(remote.CodeInvalid, opSelect, reasonInvalidFilter, err)
		}
		switch condition.Op {
		case remote.OpEq:
			query = query.Where(expression+" = ?", firstValue(condition.Values))
		case remote.OpIn:
			if len(condition.Values) == 0 {
				return nil, true, nil
			}
			query = query.Where(expression+" IN ?", condition.Values)
		default:
			return nil, false, classify(remote.CodeInvalid, opSelect, reasonInvalidFilter, fmt.Errorf("unsupported operator %q", condition.Op))
		}
	}
	order := orderCreatedAsc
	if ordering, ok := filter.Ordering(); ok {
		expression, err := orderExpression(schema, ordering.Column)
		if err != nil {
			return nil, false, classify(remote.CodeInvalid, opSelect, reasonInvalidFilter, err)
		}
		direction := "DESC"
		if ordering.Ascending {
			direction = "ASC"
		}
		order = fmt.Sprintf("%s %s, id ASC", expression, direction)
	}
	return query.Order(order), false, nil
}

func (s *Store) checkParent(tx *gorm.DB, principal string, schema TableSchema, parentID string) error {
	var parent Document
	err := tx.Where(queryTableID, schema.ParentTable, parentID).Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return classify(remote.CodeNotFound, opInsert, reasonParentMissing, errParentMissing)
	}
	if err != nil {
		return classify(remote.CodeUnavailable, opInsert, reasonQueryFailed, err)
	}
	if parent.UserID != principal {
		return classify(remote.CodeForbidden, opInsert, reasonForbidden, errForeignRow)
	}
	return nil
}

func (s *Store) missing(tx *gorm.DB, operation string, schema TableSchema, filter remote.Filter) error {
	id, ok := filter.Value(ColumnID)
	if !ok {
		return classify(remote.CodeNotFound, operation, reasonNotFound, errNoMatchingRow)
	}
	var count int64
	if err := tx.Model(&Document{}).Where(queryTableID, schema.Name, id).Count(&count).Error; err != nil {
		return classify(remote.CodeUnavailable, operation, reasonQueryFailed, err)
	}
	if count > 0 {
		return classify(remote.CodeForbidden, operation, reasonForbidden, errForeignRow)
	}
	return classify(remote.CodeNotFound, operation, reasonNotFound, errNoMatchingRow)
}

// now returns a strictly increasing store time so updated_at always advances.
func (s *Store) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	current := s.clock().UTC()
	if current.UnixNano() <= s.lastNanos {
		current = time.Unix(0, s.lastNanos+1).UTC()
	}
	s.lastNanos = current.UnixNano()
	return current
}

func (s *Store) publish(message realtime.Message) {
	if s.hub == nil || message.OwnerID == "" {
		return
	}
	s.hub.Publish(message)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}

func columnExpression(schema TableSchema, column string) (string, error) {
	if !columnPattern.MatchString(column) {
		return "", fmt.Errorf("%w: %q", errInvalidColumn, column)
	}
	switch {
	case column == ColumnID:
		return "id", nil
	case column == ColumnUserID:
		return "user_id", nil
	case schema.IsChild() && column == schema.ParentColumn:
		return "parent_id", nil
	default:
		return fmt.Sprintf("json_extract(payload_json, '$.%s')", column), nil
	}
}

func orderExpression(schema TableSchema, column string) (string, error) {
	switch column {
	case ColumnCreatedAt:
		return "created_at_ns", nil
	case ColumnUpdatedAt:
		return "updated_at_ns", nil
	default:
		return columnExpression(schema, column)
	}
}

func deleteMessage(document Document) realtime.Message {
	return realtime.Message{
		OwnerID: document.UserID,
		Event:   remote.Event{Type: remote.EventDelete, Table: document.Table, OldID: document.ID},
	}
}

func toFields(row any) (map[string]any, error) {
	if row == nil {
		return nil, errors.New("row is required")
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("row must be a JSON object: %w", err)
	}
	return fields, nil
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
