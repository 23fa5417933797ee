package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
)

type CreateAuditLogEventParams struct {
	OwnerID   uuid.UUID
	EventType string
	EventData json.RawMessage
}

func (db *Database) CreateAuditLogEvent(ctx context.Context, params CreateAuditLogEventParams) (AuditLogEvent, error) {
	return createAuditLogEvent(ctx, db.Pool, params)
}

type ListAuditLogEventsParams struct {
	OwnerID          util.Optional[uuid.UUID]
	Type             util.Optional[string]
	OrderByCreatedAt util.Optional[OrderBy]
	Limit            util.Optional[int]
}

func (db *Database) ListAuditLogEvents(ctx context.Context, params ListAuditLogEventsParams) ([]AuditLogEvent, error) {
	var query strings.Builder
	query.WriteString(`SELECT id, owner_id, type, data, created_at FROM tbl_audit_log_event WHERE 1=1`)
	var args []any
	argNum := 1

	if params.OwnerID.IsSet {
		query.WriteString(fmt.Sprintf(" AND owner_id = $%d", argNum))
		args = append(args, params.OwnerID.Val)
		argNum++
	}
	if params.Type.IsSet {
		query.WriteString(fmt.Sprintf(" AND type = $%d", argNum))
		args = append(args, params.Type.Val)
		argNum++
	}
	if params.OrderByCreatedAt.IsSet {
		query.WriteString(" ORDER BY created_at " + params.OrderByCreatedAt.Val.SQL())
	}
	if params.Limit.IsSet {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", argNum))
		args = append(args, params.Limit.Val)
		argNum++
	}

	rows, err := db.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("database: failed to list audit log events: %w", err)
	}
	defer rows.Close()

	var events []AuditLogEvent
	for rows.Next() {
		var event AuditLogEvent
		if err := rows.Scan(&event.ID, &event.OwnerID, &event.Type, &event.Data, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("database: failed to scan audit log event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: failed to iterate audit log events: %w", err)
	}

	return events, nil
}

func createAuditLogEvent(ctx context.Context, q querier, params CreateAuditLogEventParams) (AuditLogEvent, error) {
	event := AuditLogEvent{
		ID:        uuid.New(),
		OwnerID:   params.OwnerID,
		Type:      params.EventType,
		Data:      params.EventData,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := q.Exec(ctx, `INSERT INTO tbl_audit_log_event (id, owner_id, type, data, created_at) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.OwnerID, event.Type, event.Data, event.CreatedAt); err != nil {
		return event, fmt.Errorf("database: failed to insert audit log event (type=%s): %w", event.Type, err)
	}
	return event, nil
}
