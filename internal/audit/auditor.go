package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/freekieb7/stockroom/internal/database"

	"github.com/google/uuid"
)

type AuditLogEventType string

const (
	AuditLogEventTypeMonitorAssign AuditLogEventType = "monitor.assign"
	AuditLogEventTypeMonitorRevoke AuditLogEventType = "monitor.revoke"
	AuditLogEventTypeMonitorExpire AuditLogEventType = "monitor.expire"
	AuditLogEventTypeMonitorExtend AuditLogEventType = "monitor.extend"
	AuditLogEventTypeUserCreate    AuditLogEventType = "user.create"
)

// EventWriter persists audit events. Both the connection pool and a transaction satisfy it; writing
// through a transaction makes the event commit or roll back with the change it records.
type EventWriter interface {
	CreateAuditLogEvent(ctx context.Context, params database.CreateAuditLogEventParams) (database.AuditLogEvent, error)
}

type Auditor struct {
	logger *slog.Logger
}

func NewAuditor(logger *slog.Logger) Auditor {
	return Auditor{logger: logger}
}

type LogEventParam struct {
	OwnerID uuid.UUID
	Type    AuditLogEventType
	Data    map[string]any
}

func (a *Auditor) LogEvent(ctx context.Context, w EventWriter, params LogEventParam) error {
	if params.Data == nil {
		params.Data = map[string]any{}
	}

	data, err := json.Marshal(params.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal audit log event data: %w", err)
	}

	event, err := w.CreateAuditLogEvent(ctx, database.CreateAuditLogEventParams{
		OwnerID:   params.OwnerID,
		EventType: string(params.Type),
		EventData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to create audit log event: %w", err)
	}

	a.logger.DebugContext(ctx, "Audit event recorded", "event_id", event.ID, "type", params.Type, "owner_id", params.OwnerID)
	return nil
}
