package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/freekieb7/stockroom/internal/database"
	"github.com/freekieb7/stockroom/internal/database/memory"
	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) CreateAuditLogEvent(context.Context, database.CreateAuditLogEventParams) (database.AuditLogEvent, error) {
	return database.AuditLogEvent{}, errors.New("disk full")
}

func TestAuditor_LogEvent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	auditor := NewAuditor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ownerID := uuid.New()

	err := auditor.LogEvent(ctx, store, LogEventParam{
		OwnerID: ownerID,
		Type:    AuditLogEventTypeMonitorAssign,
		Data:    map[string]any{"user_id": "abc"},
	})
	require.NoError(t, err)

	events, err := store.ListAuditLogEvents(ctx, database.ListAuditLogEventsParams{OwnerID: util.Some(ownerID)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(AuditLogEventTypeMonitorAssign), events[0].Type)

	var data map[string]any
	require.NoError(t, json.Unmarshal(events[0].Data, &data))
	assert.Equal(t, "abc", data["user_id"])
}

func TestAuditor_LogEvent_WriterError(t *testing.T) {
	auditor := NewAuditor(slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := auditor.LogEvent(context.Background(), failingWriter{}, LogEventParam{
		OwnerID: uuid.New(),
		Type:    AuditLogEventTypeMonitorRevoke,
	})
	assert.ErrorContains(t, err, "disk full")
}
