package auditstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire-ai/meshwire/internal/auth"
)

// appendTimeout bounds each background write.
const appendTimeout = 5 * time.Second

// Sink adapts a Store into an auth.AuditSink. Writes happen inline with a
// short timeout; a failed write is logged, never propagated to the auth path.
func Sink(store Store, logger *slog.Logger) auth.AuditSink {
	return func(ev auth.AuditEvent) {
		rec := &Record{
			ID:        uuid.NewString(),
			EventType: ev.EventType,
			CreatedAt: ev.Timestamp,
		}
		if ev.Details != nil {
			if agent, ok := ev.Details["agent"].(string); ok {
				rec.AgentID = agent
			}
			if session, ok := ev.Details["session"].(string); ok {
				rec.SessionID = session
			}
			if raw, err := json.Marshal(ev.Details); err == nil {
				rec.Detail = raw
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		defer cancel()
		if err := store.Append(ctx, rec); err != nil {
			logger.Warn("audit append failed", "event_type", ev.EventType, "error", err)
		}
	}
}
