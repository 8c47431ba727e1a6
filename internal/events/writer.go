package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends propagation events. Append must run inside the same
// transaction as the entity write so an accepted mutation and its event
// commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one propagation event and returns its row id.
// deletedAt is non-nil only for delete events.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, oldStatus, newStatus, actorID, source string, deletedAt *string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_id,entity_kind,old_status,new_status,actor_id,source,deleted_at,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ts, evtType, projectID, entityID, entityKind, oldStatus, newStatus, actorID, source, deletedAt, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
