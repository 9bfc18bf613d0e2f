package worklog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the work_log table. Append always runs inside the
// caller's transaction so a log entry can never outlive a rolled-back
// mutation, and a committed mutation is never missing its entry.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, pipelineID, entityKind, entityID, agentID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_log(ts,type,pipeline_id,entity_kind,entity_id,agent_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, entryType, nullable(pipelineID), entityKind, nullable(entityID), agentID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
