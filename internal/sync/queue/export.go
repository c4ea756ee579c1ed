package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// exportRecord is the JSONL line format for a dumped mutation.
type exportRecord struct {
	ID        int64           `json:"id"`
	Kind      Kind            `json:"kind"`
	Fields    json.RawMessage `json:"fields"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// ExportJSONL writes every mutation in the log to w as one JSON object per
// line, oldest first. Committed and failed records are included so the
// export is a complete audit trail, not just the live queue.
func (l *Log) ExportJSONL(ctx context.Context, w io.Writer) error {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT id, kind, fields, created_at, status, COALESCE(error, '')
		 FROM mutations ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to query mutations for export: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		var rec exportRecord
		var kind, fields, createdAt, status string
		if err := rows.Scan(&rec.ID, &kind, &fields, &createdAt, &status, &rec.Error); err != nil {
			return fmt.Errorf("failed to scan mutation for export: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Fields = json.RawMessage(fields)
		rec.Status = Status(status)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}

		if err := enc.Encode(&rec); err != nil {
			return fmt.Errorf("failed to write export line: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating export rows: %w", err)
	}

	return nil
}
