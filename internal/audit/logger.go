package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gozon/checkout-service/internal/storage"

	"github.com/google/uuid"
)

const (
	ActionWebhookReconciled = "webhook.reconciled"
	ActionWebhookOrphan     = "webhook.orphan"
	ActionWebhookStale      = "webhook.stale"
	ActionWebhookIgnored    = "webhook.ignored"
	ActionWebhookRejected   = "webhook.rejected"
	ActionPreferenceCreated = "preference.created"
)

type Entry struct {
	ID        uuid.UUID       `json:"id"`
	Action    string          `json:"action"`
	Entity    string          `json:"entity"`
	Diff      json.RawMessage `json:"diff"`
	CreatedAt time.Time       `json:"created_at"`
}

// Logger appends entries to audit_logs. Writes are best effort: a failure is
// logged and counted, never returned to the caller.
type Logger struct {
	db       storage.Querier
	logger   *slog.Logger
	failures atomic.Int64
}

func NewLogger(db storage.Querier, logger *slog.Logger) *Logger {
	return &Logger{db: db, logger: logger}
}

func (l *Logger) Log(ctx context.Context, action, entity string, diff any) {
	body, err := json.Marshal(diff)
	if err != nil {
		l.fail(action, entity, fmt.Errorf("marshal diff: %w", err))
		return
	}
	if diff == nil {
		body = []byte(`{}`)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO audit_logs (id, action, entity, diff, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), action, entity, body,
	)
	if err != nil {
		l.fail(action, entity, fmt.Errorf("insert audit log: %w", err))
	}
}

func (l *Logger) fail(action, entity string, err error) {
	l.failures.Add(1)
	l.logger.Error("audit write failed", "action", action, "entity", entity, "err", err)
}

// Failures returns how many entries could not be written since start.
func (l *Logger) Failures() int64 {
	return l.failures.Load()
}

// Recent returns the newest entries, optionally restricted to one entity.
func (l *Logger) Recent(ctx context.Context, entity string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(ctx, `
		SELECT id, action, entity, diff, created_at
		FROM audit_logs
		WHERE $1 = '' OR entity = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		entity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var diff []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.Entity, &diff, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.Diff = diff
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
