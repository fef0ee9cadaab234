package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"hadik.org/internal/ids"
	"hadik.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one append-only audit record. Every admission state transition
// writes one; nothing in the core reads them back.
type Entry struct {
	ID         string         `json:"id"`
	ActorEmail string         `json:"actor_email,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IP         string         `json:"ip,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink persists audit entries.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// TrimOlderThan deletes entries older than the cutoff and returns the
	// number removed.
	TrimOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Record fills defaults, appends the entry to the sink, and mirrors it to
// the structured log. Both writes are fire-and-forget: failures are logged
// and swallowed so auditing never interrupts a primary flow.
func Record(ctx context.Context, sink Sink, entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if sink != nil {
		if err := sink.Append(ctx, &entry); err != nil {
			obs.LogRequest(map[string]any{
				"level":  "warn",
				"msg":    "audit append failed",
				"action": entry.Action,
				"error":  err.Error(),
			})
		}
	}
	_ = LogEvent(ctx, entry.Action, map[string]any{
		"actor":    entry.ActorEmail,
		"resource": entry.Resource,
		"details":  entry.Details,
	})
}

// LogEvent writes an audit log line enriched with request context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
