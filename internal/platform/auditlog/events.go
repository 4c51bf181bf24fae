package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"
	"time"

	"github.com/stela-ml/stela-go/internal/platform/auth"
)

func InsertAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	var ip string
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = host
	}

	_, err := Insert(ctx, db, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"email":   event.Email,
			"roles":   event.Roles,
		},
	})
	return err
}

// InsertRunExpired records a run closed by the retention sweeper rather
// than by its owner.
func InsertRunExpired(ctx context.Context, db *sql.DB, runID string, startedAt time.Time, ttl time.Duration) error {
	_, err := Insert(ctx, db, Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "sweeper",
		Action:       "run.expired",
		ResourceType: "run",
		ResourceID:   runID,
		Payload: map[string]any{
			"started_at": startedAt.UTC().Format(time.RFC3339Nano),
			"ttl":        ttl.String(),
		},
	})
	return err
}
