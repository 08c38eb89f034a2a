package memory

import (
	"context"
	"errors"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrInvalidRecord = errors.New("turn record requires tenant and role")

// TurnRecord stores a single user or assistant turn of a voice query.
type TurnRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	SessionID    string    `json:"session_id"`
	ContextScope string    `json:"context_scope"`
	QueryID      string    `json:"query_id,omitempty"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	PIIRedacted  bool      `json:"pii_redacted"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists prior turns so later queries in the same tenant and scope
// can be answered with conversational context.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentTurns returns up to limit turns in chronological order.
	RecentTurns(ctx context.Context, tenantID, contextScope string, limit int) ([]TurnRecord, error)
	Close() error
}

func normalize(record *TurnRecord, newID func() string) error {
	if record.TenantID == "" || record.Role == "" {
		return ErrInvalidRecord
	}
	if record.ID == "" {
		record.ID = newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return nil
}

func scopeKey(tenantID, contextScope string) string {
	return tenantID + "\x00" + contextScope
}
