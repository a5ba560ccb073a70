// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/eventcast/internal/domain"
)

// EventStore persists parsed event records handed over by the content pipeline.
type EventStore interface {
	// GetEvent retrieves an event by id. Returns nil, nil when absent.
	GetEvent(ctx context.Context, eventID string) (*domain.Event, error)

	// SaveEvent creates or replaces an event record.
	SaveEvent(ctx context.Context, event *domain.Event) error

	// SetCurrentEvent points the "current" alias at eventID.
	SetCurrentEvent(ctx context.Context, eventID string) error

	// CurrentEventID returns the event the "current" alias points at, or "".
	CurrentEventID(ctx context.Context) (string, error)
}

// SessionStore persists publish session snapshots keyed by (eventID, sessionID).
type SessionStore interface {
	// SaveSession creates or replaces a session snapshot.
	SaveSession(ctx context.Context, session *domain.PublishSession) error

	// GetSession retrieves one session of an event. Returns nil, nil when absent.
	GetSession(ctx context.Context, eventID, sessionID string) (*domain.PublishSession, error)

	// FindSession retrieves a session by id alone. Returns nil, nil when absent.
	FindSession(ctx context.Context, sessionID string) (*domain.PublishSession, error)

	// ListSessions returns every session of an event, newest first.
	ListSessions(ctx context.Context, eventID string) ([]*domain.PublishSession, error)

	// DeleteSessions removes the given sessions of an event.
	DeleteSessions(ctx context.Context, eventID string, sessionIDs []string) (int64, error)
}

// HistoryStore is the append-only publish history log.
type HistoryStore interface {
	// AppendHistory appends one record.
	AppendHistory(ctx context.Context, record *domain.HistoryRecord) error

	// ListHistory returns up to limit records of an event, newest first.
	ListHistory(ctx context.Context, eventID string, limit int) ([]*domain.HistoryRecord, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	EventStore
	SessionStore
	HistoryStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
