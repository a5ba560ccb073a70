// Package session tracks multi-platform publish sessions to completion.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/shared"
	"github.com/ashureev/eventcast/internal/store"
)

// DefaultRetention is the number of sessions kept per event.
const DefaultRetention = 10

const (
	persistAttempts  = 3
	persistBaseDelay = 50 * time.Millisecond
)

var (
	// ErrNoPlatforms is returned when a session is started without targets.
	ErrNoPlatforms = errors.New("at least one platform is required")

	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// CompletionHook runs once when a session completes, outside the tracker lock.
type CompletionHook func(ctx context.Context, s *domain.PublishSession)

// Options configures a Tracker.
type Options struct {
	// EvictAfter is how long completed sessions stay in memory; lookups
	// fall back to the store afterwards. Zero keeps them until cleanup.
	EvictAfter time.Duration
	Logger     *slog.Logger
}

// Tracker owns live session state and persists a snapshot on every mutation.
type Tracker struct {
	store  store.SessionStore
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*domain.PublishSession
	hooks     []CompletionHook
	lastStart time.Time

	// persistMu orders snapshot writes so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
}

// NewTracker creates a tracker persisting through st.
func NewTracker(st store.SessionStore, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		store:    st,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*domain.PublishSession),
	}
}

// OnComplete registers a hook that runs after a session completes.
func (t *Tracker) OnComplete(hook CompletionHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook)
}

// StartSession opens a session for eventID over the given platforms and
// persists its first snapshot.
func (t *Tracker) StartSession(ctx context.Context, eventID string, platforms []string, requestedBy string) (string, error) {
	if len(platforms) == 0 {
		return "", ErrNoPlatforms
	}

	s := &domain.PublishSession{
		ID:          uuid.NewString(),
		EventID:     eventID,
		RequestedBy: requestedBy,
		Status:      domain.SessionInProgress,
		StartedAt:   t.nextStart(),
		Platforms:   dedupe(platforms),
		Results:     []domain.PublishResult{},
	}
	if err := t.persist(ctx, s); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()

	t.logger.Info("publish session started",
		"session_id", s.ID,
		"event_id", eventID,
		"platforms", s.Platforms,
		"requested_by", requestedBy)
	return s.ID, nil
}

// AddResult records one platform's result. Results for platforms outside
// the session, and repeated results for the same platform, are logged and
// dropped; the first result wins. It reports whether this result completed
// the session.
func (t *Tracker) AddResult(ctx context.Context, sessionID string, result domain.PublishResult) (bool, error) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("add result to %s: %w", sessionID, ErrSessionNotFound)
	}
	if s.IsComplete() {
		t.mu.Unlock()
		t.logger.Warn("result for completed session dropped", "session_id", sessionID, "platform", result.Platform)
		return false, nil
	}
	if !s.Expects(result.Platform) {
		t.mu.Unlock()
		t.logger.Warn("result for unselected platform dropped", "session_id", sessionID, "platform", result.Platform)
		return false, nil
	}
	if s.HasResult(result.Platform) {
		t.mu.Unlock()
		t.logger.Warn("duplicate result dropped", "session_id", sessionID, "platform", result.Platform)
		return false, nil
	}

	s.Results = append(s.Results, result)
	completed := len(s.Results) == len(s.Platforms)
	if completed {
		now := time.Now().UTC()
		s.Status = domain.SessionComplete
		s.CompletedAt = &now
		s.TotalDurationMs = now.Sub(s.StartedAt).Milliseconds()
		s.OverallSuccess = true
		for _, r := range s.Results {
			if !r.Success {
				s.OverallSuccess = false
				break
			}
		}
	}
	snapshot := s.Clone()
	hooks := append([]CompletionHook(nil), t.hooks...)
	t.mu.Unlock()

	if err := t.persistLatest(ctx, snapshot); err != nil {
		t.logger.Error("failed to persist session snapshot", "session_id", sessionID, "error", err)
	}

	if completed {
		t.logger.Info("publish session complete",
			"session_id", sessionID,
			"event_id", snapshot.EventID,
			"overall_success", snapshot.OverallSuccess,
			"duration_ms", snapshot.TotalDurationMs)
		for _, hook := range hooks {
			hook(ctx, snapshot.Clone())
		}
		t.scheduleEviction(sessionID)
	}
	return completed, nil
}

func (t *Tracker) scheduleEviction(sessionID string) {
	if t.opts.EvictAfter <= 0 {
		return
	}
	time.AfterFunc(t.opts.EvictAfter, func() {
		t.mu.Lock()
		delete(t.sessions, sessionID)
		t.mu.Unlock()
	})
}

// GetSession returns a copy of a session of eventID, or nil when unknown.
func (t *Tracker) GetSession(ctx context.Context, eventID, sessionID string) (*domain.PublishSession, error) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if ok && s.EventID == eventID {
		c := s.Clone()
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	stored, err := t.store.GetSession(ctx, eventID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return stored, nil
}

// FindSession returns a copy of a session by id alone, or nil when unknown.
func (t *Tracker) FindSession(ctx context.Context, sessionID string) (*domain.PublishSession, error) {
	t.mu.Lock()
	if s, ok := t.sessions[sessionID]; ok {
		c := s.Clone()
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	stored, err := t.store.FindSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return stored, nil
}

// SessionsForEvent returns every session of eventID, newest first. Live
// in-memory state takes precedence over stored snapshots.
func (t *Tracker) SessionsForEvent(ctx context.Context, eventID string) ([]*domain.PublishSession, error) {
	stored, err := t.store.ListSessions(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", eventID, err)
	}

	byID := make(map[string]*domain.PublishSession, len(stored))
	for _, s := range stored {
		byID[s.ID] = s
	}
	t.mu.Lock()
	for id, s := range t.sessions {
		if s.EventID == eventID {
			byID[id] = s.Clone()
		}
	}
	t.mu.Unlock()

	out := make([]*domain.PublishSession, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// LatestForEvent returns the most recently started session of eventID.
func (t *Tracker) LatestForEvent(ctx context.Context, eventID string) (*domain.PublishSession, error) {
	sessions, err := t.SessionsForEvent(ctx, eventID)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

// CleanupOldSessions deletes all but the keep most recent sessions of
// eventID and returns how many were removed. In-progress sessions are
// never removed.
func (t *Tracker) CleanupOldSessions(ctx context.Context, eventID string, keep int) (int, error) {
	if keep <= 0 {
		keep = DefaultRetention
	}
	sessions, err := t.SessionsForEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if len(sessions) <= keep {
		return 0, nil
	}

	var doomed []string
	for _, s := range sessions[keep:] {
		if s.IsComplete() {
			doomed = append(doomed, s.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	err = shared.RetryOnConflict(ctx, "delete_sessions", persistAttempts, persistBaseDelay, func(ctx context.Context) error {
		_, err := t.store.DeleteSessions(ctx, eventID, doomed)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions for %s: %w", eventID, err)
	}

	t.mu.Lock()
	for _, id := range doomed {
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	t.logger.Info("old publish sessions removed", "event_id", eventID, "removed", len(doomed), "kept", keep)
	return len(doomed), nil
}

// Stats aggregates the sessions of eventID.
func (t *Tracker) Stats(ctx context.Context, eventID string) (domain.PublishStats, error) {
	sessions, err := t.SessionsForEvent(ctx, eventID)
	if err != nil {
		return domain.PublishStats{}, err
	}

	var (
		stats         domain.PublishStats
		completed     int64
		totalDuration int64
	)
	for _, s := range sessions {
		stats.TotalSessions++
		if s.IsComplete() && s.OverallSuccess {
			stats.SuccessfulSessions++
		}
		stats.TotalPlatforms += len(s.Platforms)
		for _, r := range s.Results {
			if r.Success {
				stats.SuccessfulPlatforms++
			}
		}
		if s.IsComplete() {
			completed++
			totalDuration += s.TotalDurationMs
		}
	}
	if completed > 0 {
		stats.AverageDurationMs = totalDuration / completed
	}
	return stats, nil
}

// persistLatest writes the newest in-memory state of the session, falling
// back to snapshot if it has already been evicted.
func (t *Tracker) persistLatest(ctx context.Context, snapshot *domain.PublishSession) error {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	if s, ok := t.sessions[snapshot.ID]; ok {
		snapshot = s.Clone()
	}
	t.mu.Unlock()
	return t.persist(ctx, snapshot)
}

// nextStart returns a millisecond start time strictly after the previous
// one, so stored sessions keep a total order.
func (t *Tracker) nextStart() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(t.lastStart) {
		now = t.lastStart.Add(time.Millisecond)
	}
	t.lastStart = now
	return now
}

func (t *Tracker) persist(ctx context.Context, s *domain.PublishSession) error {
	err := shared.RetryOnConflict(ctx, "save_session", persistAttempts, persistBaseDelay, func(ctx context.Context) error {
		return t.store.SaveSession(ctx, s)
	})
	if err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
