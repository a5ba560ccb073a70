// Package orchestrator runs the submit flow: it checks preconditions, opens
// a publish session, and publishes to every platform in the background.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/identity"
	"github.com/ashureev/eventcast/internal/progress"
	"github.com/ashureev/eventcast/internal/session"
	"github.com/ashureev/eventcast/internal/shared"
	"github.com/ashureev/eventcast/internal/store"
)

const (
	defaultPublishTimeout = 15 * time.Minute
	hookTimeout           = 30 * time.Second
)

// Modules looks up registered adapters.
type Modules interface {
	Get(id string) (*adapter.Module, bool)
}

// Poster publishes to one platform and always yields a result.
type Poster interface {
	Post(ctx context.Context, platform string, req *adapter.Request) *domain.PublishResult
}

// Notifier is told about every completed session.
type Notifier interface {
	SessionCompleted(ctx context.Context, s *domain.PublishSession) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Events   store.EventStore
	History  store.HistoryStore
	Modules  Modules
	Tracker  *session.Tracker
	Poster   Poster
	Bus      *progress.Bus
	Notifier Notifier // optional
	Logger   *slog.Logger
}

// Options tunes an Orchestrator.
type Options struct {
	PublishTimeout time.Duration
	Retention      int
	MaxFileSize    int64
}

// SubmitRequest asks for an event to be published.
type SubmitRequest struct {
	EventID   string   // "" or "current" for the current event
	Platforms []string // overrides the event's persisted selection
	Identity  *identity.Identity
}

// SubmitResponse is returned once background publishing has started.
type SubmitResponse struct {
	SessionID string   `json:"session_id"`
	EventID   string   `json:"event_id"`
	Platforms []string `json:"platforms"`
}

// Orchestrator coordinates publish sessions.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	// ctx bounds background publishing; it outlives any request.
	ctx context.Context
	wg  sync.WaitGroup
}

// New creates an Orchestrator. Background work is tied to ctx, not to the
// request that started it.
func New(ctx context.Context, deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = session.DefaultRetention
	}
	o := &Orchestrator{deps: deps, opts: opts, logger: deps.Logger, ctx: ctx}
	deps.Tracker.OnComplete(o.onSessionComplete)
	return o
}

// Wait blocks until every background publish has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ResolveEventID maps "" and "current" onto the current event id.
func (o *Orchestrator) ResolveEventID(ctx context.Context, eventID string) (string, error) {
	if eventID != "" && eventID != domain.CurrentEventID {
		return eventID, nil
	}
	id, err := o.deps.Events.CurrentEventID(ctx)
	if err != nil {
		return "", classify("resolve current event", err)
	}
	if id == "" {
		return "", precondition("no current event is set")
	}
	return id, nil
}

// Submit validates the request, opens a session and starts publishing in
// the background. It returns as soon as publishing is launched.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	eventID, err := o.ResolveEventID(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	event, err := o.deps.Events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, classify("load event", err)
	}
	if event == nil {
		return nil, &Error{Kind: KindNotFound, Message: fmt.Sprintf("event %s not found", eventID)}
	}

	platforms := event.SelectedPlatforms()
	if len(req.Platforms) > 0 {
		platforms = dedupe(req.Platforms)
	}
	if len(platforms) == 0 {
		return nil, precondition("no platforms selected")
	}

	if req.Identity == nil {
		return nil, &Error{Kind: KindAccess, Message: "caller is not authenticated"}
	}
	if denied := req.Identity.Denied(platforms); len(denied) > 0 {
		o.logger.Warn("publish denied", "event_id", eventID, "caller", req.Identity.Name, "platforms", denied)
		return nil, &Error{Kind: KindAccess, Message: "not authorized to publish to", Platforms: denied}
	}

	if len(event.Files) == 0 {
		return nil, precondition("event has no uploaded files")
	}
	if !event.HasParsedContent() {
		return nil, precondition("event has no parsed content")
	}

	sessionID, err := o.deps.Tracker.StartSession(ctx, eventID, platforms, req.Identity.Name)
	if err != nil {
		return nil, classify("open publish session", err)
	}
	// Created before returning so a client attaching right away replays
	// everything from the first event on.
	emitter := o.deps.Bus.GetOrCreate(sessionID)

	jobs, violations := o.prepare(event, platforms, sessionID, emitter)
	if len(violations) > 0 {
		o.recordValidationFailure(ctx, sessionID, platforms, violations)
		return nil, &Error{
			Kind:       KindValidation,
			Message:    "content validation failed",
			Violations: violations,
			SessionID:  sessionID,
		}
	}

	o.wg.Add(1)
	go o.run(sessionID, eventID, jobs)

	return &SubmitResponse{SessionID: sessionID, EventID: eventID, Platforms: platforms}, nil
}

type job struct {
	platform string
	req      *adapter.Request
}

// prepare validates the event and builds one request per platform.
func (o *Orchestrator) prepare(event *domain.Event, platforms []string, sessionID string, emitter *progress.Emitter) ([]job, []adapter.Violation) {
	var violations []adapter.Violation
	if strings.TrimSpace(event.Meta.Title) == "" && strings.TrimSpace(event.Name) == "" {
		violations = append(violations, adapter.Violation{Field: "meta.title", Message: "event has no title"})
	}

	jobs := make([]job, 0, len(platforms))
	for _, platform := range platforms {
		mod, ok := o.deps.Modules.Get(platform)
		if !ok {
			violations = append(violations, adapter.Violation{Platform: platform, Field: "platform", Message: "no adapter registered"})
			continue
		}

		content, err := mod.Parser.Parse(event)
		if err != nil {
			violations = append(violations, adapter.Violation{Platform: platform, Field: "content", Message: err.Error()})
			continue
		}
		for _, v := range mod.Validator.Validate(content, event.Files) {
			if v.Platform == "" {
				v.Platform = platform
			}
			violations = append(violations, v)
		}
		violations = append(violations, adapter.FileViolations(platform, *mod.Capabilities, event.Files, o.opts.MaxFileSize)...)

		options := make(map[string]string, len(mod.Options))
		for k, v := range mod.Options {
			options[k] = v
		}
		jobs = append(jobs, job{platform: platform, req: &adapter.Request{
			SessionID: sessionID,
			Platform:  platform,
			Content:   content,
			Meta:      event.Meta,
			Files:     append([]domain.FileRef(nil), event.Files...),
			Hashtags:  append([]string(nil), event.Hashtags...),
			Options:   options,
			Steps:     adapter.NewStepRunner(emitter, platform, ""),
		}})
	}
	return jobs, violations
}

// recordValidationFailure fails every platform of a session whose content
// did not validate, so the session still completes.
func (o *Orchestrator) recordValidationFailure(ctx context.Context, sessionID string, platforms []string, violations []adapter.Violation) {
	now := time.Now().UTC()
	for _, platform := range platforms {
		var msgs []string
		for _, v := range violations {
			if v.Platform == "" || v.Platform == platform {
				msgs = append(msgs, v.String())
			}
		}
		msg := "validation failed"
		if len(msgs) > 0 {
			msg += ": " + strings.Join(msgs, "; ")
		} else {
			msg += " for another platform"
		}
		o.addResult(ctx, sessionID, domain.PublishResult{
			Platform:   platform,
			Error:      msg,
			ErrorCode:  adapter.CodeValidation,
			StartedAt:  now,
			FinishedAt: now,
		})
	}
}

// run publishes every job concurrently and completes the session.
func (o *Orchestrator) run(sessionID, eventID string, jobs []job) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(o.ctx, o.opts.PublishTimeout)
	defer cancel()

	logger := o.logger.With("session_id", sessionID, "event_id", eventID)
	logger.Info("background publishing started", "platforms", len(jobs))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("background publishing panicked", "panic", r)
		}
		o.fillMissing(sessionID, "publishing ended without a result")
	}()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			started := time.Now().UTC()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("platform publish panicked", "platform", j.platform, "panic", r)
					o.addResult(ctx, sessionID, domain.PublishResult{
						Platform:   j.platform,
						Error:      fmt.Sprintf("internal error: %v", r),
						ErrorCode:  adapter.CodeUnknown,
						StartedAt:  started,
						FinishedAt: time.Now().UTC(),
					})
				}
			}()

			result := o.deps.Poster.Post(ctx, j.platform, j.req)
			result.Platform = j.platform
			o.addResult(ctx, sessionID, *result)
		}(j)
	}
	wg.Wait()
}

// fillMissing synthesizes a failure for every platform that never reported.
func (o *Orchestrator) fillMissing(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), hookTimeout)
	defer cancel()

	s, err := o.deps.Tracker.FindSession(ctx, sessionID)
	if err != nil || s == nil {
		o.logger.Error("cannot load session to finalize", "session_id", sessionID, "error", err)
		return
	}
	now := time.Now().UTC()
	for _, platform := range s.Pending() {
		o.addResult(ctx, sessionID, domain.PublishResult{
			Platform:   platform,
			Error:      reason,
			ErrorCode:  adapter.CodeUnknown,
			StartedAt:  now,
			FinishedAt: now,
		})
	}
}

func (o *Orchestrator) addResult(ctx context.Context, sessionID string, r domain.PublishResult) {
	if _, err := o.deps.Tracker.AddResult(context.WithoutCancel(ctx), sessionID, r); err != nil {
		o.logger.Error("failed to record publish result", "session_id", sessionID, "platform", r.Platform, "error", err)
	}
}

// onSessionComplete writes history, applies retention, ends the progress
// feed and notifies listeners.
func (o *Orchestrator) onSessionComplete(ctx context.Context, s *domain.PublishSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
	defer cancel()

	record := historyRecord(s)
	err := shared.RetryOnConflict(ctx, "append_history", 3, 50*time.Millisecond, func(ctx context.Context) error {
		return o.deps.History.AppendHistory(ctx, record)
	})
	if err != nil {
		o.logger.Error("failed to append publish history", "session_id", s.ID, "error", err)
	}

	if _, err := o.deps.Tracker.CleanupOldSessions(ctx, s.EventID, o.opts.Retention); err != nil {
		o.logger.Warn("session retention cleanup failed", "event_id", s.EventID, "error", err)
	}

	if em, ok := o.deps.Bus.Get(s.ID); ok {
		em.SessionComplete(s)
	}

	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.SessionCompleted(ctx, s); err != nil {
			o.logger.Warn("completion notification failed", "session_id", s.ID, "error", err)
		}
	}
}

func historyRecord(s *domain.PublishSession) *domain.HistoryRecord {
	rec := &domain.HistoryRecord{
		EventID:        s.EventID,
		SessionID:      s.ID,
		Platforms:      append([]string(nil), s.Platforms...),
		OverallSuccess: s.OverallSuccess,
		RequestedBy:    s.RequestedBy,
		CreatedAt:      time.Now().UTC(),
	}
	for _, r := range s.Results {
		if r.Success {
			rec.Succeeded = append(rec.Succeeded, r.Platform)
		} else {
			rec.Failed = append(rec.Failed, r.Platform)
		}
	}
	switch {
	case len(rec.Failed) == 0:
		rec.Summary = fmt.Sprintf("published to %d of %d platforms", len(rec.Succeeded), len(s.Platforms))
	case len(rec.Succeeded) == 0:
		rec.Summary = fmt.Sprintf("failed on all %d platforms", len(s.Platforms))
	default:
		rec.Summary = fmt.Sprintf("partial: %d succeeded (%s), %d failed (%s)",
			len(rec.Succeeded), strings.Join(rec.Succeeded, ", "),
			len(rec.Failed), strings.Join(rec.Failed, ", "))
	}
	return rec
}

// GetSession returns one session, or a not-found error.
func (o *Orchestrator) GetSession(ctx context.Context, eventID, sessionID string) (*domain.PublishSession, error) {
	eventID, err := o.ResolveEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s, err := o.deps.Tracker.GetSession(ctx, eventID, sessionID)
	if err != nil {
		return nil, classify("load session", err)
	}
	if s == nil {
		return nil, &Error{Kind: KindNotFound, Message: fmt.Sprintf("session %s not found", sessionID), Err: session.ErrSessionNotFound}
	}
	return s, nil
}

// FindSession returns a session by id alone, or a not-found error.
func (o *Orchestrator) FindSession(ctx context.Context, sessionID string) (*domain.PublishSession, error) {
	s, err := o.deps.Tracker.FindSession(ctx, sessionID)
	if err != nil {
		return nil, classify("load session", err)
	}
	if s == nil {
		return nil, &Error{Kind: KindNotFound, Message: fmt.Sprintf("session %s not found", sessionID), Err: session.ErrSessionNotFound}
	}
	return s, nil
}

// Sessions returns the sessions of an event, newest first.
func (o *Orchestrator) Sessions(ctx context.Context, eventID string) ([]*domain.PublishSession, error) {
	eventID, err := o.ResolveEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	sessions, err := o.deps.Tracker.SessionsForEvent(ctx, eventID)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	return sessions, nil
}

// Stats aggregates the sessions of an event.
func (o *Orchestrator) Stats(ctx context.Context, eventID string) (domain.PublishStats, error) {
	eventID, err := o.ResolveEventID(ctx, eventID)
	if err != nil {
		return domain.PublishStats{}, err
	}
	stats, err := o.deps.Tracker.Stats(ctx, eventID)
	if err != nil {
		return domain.PublishStats{}, classify("compute stats", err)
	}
	return stats, nil
}

// History returns recent history records of an event.
func (o *Orchestrator) History(ctx context.Context, eventID string, limit int) ([]*domain.HistoryRecord, error) {
	eventID, err := o.ResolveEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	records, err := o.deps.History.ListHistory(ctx, eventID, limit)
	if err != nil {
		return nil, classify("list history", err)
	}
	return records, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
