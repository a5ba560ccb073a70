package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultIdleTTL       = time.Hour
	defaultSweepInterval = time.Minute
	defaultReplaySize    = 256
)

// Options configures a Bus.
type Options struct {
	IdleTTL    time.Duration
	ReplaySize int
	Logger     *slog.Logger

	// Now overrides the clock used for idle accounting. Tests only.
	Now func() time.Time
}

// Bus maps session ids to their emitters.
type Bus struct {
	idleTTL    time.Duration
	replaySize int
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	emitters map[string]*Emitter
}

// NewBus creates an empty bus.
func NewBus(opts Options) *Bus {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = defaultReplaySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		idleTTL:    opts.IdleTTL,
		replaySize: opts.ReplaySize,
		now:        opts.Now,
		logger:     opts.Logger,
		emitters:   make(map[string]*Emitter),
	}
}

// GetOrCreate returns the emitter for sessionID, creating it if needed.
func (b *Bus) GetOrCreate(sessionID string) *Emitter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.emitters[sessionID]; ok {
		return e
	}
	e := newEmitter(sessionID, b.replaySize, b.now)
	b.emitters[sessionID] = e
	return e
}

// Get returns the emitter for sessionID if one exists.
func (b *Bus) Get(sessionID string) (*Emitter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.emitters[sessionID]
	return e, ok
}

// Remove closes and forgets the emitter for sessionID.
func (b *Bus) Remove(sessionID string) {
	b.mu.Lock()
	e, ok := b.emitters[sessionID]
	delete(b.emitters, sessionID)
	b.mu.Unlock()
	if ok {
		e.close()
	}
}

// Len returns the number of live emitters.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.emitters)
}

// Sweep removes every emitter idle for longer than the TTL and returns
// how many were removed.
func (b *Bus) Sweep() int {
	now := b.now()
	var expired []*Emitter

	b.mu.Lock()
	for id, e := range b.emitters {
		if now.Sub(e.idleSince()) >= b.idleTTL {
			expired = append(expired, e)
			delete(b.emitters, id)
		}
	}
	b.mu.Unlock()

	for _, e := range expired {
		e.close()
	}
	return len(expired)
}

// StartReaper sweeps idle emitters every interval until ctx is done.
func (b *Bus) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		b.logger.Info("progress reaper started", "interval", interval, "idle_ttl", b.idleTTL)

		for {
			select {
			case <-ticker.C:
				if n := b.Sweep(); n > 0 {
					b.logger.Info("progress reaper expired emitters", "count", n)
				}
			case <-ctx.Done():
				b.logger.Info("progress reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
