package reddit

import (
	"strings"
	"sync"
	"time"
)

const postedTTL = time.Hour

// postedLog remembers which subreddits a session already reached, so a retry
// or the automation fallback only submits to the rest.
type postedLog struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*postedEntry
}

type postedEntry struct {
	posts   map[string]*Post
	updated time.Time
}

func newPostedLog() *postedLog {
	return &postedLog{now: time.Now, sessions: make(map[string]*postedEntry)}
}

// record notes a created post. Requests without a session are not tracked.
func (l *postedLog) record(sessionID, subreddit string, p *Post) {
	if sessionID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, e := range l.sessions {
		if now.Sub(e.updated) > postedTTL {
			delete(l.sessions, id)
		}
	}
	e, ok := l.sessions[sessionID]
	if !ok {
		e = &postedEntry{posts: make(map[string]*Post)}
		l.sessions[sessionID] = e
	}
	e.posts[strings.ToLower(subreddit)] = p
	e.updated = now
}

// lookup returns the post a session already created in subreddit.
func (l *postedLog) lookup(sessionID, subreddit string) (*Post, bool) {
	if sessionID == "" {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sessions[sessionID]
	if !ok {
		return nil, false
	}
	p, ok := e.posts[strings.ToLower(subreddit)]
	return p, ok
}

// remaining filters subs down to those the session has not posted to.
func (l *postedLog) remaining(sessionID string, subs targets) targets {
	var out targets
	for _, sr := range subs {
		if _, done := l.lookup(sessionID, sr); !done {
			out = append(out, sr)
		}
	}
	return out
}

// forget drops the session once every target was reached.
func (l *postedLog) forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
