package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/eventcast/internal/domain"
)

// ErrFeedExpired is returned by Watch when the server dropped the feed
// before the session completed.
var ErrFeedExpired = errors.New("session feed expired before completion")

// WatchOptions tunes Watch.
type WatchOptions struct {
	AfterSeq      int64 // resume after this event id
	MaxReconnects int
}

// frame is one Server-Sent Events message.
type frame struct {
	id    string
	event string
	data  strings.Builder
}

// Watch follows the event stream of a session and calls fn for every step
// event. It returns nil once session_complete was delivered. Dropped
// connections are resumed from the last seen id.
func (c *Client) Watch(ctx context.Context, sessionID string, opts WatchOptions, fn func(domain.StepEvent) error) error {
	last := opts.AfterSeq
	retry := defaultRetry
	for attempt := 0; ; attempt++ {
		done, err := c.watchOnce(ctx, sessionID, &last, &retry, fn)
		if done {
			return err
		}
		if attempt >= opts.MaxReconnects {
			return err
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// watchOnce reads one connection. done is true when the result is final,
// either because the session completed or because retrying cannot help.
func (c *Client) watchOnce(ctx context.Context, sessionID string, last *int64, retry *time.Duration, fn func(domain.StepEvent) error) (done bool, err error) {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/stream"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return true, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*last, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() != nil, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return true, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	cur := &frame{}
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			parseField(cur, line, retry)
			continue
		}

		ev := cur
		cur = &frame{}
		switch ev.event {
		case "", "ping":
			continue
		case "expired":
			return true, ErrFeedExpired
		}

		var step domain.StepEvent
		if err := json.Unmarshal([]byte(ev.data.String()), &step); err != nil {
			return true, fmt.Errorf("decode %s event: %w", ev.event, err)
		}
		if step.Seq > 0 {
			*last = step.Seq
		}
		if err := fn(step); err != nil {
			return true, err
		}
		if step.Type.IsTerminal() {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return ctx.Err() != nil, fmt.Errorf("read stream: %w", err)
	}
	return false, fmt.Errorf("stream closed before session completed")
}

func parseField(f *frame, line string, retry *time.Duration) {
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "id":
		f.id = value
	case "event":
		f.event = value
	case "data":
		if f.data.Len() > 0 {
			f.data.WriteByte('\n')
		}
		f.data.WriteString(value)
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			*retry = time.Duration(ms) * time.Millisecond
		}
	}
}
