package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"status 503", StatusError("submit", 503, nil), "HTTP_503", true},
		{"status 400", StatusError("submit", 400, nil), "HTTP_400", false},
		{"status 429", StatusError("submit", 429, nil), CodeRateLimited, true},
		{"status 401", StatusError("auth", 401, nil), CodeAuth, false},
		{"wrapped typed error", fmt.Errorf("outer: %w", StatusError("submit", 502, nil)), "HTTP_502", true},
		{"explicit code wins", &Error{Kind: KindRejected, Code: "SUBREDDIT_NOEXIST"}, "SUBREDDIT_NOEXIST", false},
		{"validation", NewError(KindValidation, "render", errors.New("title too long")), CodeValidation, false},
		{"unavailable", Unavailable("reddit", "no credentials"), CodeUnavailable, false},
		{"raw connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, CodeConnRefused, true},
		{"raw dns failure", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, CodeDNS, true},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), CodeTimeout, true},
		{"generic", errors.New("something odd"), CodeUnknown, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, retryable := Classify(tc.err)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.retryable, retryable)
		})
	}
}

func TestErrorMessageIncludesOpAndStatus(t *testing.T) {
	t.Parallel()
	err := StatusError("reddit.submit", 503, errors.New("service unavailable"))
	assert.Equal(t, "reddit.submit: http_status 503: service unavailable", err.Error())
	assert.ErrorIs(t, fmt.Errorf("wrap: %w", err), err)
}
