package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

const KindPing = "ping"

// Ping probes a URL once. Throttling answers are retried after the delay the
// server asks for; other client errors drop the task.
type Ping struct {
	task.Base
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

func (*Ping) Kind() string           { return KindPing }
func (*Ping) Timeout() time.Duration { return time.Minute }

const defaultRetryAfter = 30 * time.Second

func (p *Ping) Perform(ctx context.Context, rc task.RunContext, s *State) error {
	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return task.Reject(fmt.Errorf("invalid url %q", p.URL))
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodHead {
		return task.Reject(fmt.Errorf("unsupported method %q", p.Method))
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return task.Reject(err)
	}
	start := time.Now()
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	log := s.Log.With(logx.String("kind", KindPing), logx.String("id", rc.ID.String()),
		logx.String("url", u.Redacted()), logx.Int("status", resp.StatusCode))
	switch {
	case resp.StatusCode < 400:
		log.Info("ping ok", logx.Duration("took", time.Since(start)), logx.Int("attempts", rc.Attempts))
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		d := retryAfter(resp.Header.Get("Retry-After"), time.Now())
		log.Debug("ping throttled", logx.Duration("retry_in", d))
		return task.RetryAfter(errors.New(resp.Status), d)
	case resp.StatusCode < 500:
		return task.Reject(errors.New(resp.Status))
	default:
		return errors.New(resp.Status)
	}
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
