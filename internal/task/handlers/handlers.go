// Package handlers holds the tasks compiled into cronjobd.
//
// Handlers wrap parameter errors with engine.NoRetry: a bad row will not get
// better by retrying, only by editing the job.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cronjobd/internal/task/engine"
	"cronjobd/internal/task/params"
	"cronjobd/internal/task/registry"
	logx "cronjobd/pkg/logx"
)

const (
	SampleFunction = "sample_function"
	LogMessage     = "log_message"
	HTTPPing       = "http_ping"
)

// Deps are the collaborators built-in handlers need.
type Deps struct {
	Log    logx.Logger
	Client *http.Client
	Now    func() time.Time
}

// Register adds every built-in handler to b.
func Register(b *registry.Builder, d Deps) *registry.Builder {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log.With(logx.String("comp", "handlers"))

	b.Register(SampleFunction, sampleFunction{log: log, now: d.Now})
	b.Register(LogMessage, logMessage{log: log})
	b.Register(HTTPPing, httpPing{log: log, client: d.Client})
	return b
}

// onlyKeys rejects parameters the handler does not take.
func onlyKeys(p params.Params, allowed ...string) error {
	for _, k := range p.Keys() {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return engine.NoRetry(fmt.Errorf("unexpected parameter %q", k))
		}
	}
	return nil
}

// sampleFunction(name, age) logs its arguments.
type sampleFunction struct {
	log logx.Logger
	now func() time.Time
}

func (h sampleFunction) Invoke(ctx context.Context, p params.Params) error {
	if err := onlyKeys(p, "name", "age"); err != nil {
		return err
	}
	name, err := p.Str("name")
	if err != nil {
		return engine.NoRetry(err)
	}
	age, err := p.Int("age")
	if err != nil {
		return engine.NoRetry(err)
	}
	h.log.Info("executing sample_function",
		logx.Time("at", h.now()),
		logx.String("name", name),
		logx.Int64("age", age),
	)
	return nil
}

// logMessage(message, level="info") writes message to the log.
type logMessage struct {
	log logx.Logger
}

func (h logMessage) Invoke(ctx context.Context, p params.Params) error {
	if err := onlyKeys(p, "message", "level"); err != nil {
		return err
	}
	msg, err := p.Str("message")
	if err != nil {
		return engine.NoRetry(err)
	}
	level := "info"
	if p.Has("level") {
		if level, err = p.Str("level"); err != nil {
			return engine.NoRetry(err)
		}
	}
	switch level {
	case "debug":
		h.log.Debug(msg)
	case "info":
		h.log.Info(msg)
	case "warn":
		h.log.Warn(msg)
	case "error":
		h.log.Error(msg)
	default:
		return engine.NoRetry(fmt.Errorf("unknown level %q", level))
	}
	return nil
}

// httpPing(url, expect_status=200, method="GET") checks that url answers with
// the expected status.
type httpPing struct {
	log    logx.Logger
	client *http.Client
}

var errUnexpectedStatus = errors.New("unexpected status")

func (h httpPing) Invoke(ctx context.Context, p params.Params) error {
	if err := onlyKeys(p, "url", "expect_status", "method"); err != nil {
		return err
	}
	url, err := p.Str("url")
	if err != nil {
		return engine.NoRetry(err)
	}
	want := int64(http.StatusOK)
	if p.Has("expect_status") {
		if want, err = p.Int("expect_status"); err != nil {
			return engine.NoRetry(err)
		}
	}
	method := http.MethodGet
	if p.Has("method") {
		if method, err = p.Str("method"); err != nil {
			return engine.NoRetry(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return engine.NoRetry(err)
	}
	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http_ping %s: %w", url, err)
	}
	_ = resp.Body.Close()

	if int64(resp.StatusCode) != want {
		err := fmt.Errorf("%w: %s returned %d, want %d", errUnexpectedStatus, url, resp.StatusCode, want)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
				return engine.RetryAfter(err, d)
			}
		}
		return err
	}
	h.log.Debug("http_ping ok", logx.String("url", url), logx.Int("status", resp.StatusCode), logx.Duration("dur", time.Since(start)))
	return nil
}

func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
