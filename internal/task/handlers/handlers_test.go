package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cronjobd/internal/task/engine"
	"cronjobd/internal/task/params"
	"cronjobd/internal/task/registry"
	logx "cronjobd/pkg/logx"
)

func build(t *testing.T, buf *bytes.Buffer) *registry.Registry {
	t.Helper()
	fixed := time.Date(2026, 3, 2, 10, 17, 0, 0, time.UTC)
	return Register(registry.NewBuilder(), Deps{
		Log: logx.NewWriter(buf, "debug"),
		Now: func() time.Time { return fixed },
	}).Build()
}

func invoke(t *testing.T, r *registry.Registry, name, raw string) error {
	t.Helper()
	h, err := r.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", name, err)
	}
	p, err := params.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return h.Invoke(context.Background(), p)
}

func TestRegisteredNames(t *testing.T) {
	t.Parallel()
	r := build(t, &bytes.Buffer{})
	if got := strings.Join(r.Names(), ","); got != "http_ping,log_message,sample_function" {
		t.Fatalf("Names = %s", got)
	}
}

func TestSampleFunction(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := build(t, &buf)
	if err := invoke(t, r, SampleFunction, `{"name":"Ann","age":5}`); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"message":"executing sample_function"`, `"name":"Ann"`, `"age":5`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %s", out, want)
		}
	}
}

func TestSampleFunctionBadParams(t *testing.T) {
	t.Parallel()
	r := build(t, &bytes.Buffer{})
	for _, raw := range []string{
		`{"name":"Ann"}`,
		`{"name":"Ann","age":"five"}`,
		`{"name":"Ann","age":5,"extra":true}`,
	} {
		err := invoke(t, r, SampleFunction, raw)
		if err == nil || !engine.IsNoRetry(err) {
			t.Fatalf("%s: err = %v, want no-retry", raw, err)
		}
	}
}

func TestLogMessageLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := build(t, &buf)
	if err := invoke(t, r, LogMessage, `{"message":"nightly backup","level":"warn"}`); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), "nightly backup") {
		t.Fatalf("log = %s", buf.String())
	}
	if err := invoke(t, r, LogMessage, `{"message":"x","level":"loud"}`); !engine.IsNoRetry(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPPing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		case "/busy":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	r := build(t, &bytes.Buffer{})

	if err := invoke(t, r, HTTPPing, `{"url":"`+srv.URL+`/ok"}`); err != nil {
		t.Fatalf("ok: %v", err)
	}
	if err := invoke(t, r, HTTPPing, `{"url":"`+srv.URL+`/created","expect_status":201}`); err != nil {
		t.Fatalf("created: %v", err)
	}
	err := invoke(t, r, HTTPPing, `{"url":"`+srv.URL+`/missing"}`)
	if !errors.Is(err, errUnexpectedStatus) {
		t.Fatalf("missing: %v", err)
	}
	err = invoke(t, r, HTTPPing, `{"url":"`+srv.URL+`/busy"}`)
	var ra engine.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("busy: %v", err)
	}
}
