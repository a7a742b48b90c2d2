package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "cronjobd/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(unset bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify

	if !n.Ready() || !n.Reloading() || !n.Stopping() || !n.Status("3 jobs armed") {
		t.Fatal("notify should report sent")
	}
	want := []string{"READY=1", "RELOADING=1", "STOPPING=1", "STATUS=3 jobs armed"}
	for i, s := range want {
		if rec.states[i] != s {
			t.Fatalf("state[%d] = %q, want %q", i, rec.states[i], s)
		}
	}
}

func TestNotifyErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop())
	n.notify = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	if n.Ready() {
		t.Fatal("Ready should report false on error")
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop())
	n.watchdog = func(bool) (time.Duration, error) { return 0, nil }
	if err := n.Watchdog(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no watchdog pings")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
