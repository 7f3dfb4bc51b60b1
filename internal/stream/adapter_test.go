package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmelnik/ada/internal/events"
)

type sinkRecorder struct {
	mu   sync.Mutex
	got  []events.Event
	fail error
}

func (r *sinkRecorder) send(evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, evt)
	return nil
}

func (r *sinkRecorder) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.got))
	copy(out, r.got)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s", msg)
}

func TestRunSendsSnapshotFirstThenLiveEvents(t *testing.T) {
	bus := events.NewBroadcaster(16, events.DropOldest)
	a := NewAdapter(bus, time.Hour)
	rec := &sinkRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		snapshot := events.Event{Name: events.NameInitialMessages, SessionID: "s1"}
		done <- a.Run(ctx, "s1", snapshot, rec.send)
	}()

	waitFor(t, func() bool { return bus.SubscriberCount("s1") == 1 }, "stream never subscribed")
	bus.Notify("s1", events.Event{Name: events.NameMessageAdded})
	bus.Notify("s1", events.Event{Name: events.NameProcessingComplete})

	waitFor(t, func() bool { return len(rec.events()) >= 3 }, "live events never forwarded")
	got := rec.events()
	if got[0].Name != events.NameInitialMessages {
		t.Fatalf("first event = %q, want snapshot", got[0].Name)
	}
	if got[1].Name != events.NameMessageAdded || got[2].Name != events.NameProcessingComplete {
		t.Fatalf("forwarded events out of order: %q, %q", got[1].Name, got[2].Name)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run never returned after cancel")
	}
	if n := bus.SubscriberCount("s1"); n != 0 {
		t.Fatalf("subscribers after exit = %d, want 0", n)
	}
}

func TestRunEmitsHeartbeatsWhenIdle(t *testing.T) {
	bus := events.NewBroadcaster(16, events.DropOldest)
	a := NewAdapter(bus, 20*time.Millisecond)
	rec := &sinkRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, "s1", events.Event{Name: events.NameInitialMessages}, rec.send)

	waitFor(t, func() bool {
		beats := 0
		for _, evt := range rec.events() {
			if evt.Name == events.NameHeartbeat {
				beats++
			}
		}
		return beats >= 2
	}, "no heartbeats on an idle stream")
}

func TestRunStopsOnSinkError(t *testing.T) {
	bus := events.NewBroadcaster(16, events.DropOldest)
	a := NewAdapter(bus, time.Hour)
	rec := &sinkRecorder{fail: errors.New("connection gone")}

	err := a.Run(context.Background(), "s1", events.Event{Name: events.NameInitialMessages}, rec.send)
	if err == nil || err.Error() != "connection gone" {
		t.Fatalf("Run() error = %v, want sink failure", err)
	}
	if n := bus.SubscriberCount("s1"); n != 0 {
		t.Fatalf("subscribers after sink failure = %d, want 0", n)
	}
}

func TestRunSurvivesForeignUnsubscribe(t *testing.T) {
	bus := events.NewBroadcaster(16, events.DropOldest)
	a := NewAdapter(bus, time.Hour)
	rec := &sinkRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, "s1", events.Event{Name: events.NameInitialMessages}, rec.send)
	}()

	waitFor(t, func() bool { return bus.SubscriberCount("s1") == 1 }, "stream never subscribed")
	_, cancelSub := bus.Subscribe("s1")
	cancelSub()

	select {
	case <-done:
		t.Fatalf("Run exited on a foreign unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	// The stream still forwards after the other subscriber left.
	bus.Notify("s1", events.Event{Name: events.NameMessageAdded})
	waitFor(t, func() bool { return len(rec.events()) >= 2 }, "event lost after foreign unsubscribe")
}
