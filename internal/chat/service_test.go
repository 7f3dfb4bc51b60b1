package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmelnik/ada/internal/brain"
	"github.com/dmelnik/ada/internal/events"
	"github.com/dmelnik/ada/internal/jobs"
	"github.com/dmelnik/ada/internal/session"
	"github.com/dmelnik/ada/internal/store"
)

type scriptedBrain struct {
	reply string
	err   error
	calls int32
}

func (b *scriptedBrain) Complete(ctx context.Context, _ []brain.Message) (string, error) {
	atomic.AddInt32(&b.calls, 1)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if b.err != nil {
		return "", b.err
	}
	return b.reply, nil
}

type fixture struct {
	svc      *Service
	store    *store.InMemoryStore
	registry *jobs.Registry
	bus      *events.Broadcaster
	brain    *scriptedBrain
}

func newFixture(b *scriptedBrain) *fixture {
	st := store.NewInMemoryStore()
	registry := jobs.NewRegistry(5 * time.Second)
	locks := session.NewLockManager(st, registry)
	bus := events.NewBroadcaster(64, events.DropOldest)
	svc := NewService(Config{}, st, locks, registry, bus, b, nil)
	return &fixture{svc: svc, store: st, registry: registry, bus: bus, brain: b}
}

func collectEvents(t *testing.T, ch <-chan events.Event, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case evt := <-ch:
			out = append(out, evt)
		case <-deadline:
			t.Fatalf("collected %d events, want %d: %+v", len(out), n, out)
		}
	}
	return out
}

func TestSendMessageAppendsBothSidesAndUnlocks(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "Great question, let's explore goroutines."})
	ctx := context.Background()

	result, err := f.svc.SendMessage(ctx, "s1", "teach me concurrency", "r1")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Content != "Great question, let's explore goroutines." {
		t.Fatalf("content = %q, want the model reply", result.Content)
	}

	msgs, err := f.store.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Fatalf("roles = %q, %q, want user then assistant", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].RequestID != "r1" {
		t.Fatalf("user message request id = %q, want r1", msgs[0].RequestID)
	}

	locked, err := f.store.GetLock(ctx, "s1")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if locked {
		t.Fatalf("session still locked after the reply returned")
	}
}

func TestRepeatedRequestIDIsNotReprocessed(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "first answer"})
	ctx := context.Background()

	first, err := f.svc.SendMessage(ctx, "s1", "hello", "r1")
	if err != nil {
		t.Fatalf("first SendMessage() error = %v", err)
	}
	if !first.Success || first.AlreadyProcessed {
		t.Fatalf("first result = %+v, want fresh success", first)
	}

	second, err := f.svc.SendMessage(ctx, "s1", "hello again", "r1")
	if err != nil {
		t.Fatalf("second SendMessage() error = %v", err)
	}
	if !second.Success || !second.AlreadyProcessed {
		t.Fatalf("second result = %+v, want already_processed", second)
	}
	if second.Content != "first answer" {
		t.Fatalf("replayed content = %q, want the recorded outcome", second.Content)
	}

	msgs, _ := f.store.ListMessages(ctx, "s1")
	if len(msgs) != 2 {
		t.Fatalf("messages after replay = %d, want unchanged 2", len(msgs))
	}
	if n := atomic.LoadInt32(&f.brain.calls); n != 1 {
		t.Fatalf("model called %d times, want 1", n)
	}
}

func TestLockedSessionReportsProcessing(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "unused"})
	ctx := context.Background()

	// A live job keeps the lock from being treated as stale.
	block := make(chan struct{})
	defer close(block)
	f.registry.Register("s1", jobs.KindChat, func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, nil)
	if err := f.store.CreateSessionIfAbsent(ctx, "s1"); err != nil {
		t.Fatalf("CreateSessionIfAbsent() error = %v", err)
	}
	if err := f.store.SetLock(ctx, "s1", true); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}

	result, err := f.svc.SendMessage(ctx, "s1", "am I interrupting?", "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if result.Success || !result.IsProcessing {
		t.Fatalf("result = %+v, want is_processing refusal", result)
	}

	msgs, _ := f.store.ListMessages(ctx, "s1")
	if len(msgs) != 0 {
		t.Fatalf("messages appended on a busy session: %+v", msgs)
	}
}

func TestStaleLockIsClearedBeforeSending(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "back to work"})
	ctx := context.Background()

	// Locked session with no live job: the leftover of a crash.
	if err := f.store.CreateSessionIfAbsent(ctx, "s1"); err != nil {
		t.Fatalf("CreateSessionIfAbsent() error = %v", err)
	}
	if err := f.store.SetLock(ctx, "s1", true); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}

	result, err := f.svc.SendMessage(ctx, "s1", "hello?", "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success after stale lock recovery", result)
	}
}

func TestLockReleasedWhenModelFails(t *testing.T) {
	f := newFixture(&scriptedBrain{err: errors.New("upstream unavailable")})
	ctx := context.Background()

	ch, cancelSub := f.bus.Subscribe("s1")
	defer cancelSub()

	result, err := f.svc.SendMessage(ctx, "s1", "hello", "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if result.Success {
		t.Fatalf("result = %+v, want failure", result)
	}
	if result.Error == "" {
		t.Fatalf("failure carries no error detail")
	}

	locked, _ := f.store.GetLock(ctx, "s1")
	if locked {
		t.Fatalf("session left locked after a failed job")
	}

	// message_added, processing_started, error, processing_complete.
	got := collectEvents(t, ch, 4)
	names := make([]string, len(got))
	for i, evt := range got {
		names[i] = evt.Name
	}
	if names[2] != events.NameError || names[3] != events.NameProcessingComplete {
		t.Fatalf("event tail = %v, want error then processing_complete", names)
	}
}

func TestPendingProposalsGateSending(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "unused"})
	ctx := context.Background()

	if err := f.store.SetPendingProposals(ctx, "s1", []store.Proposal{
		{ID: "p1", Title: "Build a web scraper", Difficulty: store.DifficultyIntermediate},
	}); err != nil {
		t.Fatalf("SetPendingProposals() error = %v", err)
	}

	ch, cancelSub := f.bus.Subscribe("s1")
	defer cancelSub()

	result, err := f.svc.SendMessage(ctx, "s1", "something else", "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if result.Success {
		t.Fatalf("result = %+v, want refusal while proposals are pending", result)
	}
	if result.Error == "" {
		t.Fatalf("refusal carries no explanation")
	}

	evt := collectEvents(t, ch, 1)[0]
	if evt.Name != events.NameInstruction {
		t.Fatalf("event = %q, want %q", evt.Name, events.NameInstruction)
	}

	msgs, _ := f.store.ListMessages(ctx, "s1")
	if len(msgs) != 0 {
		t.Fatalf("messages appended despite pending proposals: %+v", msgs)
	}
	if n := atomic.LoadInt32(&f.brain.calls); n != 0 {
		t.Fatalf("model called %d times, want 0", n)
	}
}

func TestSendEmitsLifecycleEventsInOrder(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "done"})
	ctx := context.Background()

	ch, cancelSub := f.bus.Subscribe("s1")
	defer cancelSub()

	if _, err := f.svc.SendMessage(ctx, "s1", "hi", ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	got := collectEvents(t, ch, 4)
	want := []string{
		events.NameMessageAdded,
		events.NameProcessingStarted,
		events.NameMessageAdded,
		events.NameProcessingComplete,
	}
	for i, evt := range got {
		if evt.Name != want[i] {
			t.Fatalf("event %d = %q, want %q (all: %+v)", i, evt.Name, want[i], got)
		}
	}
	if got[0].Message == nil || got[0].Message.Role != store.RoleUser {
		t.Fatalf("first message_added payload = %+v, want the user message", got[0].Message)
	}
	if got[2].Message == nil || got[2].Message.Role != store.RoleAssistant {
		t.Fatalf("second message_added payload = %+v, want the assistant message", got[2].Message)
	}
}

func TestSnapshotCarriesHistoryLockAndProposals(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "noted"})
	ctx := context.Background()

	if _, err := f.svc.SendMessage(ctx, "s1", "hello", ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := f.store.SetPendingProposals(ctx, "s1", []store.Proposal{
		{ID: "p1", Title: "Parse a log file", Difficulty: store.DifficultyBeginner},
	}); err != nil {
		t.Fatalf("SetPendingProposals() error = %v", err)
	}

	evt := f.svc.Snapshot(ctx, "s1")
	if evt.Name != events.NameInitialMessages {
		t.Fatalf("snapshot name = %q, want %q", evt.Name, events.NameInitialMessages)
	}
	if evt.Error != "" {
		t.Fatalf("snapshot error = %q, want none", evt.Error)
	}
	if len(evt.Messages) != 2 {
		t.Fatalf("snapshot messages = %d, want 2", len(evt.Messages))
	}
	if evt.IsProcessing == nil || *evt.IsProcessing {
		t.Fatalf("snapshot is_processing = %v, want false", evt.IsProcessing)
	}
	if len(evt.Proposals) != 1 {
		t.Fatalf("snapshot proposals = %d, want 1", len(evt.Proposals))
	}

	// A fresh session yields an empty, not nil, message list.
	fresh := f.svc.Snapshot(ctx, "brand-new")
	if fresh.Messages == nil {
		t.Fatalf("fresh snapshot messages = nil, want empty slice")
	}
}

func TestSendMessageValidatesInput(t *testing.T) {
	f := newFixture(&scriptedBrain{reply: "unused"})
	if _, err := f.svc.SendMessage(context.Background(), "s1", "   ", ""); err == nil {
		t.Fatalf("SendMessage(blank content) error = nil, want error")
	}
	if _, err := f.svc.SendMessage(context.Background(), "", "hi", ""); err == nil {
		t.Fatalf("SendMessage(empty session) error = nil, want error")
	}
}
