package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmelnik/ada/internal/brain"
	"github.com/dmelnik/ada/internal/events"
	"github.com/dmelnik/ada/internal/jobs"
	"github.com/dmelnik/ada/internal/observability"
	"github.com/dmelnik/ada/internal/session"
	"github.com/dmelnik/ada/internal/store"
)

const systemPrompt = "You are Ada, a patient learning mentor. Keep replies focused on helping the user learn, and suggest concrete next steps when useful."

// Config bounds the conversation excerpt sent to the model.
type Config struct {
	BrainTimeout  time.Duration
	HistoryWindow int
	TruncateLen   int
}

func (c *Config) applyDefaults() {
	if c.BrainTimeout <= 0 {
		c.BrainTimeout = 60 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 12
	}
	if c.TruncateLen <= 0 {
		c.TruncateLen = 500
	}
}

// SendResult is the outcome of one message submission.
type SendResult struct {
	Success          bool   `json:"success"`
	Content          string `json:"content,omitempty"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
	IsProcessing     bool   `json:"is_processing,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Service orchestrates message submission: idempotency check, proposal
// gating, lock acquisition, the chat background job, and event fan-out.
type Service struct {
	cfg      Config
	store    store.Store
	locks    *session.LockManager
	registry *jobs.Registry
	bus      *events.Broadcaster
	adapter  brain.Adapter
	metrics  *observability.Metrics
}

func NewService(cfg Config, st store.Store, locks *session.LockManager, registry *jobs.Registry, bus *events.Broadcaster, adapter brain.Adapter, metrics *observability.Metrics) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:      cfg,
		store:    st,
		locks:    locks,
		registry: registry,
		bus:      bus,
		adapter:  adapter,
		metrics:  metrics,
	}
}

// SendMessage submits one user message and waits for the assistant reply.
// A repeated request id returns the previously recorded outcome without
// re-execution; a locked session returns is_processing; a session with
// pending proposals is refused until they are resolved.
func (s *Service) SendMessage(ctx context.Context, sessionID, content, requestID string) (SendResult, error) {
	content = strings.TrimSpace(content)
	if sessionID == "" || content == "" {
		return SendResult{}, fmt.Errorf("session id and content are required")
	}

	if err := s.store.CreateSessionIfAbsent(ctx, sessionID); err != nil {
		return SendResult{}, fmt.Errorf("ensure session: %w", err)
	}

	if requestID != "" {
		exists, err := s.locks.MessageExists(ctx, sessionID, requestID)
		if err != nil {
			return SendResult{}, fmt.Errorf("idempotency check: %w", err)
		}
		if exists {
			prior, err := s.priorOutcome(ctx, sessionID, requestID)
			if err != nil {
				return SendResult{}, err
			}
			return SendResult{Success: true, AlreadyProcessed: true, Content: prior}, nil
		}
	}

	pending, err := s.store.GetPendingProposals(ctx, sessionID)
	if err != nil {
		return SendResult{}, fmt.Errorf("pending proposals check: %w", err)
	}
	if len(pending) > 0 {
		s.notify(sessionID, events.Event{
			Name:   events.NameInstruction,
			Detail: "Please accept or reject the pending project proposals before continuing the conversation.",
		})
		return SendResult{Success: false, Error: "pending proposals must be accepted or rejected first"}, nil
	}

	if err := s.locks.ClearStaleLock(ctx, sessionID); err != nil {
		return SendResult{}, fmt.Errorf("clear stale lock: %w", err)
	}
	acquired, err := s.locks.TryAcquire(ctx, sessionID)
	if err != nil {
		return SendResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		s.metrics.ObserveLockBusy()
		return SendResult{Success: false, IsProcessing: true}, nil
	}

	userMsg, err := s.store.AppendMessage(ctx, sessionID, store.Message{
		Role:      store.RoleUser,
		Content:   content,
		RequestID: requestID,
	})
	if err != nil {
		s.release(sessionID)
		return SendResult{}, fmt.Errorf("append user message: %w", err)
	}
	s.notify(sessionID, events.Event{Name: events.NameMessageAdded, Message: &userMsg})
	s.notify(sessionID, events.Event{Name: events.NameProcessingStarted})

	job := s.registry.Register(sessionID, jobs.KindChat, s.replyWork(sessionID), s.replyDone(sessionID))

	final, err := s.registry.Wait(ctx, job.ID)
	if err != nil {
		// The caller went away; the job keeps running and the completion
		// observer still releases the lock.
		return SendResult{}, fmt.Errorf("wait for reply: %w", err)
	}

	switch final.Status {
	case jobs.StatusCompleted:
		reply, _ := final.Result.(string)
		return SendResult{Success: true, Content: reply}, nil
	case jobs.StatusCanceled:
		return SendResult{Success: false, Error: "processing was cancelled"}, nil
	default:
		return SendResult{Success: false, Error: final.Error}, nil
	}
}

// replyWork invokes the model over a bounded history excerpt and appends the
// assistant reply.
func (s *Service) replyWork(sessionID string) jobs.Work {
	return func(ctx context.Context) (any, error) {
		history, err := s.store.ListMessages(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list history: %w", err)
		}

		prompt := s.buildPrompt(history)
		brainCtx, cancel := context.WithTimeout(ctx, s.cfg.BrainTimeout)
		defer cancel()

		started := time.Now()
		reply, err := s.adapter.Complete(brainCtx, prompt)
		s.metrics.ObserveBrainLatency(time.Since(started))
		if err != nil {
			if brainCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				s.metrics.ObserveBrainError("timeout")
				return nil, fmt.Errorf("model completion timed out: %w", context.DeadlineExceeded)
			}
			s.metrics.ObserveBrainError("upstream")
			return nil, fmt.Errorf("model completion: %w", err)
		}

		// Persist on a detached context so a cancel racing the finished
		// model call cannot lose the reply.
		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pcancel()
		assistantMsg, err := s.store.AppendMessage(pctx, sessionID, store.Message{
			Role:    store.RoleAssistant,
			Content: strings.TrimSpace(reply),
		})
		if err != nil {
			return nil, fmt.Errorf("append assistant message: %w", err)
		}
		s.notify(sessionID, events.Event{Name: events.NameMessageAdded, Message: &assistantMsg})
		return strings.TrimSpace(reply), nil
	}
}

// replyDone is the completion observer: it always unlocks and always emits
// processing_complete, whatever the outcome.
func (s *Service) replyDone(sessionID string) jobs.Observer {
	return func(j jobs.Job) {
		s.release(sessionID)
		s.metrics.ObserveJob(string(j.Kind), string(j.Status))

		switch j.Status {
		case jobs.StatusCanceled:
			s.notify(sessionID, events.Event{Name: events.NameProcessingCancelled, JobID: j.ID})
		case jobs.StatusFailed:
			s.notify(sessionID, events.Event{Name: events.NameError, JobID: j.ID, Error: j.Error})
		}
		s.notify(sessionID, events.Event{Name: events.NameProcessingComplete, JobID: j.ID})
	}
}

// Snapshot builds the initial_messages event for a newly attached stream:
// full history, lock state and pending proposals. Store failures degrade to
// an event carrying an error field instead of aborting the connection.
func (s *Service) Snapshot(ctx context.Context, sessionID string) events.Event {
	evt := events.Event{
		Name:      events.NameInitialMessages,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}

	if err := s.locks.ClearStaleLock(ctx, sessionID); err != nil {
		evt.Error = fmt.Sprintf("clear stale lock: %v", err)
	}

	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		evt.Error = fmt.Sprintf("load history: %v", err)
		return evt
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	evt.Messages = msgs

	locked, err := s.store.GetLock(ctx, sessionID)
	if err != nil {
		evt.Error = fmt.Sprintf("load lock state: %v", err)
		return evt
	}
	evt.IsProcessing = &locked

	pending, err := s.store.GetPendingProposals(ctx, sessionID)
	if err != nil {
		evt.Error = fmt.Sprintf("load pending proposals: %v", err)
		return evt
	}
	evt.Proposals = pending
	return evt
}

// History returns the ordered message list. Read-only; no lock required.
func (s *Service) History(ctx context.Context, sessionID string) ([]store.Message, error) {
	return s.store.ListMessages(ctx, sessionID)
}

func (s *Service) buildPrompt(history []store.Message) []brain.Message {
	out := []brain.Message{{Role: brain.RoleSystem, Content: systemPrompt}}
	start := 0
	if len(history) > s.cfg.HistoryWindow {
		start = len(history) - s.cfg.HistoryWindow
	}
	for _, m := range history[start:] {
		content := m.Content
		if len(content) > s.cfg.TruncateLen {
			content = content[:s.cfg.TruncateLen]
		}
		out = append(out, brain.Message{Role: m.Role, Content: content})
	}
	return out
}

// priorOutcome reconstructs the result of an already-applied request: the
// assistant message immediately following the matching user message.
func (s *Service) priorOutcome(ctx context.Context, sessionID, requestID string) (string, error) {
	history, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load prior outcome: %w", err)
	}
	for i, m := range history {
		if m.RequestID == requestID {
			if i+1 < len(history) && history[i+1].Role == store.RoleAssistant {
				return history[i+1].Content, nil
			}
			return "", nil
		}
	}
	return "", nil
}

func (s *Service) release(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.locks.Release(ctx, sessionID)
}

func (s *Service) notify(sessionID string, evt events.Event) {
	s.metrics.ObserveEvent(evt.Name)
	s.bus.Notify(sessionID, evt)
}
