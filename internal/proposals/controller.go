package proposals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmelnik/ada/internal/brain"
	"github.com/dmelnik/ada/internal/events"
	"github.com/dmelnik/ada/internal/jobs"
	"github.com/dmelnik/ada/internal/observability"
	"github.com/dmelnik/ada/internal/session"
	"github.com/dmelnik/ada/internal/store"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrBusy             = errors.New("session is busy")
)

// Status is the immediate outcome of a suggestion request.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusPending Status = "pending"
	StatusBusy    Status = "busy"
)

const suggestionPromptTemplate = "Based on the conversation so far, propose %d learning projects for the user. Respond with a JSON array of objects with fields: title, description, difficulty (Beginner|Intermediate|Advanced), tags (array of strings). Respond with JSON only."

const extractionPrompt = "List the key concepts the user should master for this project, based on the conversation. Respond with a JSON array of short strings only."

// Config bounds suggestion generation.
type Config struct {
	BrainTimeout  time.Duration
	HistoryWindow int
	TruncateLen   int
	DefaultCount  int
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
	if c.DefaultCount <= 0 {
		c.DefaultCount = 3
	}
}

// AcceptResult describes the project created from an accepted proposal.
type AcceptResult struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	Message     string `json:"message"`
}

// Controller drives the proposal lifecycle: suggestion generation, the
// pending set, and acceptance into a durable project.
type Controller struct {
	cfg      Config
	store    store.Store
	locks    *session.LockManager
	registry *jobs.Registry
	bus      *events.Broadcaster
	adapter  brain.Adapter
	metrics  *observability.Metrics
}

func NewController(cfg Config, st store.Store, locks *session.LockManager, registry *jobs.Registry, bus *events.Broadcaster, adapter brain.Adapter, metrics *observability.Metrics) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:      cfg,
		store:    st,
		locks:    locks,
		registry: registry,
		bus:      bus,
		adapter:  adapter,
		metrics:  metrics,
	}
}

// RequestSuggestions starts a background suggestion job. It returns pending
// when a proposal round is already awaiting resolution, busy when the
// session is locked or a suggestion job is live, and queued when new work
// was started.
func (c *Controller) RequestSuggestions(ctx context.Context, sessionID string, count int) (Status, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if count <= 0 {
		count = c.cfg.DefaultCount
	}

	if err := c.store.CreateSessionIfAbsent(ctx, sessionID); err != nil {
		return "", fmt.Errorf("ensure session: %w", err)
	}

	pending, err := c.store.GetPendingProposals(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("pending proposals check: %w", err)
	}
	if len(pending) > 0 {
		return StatusPending, nil
	}

	if c.registry.HasKind(sessionID, jobs.KindSuggestion) {
		return StatusBusy, nil
	}

	acquired, err := c.locks.TryAcquire(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		c.metrics.ObserveLockBusy()
		return StatusBusy, nil
	}

	c.notify(sessionID, events.Event{Name: events.NameProcessingStarted})
	c.registry.Register(sessionID, jobs.KindSuggestion, c.suggestionWork(sessionID, count), c.suggestionDone(sessionID))
	return StatusQueued, nil
}

func (c *Controller) suggestionWork(sessionID string, count int) jobs.Work {
	return func(ctx context.Context) (any, error) {
		history, err := c.store.ListMessages(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list history: %w", err)
		}

		prompt := c.buildPrompt(history, fmt.Sprintf(suggestionPromptTemplate, count))
		brainCtx, cancel := context.WithTimeout(ctx, c.cfg.BrainTimeout)
		defer cancel()

		started := time.Now()
		text, err := c.adapter.Complete(brainCtx, prompt)
		c.metrics.ObserveBrainLatency(time.Since(started))
		if err != nil {
			if brainCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				c.metrics.ObserveBrainError("timeout")
				return nil, fmt.Errorf("suggestion generation timed out: %w", context.DeadlineExceeded)
			}
			c.metrics.ObserveBrainError("upstream")
			return nil, fmt.Errorf("suggestion generation: %w", err)
		}

		parsed := ParseProposals(text, count)
		if len(parsed) == 0 {
			// Malformed model output is recovered locally, never surfaced
			// as a hard error.
			parsed = []store.Proposal{fallbackProposal()}
		}

		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pcancel()
		if err := c.store.SetPendingProposals(pctx, sessionID, parsed); err != nil {
			return nil, fmt.Errorf("store pending proposals: %w", err)
		}
		c.notify(sessionID, events.Event{Name: events.NameProposalsUpdated, Proposals: parsed})
		return parsed, nil
	}
}

func (c *Controller) suggestionDone(sessionID string) jobs.Observer {
	return func(j jobs.Job) {
		c.releaseLock(sessionID)
		c.metrics.ObserveJob(string(j.Kind), string(j.Status))

		switch j.Status {
		case jobs.StatusCanceled:
			c.notify(sessionID, events.Event{Name: events.NameProcessingCancelled, JobID: j.ID})
		case jobs.StatusFailed:
			c.notify(sessionID, events.Event{Name: events.NameError, JobID: j.ID, Error: j.Error})
		}
		c.notify(sessionID, events.Event{Name: events.NameProcessingComplete, JobID: j.ID})
	}
}

// Accept resolves the pending round into a durable project: the project and
// a positional snapshot of the chat history are persisted, the pending set
// is cleared, and a confirmation assistant message is appended and
// broadcast. An unknown proposal id is a NotFound error and leaves pending
// set and lock untouched.
func (c *Controller) Accept(ctx context.Context, sessionID, proposalID string) (AcceptResult, error) {
	pending, err := c.store.GetPendingProposals(ctx, sessionID)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("load pending proposals: %w", err)
	}
	chosen, ok := matchProposal(pending, proposalID)
	if !ok {
		return AcceptResult{}, fmt.Errorf("%w: %q", ErrProposalNotFound, proposalID)
	}

	if err := c.locks.ClearStaleLock(ctx, sessionID); err != nil {
		return AcceptResult{}, fmt.Errorf("clear stale lock: %w", err)
	}
	acquired, err := c.locks.TryAcquire(ctx, sessionID)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		c.metrics.ObserveLockBusy()
		return AcceptResult{}, ErrBusy
	}
	defer c.releaseLock(sessionID)

	projectID := uuid.NewString()
	payload := map[string]any{
		"description":    chosen.Description,
		"difficulty":     string(chosen.Difficulty),
		"tags":           chosen.Tags,
		"source_session": sessionID,
		"accepted_at":    time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.store.UpsertProject(ctx, projectID, chosen.Title, payload); err != nil {
		return AcceptResult{}, fmt.Errorf("persist project: %w", err)
	}

	history, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("load history for snapshot: %w", err)
	}
	if err := c.store.SaveProjectHistorySnapshot(ctx, projectID, history); err != nil {
		return AcceptResult{}, fmt.Errorf("save history snapshot: %w", err)
	}

	if err := c.store.ClearPendingProposals(ctx, sessionID); err != nil {
		return AcceptResult{}, fmt.Errorf("clear pending proposals: %w", err)
	}

	confirmation := fmt.Sprintf("Great choice! We'll work on %q. I've saved it as your project, and we can start whenever you're ready.", chosen.Title)
	msg, err := c.store.AppendMessage(ctx, sessionID, store.Message{
		Role:    store.RoleAssistant,
		Content: confirmation,
	})
	if err != nil {
		return AcceptResult{}, fmt.Errorf("append confirmation: %w", err)
	}

	c.notify(sessionID, events.Event{Name: events.NameProposalsUpdated, Proposals: []store.Proposal{}})
	c.notify(sessionID, events.Event{Name: events.NameProjectCreated, ProjectID: projectID, ProjectName: chosen.Title})
	c.notify(sessionID, events.Event{Name: events.NameMessageAdded, Message: &msg})

	c.startExtraction(sessionID, projectID)

	return AcceptResult{ProjectID: projectID, ProjectName: chosen.Title, Message: confirmation}, nil
}

// Reject clears the pending set without creating a project.
func (c *Controller) Reject(ctx context.Context, sessionID string) error {
	pending, err := c.store.GetPendingProposals(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load pending proposals: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	if err := c.locks.ClearStaleLock(ctx, sessionID); err != nil {
		return fmt.Errorf("clear stale lock: %w", err)
	}
	acquired, err := c.locks.TryAcquire(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		c.metrics.ObserveLockBusy()
		return ErrBusy
	}
	defer c.releaseLock(sessionID)

	if err := c.store.ClearPendingProposals(ctx, sessionID); err != nil {
		return fmt.Errorf("clear pending proposals: %w", err)
	}
	c.notify(sessionID, events.Event{Name: events.NameProposalsUpdated, Proposals: []store.Proposal{}})
	return nil
}

// startExtraction registers a follow-up job deriving concept tags for the
// new project. The project already exists, so extraction failure is
// reported but never undoes acceptance.
func (c *Controller) startExtraction(sessionID, projectID string) {
	c.registry.Register(sessionID, jobs.KindExtraction, func(ctx context.Context) (any, error) {
		history, err := c.store.ListMessages(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list history: %w", err)
		}

		prompt := c.buildPrompt(history, extractionPrompt)
		brainCtx, cancel := context.WithTimeout(ctx, c.cfg.BrainTimeout)
		defer cancel()

		text, err := c.adapter.Complete(brainCtx, prompt)
		if err != nil {
			c.metrics.ObserveBrainError("upstream")
			return nil, fmt.Errorf("concept extraction: %w", err)
		}

		concepts := ParseStringList(text, 20)
		if len(concepts) == 0 {
			return []string{}, nil
		}

		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pcancel()
		if err := c.store.UpsertProject(pctx, projectID, "", map[string]any{"concepts": concepts}); err != nil {
			return nil, fmt.Errorf("store concepts: %w", err)
		}
		return concepts, nil
	}, func(j jobs.Job) {
		c.metrics.ObserveJob(string(j.Kind), string(j.Status))
		if j.Status == jobs.StatusFailed {
			c.notify(sessionID, events.Event{Name: events.NameError, JobID: j.ID, Error: j.Error})
		}
	})
}

func (c *Controller) buildPrompt(history []store.Message, instruction string) []brain.Message {
	out := []brain.Message{{Role: brain.RoleSystem, Content: "You are Ada, a learning mentor that designs practical learning projects."}}
	start := 0
	if len(history) > c.cfg.HistoryWindow {
		start = len(history) - c.cfg.HistoryWindow
	}
	for _, m := range history[start:] {
		content := m.Content
		if len(content) > c.cfg.TruncateLen {
			content = content[:c.cfg.TruncateLen]
		}
		out = append(out, brain.Message{Role: m.Role, Content: content})
	}
	out = append(out, brain.Message{Role: brain.RoleUser, Content: instruction})
	return out
}

func matchProposal(pending []store.Proposal, proposalID string) (store.Proposal, bool) {
	for _, p := range pending {
		if p.ID == proposalID {
			return p, true
		}
	}
	// Some clients echo the title back instead of the id.
	for _, p := range pending {
		if strings.EqualFold(strings.TrimSpace(p.Title), strings.TrimSpace(proposalID)) {
			return p, true
		}
	}
	return store.Proposal{}, false
}

func fallbackProposal() store.Proposal {
	return store.Proposal{
		ID:          uuid.NewString(),
		Title:       "Build a small project from this conversation",
		Description: "Turn what we've discussed into a hands-on mini project: pick the topic you found most interesting and build something small that exercises it end to end.",
		Difficulty:  store.DifficultyIntermediate,
		Tags:        []string{"practice"},
	}
}

func (c *Controller) releaseLock(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.locks.Release(ctx, sessionID)
}

func (c *Controller) notify(sessionID string, evt events.Event) {
	c.metrics.ObserveEvent(evt.Name)
	c.bus.Notify(sessionID, evt)
}
