package events

import (
	"sync"
	"time"

	"github.com/dmelnik/ada/internal/store"
)

// Event names delivered to streaming clients.
const (
	NameInitialMessages     = "initial_messages"
	NameMessageAdded        = "message_added"
	NameProcessingStarted   = "processing_started"
	NameProcessingComplete  = "processing_complete"
	NameProcessingCancelled = "processing_cancelled"
	NameProposalsUpdated    = "proposals_updated"
	NameProjectCreated      = "project_created"
	NameInstruction         = "instruction"
	NameError               = "error"
	NameHeartbeat           = "heartbeat"
)

// Event is a named payload fanned out to every live subscriber of a session.
// Fields are a union across event names; unset fields are omitted on the wire.
type Event struct {
	Name         string           `json:"event"`
	SessionID    string           `json:"session_id,omitempty"`
	JobID        string           `json:"job_id,omitempty"`
	Message      *store.Message   `json:"message,omitempty"`
	Messages     []store.Message  `json:"messages,omitempty"`
	Proposals    []store.Proposal `json:"proposals,omitempty"`
	IsProcessing *bool            `json:"is_processing,omitempty"`
	ProjectID    string           `json:"project_id,omitempty"`
	ProjectName  string           `json:"project_name,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	Error        string           `json:"error,omitempty"`
	At           time.Time        `json:"at"`
}

// OverflowPolicy controls what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued event to make room for the new one.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest discards the incoming event.
	DropNewest OverflowPolicy = "drop_newest"
)

// DropObserver is invoked (outside delivery) whenever an event is dropped.
type DropObserver func(sessionID string)

// Broadcaster is a per-session publish-subscribe hub. Delivery within one
// session is FIFO per subscriber; a slow subscriber only loses its own
// events, it never blocks the others or the publisher.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
	buffer      int
	policy      OverflowPolicy
	onDrop      DropObserver
}

func NewBroadcaster(buffer int, policy OverflowPolicy) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	if policy != DropNewest {
		policy = DropOldest
	}
	return &Broadcaster{
		subscribers: make(map[string]map[int]chan Event),
		buffer:      buffer,
		policy:      policy,
	}
}

// SetDropObserver installs a hook counting dropped events. Call before use.
func (b *Broadcaster) SetDropObserver(fn DropObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers a new delivery channel for the session. The returned
// cancel func is safe to call more than once.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[int]chan Event)
	}
	b.subscribers[sessionID][id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
}

// SubscriberCount reports live subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[sessionID])
}

// Notify delivers the event to every subscriber of the session. Sends are
// performed under the hub mutex so concurrent publishers cannot interleave
// out of order within one session.
func (b *Broadcaster) Notify(sessionID string, evt Event) {
	evt.SessionID = sessionID
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.Lock()
	subs := b.subscribers[sessionID]
	dropped := 0
	for _, ch := range subs {
		select {
		case ch <- evt:
			continue
		default:
		}
		if b.policy == DropNewest {
			dropped++
			continue
		}
		// Evict the oldest entry then retry once. Another drain may have
		// raced us, so the retry can still fail under DropOldest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- evt:
		default:
		}
		dropped++
	}
	onDrop := b.onDrop
	b.mu.Unlock()

	if onDrop != nil {
		for i := 0; i < dropped; i++ {
			onDrop(sessionID)
		}
	}
}
