package stream

import (
	"context"
	"time"

	"github.com/dmelnik/ada/internal/events"
)

// Sink writes one event to the connected client. A non-nil error tears the
// stream down.
type Sink func(events.Event) error

// Adapter converts a session's broadcast channel into an ordered,
// heartbeat-augmented outbound sequence for one connection.
type Adapter struct {
	bus       *events.Broadcaster
	heartbeat time.Duration
}

func NewAdapter(bus *events.Broadcaster, heartbeat time.Duration) *Adapter {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Adapter{bus: bus, heartbeat: heartbeat}
}

// Run subscribes to the session, emits the snapshot event first, then
// forwards broadcast events until ctx ends or the sink fails. Heartbeats are
// emitted after each idle heartbeat interval to keep intermediaries from
// closing quiet connections. The subscription is removed on every exit path.
func (a *Adapter) Run(ctx context.Context, sessionID string, snapshot events.Event, send Sink) error {
	ch, cancelSub := a.bus.Subscribe(sessionID)
	defer cancelSub()

	if err := send(snapshot); err != nil {
		return err
	}

	timer := time.NewTimer(a.heartbeat)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(evt); err != nil {
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.heartbeat)
		case <-timer.C:
			hb := events.Event{Name: events.NameHeartbeat, SessionID: sessionID, At: time.Now().UTC()}
			if err := send(hb); err != nil {
				return err
			}
			timer.Reset(a.heartbeat)
		}
	}
}
