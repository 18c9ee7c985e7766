package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bot-pedidos/internal/repo"

	"github.com/google/uuid"
)

// EventType names a ledger change.
type EventType string

const (
	EventNewOrder     EventType = "newOrder"
	EventOrderUpdated EventType = "orderUpdated"
)

// Event is broadcast to subscribers after a committed change.
type Event struct {
	ID    string     `json:"id"`
	Type  EventType  `json:"type"`
	Order repo.Order `json:"order"`
	At    time.Time  `json:"at"`
}

func newEvent(t EventType, order repo.Order, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, Order: order, At: at}
}

type broker struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Event)}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *broker) publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Publisher sends a JSON payload to a pub/sub channel.
type Publisher interface {
	PublishJSON(ctx context.Context, channel string, value any) error
}

// Relay forwards ledger events to channel until ctx is done or events closes.
func Relay(ctx context.Context, events <-chan Event, pub Publisher, channel string, logger *slog.Logger) {
	logger = logger.With("component", "ledger_relay", "channel", channel)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := pub.PublishJSON(pubCtx, channel, evt); err != nil {
				logger.Warn("publish ledger event failed", "event", evt.Type, "order_id", evt.Order.ID, "error", err)
			}
			cancel()
		}
	}
}
