package wa

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Dispatcher hands inbound messages to a processor, one sender at a time and
// in arrival order. Different senders are processed concurrently.
type Dispatcher struct {
	processor MessageProcessor
	logger    *slog.Logger

	mu      sync.Mutex
	queues  map[string][]Inbound
	pending sync.WaitGroup
}

// NewDispatcher creates a dispatcher feeding processor.
func NewDispatcher(processor MessageProcessor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		processor: processor,
		logger:    logger.With("component", "wa_dispatch"),
		queues:    make(map[string][]Inbound),
	}
}

// Dispatch queues msg behind any earlier message from the same sender.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Inbound) {
	d.pending.Add(1)
	d.mu.Lock()
	queue, running := d.queues[msg.Sender]
	d.queues[msg.Sender] = append(queue, msg)
	d.mu.Unlock()

	if !running {
		go d.drain(ctx, msg.Sender)
	}
}

// Wait blocks until every dispatched message has been processed.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

func (d *Dispatcher) drain(ctx context.Context, sender string) {
	for {
		d.mu.Lock()
		queue := d.queues[sender]
		if len(queue) == 0 {
			delete(d.queues, sender)
			d.mu.Unlock()
			return
		}
		next := queue[0]
		d.queues[sender] = queue[1:]
		d.mu.Unlock()

		d.process(ctx, next)
	}
}

func (d *Dispatcher) process(ctx context.Context, msg Inbound) {
	defer d.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message processor panicked", "sender", msg.Sender, "message_id", msg.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d.processor.ProcessMessage(ctx, msg)
}
