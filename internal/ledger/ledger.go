package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bot-pedidos/internal/metrics"
	"bot-pedidos/internal/repo"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrOrderNotFound is returned when an order id is unknown.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidStatus is returned for a status outside the order lifecycle.
	ErrInvalidStatus = errors.New("invalid order status")
	// ErrInvalidDraft is returned when a draft lacks customer or product data.
	ErrInvalidDraft = errors.New("invalid order draft")
)

// Store is the durable order collection.
type Store interface {
	InsertOrder(ctx context.Context, order repo.Order) error
	UpdateOrderStatus(ctx context.Context, update repo.StatusUpdate) error
	ListOrders(ctx context.Context) ([]repo.Order, error)
}

// Draft is everything the conversation collected for a new order. A non-empty
// Key makes Create idempotent: repeating it returns the order already recorded.
type Draft struct {
	Key          string
	Customer     repo.Customer
	Product      repo.ProductSnapshot
	DeliveryCost int64
	ReceiptPath  string
}

// Ledger serializes order writes and serves queries from an in-memory snapshot.
type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	loc     *time.Location
	now     func() time.Time

	mu     sync.RWMutex
	orders []repo.Order
	index  map[string]int
	keys   map[string]int

	broker *broker
}

// New loads the existing orders from store.
func New(ctx context.Context, store Store, loc *time.Location, logger *slog.Logger, metrics *metrics.Metrics) (*Ledger, error) {
	if loc == nil {
		loc = time.UTC
	}
	existing, err := store.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	l := &Ledger{
		store:   store,
		logger:  logger.With("component", "ledger"),
		metrics: metrics,
		loc:     loc,
		now:     time.Now,
		orders:  existing,
		index:   make(map[string]int, len(existing)),
		keys:    make(map[string]int),
		broker:  newBroker(),
	}
	for i, o := range existing {
		l.index[o.ID] = i
		if o.IdempotencyKey != "" {
			l.keys[o.IdempotencyKey] = i
		}
	}
	l.logger.Info("order ledger loaded", "orders", len(existing))
	return l, nil
}

// Create assigns an id and the New status, persists the order and notifies subscribers.
func (l *Ledger) Create(ctx context.Context, draft Draft) (*repo.Order, error) {
	if strings.TrimSpace(draft.Customer.Sender) == "" || strings.TrimSpace(draft.Product.ID) == "" {
		return nil, fmt.Errorf("%w: sender and product are required", ErrInvalidDraft)
	}
	if draft.Product.Price < 0 || draft.DeliveryCost < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidDraft)
	}

	key := strings.TrimSpace(draft.Key)

	l.mu.Lock()
	if idx, ok := l.keys[key]; ok && key != "" {
		order := l.orders[idx]
		l.mu.Unlock()
		l.logger.Info("order already recorded for checkout", "order_id", order.ID, "key", key)
		return &order, nil
	}
	now := l.stamp()
	order := repo.Order{
		ID:        ulid.Make().String(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    repo.StatusNew,
		Customer:  draft.Customer,
		Product:   draft.Product,
		Payment: repo.PaymentSnapshot{
			ProductPrice: draft.Product.Price,
			DeliveryCost: draft.DeliveryCost,
			Total:        draft.Product.Price + draft.DeliveryCost,
			ReceiptPath:  draft.ReceiptPath,
		},
		IdempotencyKey: key,
	}
	if err := l.store.InsertOrder(ctx, order); err != nil {
		l.mu.Unlock()
		l.metrics.IncError("ledger")
		return nil, fmt.Errorf("insert order: %w", err)
	}
	l.index[order.ID] = len(l.orders)
	if key != "" {
		l.keys[key] = len(l.orders)
	}
	l.orders = append(l.orders, order)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.OrdersCreated.Inc()
	}
	l.logger.Info("order created",
		"order_id", order.ID,
		"sender", order.Customer.Sender,
		"product", order.Product.ID,
		"total", order.Payment.Total,
	)
	l.broker.publish(newEvent(EventNewOrder, order, now))
	return &order, nil
}

// SetStatus moves an order to status. A non-empty actor is recorded as the attendant.
func (l *Ledger) SetStatus(ctx context.Context, id string, status repo.OrderStatus, actor string) (*repo.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	l.mu.Lock()
	idx, ok := l.index[id]
	if !ok {
		l.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	order := l.orders[idx]
	now := l.stamp()
	order.Status = status
	order.UpdatedAt = now
	if actor = strings.TrimSpace(actor); actor != "" {
		order.AttendedBy = actor
		attended := now
		order.AttendedAt = &attended
	}
	update := repo.StatusUpdate{
		ID:         order.ID,
		Status:     order.Status,
		AttendedBy: order.AttendedBy,
		AttendedAt: order.AttendedAt,
		UpdatedAt:  order.UpdatedAt,
	}
	if err := l.store.UpdateOrderStatus(ctx, update); err != nil {
		l.mu.Unlock()
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		l.metrics.IncError("ledger")
		return nil, fmt.Errorf("update order status: %w", err)
	}
	l.orders[idx] = order
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.OrderStatusChanges.WithLabelValues(string(status)).Inc()
	}
	l.logger.Info("order status changed", "order_id", id, "status", status, "actor", actor)
	l.broker.publish(newEvent(EventOrderUpdated, order, now))
	return &order, nil
}

// Get returns a single order.
func (l *Ledger) Get(id string) (*repo.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.index[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	order := l.orders[idx]
	return &order, nil
}

// Search returns the orders matching c in creation order.
func (l *Ledger) Search(c Criteria) []repo.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]repo.Order, 0)
	for _, o := range l.orders {
		if c.matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// Subscribe registers an observer for ledger events. Slow observers miss events.
func (l *Ledger) Subscribe(buffer int) (<-chan Event, func()) {
	return l.broker.subscribe(buffer)
}

// stamp returns the current time at the millisecond precision the stores keep.
func (l *Ledger) stamp() time.Time {
	return l.now().UTC().Truncate(time.Millisecond)
}
