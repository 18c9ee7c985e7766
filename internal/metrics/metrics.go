package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages      *prometheus.CounterVec
	WAOutgoingMessages      *prometheus.CounterVec
	DeliveryRequests        *prometheus.CounterVec
	DeliveryLatency         *prometheus.HistogramVec
	CatalogRefreshes        *prometheus.CounterVec
	OrdersCreated           prometheus.Counter
	OrderStatusChanges      *prometheus.CounterVec
	SessionsEvicted         prometheus.Counter
	ConversationTransitions *prometheus.CounterVec
	Errors                  *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed.",
			}, []string{"type"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			DeliveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_requests_total",
				Help:      "Total delivery cost quote requests by outcome.",
			}, []string{"status"}),
			DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_request_duration_seconds",
				Help:      "Latency distribution for delivery cost quotes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			CatalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_refresh_total",
				Help:      "Catalog refreshes from the upstream source by outcome.",
			}, []string{"status"}),
			OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_created_total",
				Help:      "Orders written to the ledger.",
			}),
			OrderStatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_status_changes_total",
				Help:      "Order status transitions by target status.",
			}, []string{"status"}),
			SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_evicted_total",
				Help:      "Idle sessions removed by the sweeper.",
			}),
			ConversationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_transitions_total",
				Help:      "Conversation mode transitions.",
			}, []string{"from", "to"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.DeliveryRequests,
			metricsInstance.DeliveryLatency,
			metricsInstance.CatalogRefreshes,
			metricsInstance.OrdersCreated,
			metricsInstance.OrderStatusChanges,
			metricsInstance.SessionsEvicted,
			metricsInstance.ConversationTransitions,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// IncError bumps the error counter for component; safe on a nil receiver.
func (m *Metrics) IncError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
