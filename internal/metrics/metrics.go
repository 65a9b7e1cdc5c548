// README: Prometheus collectors for dispatch, tracking, fan-out and notifications.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service exports. A nil *Metrics is valid
// and records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	acceptTotal       *prometheus.CounterVec
	broadcastOffers   prometheus.Counter
	offersExpired     prometheus.Counter
	transitionsTotal  *prometheus.CounterVec
	locationTotal     *prometheus.CounterVec
	wsSessions        prometheus.Gauge
	eventsDelivered   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
	pushTotal         *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_accept_total",
			Help: "Delivery accept attempts by outcome",
		}, []string{"outcome"}),
		broadcastOffers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_offers_created_total",
			Help: "Delivery offers created by broadcasts",
		}),
		offersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_offers_expired_total",
			Help: "Delivery offers expired by the TTL sweep",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_transitions_total",
			Help: "Delivery status transitions by target status and outcome",
		}, []string{"status", "outcome"}),
		locationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_location_updates_total",
			Help: "Location updates by outcome",
		}, []string{"outcome"}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sessions",
			Help: "Authenticated websocket sessions",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Events queued to websocket sessions by event type",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Events dropped because a session send buffer was full",
		}, []string{"type"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Durable notifications by type and outcome",
		}, []string{"type", "outcome"}),
		pushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_push_total",
			Help: "Mobile push attempts by outcome",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.acceptTotal, m.broadcastOffers, m.offersExpired, m.transitionsTotal, m.locationTotal,
		m.wsSessions, m.eventsDelivered, m.eventsDropped, m.notificationsSent, m.pushTotal,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Accept(outcome string) {
	if m == nil {
		return
	}
	m.acceptTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OffersCreated(n int) {
	if m == nil {
		return
	}
	m.broadcastOffers.Add(float64(n))
}

func (m *Metrics) OffersExpired(n int) {
	if m == nil {
		return
	}
	m.offersExpired.Add(float64(n))
}

func (m *Metrics) Transition(status, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) Location(outcome string) {
	if m == nil {
		return
	}
	m.locationTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.wsSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.wsSessions.Dec()
}

func (m *Metrics) EventDelivered(eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Notification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Push(outcome string) {
	if m == nil {
		return
	}
	m.pushTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// RegisterHubGauges exports the websocket hub's connected users and watched
// deliveries, read from stats on every scrape.
func RegisterHubGauges(reg prometheus.Registerer, stats func() (users, watched int)) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "realtime_connected_users",
			Help: "Distinct users with at least one authenticated websocket session",
		}, func() float64 {
			users, _ := stats()
			return float64(users)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "realtime_watched_deliveries",
			Help: "Deliveries with at least one websocket watcher",
		}, func() float64 {
			_, watched := stats()
			return float64(watched)
		}),
	)
}
