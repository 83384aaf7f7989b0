package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_pairing_relay"

// Drop reasons for signals that never reach a partner.
const (
	DropReasonNotPaired    = "not_paired"
	DropReasonSendFailed   = "send_failed"
	DropReasonRateLimited  = "rate_limited"
	DropReasonTooManyConns = "too_many_clients"
)

// Policy rejection reasons.
const (
	RejectNotConnected   = "not_connected"
	RejectAlreadyWaiting = "already_waiting"
)

// Invariant repair kinds.
const (
	RepairStaleQueueEntry   = "stale_queue_entry"
	RepairQueuedWhilePaired = "queued_while_paired"
	RepairOneSidedRoom      = "one_sided_room"
	RepairDanglingRoomRef   = "dangling_room_ref"
)

// Metrics holds the relay's Prometheus collectors. All methods are safe to call
// on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	Connected prometheus.Gauge
	Waiting   prometheus.Gauge
	Rooms     prometheus.Gauge

	Pairings          prometheus.Counter
	RoomsDissolved    *prometheus.CounterVec
	SignalsRelayed    *prometheus.CounterVec
	SignalsDropped    *prometheus.CounterVec
	PolicyRejections  *prometheus.CounterVec
	InvariantRepairs  *prometheus.CounterVec
	WaitTimeouts      prometheus.Counter
	WSConnections     prometheus.Counter
	AuthFailures      prometheus.Counter
	PresenceObservers prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected_clients",
			Help: "Clients currently registered.",
		}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "waiting_clients",
			Help: "Clients currently in the waiting queue.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms",
			Help: "Rooms currently open.",
		}),
		Pairings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pairings_total",
			Help: "Successful matches.",
		}),
		RoomsDissolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_dissolved_total",
			Help: "Rooms torn down, by cause.",
		}, []string{"cause"}),
		SignalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_relayed_total",
			Help: "Signaling payloads forwarded to a partner, by kind.",
		}, []string{"kind"}),
		SignalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_dropped_total",
			Help: "Outbound messages that were not delivered, by reason.",
		}, []string{"reason"}),
		PolicyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_rejections_total",
			Help: "Requests ignored because they are not allowed in the caller's state.",
		}, []string{"reason"}),
		InvariantRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invariant_repairs_total",
			Help: "Inconsistent state detected and repaired, by kind.",
		}, []string{"kind"}),
		WaitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wait_timeouts_total",
			Help: "Waiting clients removed after the wait timeout.",
		}),
		WSConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_connections_total",
			Help: "Accepted client WebSocket connections.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total",
			Help: "Rejected admin credentials.",
		}),
		PresenceObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "presence_observers",
			Help: "Admin observers subscribed to presence.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connected, m.Waiting, m.Rooms,
		m.Pairings, m.RoomsDissolved,
		m.SignalsRelayed, m.SignalsDropped,
		m.PolicyRejections, m.InvariantRepairs,
		m.WaitTimeouts, m.WSConnections, m.AuthFailures,
		m.PresenceObservers,
	)
	return m
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetPresence(connected, waiting, rooms int) {
	if m == nil {
		return
	}
	m.Connected.Set(float64(connected))
	m.Waiting.Set(float64(waiting))
	m.Rooms.Set(float64(rooms))
}

func (m *Metrics) IncPairing() {
	if m == nil {
		return
	}
	m.Pairings.Inc()
}

func (m *Metrics) IncRoomDissolved(cause string) {
	if m == nil {
		return
	}
	m.RoomsDissolved.WithLabelValues(cause).Inc()
}

func (m *Metrics) IncSignalRelayed(kind string) {
	if m == nil {
		return
	}
	m.SignalsRelayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSignalDropped(reason string) {
	if m == nil {
		return
	}
	m.SignalsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncPolicyRejection(reason string) {
	if m == nil {
		return
	}
	m.PolicyRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncInvariantRepair(kind string) {
	if m == nil {
		return
	}
	m.InvariantRepairs.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncWaitTimeout() {
	if m == nil {
		return
	}
	m.WaitTimeouts.Inc()
}

func (m *Metrics) IncWSConnection() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) IncAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) AddPresenceObservers(delta int) {
	if m == nil {
		return
	}
	m.PresenceObservers.Add(float64(delta))
}
