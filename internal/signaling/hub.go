package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

// Hub maps client ids to live connections. It implements pairing.Notifier, so
// every method here must stay non-blocking.
type Hub struct {
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.RWMutex
	clients map[pairing.ClientID]*client
}

func NewHub(m *metrics.Metrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		metrics: m,
		log:     log,
		clients: make(map[pairing.ClientID]*client),
	}
}

// Notify implements pairing.Notifier.
func (h *Hub) Notify(to pairing.ClientID, ev pairing.Event) bool {
	msg, ok := eventMessage(ev)
	if !ok {
		h.log.Error("unknown pairing event", "type", ev.Type, "client_id", to)
		return false
	}
	return h.Send(to, msg)
}

// Send queues msg for one client. It reports false when the client is gone or
// its queue is full.
func (h *Hub) Send(to pairing.ClientID, msg ServerMessage) bool {
	h.mu.RLock()
	c := h.clients[to]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode message", "type", msg.Type, "err", err)
		return false
	}
	return c.enqueue(data)
}

// BroadcastAlarm sends the alarm to every connected client and returns how
// many accepted it.
func (h *Hub) BroadcastAlarm(st alarm.State) int {
	data, err := json.Marshal(alarmMessage(st))
	if err != nil {
		h.log.Error("encode alarm", "err", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(data) {
			sent++
			continue
		}
		h.metrics.IncSignalDropped(metrics.DropReasonSendFailed)
	}
	h.log.Info("alarm broadcast", "active", st.Active, "recipients", sent, "clients", len(targets))
	return sent
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// admit queues the frame built by first and registers c, both under the hub
// lock. An alarm broadcast therefore either reaches c or ran before first
// read the alarm, and first is always the first frame c receives.
func (h *Hub) admit(c *client, first func() []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if data := first(); data != nil {
		c.enqueue(data)
	}
	h.clients[c.id] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
}
