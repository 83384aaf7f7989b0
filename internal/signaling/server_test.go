package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

type testRelay struct {
	engine  *pairing.Engine
	hub     *Hub
	alarm   *alarm.Store
	metrics *metrics.Metrics
	ts      *httptest.Server
}

func newTestRelay(t *testing.T, engineCfg pairing.Config, mutate func(*Config)) *testRelay {
	t.Helper()

	m := metrics.New()
	hub := NewHub(m, nil)
	engineCfg.Notifier = hub
	engineCfg.Metrics = m
	engine := pairing.NewEngine(engineCfg)
	store := alarm.NewStore(nil)

	cfg := Config{
		Engine:               engine,
		Hub:                  hub,
		Alarm:                store,
		Metrics:              m,
		MaxMessageBytes:      4096,
		MaxMessagesPerSecond: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testRelay{engine: engine, hub: hub, alarm: store, metrics: m, ts: ts}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
}

// dial connects and consumes the hello frame.
func (r *testRelay) dial(t *testing.T) (*websocket.Conn, pairing.ClientID) {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(r.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	hello := readMsg(t, c)
	require.Equal(t, MessageTypeHello, hello.Type)
	require.NotEmpty(t, hello.ClientID)
	return c, hello.ClientID
}

func readMsg(t *testing.T, c *websocket.Conn) ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendMsg(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

// readUntilClose returns every message received before the close and the
// terminating error.
func readUntilClose(t *testing.T, c *websocket.Conn) ([]ServerMessage, error) {
	t.Helper()
	var msgs []ServerMessage
	for {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			return msgs, err
		}
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		msgs = append(msgs, msg)
	}
}

func pair(t *testing.T, r *testRelay) (a, b *websocket.Conn, room pairing.RoomToken) {
	t.Helper()
	a, _ = r.dial(t)
	b, _ = r.dial(t)

	sendMsg(t, a, ClientMessage{Type: MessageTypeFindPartner})
	waiting := readMsg(t, a)
	require.Equal(t, MessageTypeWaiting, waiting.Type)
	require.Equal(t, 1, waiting.Position)

	sendMsg(t, b, ClientMessage{Type: MessageTypeFindPartner})
	pa := readMsg(t, a)
	pb := readMsg(t, b)
	require.Equal(t, MessageTypePaired, pa.Type)
	require.Equal(t, MessageTypePaired, pb.Type)
	require.Equal(t, pa.RoomID, pb.RoomID)
	require.NotNil(t, pa.IsFirstMover)
	require.NotNil(t, pb.IsFirstMover)
	assert.True(t, *pa.IsFirstMover, "longest waiter makes the offer")
	assert.False(t, *pb.IsFirstMover)
	return a, b, pa.RoomID
}

func TestServer_HelloCarriesCurrentAlarm(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, nil)
	r.alarm.Set(true, "degraded service")

	c, _, err := websocket.DefaultDialer.Dial(r.wsURL(), nil)
	require.NoError(t, err)
	defer c.Close()

	hello := readMsg(t, c)
	require.Equal(t, MessageTypeHello, hello.Type)
	require.NotNil(t, hello.Alarm)
	assert.True(t, hello.Alarm.Active)
	assert.Equal(t, "degraded service", hello.Alarm.Message)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.WSConnections))
}

func TestServer_PairsAndRelaysBothWays(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, nil)
	a, b, _ := pair(t, r)

	sendMsg(t, a, ClientMessage{Type: MessageTypeOffer, Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	got := readMsg(t, b)
	assert.Equal(t, MessageTypeOffer, got.Type)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(got.Data))

	sendMsg(t, b, ClientMessage{Type: MessageTypeAnswer, Data: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})
	got = readMsg(t, a)
	assert.Equal(t, MessageTypeAnswer, got.Type)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(got.Data))

	for _, kind := range []string{MessageTypeCandidate, MessageTypeChat, MessageTypeTyping, MessageTypeStopTyping} {
		sendMsg(t, a, ClientMessage{Type: kind, Data: json.RawMessage(`"x"`)})
		got := readMsg(t, b)
		assert.Equal(t, kind, got.Type)
	}

	// The sender never hears its own signal; its next frame is the pong.
	sendMsg(t, a, ClientMessage{Type: MessageTypePing})
	assert.Equal(t, MessageTypePong, readMsg(t, a).Type)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.SignalsRelayed.WithLabelValues(MessageTypeOffer)))
}

func TestServer_PartnerLeftWhenPeerDisconnects(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, nil)
	a, b, room := pair(t, r)

	require.NoError(t, b.Close())

	left := readMsg(t, a)
	assert.Equal(t, MessageTypePartnerLeft, left.Type)
	assert.Equal(t, room, left.RoomID)

	require.Eventually(t, func() bool {
		snap := r.engine.Snapshot()
		return snap.Connected == 1 && len(snap.Rooms) == 0 && r.hub.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The survivor can look for someone new straight away.
	sendMsg(t, a, ClientMessage{Type: MessageTypeFindPartner})
	assert.Equal(t, MessageTypeWaiting, readMsg(t, a).Type)
}

func TestServer_FindPartnerWhilePairedRematches(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, nil)
	a, b, room := pair(t, r)

	sendMsg(t, b, ClientMessage{Type: MessageTypeFindPartner})

	left := readMsg(t, a)
	assert.Equal(t, MessageTypePartnerLeft, left.Type)
	assert.Equal(t, room, left.RoomID)
	assert.Equal(t, MessageTypeWaiting, readMsg(t, b).Type)
}

func TestServer_UnpairedSignalIsDroppedSilently(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, nil)
	c, _ := r.dial(t)

	sendMsg(t, c, ClientMessage{Type: MessageTypeOffer, Data: json.RawMessage(`{}`)})
	sendMsg(t, c, ClientMessage{Type: MessageTypeFindPartner})
	sendMsg(t, c, ClientMessage{Type: MessageTypeFindPartner})
	sendMsg(t, c, ClientMessage{Type: MessageTypePing})

	assert.Equal(t, MessageTypeWaiting, readMsg(t, c).Type)
	assert.Equal(t, MessageTypePong, readMsg(t, c).Type)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.SignalsDropped.WithLabelValues(metrics.DropReasonNotPaired)))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.PolicyRejections.WithLabelValues(metrics.RejectAlreadyWaiting)))
}

func TestServer_ProtocolErrorsCloseConnection(t *testing.T) {
	cases := []struct {
		name      string
		msgType   int
		payload   string
		wantCode  string
		wantClose int
	}{
		{name: "binary frame", msgType: websocket.BinaryMessage, payload: "\x01", wantCode: "bad_message", wantClose: websocket.CloseUnsupportedData},
		{name: "invalid json", msgType: websocket.TextMessage, payload: "{", wantCode: "bad_message", wantClose: websocket.ClosePolicyViolation},
		{name: "unknown type", msgType: websocket.TextMessage, payload: `{"type":"join"}`, wantCode: "bad_message", wantClose: websocket.ClosePolicyViolation},
		{name: "unknown field", msgType: websocket.TextMessage, payload: `{"type":"offer","to":"someone"}`, wantCode: "bad_message", wantClose: websocket.ClosePolicyViolation},
		{name: "oversized", msgType: websocket.TextMessage, payload: `{"type":"chat","data":"` + strings.Repeat("a", 200) + `"}`, wantCode: "message_too_large", wantClose: websocket.CloseMessageTooBig},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRelay(t, pairing.Config{}, func(cfg *Config) {
				cfg.MaxMessageBytes = 128
			})
			c, _ := r.dial(t)

			require.NoError(t, c.WriteMessage(tc.msgType, []byte(tc.payload)))

			msgs, err := readUntilClose(t, c)
			require.NotEmpty(t, msgs)
			last := msgs[len(msgs)-1]
			assert.Equal(t, MessageTypeError, last.Type)
			assert.Equal(t, tc.wantCode, last.Code)
			assert.True(t, websocket.IsCloseError(err, tc.wantClose), "got %v", err)

			require.Eventually(t, func() bool {
				return r.engine.Snapshot().Connected == 0
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestServer_RateLimitClosesConnection(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, func(cfg *Config) {
		cfg.MaxMessagesPerSecond = 2
	})
	c, _ := r.dial(t)

	for i := 0; i < 5; i++ {
		sendMsg(t, c, ClientMessage{Type: MessageTypePing})
	}

	msgs, err := readUntilClose(t, c)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "rate_limited", msgs[len(msgs)-1].Code)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.SignalsDropped.WithLabelValues(metrics.DropReasonRateLimited)))
}

func TestServer_TooManyClients(t *testing.T) {
	r := newTestRelay(t, pairing.Config{MaxClients: 1}, nil)
	r.dial(t)

	c, _, err := websocket.DefaultDialer.Dial(r.wsURL(), nil)
	require.NoError(t, err)
	defer c.Close()

	msgs, err := readUntilClose(t, c)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageTypeHello, msgs[0].Type)
	assert.Equal(t, "too_many_clients", msgs[1].Code)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Equal(t, 1, r.engine.Snapshot().Connected)
	require.Eventually(t, func() bool { return r.hub.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://chat.example"}
	})

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL(), h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "https://chat.example")
	c, _, err := websocket.DefaultDialer.Dial(r.wsURL(), h)
	require.NoError(t, err)
	_ = c.Close()
}

func TestHub_BroadcastAlarmReachesEveryClient(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, nil)
	a, _ := r.dial(t)
	b, _ := r.dial(t)

	require.Eventually(t, func() bool { return r.hub.Len() == 2 }, time.Second, 10*time.Millisecond)

	sent := r.hub.BroadcastAlarm(r.alarm.Set(true, "maintenance at 10:00"))
	assert.Equal(t, 2, sent)

	for _, c := range []*websocket.Conn{a, b} {
		msg := readMsg(t, c)
		assert.Equal(t, MessageTypeAlarm, msg.Type)
		require.NotNil(t, msg.Active)
		assert.True(t, *msg.Active)
		assert.Equal(t, "maintenance at 10:00", msg.Message)
	}
}

func TestHub_NotifyUnknownClient(t *testing.T) {
	hub := NewHub(nil, nil)
	assert.False(t, hub.Notify("missing", pairing.Event{Type: pairing.EventWaitTimeout}))
}

func TestServer_ClientsJoiningDuringAlarmChangesEndOnLatest(t *testing.T) {
	r := newTestRelay(t, pairing.Config{}, nil)
	r.alarm.OnChange(func(st alarm.State, _ alarm.Source) { r.hub.BroadcastAlarm(st) })

	const clients = 8
	type view struct {
		conn    *websocket.Conn
		message string
	}
	views := make([]*view, clients)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			r.alarm.Set(true, fmt.Sprintf("notice %d", i))
		}
	}()
	for i := range views {
		c, _, err := websocket.DefaultDialer.Dial(r.wsURL(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		hello := readMsg(t, c)
		require.Equal(t, MessageTypeHello, hello.Type)
		require.NotNil(t, hello.Alarm)
		views[i] = &view{conn: c, message: hello.Alarm.Message}
	}
	wg.Wait()
	want := r.alarm.Get().Message

	for i, v := range views {
		for {
			_ = v.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			_, data, err := v.conn.ReadMessage()
			if err != nil {
				break
			}
			var msg ServerMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			if msg.Type == MessageTypeAlarm {
				v.message = msg.Message
			}
		}
		assert.Equal(t, want, v.message, "client %d shows a stale alarm", i)
	}
}

func TestServer_UserCountFollowsConnections(t *testing.T) {
	r := newTestRelay(t, pairing.Config{BroadcastUserCount: true}, nil)

	a, _ := r.dial(t)
	first := readMsg(t, a)
	assert.Equal(t, MessageTypeUserCount, first.Type)
	assert.Equal(t, 1, first.Count)

	b, _ := r.dial(t)
	assert.Equal(t, 2, readMsg(t, a).Count)
	assert.Equal(t, 2, readMsg(t, b).Count)

	require.NoError(t, b.Close())
	left := readMsg(t, a)
	assert.Equal(t, MessageTypeUserCount, left.Type)
	assert.Equal(t, 1, left.Count)
}
