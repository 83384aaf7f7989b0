package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

const (
	wsWriteWait = 1 * time.Second

	defaultSendQueue = 256

	oversizeDrainLimit = 1 << 20
)

// Engine is the part of pairing.Engine the transport drives.
type Engine interface {
	Connect(id pairing.ClientID) error
	Disconnect(id pairing.ClientID)
	FindPartner(id pairing.ClientID) (pairing.Match, error)
	Relay(sender pairing.ClientID, kind string, payload json.RawMessage) error
}

type Config struct {
	Engine  Engine
	Hub     *Hub
	Alarm   *alarm.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AllowedOrigins is passed to origin.CheckRequest. Empty means same host.
	AllowedOrigins []string

	// IdleTimeout closes connections that send nothing (including pongs) for
	// this long. PingInterval should be well below it. Zero disables either.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueue            int

	NewClientID func() pairing.ClientID
}

// Server accepts anonymous browser connections on GET /ws and bridges them to
// the pairing engine.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Metrics, cfg.Logger)
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.NewClientID == nil {
		cfg.NewClientID = pairing.NewClientID
	}
	s := &Server{cfg: cfg, log: cfg.Logger}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.CheckRequest(r, cfg.AllowedOrigins)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

type closeFrame struct {
	code   int
	reason string
}

type client struct {
	id   pairing.ClientID
	conn *websocket.Conn

	send    chan []byte
	closing chan closeFrame
	flushed chan struct{}
}

// enqueue never blocks; a full queue drops data.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeWith asks the write pump to flush queued messages and send a close
// frame. Only the first request is honored.
func (c *client) closeWith(code int, reason string) {
	select {
	case c.closing <- closeFrame{code: code, reason: reason}:
	default:
	}
}

func (c *client) fail(code, message string, closeCode int, closeReason string) {
	if data, err := json.Marshal(errorMessage(code, message)); err == nil {
		c.enqueue(data)
	}
	c.closeWith(closeCode, closeReason)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.cfg.Metrics.IncWSConnection()

	c := &client{
		id:      s.cfg.NewClientID(),
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendQueue),
		closing: make(chan closeFrame, 1),
		flushed: make(chan struct{}),
	}
	log := s.log.With("client_id", c.id)

	s.cfg.Hub.admit(c, func() []byte {
		var st alarm.State
		if s.cfg.Alarm != nil {
			st = s.cfg.Alarm.Get()
		}
		data, err := json.Marshal(helloMessage(c.id, st))
		if err != nil {
			log.Error("encode hello", "err", err)
			return nil
		}
		return data
	})
	go s.writePump(c)

	if err := s.cfg.Engine.Connect(c.id); err != nil {
		if errors.Is(err, pairing.ErrTooManyClients) {
			s.cfg.Metrics.IncSignalDropped(metrics.DropReasonTooManyConns)
			c.fail("too_many_clients", "too many clients", websocket.CloseTryAgainLater, "too many clients")
		} else {
			log.Error("register client", "err", err)
			c.fail("internal_error", "failed to register", websocket.CloseInternalServerErr, "internal error")
		}
		s.cfg.Hub.remove(c)
		<-c.flushed
		return
	}
	log.Info("client connected", "remote_addr", r.RemoteAddr)

	reason := s.readPump(c)

	s.cfg.Engine.Disconnect(c.id)
	s.cfg.Hub.remove(c)
	c.closeWith(websocket.CloseNormalClosure, "")
	<-c.flushed
	log.Info("client disconnected", "reason", reason)
}

// readPump runs until the connection ends and returns a short reason for
// logging.
func (s *Server) readPump(c *client) string {
	conn := c.conn
	idle := s.cfg.IdleTimeout
	extend := func() {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	var limiter *rate.Limiter
	if n := s.cfg.MaxMessagesPerSecond; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
				return "idle timeout"
			}
			return "read closed"
		}

		data, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				// Consume the rest of the frame so the close frame is not lost to a reset.
				_, _ = io.CopyN(io.Discard, msgReader, oversizeDrainLimit)
				c.fail("message_too_large", "message too large", websocket.CloseMessageTooBig, "message too large")
				return "message too large"
			}
			return "read failed"
		}
		extend()

		// Checked after reading so the frame is consumed before the close.
		if limiter != nil && !limiter.Allow() {
			s.cfg.Metrics.IncSignalDropped(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return "rate limited"
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return "non-text frame"
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return "bad message"
		}

		switch {
		case msg.Type == MessageTypeFindPartner:
			// Rejections are counted by the engine and not reported to clients.
			_, _ = s.cfg.Engine.FindPartner(c.id)
		case msg.Type == MessageTypePing:
			if data, err := json.Marshal(ServerMessage{Type: MessageTypePong}); err == nil {
				c.enqueue(data)
			}
		case IsRelayKind(msg.Type):
			_ = s.cfg.Engine.Relay(c.id, msg.Type, msg.Data)
		}
	}
}

func (s *Server) writePump(c *client) {
	defer close(c.flushed)
	defer c.conn.Close()

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	write := func(data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return c.conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case data := <-c.send:
			if err := write(data); err != nil {
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case cf := <-c.closing:
		drain:
			for {
				select {
				case data := <-c.send:
					if err := write(data); err != nil {
						return
					}
				default:
					break drain
				}
			}
			writeClose(c.conn, cf.code, cf.reason)
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
