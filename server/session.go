package server

import (
	"log/slog"
	"sync"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/pkg/errors"
)

// closeGracePeriod is how long the reader waits for the peer to answer our
// close frame before the read is cut off.
const closeGracePeriod = time.Second

// Transport is the part of a WebSocket connection a Session drives.
// *websocket.Conn satisfies it; tests use an in-memory fake.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one authenticated connection. Reads happen on the goroutine
// that called Gateway.Serve, writes only on the write pump, so the
// transport never sees concurrent writers.
type Session struct {
	identity  models.Identity
	transport Transport
	config    *ServerConfig
	logger    *slog.Logger

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string

	// Closing the transport does not interrupt a blocked read on a hijacked
	// fasthttp conn, so teardown expires the read deadline instead. Once
	// expired the reader must not push it forward again.
	deadlineMu      sync.Mutex
	deadlineExpired bool
}

func newSession(id models.Identity, t Transport, config *ServerConfig, logger *slog.Logger) *Session {
	return &Session{
		identity:   id,
		transport:  t,
		config:     config,
		logger:     logger.With(slog.String("userID", id.ID)),
		send:       make(chan []byte, config.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Send queues payload for the write pump without blocking. It reports false
// when the session is closing or its queue is full.
func (s *Session) Send(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		s.logger.Warn("Send queue full, dropping event", slog.Int("queued", len(s.send)))
		return false
	}
}

// Close ends a session that was replaced by a newer connection of the
// same user.
func (s *Session) Close(reason string) {
	s.closeWith(websocket.ClosePolicyViolation, reason)
}

func (s *Session) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

func (s *Session) sendEvent(event string, data any) bool {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		s.logger.Error("Failed to encode event", slog.String("event", event), slog.Any("error", err))
		return false
	}
	return s.Send(payload)
}

func (s *Session) sendError(event, message string) {
	s.sendEvent(event, protocol.ErrorPayload{Error: message})
}

func (s *Session) write(messageType int, data []byte) error {
	s.transport.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return s.transport.WriteMessage(messageType, data)
}

// extendReadDeadline pushes the read deadline forward unless teardown
// already expired it.
func (s *Session) extendReadDeadline() error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.deadlineExpired {
		return nil
	}
	return s.transport.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
}

// expireReadDeadline makes the reader give up at t at the latest.
func (s *Session) expireReadDeadline(t time.Time) {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	s.deadlineExpired = true
	s.transport.SetReadDeadline(t)
}

// writePump drains the send queue in FIFO order and pings the peer. On
// close it flushes whatever is still queued, sends the close frame and
// gives the peer closeGracePeriod to answer before the reader is cut off.
// A failed write cuts the reader off at once.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.transport.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case payload := <-s.send:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("Write failed", slog.Any("error", err))
				s.expireReadDeadline(time.Now())
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("Ping failed", slog.Any("error", err))
				s.expireReadDeadline(time.Now())
				return
			}
		case <-s.done:
			s.flush()
			if err := s.write(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeText)); err != nil {
				s.expireReadDeadline(time.Now())
				return
			}
			s.expireReadDeadline(time.Now().Add(closeGracePeriod))
			return
		}
	}
}

func (s *Session) flush() {
	for {
		select {
		case payload := <-s.send:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop hands every inbound frame to handle, one at a time, until the
// transport fails, the read deadline passes or the session is closing.
func (s *Session) readLoop(handle func(*Session, []byte)) {
	s.transport.SetReadLimit(s.config.MaxMessageSize)
	s.extendReadDeadline()
	s.transport.SetPongHandler(func(string) error {
		return s.extendReadDeadline()
	})

	for {
		_, data, err := s.transport.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, fastws.ErrReadLimit):
				s.logger.Warn("Frame exceeds read limit, closing", slog.Int64("limit", s.config.MaxMessageSize))
				s.closeWith(websocket.CloseMessageTooBig, "Mensaje demasiado grande")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Debug("Connection read ended", slog.Any("error", err))
			}
			return
		}

		select {
		case <-s.done:
			return
		default:
		}
		s.extendReadDeadline()
		handle(s, data)
	}
}
