package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/apperr"
	"chatrelay/auth"
	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/presence"
	"chatrelay/protocol"

	"github.com/gofiber/contrib/websocket"
	"github.com/pkg/errors"
)

// TimeLayout formats timestamps sent in realtime payloads.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

const presenceUpdateTimeout = 5 * time.Second

// MessageStore is what the gateway needs from the store.
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID, recipientID, content, msgType string) (*models.Message, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

type TokenVerifier interface {
	Verify(token string) (models.Identity, error)
}

var messageTypes = map[string]bool{
	models.MessageText:  true,
	models.MessageImage: true,
	models.MessageFile:  true,
}

// Gateway owns the presence registry and routes realtime events between
// connected sessions.
type Gateway struct {
	store    MessageStore
	tokens   TokenVerifier
	registry *presence.Registry
	config   *ServerConfig
	logger   *slog.Logger
	now      func() time.Time

	// tracks live Serve calls and detached store updates
	wg sync.WaitGroup
}

func NewGateway(store MessageStore, tokens TokenVerifier, registry *presence.Registry, config *ServerConfig, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:    store,
		tokens:   tokens,
		registry: registry,
		config:   config,
		logger:   logger.With(slog.String("component", "gateway")),
		now:      time.Now,
	}
}

// Authenticate resolves a handshake token. A missing token is
// Unauthenticated, anything else that fails is Forbidden.
func (g *Gateway) Authenticate(token string) (models.Identity, error) {
	id, err := g.tokens.Verify(token)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, auth.ErrMissingToken):
		return models.Identity{}, apperr.Unauthenticated("Token de acceso requerido")
	default:
		return models.Identity{}, apperr.Forbidden("Token inválido o expirado")
	}
}

// Serve runs an authenticated connection until it closes. It returns only
// after the write pump has stopped touching the transport.
func (g *Gateway) Serve(t Transport, id models.Identity) {
	g.wg.Add(1)
	defer g.wg.Done()

	session := newSession(id, t, g.config, g.logger)
	go session.writePump()

	g.activate(session)
	session.readLoop(g.dispatch)
	g.deactivate(session)

	session.closeWith(websocket.CloseNormalClosure, "")
	<-session.writerDone
}

func (g *Gateway) activate(s *Session) {
	id := s.identity
	previous := g.registry.Register(id.ID, id.Email, s)
	if previous != nil {
		g.logger.Info("User reconnected, closing previous connection", slog.String("userID", id.ID))
		previous.Close("Sesión iniciada en otro dispositivo")
	} else {
		g.broadcast(id.ID, protocol.EventUserOnline, protocol.UserOnline{UserID: id.ID, Email: id.Email})
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceUpdateTimeout)
	defer cancel()
	if err := g.store.SetPresence(ctx, id.ID, true, g.now().UTC()); err != nil {
		g.logger.Warn("Failed to mark user online", slog.String("userID", id.ID), slog.Any("error", err))
	}

	users := g.registry.UserIDs()
	s.sendEvent(protocol.EventUsersOnline, protocol.UsersOnline{Count: len(users), Users: users})

	g.logger.Info("User connected", slog.String("userID", id.ID), slog.Int("online", len(users)))
}

func (g *Gateway) deactivate(s *Session) {
	userID := s.identity.ID
	if !g.registry.Release(userID, s) {
		g.logger.Debug("Replaced connection closed", slog.String("userID", userID))
		return
	}

	at := g.now().UTC()
	g.detach("mark offline", func(ctx context.Context) error {
		return g.store.SetPresence(ctx, userID, false, at)
	})
	g.broadcast(userID, protocol.EventUserOffline, protocol.UserRef{UserID: userID})
	g.logger.Info("User disconnected", slog.String("userID", userID), slog.Int("online", g.registry.Count()))
}

// detach runs fn in the background with its own timeout. Failures are
// only logged since nobody is left to report them to.
func (g *Gateway) detach(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), presenceUpdateTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			g.logger.Warn("Background task failed", slog.String("task", name), slog.Any("error", err))
		}
	}()
}

// broadcast sends event to every registered connection except exceptUserID.
func (g *Gateway) broadcast(exceptUserID, event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		g.logger.Error("Failed to encode broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	for _, entry := range g.registry.Snapshot() {
		if entry.UserID == exceptUserID {
			continue
		}
		entry.Conn.Send(payload)
	}
}

func (g *Gateway) dispatch(s *Session, raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		s.sendError(protocol.EventError, "Formato de mensaje inválido")
		return
	}

	switch frame.Event {
	case protocol.EventSendMessage:
		g.handleSendMessage(s, frame)
	case protocol.EventTyping:
		g.relayTyping(s, frame, protocol.EventUserTyping)
	case protocol.EventStopTyping:
		g.relayTyping(s, frame, protocol.EventUserStopTyping)
	default:
		s.sendError(protocol.EventError, "Evento desconocido: "+frame.Event)
	}
}

// handleSendMessage persists first and only then tries live delivery.
func (g *Gateway) handleSendMessage(s *Session, frame *protocol.Frame) {
	receiverID := frame.ReceiverID()
	text := frame.Text()
	if receiverID == "" || strings.TrimSpace(text) == "" {
		s.sendError(protocol.EventMessageError, "receiver_id y text son requeridos")
		return
	}

	msgType := frame.Type()
	if msgType == "" {
		msgType = models.MessageText
	}
	if !messageTypes[msgType] {
		s.sendError(protocol.EventMessageError, "Tipo de mensaje no soportado: "+msgType)
		return
	}

	msg, err := g.store.CreateMessage(context.Background(), s.identity.ID, receiverID, text, msgType)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(protocol.EventMessageError, "Destinatario no encontrado")
			return
		}
		s.logger.Error("Failed to save message", slog.String("receiverID", receiverID), slog.Any("error", err))
		s.sendError(protocol.EventMessageError, "Error al enviar mensaje")
		return
	}

	delivered := false
	if conn, ok := g.registry.Lookup(receiverID); ok {
		payload, err := protocol.Encode(protocol.EventNewMessage, msg)
		if err == nil {
			delivered = conn.Send(payload)
		}
	}

	s.sendEvent(protocol.EventMessageSent, protocol.MessageSent{
		ID:        msg.ID,
		Timestamp: msg.CreatedAt.UTC().Format(TimeLayout),
		Delivered: delivered,
	})
}

func (g *Gateway) relayTyping(s *Session, frame *protocol.Frame, event string) {
	receiverID := frame.ReceiverID()
	if receiverID == "" {
		s.sendError(protocol.EventError, "receiver_id es requerido")
		return
	}
	if conn, ok := g.registry.Lookup(receiverID); ok {
		payload, err := protocol.Encode(event, protocol.UserRef{UserID: s.identity.ID})
		if err == nil {
			conn.Send(payload)
		}
	}
}

// CloseAll asks every live connection to go away. Their own teardown
// releases the registry and marks them offline.
func (g *Gateway) CloseAll(reason string) int {
	entries := g.registry.Snapshot()
	for _, entry := range entries {
		if s, ok := entry.Conn.(*Session); ok {
			s.closeWith(websocket.CloseGoingAway, reason)
			continue
		}
		entry.Conn.Close(reason)
	}
	return len(entries)
}

// Wait blocks until every connection has finished and every detached task
// has run, or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
