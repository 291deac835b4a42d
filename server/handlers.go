package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatrelay/apperr"
	"chatrelay/auth"
	"chatrelay/db"
	"chatrelay/models"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
)

const localIdentity = "identity"

const (
	minUsernameLen = 3
	maxUsernameLen = 30
	minPasswordLen = 6
	minSearchLen   = 2
)

var endpoints = []string{
	"POST /api/auth/register",
	"POST /api/auth/login",
	"GET /api/contacts",
	"POST /api/contacts/add",
	"POST /api/users/search",
	"GET /api/messages/:userId",
	"POST /api/files/upload",
	"GET /api/status",
	"GET /ws?token=<token>",
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func newUserPayload(u *models.User) userPayload {
	return userPayload{ID: u.ID, Username: u.Username, Email: u.Email}
}

func identityFrom(c *fiber.Ctx) models.Identity {
	id, _ := c.Locals(localIdentity).(models.Identity)
	return id
}

// Middleware

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("Request handled",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", c.Response().StatusCode()),
		slog.Duration("duration", time.Since(start)),
	)
	return err
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	id, err := s.gateway.Authenticate(auth.BearerToken(c.Get(fiber.HeaderAuthorization)))
	if err != nil {
		return err
	}
	c.Locals(localIdentity, id)
	return c.Next()
}

// authenticateUpgrade checks the handshake token before the protocol
// switch, so rejected clients get a plain HTTP status.
func (s *Server) authenticateUpgrade(c *fiber.Ctx) error {
	if s.shuttingDown.Load() {
		return fiber.ErrServiceUnavailable
	}

	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.Get(fiber.HeaderAuthorization))
	}
	id, err := s.gateway.Authenticate(token)
	if err != nil {
		return err
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(localIdentity, id)
	return c.Next()
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{"success": false, "message": fiberErr.Message})
	}

	appErr := apperr.As(err)
	if appErr.Code == apperr.CodeInternal {
		s.logger.Error("Request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Any("error", appErr.Cause),
		)
	}
	return c.Status(apperr.HTTPStatus(appErr.Code)).JSON(fiber.Map{"success": false, "message": appErr.Message})
}

// Auth

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *registerRequest) validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)

	if r.Username == "" || r.Email == "" || r.Password == "" {
		return apperr.InvalidArg("Todos los campos son requeridos")
	}
	if n := utf8.RuneCountInString(r.Username); n < minUsernameLen || n > maxUsernameLen {
		return apperr.InvalidArg("El nombre de usuario debe tener entre 3 y 30 caracteres")
	}
	if strings.ContainsAny(r.Username, " @") {
		return apperr.InvalidArg("El nombre de usuario no puede contener espacios ni @")
	}
	at := strings.Index(r.Email, "@")
	if at < 1 || !strings.Contains(r.Email[at+1:], ".") {
		return apperr.InvalidArg("Email inválido")
	}
	if utf8.RuneCountInString(r.Password) < minPasswordLen {
		return apperr.InvalidArg("La contraseña debe tener al menos 6 caracteres")
	}
	return nil
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidArg("Cuerpo de la petición inválido")
	}
	if err := req.validate(); err != nil {
		return err
	}

	user, err := s.store.CreateUser(c.UserContext(), req.Username, req.Email, req.Password)
	if errors.Is(err, db.ErrDuplicate) {
		return apperr.AlreadyExists("El usuario o email ya está registrado")
	}
	if err != nil {
		return apperr.Internal("Error al registrar usuario", err)
	}

	token, err := s.tokens.Issue(user.Identity())
	if err != nil {
		return apperr.Internal("Error al generar token", err)
	}

	s.logger.Info("User registered", slog.String("userID", user.ID), slog.String("username", user.Username))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Usuario registrado exitosamente",
		"token":   token,
		"usuario": newUserPayload(user),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidArg("Cuerpo de la petición inválido")
	}

	login := strings.TrimSpace(req.Username)
	if login == "" {
		login = strings.TrimSpace(req.Email)
	}
	if login == "" || req.Password == "" {
		return apperr.InvalidArg("Usuario y contraseña son requeridos")
	}

	user, err := s.store.Authenticate(c.UserContext(), login, req.Password)
	if errors.Is(err, db.ErrInvalidCredentials) {
		return apperr.Unauthenticated("Credenciales inválidas")
	}
	if err != nil {
		return apperr.Internal("Error al iniciar sesión", err)
	}

	token, err := s.tokens.Issue(user.Identity())
	if err != nil {
		return apperr.Internal("Error al generar token", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Login exitoso",
		"token":   token,
		"usuario": newUserPayload(user),
	})
}

// Contacts

// handleListContacts reports presence from the live registry rather than
// the stored flag, which can be stale after a crash.
func (s *Server) handleListContacts(c *fiber.Ctx) error {
	me := identityFrom(c)
	contacts, err := s.store.ListContacts(c.UserContext(), me.ID)
	if err != nil {
		return apperr.Internal("Error al obtener contactos", err)
	}

	for i := range contacts {
		contacts[i].Online = s.registry.IsOnline(contacts[i].ID)
	}
	return c.JSON(contacts)
}

type addContactRequest struct {
	ContactID string `json:"contacto_id"`
	Username  string `json:"username"`
}

func (s *Server) handleAddContact(c *fiber.Ctx) error {
	var req addContactRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidArg("Cuerpo de la petición inválido")
	}
	req.ContactID = strings.TrimSpace(req.ContactID)
	req.Username = strings.TrimSpace(req.Username)

	ctx := c.UserContext()
	var (
		contact *models.User
		err     error
	)
	switch {
	case req.ContactID != "":
		contact, err = s.store.GetUser(ctx, req.ContactID)
	case req.Username != "":
		contact, err = s.store.FindUserByUsername(ctx, req.Username)
	default:
		return apperr.InvalidArg("Se requiere contacto_id o username")
	}
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound("Usuario no encontrado")
	}
	if err != nil {
		return apperr.Internal("Error al agregar contacto", err)
	}

	me := identityFrom(c)
	if contact.ID == me.ID {
		return apperr.InvalidArg("No puedes agregarte a ti mismo como contacto")
	}

	err = s.store.AddContact(ctx, me.ID, contact.ID)
	if errors.Is(err, db.ErrDuplicate) {
		return apperr.AlreadyExists("El contacto ya existe")
	}
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound("Usuario no encontrado")
	}
	if err != nil {
		return apperr.Internal("Error al agregar contacto", err)
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"message":  "Contacto agregado exitosamente",
		"contacto": newUserPayload(contact),
	})
}

type searchRequest struct {
	Username string `json:"username"`
}

// handleSearchUser validates the term before touching the store.
func (s *Server) handleSearchUser(c *fiber.Ctx) error {
	var req searchRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidArg("Cuerpo de la petición inválido")
	}
	term := strings.TrimSpace(req.Username)
	if utf8.RuneCountInString(term) < minSearchLen {
		return apperr.InvalidArg("El término de búsqueda debe tener al menos 2 caracteres")
	}

	user, err := s.store.FindUserByUsername(c.UserContext(), term)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(fiber.Map{"success": false, "message": "Usuario no encontrado"})
	}
	if err != nil {
		return apperr.Internal("Error al buscar usuario", err)
	}

	user.Online = s.registry.IsOnline(user.ID)
	return c.JSON(fiber.Map{"success": true, "usuario": user})
}

// Messages

// handleMessages returns the conversation with :userId and then marks the
// peer's messages as read. The response shows the state before marking.
func (s *Server) handleMessages(c *fiber.Ctx) error {
	peerID := strings.TrimSpace(c.Params("userId"))
	if peerID == "" {
		return apperr.InvalidArg("Se requiere el id del usuario")
	}
	me := identityFrom(c)

	messages, err := s.store.GetMessages(c.UserContext(), me.ID, peerID)
	if err != nil {
		return apperr.Internal("Error al obtener mensajes", err)
	}

	if _, err := s.store.MarkRead(c.UserContext(), peerID, me.ID); err != nil {
		return apperr.Internal("Error al marcar mensajes como leídos", err)
	}
	return c.JSON(messages)
}

// Files

func (s *Server) handleUpload(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return apperr.InvalidArg("No se ha proporcionado ningún archivo")
	}

	stored, err := s.uploads.Prepare(header.Filename, header.Size)
	if errors.Is(err, ErrNoFile) {
		return apperr.InvalidArg("No se ha proporcionado ningún archivo")
	}
	if errors.Is(err, ErrFileTooLarge) {
		return apperr.InvalidArg(fmt.Sprintf("El archivo excede el tamaño máximo de %dMB", s.config.MaxUploadSize>>20))
	}
	if err != nil {
		return apperr.Internal("Error al subir archivo", err)
	}

	if err := c.SaveFile(header, stored.Path); err != nil {
		return apperr.Internal("Error al guardar archivo", err)
	}

	s.logger.Info("File uploaded",
		slog.String("userID", identityFrom(c).ID),
		slog.String("file", stored.Name),
		slog.Int64("size", stored.Size),
	)
	return c.JSON(fiber.Map{
		"success":  true,
		"fileUrl":  stored.URL,
		"fileName": stored.OriginalName,
		"fileSize": stored.Size,
	})
}

// Service

func (s *Server) handleStatus(c *fiber.Ctx) error {
	users := s.registry.UserIDs()
	connections := make([]fiber.Map, 0, len(users))
	for _, id := range users {
		entry, ok := s.registry.Get(id)
		if !ok {
			continue // left since UserIDs
		}
		connections = append(connections, fiber.Map{
			"user_id":     id,
			"connectedAt": entry.ConnectedAt.UTC().Format(TimeLayout),
		})
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"status":         "running",
		"uptime":         time.Since(s.startedAt).Seconds(),
		"connectedUsers": len(users),
		"users":          users,
		"connections":    connections,
		"timestamp":      time.Now().UTC().Format(TimeLayout),
	})
}

func (s *Server) handleIndex(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":   true,
		"message":   "Servidor de chat en tiempo real",
		"endpoints": endpoints,
	})
}

func (s *Server) handleNotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"success":            false,
		"message":            "Endpoint no encontrado",
		"availableEndpoints": endpoints,
	})
}
