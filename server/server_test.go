package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/auth"
	"chatrelay/db"
	"chatrelay/db/mocks"
	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/golang/mock/gomock"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testSecret = "test-secret"

func testConfig(dir string) *ServerConfig {
	return &ServerConfig{
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   20 * time.Second,
		SendBuffer:     32,
		MaxMessageSize: 4 << 10,
		UploadDir:      filepath.Join(dir, "uploads"),
		MaxUploadSize:  1 << 20,
	}
}

// setupTestServer creates a server backed by a temporary SQLite database.
func setupTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	dir := t.TempDir()

	database, err := db.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	srv, err := New(database, auth.NewCodec(testSecret, time.Hour), testConfig(dir), discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx, "test finished")
		database.Close()
	})
	return srv, database
}

// startListener serves srv on a random loopback port and returns its address.
func startListener(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	return ln.Addr().String()
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) (int, gjson.Result) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return doRequest(t, srv, req)
}

func doRequest(t *testing.T, srv *Server, req *http.Request) (int, gjson.Result) {
	t.Helper()
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(data)
}

// registerUser signs up username and returns its token and id.
func registerUser(t *testing.T, srv *Server, username string) (string, string) {
	t.Helper()
	status, body := doJSON(t, srv, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "password123",
	})
	require.Equal(t, http.StatusCreated, status, body.Raw)
	return body.Get("token").String(), body.Get("usuario.id").String()
}

func dial(t *testing.T, addr, token string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	readEvent(t, conn, protocol.EventUsersOnline)
	return conn
}

func readEvent(t *testing.T, conn *gws.Conn, event string) gjson.Result {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, event, gjson.GetBytes(data, "event").String(), "unexpected frame %s", data)
	return gjson.GetBytes(data, "data")
}

func writeEvent(t *testing.T, conn *gws.Conn, event string, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(gws.TextMessage, protocol.MustEncode(event, data)))
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _ := setupTestServer(t)

	token, id := registerUser(t, srv, "alice")
	require.NotEmpty(t, id)

	identity, err := srv.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, identity.ID)

	for _, login := range []map[string]string{
		{"username": "alice", "password": "password123"},
		{"username": "alice@example.com", "password": "password123"},
		{"email": "ALICE@example.com", "password": "password123"},
	} {
		status, body := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", login)
		require.Equal(t, http.StatusOK, status, body.Raw)
		assert.True(t, body.Get("success").Bool())
		assert.Equal(t, "alice", body.Get("usuario.username").String())

		identity, err := srv.tokens.Verify(body.Get("token").String())
		require.NoError(t, err)
		assert.Equal(t, id, identity.ID)
	}

	status, body := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, body.Get("success").Bool())

	status, _ = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := setupTestServer(t)
	registerUser(t, srv, "alice")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing fields", map[string]string{"username": "bob"}, http.StatusBadRequest},
		{"short username", map[string]string{"username": "bo", "email": "bo@example.com", "password": "password123"}, http.StatusBadRequest},
		{"bad email", map[string]string{"username": "bobby", "email": "bobby", "password": "password123"}, http.StatusBadRequest},
		{"short password", map[string]string{"username": "bobby", "email": "bobby@example.com", "password": "123"}, http.StatusBadRequest},
		{"duplicate username", map[string]string{"username": "Alice", "email": "other@example.com", "password": "password123"}, http.StatusConflict},
		{"duplicate email", map[string]string{"username": "other", "email": "alice@example.com", "password": "password123"}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, srv, http.MethodPost, "/api/auth/register", "", tt.body)
			assert.Equal(t, tt.want, status, body.Raw)
			assert.False(t, body.Get("success").Bool())
			assert.NotEmpty(t, body.Get("message").String())
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _ := setupTestServer(t)

	status, body := doJSON(t, srv, http.MethodGet, "/api/contacts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Token de acceso requerido", body.Get("message").String())

	req := httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	req.Header.Set("Authorization", "Bearer ")
	status, _ = doRequest(t, srv, req)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, srv, http.MethodGet, "/api/contacts", "garbage", nil)
	assert.Equal(t, http.StatusForbidden, status)

	other := auth.NewCodec("another-secret", time.Hour)
	forged, err := other.Issue(models.Identity{ID: "x"})
	require.NoError(t, err)
	status, _ = doJSON(t, srv, http.MethodGet, "/api/contacts", forged, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestSearchRejectsShortTermBeforeStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl) // no expectations: any store call fails the test

	codec := auth.NewCodec(testSecret, time.Hour)
	srv, err := New(store, codec, testConfig(t.TempDir()), discardLogger())
	require.NoError(t, err)

	token, err := codec.Issue(alice)
	require.NoError(t, err)

	for _, term := range []string{"", "a", "  b  ", "é"} {
		status, body := doJSON(t, srv, http.MethodPost, "/api/users/search", token, map[string]string{"username": term})
		assert.Equal(t, http.StatusBadRequest, status, "term %q", term)
		assert.False(t, body.Get("success").Bool())
	}
}

func TestSearchUser(t *testing.T) {
	srv, _ := setupTestServer(t)
	token, _ := registerUser(t, srv, "alice")
	_, bobID := registerUser(t, srv, "bob")

	status, body := doJSON(t, srv, http.MethodPost, "/api/users/search", token, map[string]string{"username": "BOB"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, body.Get("success").Bool())
	assert.Equal(t, bobID, body.Get("usuario.id").String())
	assert.False(t, body.Get("usuario.online").Bool())

	status, body = doJSON(t, srv, http.MethodPost, "/api/users/search", token, map[string]string{"username": "nadie"})
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, body.Get("success").Bool())
	assert.Equal(t, "Usuario no encontrado", body.Get("message").String())
}

func TestContacts(t *testing.T) {
	srv, _ := setupTestServer(t)
	addr := startListener(t, srv)

	aliceToken, aliceID := registerUser(t, srv, "alice")
	bobToken, bobID := registerUser(t, srv, "bob")
	_, carolID := registerUser(t, srv, "carol")

	status, body := doJSON(t, srv, http.MethodPost, "/api/contacts/add", aliceToken, map[string]string{"username": "bob"})
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.Equal(t, bobID, body.Get("contacto.id").String())

	status, _ = doJSON(t, srv, http.MethodPost, "/api/contacts/add", aliceToken, map[string]string{"contacto_id": carolID})
	require.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/contacts/add", aliceToken, map[string]string{"contacto_id": bobID})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/contacts/add", aliceToken, map[string]string{"contacto_id": aliceID})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/contacts/add", aliceToken, map[string]string{"username": "nadie"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/contacts/add", aliceToken, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, srv, http.MethodGet, "/api/contacts", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Array(), 2)
	for _, c := range body.Array() {
		assert.False(t, c.Get("online").Bool())
		assert.Equal(t, int64(0), c.Get("mensajesNoLeidos").Int())
		assert.True(t, c.Get("ultimoMensaje").Type == gjson.Null)
	}

	dial(t, addr, bobToken)

	_, body = doJSON(t, srv, http.MethodGet, "/api/contacts", aliceToken, nil)
	online := map[string]bool{}
	for _, c := range body.Array() {
		online[c.Get("id").String()] = c.Get("online").Bool()
	}
	assert.Equal(t, map[string]bool{bobID: true, carolID: false}, online)
}

func TestWebSocketHandshakeAuth(t *testing.T) {
	srv, _ := setupTestServer(t)
	addr := startListener(t, srv)
	token, _ := registerUser(t, srv, "alice")

	_, resp, err := gws.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	emptyBearer := http.Header{}
	emptyBearer.Set("Authorization", "Bearer ")
	_, resp, err = gws.DefaultDialer.Dial("ws://"+addr+"/ws", emptyBearer)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = gws.DefaultDialer.Dial("ws://"+addr+"/ws?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, srv.Registry().Count())

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()
	snapshot := readEvent(t, conn, protocol.EventUsersOnline)
	assert.Equal(t, int64(1), snapshot.Get("count").Int())

	status, _ := doJSON(t, srv, http.MethodGet, "/ws?token="+token, "", nil)
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestRealtimeDeliveryAndHistory(t *testing.T) {
	srv, database := setupTestServer(t)
	addr := startListener(t, srv)

	aliceToken, aliceID := registerUser(t, srv, "alice")
	bobToken, bobID := registerUser(t, srv, "bob")

	aliceConn := dial(t, addr, aliceToken)

	// bob is offline: persisted but not delivered
	writeEvent(t, aliceConn, protocol.EventSendMessage, map[string]any{"receiver_id": bobID, "text": "primero"})
	sent := readEvent(t, aliceConn, protocol.EventMessageSent)
	assert.False(t, sent.Get("delivered").Bool())
	firstID := sent.Get("id").String()

	bobConn := dial(t, addr, bobToken)
	online := readEvent(t, aliceConn, protocol.EventUserOnline)
	assert.Equal(t, bobID, online.Get("user_id").String())

	writeEvent(t, aliceConn, protocol.EventSendMessage, map[string]any{"receiver_id": bobID, "text": "segundo"})
	msg := readEvent(t, bobConn, protocol.EventNewMessage)
	assert.Equal(t, "segundo", msg.Get("content").String())
	assert.Equal(t, aliceID, msg.Get("sender_id").String())

	sent = readEvent(t, aliceConn, protocol.EventMessageSent)
	assert.True(t, sent.Get("delivered").Bool())
	assert.Equal(t, msg.Get("id").String(), sent.Get("id").String())

	status, history := doJSON(t, srv, http.MethodGet, "/api/messages/"+aliceID, bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, history.Array(), 2)
	assert.Equal(t, firstID, history.Get("0.id").String())
	assert.Equal(t, "primero", history.Get("0.content").String())
	assert.Equal(t, "segundo", history.Get("1.content").String())
	assert.False(t, history.Get("0.read").Bool())

	_, history = doJSON(t, srv, http.MethodGet, "/api/messages/"+aliceID, bobToken, nil)
	for _, m := range history.Array() {
		assert.True(t, m.Get("read").Bool())
	}

	// alice's own view does not mark bob's side
	msgs, err := database.GetMessages(context.Background(), aliceID, bobID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	bobConn.Close()
	offline := readEvent(t, aliceConn, protocol.EventUserOffline)
	assert.Equal(t, bobID, offline.Get("user_id").String())
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	srv, database := setupTestServer(t)
	addr := startListener(t, srv)
	aliceToken, aliceID := registerUser(t, srv, "alice")
	_, bobID := registerUser(t, srv, "bob")
	conn := dial(t, addr, aliceToken)

	writeEvent(t, conn, protocol.EventSendMessage, map[string]any{
		"receiver_id": bobID,
		"text":        strings.Repeat("x", 8<<10),
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var readErr error
	for readErr == nil {
		_, _, readErr = conn.ReadMessage()
	}
	assert.True(t, gws.IsCloseError(readErr, gws.CloseMessageTooBig), "got %v", readErr)

	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 3*time.Second, 20*time.Millisecond)
	history, err := database.GetMessages(context.Background(), aliceID, bobID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUpload(t *testing.T) {
	srv, _ := setupTestServer(t)
	token, _ := registerUser(t, srv, "alice")

	upload := func(name string, content []byte) (int, gjson.Result) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if name != "" {
			part, err := w.CreateFormFile("file", name)
			require.NoError(t, err)
			part.Write(content)
		}
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		return doRequest(t, srv, req)
	}

	content := []byte("contenido del archivo")
	status, body := upload("foto.PNG", content)
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.True(t, body.Get("success").Bool())
	assert.Equal(t, "foto.PNG", body.Get("fileName").String())
	assert.Equal(t, int64(len(content)), body.Get("fileSize").Int())

	fileURL := body.Get("fileUrl").String()
	require.True(t, strings.HasPrefix(fileURL, "/uploads/"), fileURL)
	assert.True(t, strings.HasSuffix(fileURL, ".png"), fileURL)

	stored, err := os.ReadFile(filepath.Join(srv.uploads.Dir(), strings.TrimPrefix(fileURL, "/uploads/")))
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, fileURL, nil), -1)
	require.NoError(t, err)
	served, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, served)

	status, _ = upload("", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = upload("big.bin", make([]byte, (1<<20)+1))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body.Get("message").String(), "1MB")
}

func TestStatusIndexAndNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)
	addr := startListener(t, srv)
	token, id := registerUser(t, srv, "alice")
	dial(t, addr, token)

	status, body := doJSON(t, srv, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), body.Get("connectedUsers").Int())
	assert.Equal(t, id, body.Get("users.0").String())
	assert.Equal(t, id, body.Get("connections.0.user_id").String())
	connectedAt, err := time.Parse(TimeLayout, body.Get("connections.0.connectedAt").String())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), connectedAt, time.Minute)
	assert.Equal(t, "connections=1,users="+id, srv.GetStats())

	status, body = doJSON(t, srv, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body.Get("endpoints").Array())

	status, body = doJSON(t, srv, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, body.Get("success").Bool())
	assert.Equal(t, "Endpoint no encontrado", body.Get("message").String())
	assert.NotEmpty(t, body.Get("availableEndpoints").Array())
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, database := setupTestServer(t)
	addr := startListener(t, srv)
	token, id := registerUser(t, srv, "alice")
	conn := dial(t, addr, token)

	user, err := database.GetUser(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, user.Online)

	// the client is not reading, so it never answers the close frame
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx, "maintenance"))
	assert.Less(t, time.Since(start), closeGracePeriod+2*time.Second)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var readErr error
	for readErr == nil {
		_, _, readErr = conn.ReadMessage()
	}
	assert.True(t, gws.IsCloseError(readErr, gws.CloseGoingAway), "got %v", readErr)

	user, err = database.GetUser(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, user.Online)
	assert.Zero(t, srv.Registry().Count())
}
