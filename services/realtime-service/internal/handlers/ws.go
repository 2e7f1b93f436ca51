package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tareqmahmud/libraryfeed/libs/auth"
	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/broadcast"
	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/hub"
)

// CloseAuthFailure is sent when the handshake carries no usable identity.
const CloseAuthFailure = 4401

const defaultGroup = "lobby"

type Handler struct {
	registry     *hub.Registry
	router       *broadcast.Router
	logger       *slog.Logger
	secret       string
	upgrader     websocket.Upgrader
	sendBuffer   int
	sendTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	active map[*hub.Conn]*websocket.Conn
}

type Config struct {
	JWTSecret    string
	SendBuffer   int
	SendTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(registry *hub.Registry, router *broadcast.Router, logger *slog.Logger, cfg Config) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		registry: registry,
		router:   router,
		logger:   logger,
		secret:   cfg.JWTSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer:   cfg.SendBuffer,
		sendTimeout:  cfg.SendTimeout,
		writeTimeout: cfg.WriteTimeout,
		active:       map[*hub.Conn]*websocket.Conn{},
	}
}

// ServeWS is the realtime handshake. Anonymous attempts are closed with
// an auth-failure code before any group membership exists.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	group := strings.TrimSpace(r.URL.Query().Get("group"))
	if group == "" {
		group = defaultGroup
	}
	claims := h.authenticate(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if claims == nil {
		deadline := time.Now().Add(h.writeTimeout)
		msg := websocket.FormatCloseMessage(CloseAuthFailure, "authentication required")
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
		return
	}

	role := hub.RoleNormal
	if claims.IsAdmin() {
		role = hub.RoleAdmin
	}
	conn := hub.NewConn(claims.Sub, role, group, h.sendBuffer, h.sendTimeout)

	h.registry.Join(conn, group)
	h.router.AnnounceJoin(conn, h.registry.GroupsOf(conn))
	h.track(conn, ws)
	h.logger.Info("connection joined", "identity", conn.Identity(), "group", group, "role", role)

	go h.writePump(ws, conn)
	h.readLoop(ws, conn)

	h.registry.LeaveAll(conn)
	h.untrack(conn)
	conn.Close()
	_ = ws.Close()
	h.logger.Info("connection left", "identity", conn.Identity(), "group", group)
}

func (h *Handler) authenticate(r *http.Request) *auth.Claims {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if token == "" {
		return nil
	}
	claims, err := auth.ParseAndVerifyHS256(token, h.secret)
	if err != nil || claims.Sub == "" {
		return nil
	}
	return claims
}

func (h *Handler) readLoop(ws *websocket.Conn, conn *hub.Conn) {
	ws.SetReadLimit(64 << 10)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var inbound struct {
			Body json.RawMessage `json:"body"`
		}
		// A missing body and an explicit JSON null are both empty:
		// neither carries anything worth broadcasting.
		if err := json.Unmarshal(data, &inbound); err != nil ||
			len(inbound.Body) == 0 || bytes.Equal(inbound.Body, []byte("null")) {
			h.rejectToSender(conn)
			continue
		}

		h.router.Broadcast(conn.PrimaryGroup(), broadcast.Message{
			Type: broadcast.TypeMessage,
			From: conn.Identity(),
			Body: inbound.Body,
		})
	}
}

// rejectToSender reports a malformed inbound payload to the sender only;
// nothing is broadcast.
func (h *Handler) rejectToSender(conn *hub.Conn) {
	frame, err := json.Marshal(broadcast.Message{
		Type:   broadcast.TypeError,
		Group:  conn.PrimaryGroup(),
		Body:   "malformed message",
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Warn("error frame not delivered", "identity", conn.Identity(), "err", err)
	}
}

func (h *Handler) writePump(ws *websocket.Conn, conn *hub.Conn) {
	for {
		select {
		case data := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			deadline := time.Now().Add(h.writeTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (h *Handler) track(conn *hub.Conn, ws *websocket.Conn) {
	h.mu.Lock()
	h.active[conn] = ws
	h.mu.Unlock()
}

func (h *Handler) untrack(conn *hub.Conn) {
	h.mu.Lock()
	delete(h.active, conn)
	h.mu.Unlock()
}

// Shutdown closes every live connection; each read loop then unwinds
// through LeaveAll.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make(map[*hub.Conn]*websocket.Conn, len(h.active))
	for conn, ws := range h.active {
		conns[conn] = ws
	}
	h.mu.Unlock()

	for conn, ws := range conns {
		conn.Close()
		_ = ws.Close()
	}
}
