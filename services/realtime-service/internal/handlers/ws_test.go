package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tareqmahmud/libraryfeed/libs/auth"
	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/broadcast"
	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/hub"
)

const testSecret = "ws-test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *hub.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := hub.NewRegistry()
	router := broadcast.NewRouter(registry, logger)
	h := New(registry, router, logger, Config{
		JWTSecret:    testSecret,
		SendTimeout:  100 * time.Millisecond,
		WriteTimeout: time.Second,
	})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return srv, registry
}

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	token, err := auth.SignHS256(auth.Claims{
		Sub:  sub,
		Role: role,
		Iat:  time.Now().Unix(),
		Exp:  time.Now().Add(time.Hour).Unix(),
	}, testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) broadcast.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg broadcast.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("frame must be json: %v", err)
	}
	return msg
}

func readUntilType(t *testing.T, ws *websocket.Conn, wantType string) broadcast.Message {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readFrame(t, ws)
		if msg.Type == wantType {
			return msg
		}
	}
	t.Fatalf("never received frame of type %q", wantType)
	return broadcast.Message{}
}

func waitForMembers(t *testing.T, registry *hub.Registry, group string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(registry.MembersOf(group)) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("group %q never reached %d members", group, want)
}

func TestAnonymousHandshakeRejected(t *testing.T) {
	srv, registry := newTestServer(t)

	ws := dial(t, srv, "group=lobby")
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != CloseAuthFailure {
		t.Fatalf("expected close code %d, got %d", CloseAuthFailure, closeErr.Code)
	}

	for _, group := range []string{"lobby", hub.GroupAllUsers, hub.GroupAdmins} {
		if len(registry.MembersOf(group)) != 0 {
			t.Fatalf("anonymous connection must never join %q", group)
		}
	}
}

func TestAdminJoinImpliedGroupsAndAnnouncement(t *testing.T) {
	srv, registry := newTestServer(t)

	ws := dial(t, srv, "group=lobby&token="+signToken(t, "admin1", "admin"))

	for _, group := range []string{"lobby", hub.GroupAllUsers, hub.GroupAdmins} {
		waitForMembers(t, registry, group, 1)
	}

	// The new member hears its own arrival once per joined group.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		msg := readUntilType(t, ws, broadcast.TypeJoined)
		if msg.From != "admin1" {
			t.Fatalf("joined frame from wrong identity: %+v", msg)
		}
		seen[msg.Group] = true
	}
	for _, group := range []string{"lobby", hub.GroupAllUsers, hub.GroupAdmins} {
		if !seen[group] {
			t.Fatalf("missing joined announcement for %q", group)
		}
	}
}

func TestInboundMessageBroadcastToGroup(t *testing.T) {
	srv, registry := newTestServer(t)

	alice := dial(t, srv, "group=room-A&token="+signToken(t, "alice", "member"))
	waitForMembers(t, registry, "room-A", 1)
	bob := dial(t, srv, "group=room-A&token="+signToken(t, "bob", "member"))
	waitForMembers(t, registry, "room-A", 2)

	if err := bob.WriteMessage(websocket.TextMessage, []byte(`{"body":"hi"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readUntilType(t, alice, broadcast.TypeMessage)
	if msg.From != "bob" || msg.Group != "room-A" || msg.Body != "hi" {
		t.Fatalf("broadcast frame mismatch: %+v", msg)
	}
}

func TestMalformedInboundRejectedToSenderOnly(t *testing.T) {
	srv, registry := newTestServer(t)

	alice := dial(t, srv, "group=room-B&token="+signToken(t, "alice", "member"))
	waitForMembers(t, registry, "room-B", 1)
	bob := dial(t, srv, "group=room-B&token="+signToken(t, "bob", "member"))
	waitForMembers(t, registry, "room-B", 2)

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := readUntilType(t, alice, broadcast.TypeError)
	if errFrame.Group != "room-B" {
		t.Fatalf("error frame mismatch: %+v", errFrame)
	}

	// A subsequent valid message is the first (and only) message-type
	// frame the other member sees.
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"body":"ok"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 20; i++ {
		msg := readFrame(t, bob)
		if msg.Type == broadcast.TypeError {
			t.Fatalf("error frame must only go to the sender: %+v", msg)
		}
		if msg.Type == broadcast.TypeMessage {
			if msg.Body != "ok" || msg.From != "alice" {
				t.Fatalf("unexpected message frame: %+v", msg)
			}
			return
		}
	}
	t.Fatal("valid message never reached the group")
}

func TestNullBodyRejectedToSender(t *testing.T) {
	srv, registry := newTestServer(t)

	alice := dial(t, srv, "group=room-D&token="+signToken(t, "alice", "member"))
	waitForMembers(t, registry, "room-D", 1)
	bob := dial(t, srv, "group=room-D&token="+signToken(t, "bob", "member"))
	waitForMembers(t, registry, "room-D", 2)

	// A JSON null body parses but carries nothing; it must be treated
	// like any other malformed payload.
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"body":null}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := readUntilType(t, alice, broadcast.TypeError)
	if errFrame.Group != "room-D" {
		t.Fatalf("error frame mismatch: %+v", errFrame)
	}

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"body":"after"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 20; i++ {
		msg := readFrame(t, bob)
		if msg.Type == broadcast.TypeError {
			t.Fatalf("error frame must only go to the sender: %+v", msg)
		}
		if msg.Type == broadcast.TypeMessage {
			if msg.Body != "after" || msg.From != "alice" {
				t.Fatalf("unexpected message frame: %+v", msg)
			}
			return
		}
	}
	t.Fatal("valid message never reached the group")
}

func TestDisconnectLeavesAllGroups(t *testing.T) {
	srv, registry := newTestServer(t)

	ws := dial(t, srv, "group=room-C&token="+signToken(t, "carol", "member"))
	waitForMembers(t, registry, "room-C", 1)

	_ = ws.Close()

	waitForMembers(t, registry, "room-C", 0)
	waitForMembers(t, registry, hub.GroupAllUsers, 0)
}
