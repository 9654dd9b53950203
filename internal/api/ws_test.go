package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/intake/internal/conversation"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

func dialWS(t *testing.T, srv *Server, id string) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(srv.router)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsOutbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out wsOutbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return out
}

func TestSessionWS_Conversation(t *testing.T) {
	conv := newFakeConversation()
	conn, cleanup := dialWS(t, newTestServer(conv, ""), "s1")
	defer cleanup()

	greeting := readFrame(t, conn)
	if greeting.Type != "reply" || greeting.Reply == nil || greeting.Reply.SessionID != "s1" {
		t.Fatalf("expected greeting, got %+v", greeting)
	}

	conn.WriteJSON(wsInbound{Type: "ping"})
	if out := readFrame(t, conn); out.Type != "pong" {
		t.Errorf("expected pong, got %+v", out)
	}

	conn.WriteJSON(wsInbound{Type: "turn", Text: "My name is Jane Doe"})
	out := readFrame(t, conn)
	if out.Type != "reply" || !strings.Contains(out.Reply.Text, "phone number") {
		t.Errorf("expected reply, got %+v", out)
	}

	conn.WriteJSON(wsInbound{Type: "dance"})
	if out := readFrame(t, conn); out.Type != "error" || out.Code != "bad_request" {
		t.Errorf("expected bad_request error, got %+v", out)
	}

	conn.WriteJSON(wsInbound{Type: "close", Reason: "done"})
	if out := readFrame(t, conn); out.Type != "closed" {
		t.Errorf("expected closed, got %+v", out)
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.closed["s1"] != "done" {
		t.Errorf("expected session closed with reason, got %q", conv.closed["s1"])
	}
}

func TestSessionWS_BusyFrame(t *testing.T) {
	conv := newFakeConversation()
	conv.turnErr = session.ErrBusy
	conn, cleanup := dialWS(t, newTestServer(conv, ""), "s1")
	defer cleanup()
	readFrame(t, conn)

	conn.WriteJSON(wsInbound{Type: "turn", Text: "hello"})
	out := readFrame(t, conn)
	if out.Type != "busy" || out.Code != "busy" {
		t.Errorf("expected busy frame, got %+v", out)
	}
}

func TestSessionWS_ClosedSession(t *testing.T) {
	conv := newFakeConversation()
	conv.closed["s1"] = "earlier"
	conn, cleanup := dialWS(t, newTestServer(conv, ""), "s1")
	defer cleanup()

	out := readFrame(t, conn)
	if out.Type != "error" || out.Code != "closed" {
		t.Errorf("expected closed error, got %+v", out)
	}
}

func TestPushWS_KeepsRepliesWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writeCh := make(chan wsOutbound, 1)
	writeCh <- wsOutbound{Type: "reply", Reply: &conversation.Reply{Text: "first"}}

	if pushWS(ctx, writeCh, wsOutbound{Type: "pong"}) {
		t.Error("expected pong to be dropped on a full buffer")
	}

	delivered := make(chan bool, 1)
	go func() {
		delivered <- pushWS(ctx, writeCh, wsOutbound{Type: "reply", Reply: &conversation.Reply{Text: "second"}})
	}()

	if first := <-writeCh; first.Reply == nil || first.Reply.Text != "first" {
		t.Fatalf("expected the queued reply first, got %+v", first)
	}
	select {
	case ok := <-delivered:
		if !ok {
			t.Fatal("expected the second reply to be queued")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pushWS did not return once there was room")
	}
	if second := <-writeCh; second.Reply == nil || second.Reply.Text != "second" {
		t.Errorf("expected the second reply, got %+v", second)
	}
}

func TestPushWS_GivesUpWhenConnectionEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	writeCh := make(chan wsOutbound, 1)
	writeCh <- wsOutbound{Type: "reply"}

	done := make(chan bool, 1)
	go func() { done <- pushWS(ctx, writeCh, wsOutbound{Type: "reply"}) }()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("expected no delivery after the connection ended")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pushWS blocked after cancel")
	}
}
