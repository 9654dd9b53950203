package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/intake/internal/conversation"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsInbound struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type wsOutbound struct {
	Type    string              `json:"type"`
	Reply   *conversation.Reply `json:"reply,omitempty"`
	Code    string              `json:"code,omitempty"`
	Message string              `json:"message,omitempty"`
}

// sessionWS handles GET /api/v1/sessions/{id}/ws. On connect the client gets
// the greeting, or the last reply when resuming. Turns are handled
// concurrently so a second turn during a slow one gets a busy frame.
func (s *Server) sessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		s.logger.Warn("ws set read deadline failed", "session_id", id, "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	greeting, err := s.conv.Start(ctx, id)
	if err != nil {
		_, code := errorCode(err)
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteJSON(wsOutbound{Type: "error", Code: code, Message: err.Error()})
		return
	}

	writeCh := make(chan wsOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	var turns sync.WaitGroup
	stop := func() {
		cancel()
		turns.Wait()
		<-writerDone
	}

	pushWS(ctx, writeCh, wsOutbound{Type: "reply", Reply: &greeting})

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			stop()
			return
		}

		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushWS(ctx, writeCh, wsOutbound{Type: "pong"})
		case "turn":
			turns.Add(1)
			go func(text string) {
				defer turns.Done()
				reply, err := s.conv.HandleTurn(ctx, id, text)
				if err != nil {
					s.pushWSError(ctx, writeCh, id, err)
					return
				}
				pushWS(ctx, writeCh, wsOutbound{Type: "reply", Reply: &reply})
			}(in.Text)
		case "close":
			reason := strings.TrimSpace(in.Reason)
			if reason == "" {
				reason = "closed by client"
			}
			if err := s.conv.Close(ctx, id, reason); err != nil {
				s.pushWSError(ctx, writeCh, id, err)
				continue
			}
			pushWS(ctx, writeCh, wsOutbound{Type: "closed"})
		case "":
			pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: "bad_request", Message: "type is required"})
		default:
			pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: "bad_request", Message: "unsupported type: " + in.Type})
		}
	}
}

func (s *Server) pushWSError(ctx context.Context, writeCh chan wsOutbound, id string, err error) {
	status, code := errorCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("ws turn failed", "session_id", id, "error", err)
	}
	typ := "error"
	if code == "busy" {
		typ = "busy"
	}
	pushWS(ctx, writeCh, wsOutbound{Type: typ, Code: code, Message: err.Error()})
}

// pushWS queues a frame for the writer. Pongs are dropped when the buffer is
// full. Every other frame answers something the client sent, so it waits for
// room until the connection ends or wsWriteWait passes.
func pushWS(ctx context.Context, writeCh chan wsOutbound, out wsOutbound) bool {
	if out.Type == "pong" {
		select {
		case writeCh <- out:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(wsWriteWait)
	defer timer.Stop()
	select {
	case writeCh <- out:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}
