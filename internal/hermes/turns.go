package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/conversation"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

// SubjectTurn carries caller turns as NATS request/reply.
const SubjectTurn = "intake.turn"

const turnQueue = "intake"

// Turner is the conversation side of the transport.
type Turner interface {
	Start(ctx context.Context, sessionID string) (conversation.Reply, error)
	HandleTurn(ctx context.Context, sessionID, text string) (conversation.Reply, error)
}

// TurnRequest is one caller turn. Empty text opens the session and returns
// the greeting.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// TurnResponse is the reply, or an error with a machine-readable code.
type TurnResponse struct {
	conversation.Reply
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

const (
	CodeBadRequest = "bad_request"
	CodeBusy       = "busy"
	CodeClosed     = "closed"
	CodeInternal   = "internal"
)

type TurnServer struct {
	turner  Turner
	timeout time.Duration
	logger  *slog.Logger
}

func NewTurnServer(t Turner, timeout time.Duration, logger *slog.Logger) *TurnServer {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &TurnServer{turner: t, timeout: timeout, logger: logger}
}

// Serve registers the server on SubjectTurn.
func (s *TurnServer) Serve(c *Client) error {
	return c.Respond(SubjectTurn, turnQueue, s.Handle)
}

// Handle decodes a TurnRequest and encodes the TurnResponse.
func (s *TurnServer) Handle(data []byte) []byte {
	var req TurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return s.encode(TurnResponse{Error: "invalid request: " + err.Error(), Code: CodeBadRequest})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var (
		reply conversation.Reply
		err   error
	)
	if req.Text == "" {
		reply, err = s.turner.Start(ctx, req.SessionID)
	} else {
		reply, err = s.turner.HandleTurn(ctx, req.SessionID, req.Text)
	}
	if err != nil {
		return s.encode(s.failure(req.SessionID, err))
	}
	return s.encode(TurnResponse{Reply: reply})
}

func (s *TurnServer) failure(sessionID string, err error) TurnResponse {
	resp := TurnResponse{Reply: conversation.Reply{SessionID: sessionID}, Error: err.Error()}
	switch {
	case errors.Is(err, session.ErrBusy):
		resp.Code = CodeBusy
	case errors.Is(err, session.ErrClosed):
		resp.Code = CodeClosed
	case errors.Is(err, conversation.ErrEmptyTurn):
		resp.Code = CodeBadRequest
	default:
		resp.Code = CodeInternal
		s.logger.Error("nats turn failed", "session_id", sessionID, "error", err)
	}
	return resp
}

func (s *TurnServer) encode(resp TurnResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode turn response", "error", err)
		return []byte(`{"error":"internal","code":"internal"}`)
	}
	return data
}
