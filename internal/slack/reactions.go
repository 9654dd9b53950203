package slack

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ReactionEvent is the structure received from slack-forwarder via NATS.
type ReactionEvent struct {
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
}

// Claim is what an agent's reaction on a hand-off message means.
type Claim string

const (
	ClaimTaken    Claim = "taken"
	ClaimReleased Claim = "released"
	ClaimUnknown  Claim = "unknown"
)

// ParseReaction converts a Slack reaction emoji name to a claim.
func ParseReaction(reaction string) Claim {
	switch reaction {
	case "eyes", "raised_hand", "white_check_mark":
		return ClaimTaken
	case "leftwards_arrow_with_hook", "x":
		return ClaimReleased
	default:
		return ClaimUnknown
	}
}

// ParseReactionEvent parses a NATS message payload from slack-forwarder into a ReactionEvent.
func ParseReactionEvent(data []byte, logger *slog.Logger) (*ReactionEvent, error) {
	// The slack-forwarder publishes events with metadata in a wrapper.
	var wrapper struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse reaction wrapper: %w", err)
	}
	if wrapper.Metadata["message_ts"] == "" {
		logger.Debug("reaction without message_ts ignored")
		return nil, fmt.Errorf("reaction event has no message_ts")
	}

	evt := &ReactionEvent{
		Reaction:  wrapper.Metadata["text"],
		UserID:    wrapper.Metadata["user_id"],
		Channel:   wrapper.Metadata["channel_id"],
		MessageTS: wrapper.Metadata["message_ts"],
	}

	if len(evt.Reaction) > 2 && evt.Reaction[0] == ':' && evt.Reaction[len(evt.Reaction)-1] == ':' {
		evt.Reaction = evt.Reaction[1 : len(evt.Reaction)-1]
	}

	return evt, nil
}

// ClaimFor resolves a reaction on a hand-off message to its session.
func (p *Poster) ClaimFor(evt *ReactionEvent) (sessionID string, claim Claim, ok bool) {
	claim = ParseReaction(evt.Reaction)
	if claim == ClaimUnknown {
		return "", claim, false
	}
	sessionID, ok = p.SessionFor(evt.MessageTS)
	return sessionID, claim, ok
}
