// Package wire defines the message envelope exchanged with connected
// players. Inbound frames are decoded exactly once at the connection
// boundary into a closed set of variants; handlers never see raw JSON.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Type string

// Client → server.
const (
	TypeInitGame Type = "init_game"
	TypeJoinGame Type = "join_game"
	TypeMove     Type = "move"
	TypeExitGame Type = "exit_game"
)

// Server → client.
const (
	TypeGameAdded    Type = "game_added"
	TypeGameStarted  Type = "game_started"
	TypeGameJoined   Type = "game_joined"
	TypeMoveMade     Type = "move_made"
	TypeGameEnded    Type = "game_ended"
	TypeGameAlert    Type = "game_alert"
	TypeGameNotFound Type = "game_not_found"
)

// Envelope is the raw frame shape on the wire.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MoveInput is a proposed move as submitted by a player.
type MoveInput struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders the proposal in UCI form (e7e8q).
func (m MoveInput) UCI() string {
	return strings.ToLower(strings.TrimSpace(m.From) + strings.TrimSpace(m.To) + strings.TrimSpace(m.Promotion))
}

type JoinGamePayload struct {
	GameID string `json:"gameId"`
}

type MovePayload struct {
	GameID string    `json:"gameId"`
	Move   MoveInput `json:"move"`
}

type ExitGamePayload struct {
	GameID string `json:"gameId"`
}

// Inbound is the decoded client frame. Exactly one payload pointer is
// set, matching Type.
type Inbound struct {
	Type Type
	Join *JoinGamePayload
	Move *MovePayload
	Exit *ExitGamePayload
}

// Decode parses a client frame. Unknown tags and malformed payloads are
// errors; the caller reports them to the sender only.
func Decode(data []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	in := &Inbound{Type: env.Type}
	switch env.Type {
	case TypeInitGame:
		return in, nil
	case TypeJoinGame:
		in.Join = &JoinGamePayload{}
		if err := json.Unmarshal(env.Payload, in.Join); err != nil {
			return nil, fmt.Errorf("decode join_game: %w", err)
		}
		return in, nil
	case TypeMove:
		in.Move = &MovePayload{}
		if err := json.Unmarshal(env.Payload, in.Move); err != nil {
			return nil, fmt.Errorf("decode move: %w", err)
		}
		return in, nil
	case TypeExitGame:
		in.Exit = &ExitGamePayload{}
		if err := json.Unmarshal(env.Payload, in.Exit); err != nil {
			return nil, fmt.Errorf("decode exit_game: %w", err)
		}
		return in, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// Outbound is a server frame before marshaling.
type Outbound struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

type PlayerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommittedMove is one ply as broadcast and as returned on resume.
type CommittedMove struct {
	Ply       int    `json:"ply"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	SAN       string `json:"san"`
	UCI       string `json:"uci"`
	TimeMS    int64  `json:"timeMs"`
}

type GameAddedPayload struct {
	GameID string `json:"gameId"`
}

type GameStartedPayload struct {
	GameID string     `json:"gameId"`
	Color  string     `json:"color"`
	White  PlayerInfo `json:"whitePlayer"`
	Black  PlayerInfo `json:"blackPlayer"`
	FEN    string     `json:"fen"`
	// Empty on a fresh pairing; kept for symmetry with game_joined.
	Moves []CommittedMove `json:"moves"`
}

type GameJoinedPayload struct {
	GameID            string          `json:"gameId"`
	Color             string          `json:"color"`
	White             PlayerInfo      `json:"whitePlayer"`
	Black             PlayerInfo      `json:"blackPlayer"`
	FEN               string          `json:"fen"`
	Moves             []CommittedMove `json:"moves"`
	WhiteTimeConsumed int64           `json:"whiteTimeConsumed"`
	BlackTimeConsumed int64           `json:"blackTimeConsumed"`
}

type MoveMadePayload struct {
	GameID            string        `json:"gameId"`
	Move              CommittedMove `json:"move"`
	WhiteTimeConsumed int64         `json:"whiteTimeConsumed"`
	BlackTimeConsumed int64         `json:"blackTimeConsumed"`
}

type GameEndedPayload struct {
	GameID string          `json:"gameId"`
	Status string          `json:"status"`
	Result string          `json:"result,omitempty"`
	White  PlayerInfo      `json:"whitePlayer"`
	Black  PlayerInfo      `json:"blackPlayer"`
	Moves  []CommittedMove `json:"moves"`
}

type GameAlertPayload struct {
	Message string `json:"message"`
}

func GameAdded(gameID string) *Outbound {
	return &Outbound{Type: TypeGameAdded, Payload: GameAddedPayload{GameID: gameID}}
}

func GameStarted(p GameStartedPayload) *Outbound {
	if p.Moves == nil {
		p.Moves = []CommittedMove{}
	}
	return &Outbound{Type: TypeGameStarted, Payload: p}
}

func GameJoined(p GameJoinedPayload) *Outbound {
	if p.Moves == nil {
		p.Moves = []CommittedMove{}
	}
	return &Outbound{Type: TypeGameJoined, Payload: p}
}

func MoveMade(p MoveMadePayload) *Outbound {
	return &Outbound{Type: TypeMoveMade, Payload: p}
}

func GameEnded(p GameEndedPayload) *Outbound {
	if p.Moves == nil {
		p.Moves = []CommittedMove{}
	}
	return &Outbound{Type: TypeGameEnded, Payload: p}
}

func GameAlert(message string) *Outbound {
	return &Outbound{Type: TypeGameAlert, Payload: GameAlertPayload{Message: message}}
}

func GameNotFound() *Outbound {
	return &Outbound{Type: TypeGameNotFound}
}
