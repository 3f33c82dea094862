// Package store persists game records: a redis-backed live/resumable
// store and a postgres repository for finished games.
package store

import "time"

// Status is the session lifecycle state.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusAbandoned  Status = "ABANDONED"
	StatusTimeUp     Status = "TIME_UP"
	StatusPlayerExit Status = "PLAYER_EXIT"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusTimeUp, StatusPlayerExit:
		return true
	}
	return false
}

type Result string

const (
	ResultNone      Result = ""
	ResultWhiteWins Result = "WHITE_WINS"
	ResultBlackWins Result = "BLACK_WINS"
	ResultDraw      Result = "DRAW"
)

// MoveRecord is one committed ply.
type MoveRecord struct {
	Ply       int    `json:"ply"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	UCI       string `json:"uci"`
	SAN       string `json:"san"`
	FENBefore string `json:"fen_before"`
	FENAfter  string `json:"fen_after"`
	TimeMS    int64  `json:"time_ms"`
}

// GameRecord is the persisted state of one session.
type GameRecord struct {
	ID          string       `json:"id"`
	Status      Status       `json:"status"`
	Result      Result       `json:"result,omitempty"`
	WhiteID     string       `json:"white_id"`
	WhiteName   string       `json:"white_name"`
	BlackID     string       `json:"black_id,omitempty"`
	BlackName   string       `json:"black_name,omitempty"`
	FEN         string       `json:"fen"`
	Moves       []MoveRecord `json:"moves"`
	WhiteTimeMS int64        `json:"white_time_ms"`
	BlackTimeMS int64        `json:"black_time_ms"`
	ControlMS   int64        `json:"control_ms"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
