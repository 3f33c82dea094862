// Package engine owns the live sessions: matchmaking, per-session state
// machines with authoritative clocks, and the resume/replay path.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/internal/wire"
)

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) Result() store.Result {
	if c == White {
		return store.ResultWhiteWins
	}
	return store.ResultBlackWins
}

var (
	ErrNotInProgress = errors.New("game is not in progress")
	ErrNotYourTurn   = errors.New("not your turn")
	ErrNotPlayer     = errors.New("user is not a player of this game")
	ErrIllegalMove   = rules.ErrIllegalMove
)

// Session is one paired game. Every read-modify-write of its history,
// status, or clocks happens under mu; no two submissions against the
// same session ever interleave.
type Session struct {
	mu sync.Mutex

	id     string
	status store.Status
	result store.Result

	whiteID, whiteName string
	blackID, blackName string

	moves []store.MoveRecord
	uci   []string
	fen   string

	// Cached side to move; len(moves)%2 is re-checked against it on
	// every commit as a consistency invariant.
	turn Color

	whiteTimeMS int64
	blackTimeMS int64
	controlMS   int64

	createdAt  time.Time
	lastMoveAt time.Time

	eng rules.Engine
}

func newSession(id, creatorID, creatorName string, eng rules.Engine, controlMS int64) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		status:    store.StatusWaiting,
		whiteID:   creatorID,
		whiteName: creatorName,
		fen:       eng.InitialFEN(),
		turn:      White,
		controlMS: controlMS,
		createdAt: now,
		eng:       eng,
	}
}

// newSessionFromRecord reconstructs a live session by replaying the
// stored move list. A replay failure means corrupted or incompatible
// history and is returned as-is, never downgraded to a user rejection.
// Clocks are seeded from the stored values; no time elapses from the
// reconstruction itself.
func newSessionFromRecord(rec *store.GameRecord, eng rules.Engine) (*Session, error) {
	moves := append([]store.MoveRecord(nil), rec.Moves...)
	uci := make([]string, 0, len(moves))
	for _, m := range moves {
		uci = append(uci, m.UCI)
	}
	fen, err := eng.Replay(uci)
	if err != nil {
		return nil, fmt.Errorf("replay stored game %s: %w", rec.ID, err)
	}
	turn := White
	if len(moves)%2 == 1 {
		turn = Black
	}
	return &Session{
		id:          rec.ID,
		status:      store.StatusInProgress,
		whiteID:     rec.WhiteID,
		whiteName:   rec.WhiteName,
		blackID:     rec.BlackID,
		blackName:   rec.BlackName,
		moves:       moves,
		uci:         uci,
		fen:         fen,
		turn:        turn,
		whiteTimeMS: rec.WhiteTimeMS,
		blackTimeMS: rec.BlackTimeMS,
		controlMS:   rec.ControlMS,
		createdAt:   rec.CreatedAt,
		lastMoveAt:  time.Now(),
		eng:         eng,
	}, nil
}

func (s *Session) ID() string { return s.id }

// bindSecond seats userID as black and starts the game.
func (s *Session) bindSecond(userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != store.StatusWaiting {
		return ErrNotInProgress
	}
	if s.blackID != "" {
		return fmt.Errorf("second seat already taken")
	}
	s.blackID = userID
	s.blackName = name
	s.status = store.StatusInProgress
	s.lastMoveAt = time.Now()
	return nil
}

// colorOf must be called with mu held.
func (s *Session) colorOf(userID string) (Color, bool) {
	switch userID {
	case s.whiteID:
		return White, true
	case s.blackID:
		return Black, true
	}
	return "", false
}

// ColorOf reports the seat of userID, if any.
func (s *Session) ColorOf(userID string) (Color, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.colorOf(userID)
}

// MoveResult is the outcome of one accepted move, snapshotted so the
// caller can broadcast and schedule clocks without re-locking.
type MoveResult struct {
	Move        store.MoveRecord
	FEN         string
	WhiteTimeMS int64
	BlackTimeMS int64

	Terminal bool
	Status   store.Status
	Result   store.Result

	// Side to move next and its remaining budget, for the clock timer.
	NextTurn        Color
	NextRemainingMS int64
	PlyCount        int
}

// SubmitMove validates and commits one move. Rejections leave history,
// clocks, and status untouched.
func (s *Session) SubmitMove(userID string, mv wire.MoveInput) (*MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != store.StatusInProgress {
		return nil, ErrNotInProgress
	}
	color, ok := s.colorOf(userID)
	if !ok {
		return nil, ErrNotPlayer
	}
	parityTurn := White
	if len(s.moves)%2 == 1 {
		parityTurn = Black
	}
	if parityTurn != s.turn {
		// Cached turn is authoritative; the parity rule is a
		// consistency check that must never fire.
		obslog.L().Error("turn_parity_mismatch",
			zap.String("game_id", s.id),
			zap.Int("moves", len(s.moves)),
			zap.String("turn", string(s.turn)),
		)
	}
	if color != s.turn {
		return nil, ErrNotYourTurn
	}

	fenBefore := s.fen
	verdict, err := s.eng.Apply(s.uci, mv.UCI())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	elapsed := now.Sub(s.lastMoveAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	rec := store.MoveRecord{
		Ply:       len(s.moves) + 1,
		From:      mv.From,
		To:        mv.To,
		Promotion: mv.Promotion,
		UCI:       verdict.UCI,
		SAN:       verdict.SAN,
		FENBefore: fenBefore,
		FENAfter:  verdict.FEN,
		TimeMS:    elapsed,
	}
	s.moves = append(s.moves, rec)
	s.uci = append(s.uci, verdict.UCI)
	s.fen = verdict.FEN
	if color == White {
		s.whiteTimeMS += elapsed
	} else {
		s.blackTimeMS += elapsed
	}
	s.turn = color.Other()
	s.lastMoveAt = now

	out := &MoveResult{
		Move:        rec,
		FEN:         s.fen,
		WhiteTimeMS: s.whiteTimeMS,
		BlackTimeMS: s.blackTimeMS,
		NextTurn:    s.turn,
		PlyCount:    len(s.moves),
	}
	if verdict.Terminal {
		s.status = store.StatusCompleted
		s.result = store.Result(verdict.Outcome)
		out.Terminal = true
	}
	out.Status = s.status
	out.Result = s.result
	out.NextRemainingMS = s.remainingMSLocked(s.turn)
	return out, nil
}

func (s *Session) remainingMSLocked(c Color) int64 {
	consumed := s.whiteTimeMS
	if c == Black {
		consumed = s.blackTimeMS
	}
	rem := s.controlMS - consumed
	if rem < 0 {
		rem = 0
	}
	return rem
}

// RemainingMS reports the clock budget left for a color.
func (s *Session) RemainingMS(c Color) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingMSLocked(c)
}

// EndResult describes a session ending outside of a terminal move.
type EndResult struct {
	Status store.Status
	Result store.Result
	// True when the session was still WAITING and is simply discarded.
	Discarded bool
}

// Exit handles a voluntary leave. While WAITING the session is
// discarded with no result; while IN_PROGRESS the other color wins.
func (s *Session) Exit(userID string) (*EndResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	color, ok := s.colorOf(userID)
	if !ok {
		return nil, ErrNotPlayer
	}
	switch s.status {
	case store.StatusWaiting:
		s.status = store.StatusPlayerExit
		return &EndResult{Status: s.status, Discarded: true}, nil
	case store.StatusInProgress:
		s.status = store.StatusPlayerExit
		s.result = color.Other().Result()
		return &EndResult{Status: s.status, Result: s.result}, nil
	default:
		return nil, ErrNotInProgress
	}
}

// ClockExpired ends the game on time forfeit. plyCount guards against a
// stale timer firing after a move already committed.
func (s *Session) ClockExpired(c Color, plyCount int) (*EndResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != store.StatusInProgress || len(s.moves) != plyCount || s.turn != c {
		return nil, false
	}
	if c == White {
		s.whiteTimeMS = s.controlMS
	} else {
		s.blackTimeMS = s.controlMS
	}
	s.status = store.StatusTimeUp
	s.result = c.Other().Result()
	return &EndResult{Status: s.status, Result: s.result}, true
}

// Abandon ends the game after a disconnected player's grace expired.
func (s *Session) Abandon(leaverID string) (*EndResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != store.StatusInProgress {
		return nil, false
	}
	color, ok := s.colorOf(leaverID)
	if !ok {
		return nil, false
	}
	s.status = store.StatusAbandoned
	s.result = color.Other().Result()
	return &EndResult{Status: s.status, Result: s.result}, true
}

// Status returns the current lifecycle state.
func (s *Session) Status() store.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OpenSeat reports whether the session is still waiting for black.
func (s *Session) OpenSeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == store.StatusWaiting && s.blackID == ""
}

// Record snapshots the session as a persistable game record.
func (s *Session) Record() *store.GameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &store.GameRecord{
		ID:          s.id,
		Status:      s.status,
		Result:      s.result,
		WhiteID:     s.whiteID,
		WhiteName:   s.whiteName,
		BlackID:     s.blackID,
		BlackName:   s.blackName,
		FEN:         s.fen,
		Moves:       append([]store.MoveRecord(nil), s.moves...),
		WhiteTimeMS: s.whiteTimeMS,
		BlackTimeMS: s.blackTimeMS,
		ControlMS:   s.controlMS,
		CreatedAt:   s.createdAt,
		UpdatedAt:   time.Now(),
	}
}

// Players returns both seats for payload building.
func (s *Session) Players() (white, black wire.PlayerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.PlayerInfo{ID: s.whiteID, Name: s.whiteName},
		wire.PlayerInfo{ID: s.blackID, Name: s.blackName}
}

// Turn returns the cached side to move and the committed ply count.
func (s *Session) Turn() (Color, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn, len(s.moves)
}

// CommittedMoves renders the history for wire payloads.
func (s *Session) CommittedMoves() []wire.CommittedMove {
	s.mu.Lock()
	defer s.mu.Unlock()
	return committedMoves(s.moves)
}

func committedMoves(moves []store.MoveRecord) []wire.CommittedMove {
	out := make([]wire.CommittedMove, 0, len(moves))
	for _, m := range moves {
		out = append(out, wire.CommittedMove{
			Ply:       m.Ply,
			From:      m.From,
			To:        m.To,
			Promotion: m.Promotion,
			SAN:       m.SAN,
			UCI:       m.UCI,
			TimeMS:    m.TimeMS,
		})
	}
	return out
}
