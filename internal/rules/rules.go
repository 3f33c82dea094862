// Package rules is the move-legality collaborator. It is pure: every
// call rebuilds the position from the committed move list, applies the
// proposal, and reports the verdict. No state is kept between calls.
package rules

import (
	"errors"
	"fmt"

	nchess "github.com/corentings/chess/v2"
)

// ErrIllegalMove marks a proposal the position does not admit.
var ErrIllegalMove = errors.New("illegal move")

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeWhiteWins Outcome = "WHITE_WINS"
	OutcomeBlackWins Outcome = "BLACK_WINS"
	OutcomeDraw      Outcome = "DRAW"
)

// Verdict is the result of applying a legal move.
type Verdict struct {
	UCI      string
	SAN      string
	FEN      string
	Terminal bool
	Outcome  Outcome
}

// Engine validates proposed moves and replays stored histories.
type Engine interface {
	InitialFEN() string
	// Apply replays prior committed moves and applies uci on top.
	// Returns ErrIllegalMove when the proposal is not admitted; any
	// other error means the prior history itself did not replay.
	Apply(prior []string, uci string) (*Verdict, error)
	// Replay validates a full stored move list and returns the
	// resulting position. A failure is a data-integrity problem.
	Replay(moves []string) (fen string, err error)
}

type chessEngine struct{}

// NewEngine returns the chess implementation of Engine.
func NewEngine() Engine { return chessEngine{} }

func (chessEngine) InitialFEN() string {
	return nchess.NewGame().FEN()
}

func (chessEngine) Apply(prior []string, uci string) (*Verdict, error) {
	game, err := reconstruct(prior)
	if err != nil {
		return nil, err
	}
	pos := game.Position()
	if uci == "" {
		return nil, ErrIllegalMove
	}
	if perr := game.PushNotationMove(uci, nchess.UCINotation{}, nil); perr != nil {
		return nil, ErrIllegalMove
	}
	mv := lastMove(game)
	if mv == nil {
		return nil, ErrIllegalMove
	}
	v := &Verdict{
		UCI: mv.String(),
		SAN: nchess.AlgebraicNotation{}.Encode(pos, mv),
		FEN: game.FEN(),
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		v.Terminal, v.Outcome = true, OutcomeWhiteWins
	case nchess.BlackWon:
		v.Terminal, v.Outcome = true, OutcomeBlackWins
	case nchess.Draw:
		v.Terminal, v.Outcome = true, OutcomeDraw
	}
	return v, nil
}

func (chessEngine) Replay(moves []string) (string, error) {
	game, err := reconstruct(moves)
	if err != nil {
		return "", err
	}
	return game.FEN(), nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

// reconstruct rebuilds the game from the start position by applying
// stored UCI moves in order. FEN snapshots are presentation-only and
// never used as a replay seed (restoring from FEN would double-apply).
func reconstruct(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i+1, mv, err)
		}
	}
	return game, nil
}
