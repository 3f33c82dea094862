package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository archives finished games in postgres, including a PGN
// rendering for export. The live path never reads from it.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a finished game. Idempotent by game id, so the
// at-least-once write-behind may call it repeatedly.
func (r *Repository) SaveResult(ctx context.Context, rec *GameRecord) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	movesRaw, _ := json.Marshal(rec.Moves)
	pgn := buildPGN(rec)
	duration := rec.UpdatedAt.Sub(rec.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO arena_games (
	    game_id, white_id, white_name, black_id, black_name,
	    status, result, moves, pgn, final_fen,
	    white_time_ms, black_time_ms, control_ms,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    status=EXCLUDED.status,
	    result=EXCLUDED.result,
	    moves=EXCLUDED.moves,
	    pgn=EXCLUDED.pgn,
	    final_fen=EXCLUDED.final_fen,
	    white_time_ms=EXCLUDED.white_time_ms,
	    black_time_ms=EXCLUDED.black_time_ms,
	    control_ms=EXCLUDED.control_ms,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.WhiteID, rec.WhiteName,
		rec.BlackID, rec.BlackName,
		string(rec.Status), string(rec.Result), string(movesRaw), pgn, rec.FEN,
		rec.WhiteTimeMS, rec.BlackTimeMS, rec.ControlMS,
		rec.CreatedAt, rec.UpdatedAt, duration,
	)
	return err
}

func pgnResult(res Result) string {
	switch res {
	case ResultWhiteWins:
		return "1-0"
	case ResultBlackWins:
		return "0-1"
	case ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func pgnTermination(status Status) string {
	switch status {
	case StatusCompleted:
		return "normal"
	case StatusTimeUp:
		return "time forfeit"
	case StatusPlayerExit:
		return "resignation"
	case StatusAbandoned:
		return "abandoned"
	default:
		return ""
	}
}

func buildPGN(rec *GameRecord) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	date := rec.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	result := pgnResult(rec.Result)
	b.WriteString("[Event \"Arena\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(rec.WhiteName)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(rec.BlackName)))
	if rec.ControlMS > 0 {
		b.WriteString(fmt.Sprintf("[TimeControl \"%d\"]\n", rec.ControlMS/1000))
	}
	if t := pgnTermination(rec.Status); t != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", t))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(rec.Moves); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", (i/2)+1, strings.TrimSpace(rec.Moves[i].SAN)))
		if i+1 < len(rec.Moves) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(rec.Moves[i+1].SAN))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
