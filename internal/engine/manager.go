package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/hub"
	"github.com/park285/chess-arena/internal/metrics"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/internal/wire"
)

// ErrReplayCorrupt marks a stored move list that no longer replays
// cleanly. It is a data-integrity failure of the resume path, never a
// user-facing rejection.
var ErrReplayCorrupt = errors.New("stored game history failed to replay")

// ResultSink receives finished game records (the postgres repository).
type ResultSink interface {
	SaveResult(ctx context.Context, rec *store.GameRecord) error
}

type Options struct {
	TimeControl  time.Duration
	AbandonGrace time.Duration
	MaxGames     int
}

// Manager owns the live-session table and the matchmaking slot. Pairing
// is the one decision spanning two sessions-to-be, so it runs entirely
// inside the manager's critical section; everything per-game runs under
// the session's own lock.
type Manager struct {
	reg *hub.Registry
	eng rules.Engine
	st  store.Store
	cat *msgcat.Catalog

	repo ResultSink

	// mu guards the pairing slot and the live table; pairing must be
	// atomic so two concurrent start intents never both see an empty
	// slot or both grab the same waiting session.
	mu       sync.Mutex
	pending  *Session
	sessions map[string]*Session

	clocks *timerTable
	grace  *timerTable

	opts Options
}

func NewManager(reg *hub.Registry, eng rules.Engine, st store.Store, cat *msgcat.Catalog, opts Options) *Manager {
	if opts.TimeControl <= 0 {
		opts.TimeControl = 10 * time.Minute
	}
	if opts.AbandonGrace <= 0 {
		opts.AbandonGrace = 60 * time.Second
	}
	if opts.MaxGames <= 0 {
		opts.MaxGames = 500
	}
	return &Manager{
		reg:      reg,
		eng:      eng,
		st:       st,
		cat:      cat,
		sessions: make(map[string]*Session),
		clocks:   newTimerTable(),
		grace:    newTimerTable(),
		opts:     opts,
	}
}

// AttachRepository wires the optional finished-game repository.
func (m *Manager) AttachRepository(r ResultSink) {
	if m != nil {
		m.repo = r
	}
}

// Close stops every pending timer. Live sessions stay persisted in the
// store and are resumable after a restart.
func (m *Manager) Close() {
	m.clocks.stopAll()
	m.grace.stopAll()
}

func (m *Manager) live(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) alert(ctx context.Context, p *hub.Participant, key string) {
	_ = p.Send(ctx, wire.GameAlert(m.cat.Get(key)))
}

// HandleStart processes a start intent: pair with the waiting session
// if one exists, otherwise park the requester as the new waiting one.
func (m *Manager) HandleStart(ctx context.Context, p *hub.Participant) {
	for {
		m.mu.Lock()
		if s := m.pending; s != nil {
			white, _ := s.Players()
			if white.ID == p.ID {
				m.mu.Unlock()
				obslog.L().Info("match_self_pair_rejected", zap.String("user_id", p.ID), zap.String("game_id", s.ID()))
				m.alert(ctx, p, "alert.self_pair")
				return
			}
			m.pending = nil
			m.mu.Unlock()
			if m.startPaired(ctx, s, p) {
				return
			}
			// A concurrent join took the open seat; park the requester
			// instead of dropping the intent.
			continue
		}
		if len(m.sessions) >= m.opts.MaxGames {
			m.mu.Unlock()
			m.alert(ctx, p, "alert.server_full")
			return
		}
		s := newSession(uuid.NewString(), p.ID, p.Name, m.eng, m.opts.TimeControl.Milliseconds())
		m.sessions[s.ID()] = s
		m.pending = s
		// The creator must occupy the room before the session becomes
		// visible for pairing, or the game_started fan-out can miss it.
		m.reg.Bind(p, s.ID())
		m.mu.Unlock()

		metrics.ActiveSessions.Inc()
		obslog.L().Info("match_waiting", zap.String("game_id", s.ID()), zap.String("user_id", p.ID))
		_ = p.Send(ctx, wire.GameAdded(s.ID()))
		go m.persistSnapshot(s)
		return
	}
}

// startPaired seats p as the second player and notifies both sides.
// Returns false when the open seat was taken first; the caller decides
// what the requester gets instead.
func (m *Manager) startPaired(ctx context.Context, s *Session, p *hub.Participant) bool {
	if err := s.bindSecond(p.ID, p.Name); err != nil {
		obslog.L().Warn("match_pair_failed", zap.String("game_id", s.ID()), zap.Error(err))
		return false
	}
	m.reg.Bind(p, s.ID())
	metrics.SessionsStarted.Inc()

	white, black := s.Players()
	obslog.L().Info("match_pair",
		zap.String("game_id", s.ID()),
		zap.String("white_id", white.ID),
		zap.String("black_id", black.ID),
	)
	rec := s.Record()
	for _, o := range m.reg.Occupants(s.ID()) {
		color, ok := s.ColorOf(o.ID)
		if !ok {
			continue
		}
		_ = o.Send(ctx, wire.GameStarted(wire.GameStartedPayload{
			GameID: s.ID(),
			Color:  string(color),
			White:  white,
			Black:  black,
			FEN:    rec.FEN,
		}))
	}
	go m.persistSnapshot(s)

	turn, ply := s.Turn()
	m.scheduleClock(s, turn, ply)
	return true
}

// HandleMove validates, commits, and broadcasts one move.
func (m *Manager) HandleMove(ctx context.Context, p *hub.Participant, pl *wire.MovePayload) {
	s := m.live(pl.GameID)
	if s == nil {
		_ = p.Send(ctx, wire.GameNotFound())
		return
	}
	res, err := s.SubmitMove(p.ID, pl.Move)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotYourTurn):
			metrics.MovesRejected.WithLabelValues("out_of_turn").Inc()
			m.alert(ctx, p, "alert.not_your_turn")
		case errors.Is(err, ErrIllegalMove):
			metrics.MovesRejected.WithLabelValues("illegal").Inc()
			m.alert(ctx, p, "alert.illegal_move")
		case errors.Is(err, ErrNotInProgress), errors.Is(err, ErrNotPlayer):
			metrics.MovesRejected.WithLabelValues("not_joinable").Inc()
			m.alert(ctx, p, "alert.not_joinable")
		default:
			// Rules collaborator failed outright; the move must not
			// commit without a successful legality check.
			metrics.MovesRejected.WithLabelValues("rules_error").Inc()
			obslog.L().Error("session_move_rules_error", zap.String("game_id", s.ID()), zap.Error(err))
			m.alert(ctx, p, "alert.rules_unavailable")
		}
		return
	}

	metrics.MovesCommitted.Inc()
	obslog.L().Info("session_move",
		zap.String("game_id", s.ID()),
		zap.String("user_id", p.ID),
		zap.Int("ply", res.Move.Ply),
		zap.String("uci", res.Move.UCI),
		zap.Int64("time_ms", res.Move.TimeMS),
	)
	m.reg.Broadcast(ctx, s.ID(), wire.MoveMade(wire.MoveMadePayload{
		GameID:            s.ID(),
		Move:              committedMoves([]store.MoveRecord{res.Move})[0],
		WhiteTimeConsumed: res.WhiteTimeMS,
		BlackTimeConsumed: res.BlackTimeMS,
	}))

	go m.persistMove(s.ID(), res.Move, res.FEN, res.WhiteTimeMS, res.BlackTimeMS)

	if res.Terminal {
		m.endSession(ctx, s)
		return
	}
	m.scheduleClock(s, res.NextTurn, res.PlyCount)
}

// HandleExit processes a voluntary leave.
func (m *Manager) HandleExit(ctx context.Context, p *hub.Participant, gameID string) {
	s := m.live(gameID)
	if s == nil {
		_ = p.Send(ctx, wire.GameNotFound())
		return
	}
	res, err := s.Exit(p.ID)
	if err != nil {
		m.alert(ctx, p, "alert.not_joinable")
		return
	}
	if res.Discarded {
		obslog.L().Info("session_discard", zap.String("game_id", s.ID()), zap.String("user_id", p.ID))
		m.alert(ctx, p, "game.exit_waiting")
		m.retire(s)
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.st.DeleteSession(dctx, s.ID())
		}()
		return
	}
	obslog.L().Info("session_exit",
		zap.String("game_id", s.ID()),
		zap.String("user_id", p.ID),
		zap.String("result", string(res.Result)),
	)
	m.endSession(ctx, s)
}

// HandleJoin binds the requester into a live session by id, or resumes
// one from storage.
func (m *Manager) HandleJoin(ctx context.Context, p *hub.Participant, gameID string) error {
	if s := m.live(gameID); s != nil {
		return m.joinLive(ctx, p, s)
	}

	rec, err := m.st.LoadSession(ctx, gameID)
	if err != nil {
		obslog.L().Error("resume_load_error", zap.String("game_id", gameID), zap.Error(err))
		m.alert(ctx, p, "alert.not_joinable")
		return err
	}
	if rec == nil {
		_ = p.Send(ctx, wire.GameNotFound())
		return nil
	}
	if rec.Status.Terminal() {
		// Historical record only; no live session is created.
		_ = p.Send(ctx, wire.GameEnded(wire.GameEndedPayload{
			GameID: rec.ID,
			Status: string(rec.Status),
			Result: string(rec.Result),
			White:  wire.PlayerInfo{ID: rec.WhiteID, Name: rec.WhiteName},
			Black:  wire.PlayerInfo{ID: rec.BlackID, Name: rec.BlackName},
			Moves:  committedMoves(rec.Moves),
		}))
		return nil
	}
	if rec.Status != store.StatusInProgress {
		_ = p.Send(ctx, wire.GameNotFound())
		return nil
	}
	if p.ID != rec.WhiteID && p.ID != rec.BlackID {
		_ = p.Send(ctx, wire.GameNotFound())
		return nil
	}

	s, err := newSessionFromRecord(rec, m.eng)
	if err != nil {
		obslog.L().Error("resume_replay_error", zap.String("game_id", gameID), zap.Error(err))
		m.alert(ctx, p, "alert.replay_failed")
		return errors.Join(ErrReplayCorrupt, err)
	}

	m.mu.Lock()
	if cur := m.sessions[gameID]; cur != nil {
		// Lost the race against a concurrent resume; use the winner.
		s = cur
	} else {
		m.sessions[gameID] = s
		metrics.ActiveSessions.Inc()
		metrics.SessionsResumed.Inc()
	}
	m.mu.Unlock()

	obslog.L().Info("session_resume", zap.String("game_id", gameID), zap.String("user_id", p.ID))
	m.bindRejoin(ctx, p, s)

	turn, ply := s.Turn()
	m.scheduleClock(s, turn, ply)
	return nil
}

func (m *Manager) joinLive(ctx context.Context, p *hub.Participant, s *Session) error {
	if _, ok := s.ColorOf(p.ID); ok {
		// Already seated: this is a reconnect, not a pairing.
		m.grace.cancel(graceKey(s.ID(), p.ID))
		m.bindRejoin(ctx, p, s)
		return nil
	}
	if s.OpenSeat() {
		m.mu.Lock()
		if m.pending == s {
			m.pending = nil
		}
		m.mu.Unlock()
		if !m.startPaired(ctx, s, p) {
			// Seat was taken between the check and the bind; for a
			// join-by-id the session is simply full now.
			_ = p.Send(ctx, wire.GameNotFound())
		}
		return nil
	}
	_ = p.Send(ctx, wire.GameNotFound())
	return nil
}

func (m *Manager) bindRejoin(ctx context.Context, p *hub.Participant, s *Session) {
	m.reg.Bind(p, s.ID())
	color, _ := s.ColorOf(p.ID)
	rec := s.Record()
	_ = p.Send(ctx, wire.GameJoined(wire.GameJoinedPayload{
		GameID:            s.ID(),
		Color:             string(color),
		White:             wire.PlayerInfo{ID: rec.WhiteID, Name: rec.WhiteName},
		Black:             wire.PlayerInfo{ID: rec.BlackID, Name: rec.BlackName},
		FEN:               rec.FEN,
		Moves:             committedMoves(rec.Moves),
		WhiteTimeConsumed: rec.WhiteTimeMS,
		BlackTimeConsumed: rec.BlackTimeMS,
	}))
}

// HandleDisconnect releases the connection's registry binding. Safe to
// call twice for the same connection.
func (m *Manager) HandleDisconnect(connID string) {
	p, roomID := m.reg.Unbind(connID)
	if p == nil {
		obslog.L().Debug("disconnect_unknown_conn", zap.String("conn_id", connID))
		return
	}
	obslog.L().Info("disconnect", zap.String("user_id", p.ID), zap.String("room_id", roomID))
	if roomID == "" {
		return
	}
	s := m.live(roomID)
	if s == nil {
		return
	}
	switch s.Status() {
	case store.StatusWaiting:
		// The only occupant left; drop the waiting session entirely.
		if res, err := s.Exit(p.ID); err == nil && res.Discarded {
			m.retire(s)
			go func() {
				dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = m.st.DeleteSession(dctx, s.ID())
			}()
		}
	case store.StatusInProgress:
		sid, uid := s.ID(), p.ID
		m.grace.schedule(graceKey(sid, uid), m.opts.AbandonGrace, func() {
			m.abandonExpired(sid, uid)
		})
	}
}

func (m *Manager) abandonExpired(gameID, userID string) {
	s := m.live(gameID)
	if s == nil {
		return
	}
	res, ok := s.Abandon(userID)
	if !ok {
		return
	}
	obslog.L().Info("session_abandon",
		zap.String("game_id", gameID),
		zap.String("user_id", userID),
		zap.String("result", string(res.Result)),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.endSession(ctx, s)
}

func (m *Manager) scheduleClock(s *Session, turn Color, ply int) {
	remaining := s.RemainingMS(turn)
	sid := s.ID()
	m.clocks.schedule(sid, time.Duration(remaining)*time.Millisecond, func() {
		m.clockExpired(sid, turn, ply)
	})
}

func (m *Manager) clockExpired(gameID string, c Color, ply int) {
	s := m.live(gameID)
	if s == nil {
		return
	}
	res, ok := s.ClockExpired(c, ply)
	if !ok {
		return
	}
	obslog.L().Info("session_time_up",
		zap.String("game_id", gameID),
		zap.String("color", string(c)),
		zap.String("result", string(res.Result)),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.endSession(ctx, s)
}

// endSession broadcasts the terminal record, removes the session from
// the live table, and hands the record to the write-behind persister.
func (m *Manager) endSession(ctx context.Context, s *Session) {
	rec := s.Record()
	white, black := s.Players()
	m.reg.Broadcast(ctx, s.ID(), wire.GameEnded(wire.GameEndedPayload{
		GameID: s.ID(),
		Status: string(rec.Status),
		Result: string(rec.Result),
		White:  white,
		Black:  black,
		Moves:  committedMoves(rec.Moves),
	}))
	obslog.L().Info("session_end",
		zap.String("game_id", s.ID()),
		zap.String("status", string(rec.Status)),
		zap.String("result", string(rec.Result)),
	)
	m.retire(s)
	metrics.SessionsEnded.WithLabelValues(string(rec.Status)).Inc()
	go m.persistFinal(rec)
}

// retire removes the session from the live table and clears its room.
// Terminal sessions remain retrievable only through the store.
func (m *Manager) retire(s *Session) {
	m.clocks.cancel(s.ID())
	white, black := s.Players()
	m.grace.cancel(graceKey(s.ID(), white.ID))
	m.grace.cancel(graceKey(s.ID(), black.ID))

	m.mu.Lock()
	if m.pending == s {
		m.pending = nil
	}
	if _, ok := m.sessions[s.ID()]; ok {
		delete(m.sessions, s.ID())
		metrics.ActiveSessions.Dec()
	}
	m.mu.Unlock()

	m.reg.DropRoom(s.ID())
}

// persistMove appends one ply on a detached goroutine. Appends for
// different plies can reach the store out of order, and a ply ahead of
// the stored history is rejected with ErrPlyGap; retrying lets the
// predecessor land first.
func (m *Manager) persistMove(gameID string, mv store.MoveRecord, fen string, whiteMS, blackMS int64) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.st.AppendMove(ctx, gameID, mv, fen, whiteMS, blackMS)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, 10)); err != nil {
		obslog.L().Warn("session_move_persist_error",
			zap.String("game_id", gameID),
			zap.Int("ply", mv.Ply),
			zap.Error(err),
		)
	}
}

func (m *Manager) persistSnapshot(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.st.SaveSession(ctx, s.Record()); err != nil {
		obslog.L().Warn("session_persist_error", zap.String("game_id", s.ID()), zap.Error(err))
	}
}

// persistFinal writes the terminal record with at-least-once retry. The
// triggering connection may already be gone; a durable write must still
// complete.
func (m *Manager) persistFinal(rec *store.GameRecord) {
	save := func(name string, fn func(context.Context) error) {
		op := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return fn(ctx)
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)
		if err := backoff.Retry(op, policy); err != nil {
			obslog.L().Error("final_persist_error",
				zap.String("sink", name),
				zap.String("game_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	save("store", func(ctx context.Context) error { return m.st.SaveFinalSession(ctx, rec) })
	if m.repo != nil {
		save("repository", func(ctx context.Context) error { return m.repo.SaveResult(ctx, rec) })
	}
}

func graceKey(gameID, userID string) string { return gameID + "|" + userID }
