package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-arena/internal/hub"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/internal/wire"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []*wire.Outbound
}

func (f *fakeConn) Send(_ context.Context, msg *wire.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) byType(tp wire.Type) []*wire.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.Outbound
	for _, m := range f.msgs {
		if m.Type == tp {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) waitFor(t *testing.T, tp wire.Type) *wire.Outbound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.byType(tp); len(msgs) > 0 {
			return msgs[len(msgs)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", tp)
	return nil
}

func newTestManager(t *testing.T, opts Options) (*Manager, *store.RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStore(rdb)
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	m := NewManager(hub.NewRegistry(), rules.NewEngine(), st, cat, opts)
	cleanup := func() {
		m.Close()
		_ = rdb.Close()
		mr.Close()
	}
	return m, st, cleanup
}

func newPlayer(id, name string) (*hub.Participant, *fakeConn) {
	c := &fakeConn{}
	return hub.NewParticipant(id, name, false, c), c
}

func startPair(t *testing.T, m *Manager) (white, black *hub.Participant, wc, bc *fakeConn, gameID string) {
	t.Helper()
	ctx := context.Background()
	white, wc = newPlayer("u-white", "Alice")
	black, bc = newPlayer("u-black", "Bob")

	m.HandleStart(ctx, white)
	added := wc.waitFor(t, wire.TypeGameAdded)
	gameID = added.Payload.(wire.GameAddedPayload).GameID

	m.HandleStart(ctx, black)
	ws := wc.waitFor(t, wire.TypeGameStarted).Payload.(wire.GameStartedPayload)
	bs := bc.waitFor(t, wire.TypeGameStarted).Payload.(wire.GameStartedPayload)
	if ws.GameID != gameID || bs.GameID != gameID {
		t.Fatalf("game id mismatch: %q vs %q", ws.GameID, bs.GameID)
	}
	if ws.Color != "white" || bs.Color != "black" {
		t.Fatalf("color assignment mismatch: %q/%q", ws.Color, bs.Color)
	}
	if len(ws.Moves) != 0 {
		t.Fatalf("fresh pairing must carry empty history")
	}
	return white, black, wc, bc, gameID
}

func TestStartParksWaitingSession(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()

	p, c := newPlayer("u1", "Alice")
	m.HandleStart(context.Background(), p)
	added := c.waitFor(t, wire.TypeGameAdded).Payload.(wire.GameAddedPayload)
	if added.GameID == "" {
		t.Fatalf("expected allocated game id")
	}
	if m.live(added.GameID) == nil {
		t.Fatalf("waiting session not in live table")
	}
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending == nil || pending.ID() != added.GameID {
		t.Fatalf("pending slot not set")
	}
}

func TestSelfPairRejected(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	p, c := newPlayer("u1", "Alice")
	m.HandleStart(ctx, p)
	c.waitFor(t, wire.TypeGameAdded)

	m.mu.Lock()
	before := m.pending
	m.mu.Unlock()

	// Same identity on a second tab.
	p2, c2 := newPlayer("u1", "Alice")
	m.HandleStart(ctx, p2)
	c2.waitFor(t, wire.TypeGameAlert)

	m.mu.Lock()
	after := m.pending
	m.mu.Unlock()
	if after != before {
		t.Fatalf("self-pair attempt must leave the pending session unchanged")
	}
	if len(c2.byType(wire.TypeGameStarted)) != 0 {
		t.Fatalf("self-pair attempt must not start a game")
	}
}

func TestConcurrentStartsPairExactlyOnce(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	p1, c1 := newPlayer("u1", "Alice")
	p2, c2 := newPlayer("u2", "Bob")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.HandleStart(ctx, p1) }()
	go func() { defer wg.Done(); m.HandleStart(ctx, p2) }()
	wg.Wait()

	c1.waitFor(t, wire.TypeGameStarted)
	c2.waitFor(t, wire.TypeGameStarted)

	m.mu.Lock()
	live, pending := len(m.sessions), m.pending
	m.mu.Unlock()
	if live != 1 {
		t.Fatalf("expected exactly one session, got %d", live)
	}
	if pending != nil {
		t.Fatalf("pending slot must be cleared after pairing")
	}

	gameID := c1.waitFor(t, wire.TypeGameStarted).Payload.(wire.GameStartedPayload).GameID
	if n := len(m.reg.Occupants(gameID)); n != 2 {
		t.Fatalf("room holds %d occupant(s), want both players", n)
	}
}

func TestStartReparksWhenSeatTaken(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	p1, c1 := newPlayer("u1", "Alice")
	m.HandleStart(ctx, p1)
	first := c1.waitFor(t, wire.TypeGameAdded).Payload.(wire.GameAddedPayload).GameID

	// A join takes the open seat while the session is still parked as
	// pending.
	if err := m.live(first).bindSecond("u3", "Carol"); err != nil {
		t.Fatalf("bindSecond: %v", err)
	}

	p2, c2 := newPlayer("u2", "Bob")
	m.HandleStart(ctx, p2)
	added := c2.waitFor(t, wire.TypeGameAdded).Payload.(wire.GameAddedPayload)
	if added.GameID == first {
		t.Fatalf("requester landed in the already-full session")
	}
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending == nil || pending.ID() != added.GameID {
		t.Fatalf("requester not parked as the new waiting session")
	}
	if len(c2.byType(wire.TypeGameStarted)) != 0 {
		t.Fatalf("requester must wait, not start")
	}
}

func TestFullGameScenario(t *testing.T) {
	m, st, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	white, black, wc, bc, gameID := startPair(t, m)

	m.HandleMove(ctx, white, &wire.MovePayload{GameID: gameID, Move: wire.MoveInput{From: "e2", To: "e4"}})
	wm := wc.waitFor(t, wire.TypeMoveMade).Payload.(wire.MoveMadePayload)
	bm := bc.waitFor(t, wire.TypeMoveMade).Payload.(wire.MoveMadePayload)
	if wm.Move.Ply != 1 || bm.Move.Ply != 1 {
		t.Fatalf("move count mismatch: %d/%d", wm.Move.Ply, bm.Move.Ply)
	}
	if wm.BlackTimeConsumed != 0 {
		t.Fatalf("black clock charged on white's move: %d", wm.BlackTimeConsumed)
	}

	// Illegal attempt by black: rejection to black only, history intact.
	m.HandleMove(ctx, black, &wire.MovePayload{GameID: gameID, Move: wire.MoveInput{From: "e7", To: "e3"}})
	bc.waitFor(t, wire.TypeGameAlert)
	if len(wc.byType(wire.TypeGameAlert)) != 0 {
		t.Fatalf("rejection leaked to the opponent")
	}
	if _, n := m.live(gameID).Turn(); n != 1 {
		t.Fatalf("illegal attempt mutated history: %d moves", n)
	}

	m.HandleExit(ctx, white, gameID)
	we := wc.waitFor(t, wire.TypeGameEnded).Payload.(wire.GameEndedPayload)
	be := bc.waitFor(t, wire.TypeGameEnded).Payload.(wire.GameEndedPayload)
	if we.Status != string(store.StatusPlayerExit) || be.Status != string(store.StatusPlayerExit) {
		t.Fatalf("status mismatch: %q/%q", we.Status, be.Status)
	}
	if we.Result != string(store.ResultBlackWins) {
		t.Fatalf("exiting white must hand black the win, got %q", we.Result)
	}
	if m.live(gameID) != nil {
		t.Fatalf("session still live after exit")
	}

	// Write-behind lands the terminal record, move history included.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := st.LoadSession(context.Background(), gameID)
		if err == nil && rec != nil && rec.Status == store.StatusPlayerExit && len(rec.Moves) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminal record never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMoveOnUnknownGame(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()

	p, c := newPlayer("u1", "Alice")
	m.HandleMove(context.Background(), p, &wire.MovePayload{GameID: "ghost", Move: wire.MoveInput{From: "e2", To: "e4"}})
	c.waitFor(t, wire.TypeGameNotFound)
}

func TestJoinByIDPairsIntoWaitingSession(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	p1, c1 := newPlayer("u1", "Alice")
	m.HandleStart(ctx, p1)
	gameID := c1.waitFor(t, wire.TypeGameAdded).Payload.(wire.GameAddedPayload).GameID

	p2, c2 := newPlayer("u2", "Bob")
	if err := m.HandleJoin(ctx, p2, gameID); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	c1.waitFor(t, wire.TypeGameStarted)
	started := c2.waitFor(t, wire.TypeGameStarted).Payload.(wire.GameStartedPayload)
	if started.Color != "black" {
		t.Fatalf("direct joiner must take the open color, got %q", started.Color)
	}
}

func TestJoinForeignFullSession(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	_, _, _, _, gameID := startPair(t, m)

	p3, c3 := newPlayer("u3", "Carol")
	if err := m.HandleJoin(ctx, p3, gameID); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	c3.waitFor(t, wire.TypeGameNotFound)
}

func TestResumeTerminalRecord(t *testing.T) {
	m, st, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	rec := &store.GameRecord{
		ID:     "done-1",
		Status: store.StatusCompleted,
		Result: store.ResultWhiteWins,
		WhiteID: "u1", WhiteName: "Alice",
		BlackID: "u2", BlackName: "Bob",
		Moves:     []store.MoveRecord{{Ply: 1, UCI: "e2e4", SAN: "e4"}},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := st.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	p, c := newPlayer("u1", "Alice")
	if err := m.HandleJoin(ctx, p, "done-1"); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	ended := c.waitFor(t, wire.TypeGameEnded).Payload.(wire.GameEndedPayload)
	if ended.Status != string(store.StatusCompleted) || ended.Result != string(store.ResultWhiteWins) {
		t.Fatalf("historical record mismatch: %+v", ended)
	}
	if len(ended.Moves) != 1 {
		t.Fatalf("history missing from record: %+v", ended.Moves)
	}
	if m.live("done-1") != nil {
		t.Fatalf("terminal resume must not create a live session")
	}
}

func TestResumeInProgressReconstructs(t *testing.T) {
	m, st, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	rec := &store.GameRecord{
		ID:     "live-1",
		Status: store.StatusInProgress,
		WhiteID: "u1", WhiteName: "Alice",
		BlackID: "u2", BlackName: "Bob",
		Moves: []store.MoveRecord{
			{Ply: 1, UCI: "e2e4", SAN: "e4", TimeMS: 1500},
			{Ply: 2, UCI: "e7e5", SAN: "e5", TimeMS: 900},
		},
		WhiteTimeMS: 1500,
		BlackTimeMS: 900,
		ControlMS:   600000,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	if err := st.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	p, c := newPlayer("u1", "Alice")
	if err := m.HandleJoin(ctx, p, "live-1"); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	joined := c.waitFor(t, wire.TypeGameJoined).Payload.(wire.GameJoinedPayload)
	if joined.WhiteTimeConsumed != 1500 || joined.BlackTimeConsumed != 900 {
		t.Fatalf("clocks must equal stored values: %d/%d", joined.WhiteTimeConsumed, joined.BlackTimeConsumed)
	}
	if joined.Color != "white" || len(joined.Moves) != 2 {
		t.Fatalf("reconstruction mismatch: %+v", joined)
	}
	s := m.live("live-1")
	if s == nil {
		t.Fatalf("resumed session not live")
	}
	if turn, n := s.Turn(); turn != White || n != 2 {
		t.Fatalf("restored turn mismatch: %s after %d", turn, n)
	}
}

func TestResumeStrangerRejected(t *testing.T) {
	m, st, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	rec := &store.GameRecord{
		ID:     "live-2",
		Status: store.StatusInProgress,
		WhiteID: "u1", BlackID: "u2",
		CreatedAt: time.Now(),
	}
	if err := st.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	p, c := newPlayer("u9", "Mallory")
	if err := m.HandleJoin(ctx, p, "live-2"); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	c.waitFor(t, wire.TypeGameNotFound)
	if m.live("live-2") != nil {
		t.Fatalf("foreign join must not reconstruct a session")
	}
}

func TestResumeAbsentRecord(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()

	p, c := newPlayer("u1", "Alice")
	if err := m.HandleJoin(context.Background(), p, "missing"); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	c.waitFor(t, wire.TypeGameNotFound)
}

func TestResumeCorruptHistoryIsFatal(t *testing.T) {
	m, st, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	rec := &store.GameRecord{
		ID:     "bad-1",
		Status: store.StatusInProgress,
		WhiteID: "u1", BlackID: "u2",
		Moves:     []store.MoveRecord{{Ply: 1, UCI: "e2e4"}, {Ply: 2, UCI: "e2e4"}},
		CreatedAt: time.Now(),
	}
	if err := st.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	p, c := newPlayer("u1", "Alice")
	err := m.HandleJoin(ctx, p, "bad-1")
	if !errors.Is(err, ErrReplayCorrupt) {
		t.Fatalf("expected ErrReplayCorrupt, got %v", err)
	}
	c.waitFor(t, wire.TypeGameAlert)
	if m.live("bad-1") != nil {
		t.Fatalf("corrupt record must not produce a live session")
	}
}

func TestDisconnectWhileWaitingDiscards(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{})
	defer cleanup()
	ctx := context.Background()

	p, c := newPlayer("u1", "Alice")
	m.HandleStart(ctx, p)
	gameID := c.waitFor(t, wire.TypeGameAdded).Payload.(wire.GameAddedPayload).GameID

	m.HandleDisconnect(p.ConnID)
	if m.live(gameID) != nil {
		t.Fatalf("waiting session should be discarded on disconnect")
	}
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending != nil {
		t.Fatalf("pending slot should be cleared")
	}
	// A second disconnect event for the same connection is benign.
	m.HandleDisconnect(p.ConnID)
}

func TestAbandonAfterGrace(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{AbandonGrace: 30 * time.Millisecond})
	defer cleanup()

	white, _, _, bc, gameID := startPair(t, m)

	m.HandleDisconnect(white.ConnID)
	ended := bc.waitFor(t, wire.TypeGameEnded).Payload.(wire.GameEndedPayload)
	if ended.Status != string(store.StatusAbandoned) || ended.Result != string(store.ResultBlackWins) {
		t.Fatalf("unexpected abandon outcome: %+v", ended)
	}
	if m.live(gameID) != nil {
		t.Fatalf("abandoned session still live")
	}
}

func TestReconnectCancelsAbandon(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{AbandonGrace: 80 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	white, _, _, _, gameID := startPair(t, m)

	m.HandleDisconnect(white.ConnID)

	// Same identity returns on a fresh connection before grace expires.
	again, c := newPlayer("u-white", "Alice")
	if err := m.HandleJoin(ctx, again, gameID); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	c.waitFor(t, wire.TypeGameJoined)

	time.Sleep(200 * time.Millisecond)
	s := m.live(gameID)
	if s == nil || s.Status() != store.StatusInProgress {
		t.Fatalf("reconnect did not cancel the abandon grace")
	}
}

func TestClockTimeoutEndsGame(t *testing.T) {
	m, _, cleanup := newTestManager(t, Options{TimeControl: 50 * time.Millisecond})
	defer cleanup()

	_, _, wc, bc, gameID := startPair(t, m)

	we := wc.waitFor(t, wire.TypeGameEnded).Payload.(wire.GameEndedPayload)
	bc.waitFor(t, wire.TypeGameEnded)
	if we.Status != string(store.StatusTimeUp) || we.Result != string(store.ResultBlackWins) {
		t.Fatalf("unexpected timeout outcome: %+v", we)
	}
	if m.live(gameID) != nil {
		t.Fatalf("timed-out session still live")
	}
}
