package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlGame = 24 * time.Hour

// ErrPlyGap marks an append whose predecessor ply is not stored yet.
// Moves persist on detached goroutines, so a later ply can reach the
// store first; the caller retries until the gap closes.
var ErrPlyGap = errors.New("ply gap")

// Store is the durable-record collaborator the engine talks to. Load
// returns (nil, nil) when the record is absent.
type Store interface {
	LoadSession(ctx context.Context, id string) (*GameRecord, error)
	SaveSession(ctx context.Context, rec *GameRecord) error
	// AppendMove is best-effort incremental persistence; the live path
	// does not depend on it succeeding.
	AppendMove(ctx context.Context, id string, mv MoveRecord, fen string, whiteMS, blackMS int64) error
	SaveFinalSession(ctx context.Context, rec *GameRecord) error
	DeleteSession(ctx context.Context, id string) error
}

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func gameKey(id string) string { return "arena:game:" + strings.TrimSpace(id) }

func (s *RedisStore) LoadSession(ctx context.Context, id string) (*GameRecord, error) {
	raw, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec GameRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode game record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, rec *GameRecord) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("invalid game record")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, gameKey(rec.ID), raw, ttlGame).Err()
}

// AppendMove updates the stored record under WATCH so a concurrent
// writer never loses a ply. A ply already stored is an idempotent
// no-op; a ply ahead of the stored history returns ErrPlyGap so the
// caller can retry once the predecessor lands.
func (s *RedisStore) AppendMove(ctx context.Context, id string, mv MoveRecord, fen string, whiteMS, blackMS int64) error {
	key := gameKey(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("game %s not stored", id)
		}
		if err != nil {
			return err
		}
		var rec GameRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if mv.Ply <= len(rec.Moves) {
			return nil
		}
		if mv.Ply != len(rec.Moves)+1 {
			return fmt.Errorf("%w: stored %d, appending %d", ErrPlyGap, len(rec.Moves), mv.Ply)
		}
		rec.Moves = append(rec.Moves, mv)
		rec.FEN = fen
		rec.WhiteTimeMS = whiteMS
		rec.BlackTimeMS = blackMS
		rec.UpdatedAt = time.Now()

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&rec)
		pipe.Set(ctx, key, newRaw, ttlGame)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
}

func (s *RedisStore) SaveFinalSession(ctx context.Context, rec *GameRecord) error {
	if rec == nil || !rec.Status.Terminal() {
		return fmt.Errorf("record is not terminal")
	}
	return s.SaveSession(ctx, rec)
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, gameKey(id)).Err()
}
