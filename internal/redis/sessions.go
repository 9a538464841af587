package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/redis/go-redis/v9"
)

// Create stores a new pending call record
func (s *Sessions) Create(ctx context.Context, sess *models.CallSession) error {
	key := sessionKey(sess.ID)
	rec := sess.Clone()
	rec.Version = 1

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, key, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store session %s: %w", sess.ID, err)
	}
	if !created {
		return signaling.ErrExists
	}
	sess.Version = rec.Version

	if err := s.client.Publish(ctx, key, rec.Version).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("publish create")
	}
	return nil
}

// Get loads a call record
func (s *Sessions) Get(ctx context.Context, id string) (*models.CallSession, error) {
	return s.get(ctx, s.client, id)
}

func (s *Sessions) get(ctx context.Context, c redis.Cmdable, id string) (*models.CallSession, error) {
	data, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, signaling.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var sess models.CallSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	sess.ID = id
	return &sess, nil
}

// Update runs mutate under WATCH and commits with MULTI/EXEC, retrying
// when another writer touched the record in between.
func (s *Sessions) Update(ctx context.Context, id string, mutate signaling.Mutation) (*models.CallSession, error) {
	key := sessionKey(id)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var out *models.CallSession
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next := cur.Clone()
			if err := mutate(next); err != nil {
				if errors.Is(err, signaling.ErrUnchanged) {
					out = cur
					return nil
				}
				return &signaling.AbortError{Err: err}
			}
			next.ID = id
			next.Version = cur.Version + 1

			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, redis.KeepTTL)
				pipe.Publish(ctx, key, next.Version)
				return nil
			})
			if err == nil {
				out = next
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			metrics.StoreConflicts.WithLabelValues("session").Inc()
			s.log.Debug().Str("session_id", id).Int("attempt", attempt).Msg("update conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, signaling.ErrConflict
}

// Watch delivers the record now and after every committed change
func (s *Sessions) Watch(ctx context.Context, id string, fn func(*models.CallSession)) (func(), error) {
	return s.Store.watch(ctx, sessionKey(id), func(ctx context.Context) {
		sess, err := s.Get(ctx, id)
		switch {
		case errors.Is(err, signaling.ErrNotFound):
			fn(nil)
		case err != nil:
			if ctx.Err() == nil {
				s.log.Error().Err(err).Str("session_id", id).Msg("watch read")
			}
		default:
			fn(sess)
		}
	})
}
