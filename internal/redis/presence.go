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

// Set points all users at sessionID in a single MULTI/EXEC
func (s *Presence) Set(ctx context.Context, sessionID string, userIDs ...string) error {
	data, err := json.Marshal(models.NewPresence(sessionID))
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range userIDs {
			pipe.Set(ctx, presenceKey(u), data, s.ttl)
			pipe.Publish(ctx, presenceKey(u), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Clear resets the pointers that still name sessionID, atomically
func (s *Presence) Clear(ctx context.Context, sessionID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, u := range userIDs {
		keys[i] = presenceKey(u)
	}
	cleared, err := json.Marshal(models.NewPresence(""))
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var stale []string
			for _, u := range userIDs {
				p, err := s.getPresence(ctx, tx, u)
				if err != nil {
					return err
				}
				cur := p.SessionID()
				if cur == "" {
					continue
				}
				if sessionID == "" || cur == sessionID {
					stale = append(stale, presenceKey(u))
				}
			}
			if len(stale) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, k := range stale {
					pipe.Set(ctx, k, cleared, s.ttl)
					pipe.Publish(ctx, k, "")
				}
				return nil
			})
			return err
		}, keys...)

		if errors.Is(err, redis.TxFailedErr) {
			metrics.StoreConflicts.WithLabelValues("presence").Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("clear presence: %w", err)
		}
		return nil
	}
	return signaling.ErrConflict
}

// Get returns a user's pointer; a missing key is a clear pointer
func (s *Presence) Get(ctx context.Context, userID string) (models.Presence, error) {
	return s.getPresence(ctx, s.client, userID)
}

func (s *Presence) getPresence(ctx context.Context, c redis.Cmdable, userID string) (models.Presence, error) {
	data, err := c.Get(ctx, presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Presence{}, nil
	}
	if err != nil {
		return models.Presence{}, fmt.Errorf("load presence %s: %w", userID, err)
	}
	var p models.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Presence{}, fmt.Errorf("failed to parse presence %s: %w", userID, err)
	}
	return p, nil
}

// Watch delivers the user's pointer now and after every change
func (s *Presence) Watch(ctx context.Context, userID string, fn func(models.Presence)) (func(), error) {
	return s.Store.watch(ctx, presenceKey(userID), func(ctx context.Context) {
		p, err := s.Get(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error().Err(err).Str("user_id", userID).Msg("presence watch read")
			}
			return
		}
		fn(p)
	})
}
