package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/call-signaling/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	sessionPrefix  = "call:"
	presencePrefix = "presence:"

	// maxTxAttempts bounds the optimistic WATCH/MULTI loop
	maxTxAttempts = 16
)

// ExpiryCheckInterval is how often a watch checks that its key still exists.
// It catches TTL expiry when the server does not send keyspace events.
var ExpiryCheckInterval = 5 * time.Second

var errClosed = errors.New("store closed")

// Store keeps call session records and presence pointers in Redis.
// Writes publish on a channel named after the key so watchers can re-read.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	// done ends every watch on Close
	done   context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Connect initializes the Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig, ttl time.Duration, log zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := NewStore(client, ttl, log)
	st.enableExpiryEvents(ctx)
	return st, nil
}

// enableExpiryEvents turns on keyevent notifications for expired keys so
// watchers hear about TTL expiry right away. Managed servers may refuse
// CONFIG; watches then fall back to ExpiryCheckInterval.
func (s *Store) enableExpiryEvents(ctx context.Context) {
	cur, err := s.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		s.log.Warn().Err(err).Msg("keyspace events unavailable, polling for expiry")
		return
	}
	flags := cur["notify-keyspace-events"]
	hasE := strings.ContainsAny(flags, "E")
	hasX := strings.ContainsAny(flags, "xA")
	if hasE && hasX {
		return
	}
	if !hasE {
		flags += "E"
	}
	if !hasX {
		flags += "x"
	}
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", flags).Err(); err != nil {
		s.log.Warn().Err(err).Msg("keyspace events unavailable, polling for expiry")
	}
}

// NewStore wraps an existing client
func NewStore(client *redis.Client, ttl time.Duration, log zerolog.Logger) *Store {
	done, cancel := context.WithCancel(context.Background())
	return &Store{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("module", "redis").Logger(),
		done:   done,
		cancel: cancel,
	}
}

// Close waits for watch goroutines and closes the Redis connection
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}

// Sessions returns the call session channel view of the store
func (s *Store) Sessions() *Sessions {
	return &Sessions{Store: s}
}

// Presence returns the presence index view of the store
func (s *Store) Presence() *Presence {
	return &Presence{Store: s}
}

// Sessions implements signaling.Channel
type Sessions struct {
	*Store
}

// Presence implements signaling.Presence
type Presence struct {
	*Store
}

// Client returns the underlying Redis client
func (s *Store) Client() *redis.Client {
	return s.client
}

func sessionKey(id string) string {
	return sessionPrefix + id
}

func presenceKey(userID string) string {
	return presencePrefix + userID
}

func (s *Store) expiredChannel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", s.client.Options().DB)
}

// watch subscribes to key's change channel and to expiry events, then runs
// deliver once and again for every change or expiry of key until ctx is
// done or stop is called.
func (s *Store) watch(ctx context.Context, key string, deliver func(ctx context.Context)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(s.done, cancel)
	expired := s.expiredChannel()
	sub := s.client.Subscribe(ctx, key, expired)
	fail := func(err error) (func(), error) {
		unlink()
		cancel()
		_ = sub.Close()
		return nil, err
	}

	// Wait for the subscription to be confirmed so no change published
	// after the initial read can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", key, err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fail(errClosed)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer unlink()
		defer sub.Close()

		ticker := time.NewTicker(ExpiryCheckInterval)
		defer ticker.Stop()

		ch := sub.Channel()
		present := s.exists(ctx, key)
		deliver(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := s.exists(ctx, key)
				if present && !now {
					deliver(ctx)
				}
				present = now
			case msg, ok := <-ch:
				if !ok {
					return
				}
				changed := false
				// Drain anything queued behind this message; one read covers them all.
				for {
					if msg.Channel == key || msg.Payload == key {
						changed = true
						present = msg.Channel == key
					}
					select {
					case msg, ok = <-ch:
						if !ok {
							return
						}
						continue
					default:
					}
					break
				}
				if changed {
					deliver(ctx)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *Store) exists(ctx context.Context, key string) bool {
	n, err := s.client.Exists(ctx, key).Result()
	// An unreadable key is not reported as gone.
	return err != nil || n > 0
}
