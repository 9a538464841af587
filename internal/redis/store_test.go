package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewStore(client, time.Hour, zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func newSession(id string) *models.CallSession {
	return models.NewCallSession(id, "alice", "bob", models.MediaKindVideo,
		models.Description{Type: "offer", SDP: "v=0"}, time.Now().UTC())
}

func TestSessionCreateGet(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	sessions := st.Sessions()

	sess := newSession("s1")
	require.NoError(t, sessions.Create(ctx, sess))
	assert.Equal(t, int64(1), sess.Version)

	got, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "alice", got.CallerID)
	assert.Equal(t, models.CallStatusPending, got.Status)
	assert.Equal(t, "v=0", got.Offer.SDP)
	assert.Nil(t, got.Answer)

	assert.True(t, mr.TTL("call:s1") > 0)

	err = sessions.Create(ctx, newSession("s1"))
	assert.ErrorIs(t, err, signaling.ErrExists)

	_, err = sessions.Get(ctx, "missing")
	assert.ErrorIs(t, err, signaling.ErrNotFound)
}

func TestSessionRecordWireFormat(t *testing.T) {
	st, mr := newTestStore(t)
	require.NoError(t, st.Sessions().Create(context.Background(), newSession("s1")))

	raw, err := mr.Get("call:s1")
	require.NoError(t, err)
	for _, field := range []string{`"caller":"alice"`, `"callee":"bob"`, `"status":"pending"`, `"type":"video"`, `"answer":null`, `"iceCandidates":[]`} {
		assert.Contains(t, raw, field)
	}
}

func TestSessionUpdate(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	sessions := st.Sessions()
	require.NoError(t, sessions.Create(ctx, newSession("s1")))

	updated, err := sessions.Update(ctx, "s1", func(s *models.CallSession) error {
		s.Answer = &models.Description{Type: "answer", SDP: "v=0"}
		return s.Transition(models.CallStatusAccepted)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, models.CallStatusAccepted, updated.Status)

	same, err := sessions.Update(ctx, "s1", func(*models.CallSession) error { return signaling.ErrUnchanged })
	require.NoError(t, err)
	assert.Equal(t, int64(2), same.Version)

	_, err = sessions.Update(ctx, "s1", func(s *models.CallSession) error {
		return s.Transition(models.CallStatusPending)
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	var abort *signaling.AbortError
	assert.True(t, errors.As(err, &abort))

	_, err = sessions.Update(ctx, "missing", func(*models.CallSession) error { return nil })
	assert.ErrorIs(t, err, signaling.ErrNotFound)
}

func TestSessionConcurrentAppendsAreNotLost(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	sessions := st.Sessions()
	require.NoError(t, sessions.Create(ctx, newSession("s1")))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := sessions.Update(ctx, "s1", func(s *models.CallSession) error {
				s.Candidates = append(s.Candidates, models.Candidate{
					Candidate:  "candidate:" + string(rune('a'+i)),
					ProducedBy: "alice",
				})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Candidates, writers)
	assert.Equal(t, int64(writers+1), got.Version)
}

func TestSessionWatch(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	sessions := st.Sessions()
	require.NoError(t, sessions.Create(ctx, newSession("s1")))

	var mu sync.Mutex
	var seen []*models.CallSession
	stop, err := sessions.Watch(ctx, "s1", func(s *models.CallSession) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	last := func() *models.CallSession {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return &models.CallSession{}
		}
		return seen[len(seen)-1]
	}

	require.Eventually(t, func() bool { return last().Status == models.CallStatusPending }, time.Second, 10*time.Millisecond)

	_, err = sessions.Update(ctx, "s1", func(s *models.CallSession) error {
		return s.Terminate(models.CallStatusRejected, "bob", models.EndReasonRejected)
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return last().Status == models.CallStatusRejected }, time.Second, 10*time.Millisecond)

	mr.Del("call:s1")
	require.NoError(t, st.Client().Publish(ctx, "call:s1", 0).Err())
	require.Eventually(t, func() bool { return last() == nil }, time.Second, 10*time.Millisecond)
}

func TestPresenceSetClear(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	presence := st.Presence()

	p, err := presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "", p.SessionID())

	require.NoError(t, presence.Set(ctx, "s1", "alice", "bob"))
	for _, u := range []string{"alice", "bob"} {
		p, err := presence.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, "s1", p.SessionID())
		assert.True(t, p.InCall)
	}

	// A pointer naming another session survives a compare-and-clear.
	require.NoError(t, presence.Set(ctx, "s2", "bob"))
	require.NoError(t, presence.Clear(ctx, "s1", "alice", "bob"))

	p, err = presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "", p.SessionID())
	assert.False(t, p.InCall)

	p, err = presence.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "s2", p.SessionID())

	// Idempotent
	require.NoError(t, presence.Clear(ctx, "s1", "alice", "bob"))
	require.NoError(t, presence.Clear(ctx, "", "bob"))
	p, err = presence.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "", p.SessionID())
}

func TestPresenceWatch(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	presence := st.Presence()

	var mu sync.Mutex
	current := "unset"
	stop, err := presence.Watch(ctx, "bob", func(p models.Presence) {
		mu.Lock()
		current = p.SessionID()
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	get := func() string {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	require.Eventually(t, func() bool { return get() == "" }, time.Second, 10*time.Millisecond)

	require.NoError(t, presence.Set(ctx, "s9", "alice", "bob"))
	require.Eventually(t, func() bool { return get() == "s9" }, time.Second, 10*time.Millisecond)

	require.NoError(t, presence.Clear(ctx, "s9", "alice", "bob"))
	require.Eventually(t, func() bool { return get() == "" }, time.Second, 10*time.Millisecond)
}

// watchSession records every delivery for id and reports whether the most
// recent one was the record going away
func watchSession(t *testing.T, sessions *Sessions, id string) (delivered func() int, gone func() bool) {
	t.Helper()
	var mu sync.Mutex
	var seen []*models.CallSession
	stop, err := sessions.Watch(context.Background(), id, func(s *models.CallSession) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(stop)

	delivered = func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}
	gone = func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == nil
	}
	return delivered, gone
}

func withExpiryCheck(t *testing.T, d time.Duration) {
	t.Helper()
	prev := ExpiryCheckInterval
	ExpiryCheckInterval = d
	t.Cleanup(func() { ExpiryCheckInterval = prev })
}

func TestSessionWatchSeesTTLExpiry(t *testing.T) {
	withExpiryCheck(t, 20*time.Millisecond)
	st, mr := newTestStore(t)
	sessions := st.Sessions()
	require.NoError(t, sessions.Create(context.Background(), newSession("s1")))

	delivered, gone := watchSession(t, sessions, "s1")
	require.Eventually(t, func() bool { return delivered() > 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, gone())

	mr.FastForward(2 * time.Hour)
	_, err := sessions.Get(context.Background(), "s1")
	require.ErrorIs(t, err, signaling.ErrNotFound)

	require.Eventually(t, gone, time.Second, 5*time.Millisecond)
	n := delivered()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, delivered(), "expiry is delivered once")
}

func TestSessionWatchSeesExpiryEvent(t *testing.T) {
	withExpiryCheck(t, time.Hour)
	st, mr := newTestStore(t)
	sessions := st.Sessions()
	require.NoError(t, sessions.Create(context.Background(), newSession("s1")))
	require.NoError(t, sessions.Create(context.Background(), newSession("s2")))

	delivered, gone := watchSession(t, sessions, "s1")
	require.Eventually(t, func() bool { return delivered() > 0 }, time.Second, 5*time.Millisecond)

	// Another key expiring is not a change to s1.
	mr.Del("call:s2")
	mr.Publish(st.expiredChannel(), "call:s2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, delivered())

	mr.Del("call:s1")
	mr.Publish(st.expiredChannel(), "call:s1")
	require.Eventually(t, gone, time.Second, 5*time.Millisecond)
}

func TestCloseWhileWatchesStart(t *testing.T) {
	st, _ := newTestStore(t)
	presence := st.Presence()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop, err := presence.Watch(context.Background(), "alice", func(models.Presence) {})
			if err == nil {
				stop()
			}
		}()
	}
	require.NoError(t, st.Close())
	wg.Wait()

	_, err := presence.Watch(context.Background(), "alice", func(models.Presence) {})
	assert.Error(t, err)
}
