package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalls struct {
	mu       sync.Mutex
	current  *calls.CallInfo
	incoming *models.Event
	answered []string
	rejected []string
	ended    []string
	started  []string
	events   chan models.Event
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{events: make(chan models.Event, 8)}
}

func (f *fakeCalls) Start(_ context.Context, calleeID string, _ models.MediaKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, calleeID)
	return "s-" + calleeID, nil
}

func (f *fakeCalls) Answer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeCalls) Reject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, id)
	return nil
}

func (f *fakeCalls) End(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeCalls) Current() (calls.CallInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return calls.CallInfo{}, false
	}
	return *f.current, true
}

func (f *fakeCalls) Incoming() (models.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incoming == nil {
		return models.Event{}, false
	}
	return *f.incoming, true
}

func (f *fakeCalls) Events() <-chan models.Event { return f.events }

func TestIntentsWithoutCall(t *testing.T) {
	ctrl := New(newFakeCalls(), zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, ctrl.AnswerCall(ctx), ErrNoIncomingCall)
	assert.ErrorIs(t, ctrl.RejectCall(ctx), ErrNoIncomingCall)
	assert.ErrorIs(t, ctrl.EndCall(ctx), ErrNoActiveCall)

	st := ctrl.State()
	assert.Nil(t, st.Current)
	assert.Nil(t, st.Incoming)
}

func TestIntentsResolveSession(t *testing.T) {
	f := newFakeCalls()
	f.incoming = &models.Event{Type: models.EventTypeIncomingCall, SessionID: "in-1", CallerID: "alice"}
	f.current = &calls.CallInfo{SessionID: "cur-1", PeerID: "carol"}
	ctrl := New(f, zerolog.Nop())
	ctx := context.Background()

	id, err := ctrl.StartCall(ctx, "bob", models.MediaKindAudio)
	require.NoError(t, err)
	assert.Equal(t, "s-bob", id)
	require.NoError(t, ctrl.AnswerCall(ctx))
	require.NoError(t, ctrl.RejectCall(ctx))
	require.NoError(t, ctrl.EndCall(ctx))

	assert.Equal(t, []string{"bob"}, f.started)
	assert.Equal(t, []string{"in-1"}, f.answered)
	assert.Equal(t, []string{"in-1"}, f.rejected)
	assert.Equal(t, []string{"cur-1"}, f.ended)

	st := ctrl.State()
	require.NotNil(t, st.Current)
	require.NotNil(t, st.Incoming)
	assert.Equal(t, "cur-1", st.Current.SessionID)
	assert.Equal(t, "alice", st.Incoming.CallerID)
}

func TestEventsFanOut(t *testing.T) {
	f := newFakeCalls()
	ctrl := New(f, zerolog.Nop())
	sub, unsubscribe := ctrl.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	f.events <- models.CallEnded("s-1", models.EndReasonHangup)

	for _, ch := range []<-chan models.Event{ctrl.Events(), sub} {
		select {
		case ev := <-ch:
			assert.Equal(t, models.EventTypeCallEnded, ev.Type)
			assert.Equal(t, "s-1", ev.SessionID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubscribe()
	unsubscribe()
	_, open := <-sub
	assert.False(t, open)

	f.events <- models.CallEnded("s-2", models.EndReasonHangup)
	select {
	case ev := <-ctrl.Events():
		assert.Equal(t, "s-2", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered after unsubscribe")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	ctrl := New(newFakeCalls(), zerolog.Nop())
	sub, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		ctrl.broadcast(models.CallEnded("s", models.EndReasonHangup))
	}
	assert.Len(t, sub, subscriberBuffer)
	assert.Len(t, ctrl.Events(), subscriberBuffer)
}
