package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/call-signaling/internal/media/mediatest"
	"github.com/mossy-p/call-signaling/internal/memstore"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func init() {
	signaling.RetryDelay = time.Millisecond
}

var errFlaky = errors.New("connection reset")

// flakyChannel fails the next N Create calls with a transient error
type flakyChannel struct {
	signaling.Channel
	mu          sync.Mutex
	createFails int
	createCalls int
	landAndFail bool
}

func (f *flakyChannel) Create(ctx context.Context, s *models.CallSession) error {
	f.mu.Lock()
	f.createCalls++
	fail := f.createFails > 0
	if fail {
		f.createFails--
	}
	land := f.landAndFail
	f.mu.Unlock()
	if fail {
		if land {
			if err := f.Channel.Create(ctx, s); err != nil {
				return err
			}
		}
		return errFlaky
	}
	return f.Channel.Create(ctx, s)
}

// flakyPresence fails the next N Set calls
type flakyPresence struct {
	signaling.Presence
	mu       sync.Mutex
	setFails int
	setCalls int
}

func (f *flakyPresence) Set(ctx context.Context, id string, users ...string) error {
	f.mu.Lock()
	f.setCalls++
	fail := f.setFails > 0
	if fail {
		f.setFails--
	}
	f.mu.Unlock()
	if fail {
		return errFlaky
	}
	return f.Presence.Set(ctx, id, users...)
}

type harness struct {
	store    *memstore.Store
	channel  signaling.Channel
	presence signaling.Presence
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	return &harness{store: st, channel: st.Sessions(), presence: st.Presence()}
}

type agent struct {
	*Manager
	factory *mediatest.Factory
}

type agentOption func(*agentConfig)

type agentConfig struct {
	opts     Options
	channel  signaling.Channel
	presence signaling.Presence
	prepare  func(*mediatest.Engine)
}

func withOptions(o Options) agentOption {
	return func(c *agentConfig) { c.opts = o }
}

func withChannel(ch signaling.Channel) agentOption {
	return func(c *agentConfig) { c.channel = ch }
}

func withPresence(p signaling.Presence) agentOption {
	return func(c *agentConfig) { c.presence = p }
}

func withMedia(fn func(*mediatest.Engine)) agentOption {
	return func(c *agentConfig) { c.prepare = fn }
}

// agent starts a manager for user and runs its discovery loop until cleanup
func (h *harness) agent(t *testing.T, user string, options ...agentOption) *agent {
	t.Helper()
	cfg := agentConfig{channel: h.channel, presence: h.presence}
	for _, o := range options {
		o(&cfg)
	}
	factory := &mediatest.Factory{Prepare: cfg.prepare}
	m := NewManager(user, cfg.channel, cfg.presence, factory, cfg.opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &agent{Manager: m, factory: factory}
}

// expect waits for the next event of type typ, skipping others
func (a *agent) expect(t *testing.T, typ models.EventType) models.Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-a.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s: no %s event", a.Self(), typ)
			return models.Event{}
		}
	}
}

func (h *harness) session(t *testing.T, id string) *models.CallSession {
	t.Helper()
	s, err := h.channel.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) pointer(t *testing.T, user string) string {
	t.Helper()
	p, err := h.presence.Get(context.Background(), user)
	require.NoError(t, err)
	return p.SessionID()
}

func (h *harness) eventuallyCleared(t *testing.T, users ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, u := range users {
			if h.pointer(t, u) != "" {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func fixedID(id string) Options {
	return Options{NewID: func() string { return id }}
}
