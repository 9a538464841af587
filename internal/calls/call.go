package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/negotiation"
	"github.com/rs/zerolog"
)

// call is the local side of one session. mu serializes every operation on
// it; ctx is cancelled as soon as a terminal status is observed so blocked
// work (media acquisition) gives up without waiting for mu.
type call struct {
	m    *Manager
	id   string
	role negotiation.Role
	peer string
	kind models.MediaKind
	log  zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	observed atomic.Pointer[string]

	latestMu sync.Mutex
	latest   *models.CallSession
	kick     chan struct{}

	mu        sync.Mutex
	engine    media.Engine
	neg       *negotiation.Engine
	stopWatch func()
	ring      *time.Timer
	ready     bool
	announce  bool
	started   bool
	done      bool

	infoMu    sync.Mutex
	status    models.CallStatus
	connected bool
}

func (m *Manager) newCall(id string, role negotiation.Role, peer string, kind models.MediaKind) *call {
	ctx, cancel := context.WithCancel(context.Background())
	return &call{
		m:      m,
		id:     id,
		role:   role,
		peer:   peer,
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		log:    m.log.With().Str("session_id", id).Str("role", role.String()).Logger(),
	}
}

func (c *call) direction() string {
	if c.role == negotiation.RoleCaller {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

func (c *call) info() CallInfo {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return CallInfo{
		SessionID: c.id,
		PeerID:    c.peer,
		Kind:      c.kind,
		Direction: c.direction(),
		Status:    c.status,
		Connected: c.connected,
	}
}

func (c *call) setStatus(s models.CallStatus) {
	c.infoMu.Lock()
	c.status = s
	c.infoMu.Unlock()
}

func (c *call) getStatus() models.CallStatus {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.status
}

// prepare creates the media engine and its negotiation engine
func (c *call) prepare() error {
	eng, err := c.m.media.NewEngine()
	if err != nil {
		return fmt.Errorf("%w: new engine: %w", ErrMediaAcquisition, err)
	}
	c.engine = eng
	c.neg = negotiation.New(c.m.self, c.role, c.m.channel, eng, c.log)
	eng.OnLocalCandidate(c.onLocalCandidate)
	eng.OnRemoteStream(c.onRemoteStream)
	eng.OnStateChange(c.onStateChange)
	return nil
}

// acquire captures local media; it aborts when either the request or the
// call is cancelled
func (c *call) acquire(ctx context.Context) error {
	actx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	err := c.engine.Acquire(actx, c.kind)
	metrics.ObserveAcquire(start)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}
	return nil
}

func (c *call) watch() error {
	stop, err := c.m.channel.Watch(c.ctx, c.id, c.onSnapshot)
	if err != nil {
		return err
	}
	c.stopWatch = stop
	go c.loop()
	return nil
}

func (c *call) startRing(timeout time.Duration) {
	if timeout <= 0 || c.role != negotiation.RoleCaller {
		return
	}
	c.ring = time.AfterFunc(timeout, c.ringExpired)
}

func (c *call) ringExpired() {
	if c.getStatus() != models.CallStatusPending || c.ctx.Err() != nil {
		return
	}
	c.log.Info().Msg("no answer, ending call")
	ctx, cancel := cleanupContext(context.Background())
	defer cancel()
	_ = c.end(ctx, models.CallStatusEnded, models.EndReasonNoAnswer, true)
}

func (c *call) markStarted() {
	if c.started {
		return
	}
	c.started = true
	metrics.RecordCallStarted(c.direction(), string(c.kind))
}

func (c *call) observe(reason string) {
	c.observed.CompareAndSwap(nil, &reason)
	c.cancel()
}

func (c *call) observedReason() string {
	if r := c.observed.Load(); r != nil {
		return *r
	}
	return models.EndReasonHangup
}

// onSnapshot runs on the watch goroutine. It never blocks on mu, so a
// terminal status always reaches cancel even while an operation holds the
// call; the snapshot itself is handed to loop.
func (c *call) onSnapshot(s *models.CallSession) {
	switch {
	case s == nil:
		c.observe(models.EndReasonExpired)
	case s.Status.Terminal():
		c.observe(reasonOf(s))
	}
	c.latestMu.Lock()
	c.latest = s
	c.latestMu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// loop applies snapshots in order of arrival, keeping only the newest
// pending one, and tears the call down once it is cancelled.
func (c *call) loop() {
	for {
		select {
		case <-c.kick:
			c.process()
		case <-c.ctx.Done():
			c.mu.Lock()
			c.teardown(c.observedReason())
			c.mu.Unlock()
			return
		}
	}
}

func (c *call) process() {
	c.latestMu.Lock()
	s := c.latest
	c.latest = nil
	c.latestMu.Unlock()
	if s == nil || c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	// Deliveries can be stale; only move the local view forward.
	if prev := c.getStatus(); prev.CanTransition(s.Status) {
		c.setStatus(s.Status)
		if s.Status == models.CallStatusAccepted && c.ring != nil {
			c.ring.Stop()
		}
	}
	if !c.ready {
		return
	}
	if err := c.neg.HandleSnapshot(c.ctx, s); err != nil && c.ctx.Err() == nil {
		c.log.Warn().Err(err).Msg("negotiation")
	}
}

func (c *call) onLocalCandidate(cand models.Candidate) {
	err := c.neg.AddLocalCandidate(c.ctx, cand)
	if err != nil && !errors.Is(err, negotiation.ErrClosed) && c.ctx.Err() == nil {
		c.log.Warn().Err(err).Msg("publish local candidate")
	}
}

func (c *call) onRemoteStream(s media.Stream) {
	if c.ctx.Err() != nil {
		return
	}
	c.m.emit(models.Event{
		Type:      models.EventTypeRemoteStreamAvailable,
		SessionID: c.id,
		PeerID:    c.peer,
		StreamID:  s.ID,
		TrackKind: s.TrackKind,
	})
}

func (c *call) onStateChange(s media.State) {
	switch s {
	case media.StateConnected:
		c.infoMu.Lock()
		first := !c.connected
		c.connected = true
		c.infoMu.Unlock()
		if first && c.ctx.Err() == nil {
			c.m.emit(models.Event{Type: models.EventTypeCallConnected, SessionID: c.id, PeerID: c.peer, Kind: c.kind})
		}
	case media.StateFailed:
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Msg("media transport failed, ending call")
		// State callbacks run on the transport's goroutine; teardown closes it.
		go func() {
			ctx, cancel := cleanupContext(context.Background())
			defer cancel()
			_ = c.end(ctx, models.CallStatusEnded, models.EndReasonFailed, false)
		}()
	}
}

// hangup is the user-driven Reject/End of this call
func (c *call) hangup(ctx context.Context, status models.CallStatus, reason string) error {
	return c.end(ctx, status, reason, status == models.CallStatusRejected)
}

// end writes the terminal status, then tears the call down. A lost race to
// another terminal writer is success; the winner's reason is reported.
func (c *call) end(ctx context.Context, status models.CallStatus, reason string, pendingOnly bool) error {
	rec, err := c.m.terminate(ctx, c.id, status, reason, pendingOnly)
	switch {
	case errors.Is(err, ErrSessionNotPending), errors.Is(err, ErrNotParty):
		return err
	case errors.Is(err, ErrStaleSession):
		reason, err = models.EndReasonExpired, nil
	case rec != nil && rec.EndReason != "":
		reason = rec.EndReason
	case reason == "":
		reason = models.EndReasonHangup
	}

	c.observe(reason)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown(c.observedReason())
	return err
}

// fail runs the compensating end for a call whose record may exist: the
// record is ended, both pointers cleared and local media released.
// Must be called with c.mu held.
func (c *call) fail(ctx context.Context, cause error) error {
	c.log.Error().Err(cause).Msg("call failed")
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if _, err := c.m.terminate(cctx, c.id, models.CallStatusEnded, models.EndReasonFailed, false); err != nil && !errors.Is(err, ErrStaleSession) {
		c.log.Warn().Err(err).Msg("compensating end")
	}
	c.observe(models.EndReasonFailed)
	c.teardown(c.observedReason())
	return cause
}

// teardown releases everything the call holds, once. Must be called with
// c.mu held.
func (c *call) teardown(reason string) {
	if c.done {
		return
	}
	c.done = true
	c.cancel()
	if c.ring != nil {
		c.ring.Stop()
	}
	if c.stopWatch != nil {
		c.stopWatch()
	}
	if c.neg != nil {
		c.neg.Close()
	}
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close media")
		}
	}
	c.m.release(c)
	c.m.clearOwn(c.id)

	if c.started {
		metrics.RecordCallEnded(reason)
	}
	if c.announce {
		c.m.emit(models.CallEnded(c.id, reason))
	}
	c.log.Info().Str("reason", reason).Msg("call torn down")
}
