// Package calls runs the call session state machine for one local user:
// placing, answering, rejecting and ending calls over the shared record,
// and discovering incoming calls through the user's presence pointer.
package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/negotiation"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/rs/zerolog"
)

const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"

	defaultEventBuffer = 32
	cleanupTimeout     = 5 * time.Second
)

// Options tunes a Manager. Zero values pick defaults.
type Options struct {
	// RingTimeout ends an unanswered outgoing call. Zero disables it.
	RingTimeout time.Duration
	EventBuffer int
	Now         func() time.Time
	NewID       func() string
}

// CallInfo describes the call currently holding local media
type CallInfo struct {
	SessionID string            `json:"sessionId"`
	PeerID    string            `json:"peerId"`
	Kind      models.MediaKind  `json:"kind"`
	Direction string            `json:"direction"`
	Status    models.CallStatus `json:"status"`
	Connected bool              `json:"connected"`
}

// Manager owns the local side of every call for one user.
// At most one call holds local media at a time.
type Manager struct {
	self     string
	channel  signaling.Channel
	presence signaling.Presence
	media    media.Factory
	opts     Options
	log      zerolog.Logger
	events   chan models.Event

	mu       sync.Mutex
	active   *call
	incoming map[string]*incoming
	ringSeq  uint64
}

// NewManager creates a manager acting for self
func NewManager(self string, channel signaling.Channel, presence signaling.Presence, factory media.Factory, opts Options, log zerolog.Logger) *Manager {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{
		self:     self,
		channel:  channel,
		presence: presence,
		media:    factory,
		opts:     opts,
		log:      log.With().Str("module", "calls").Str("user_id", self).Logger(),
		events:   make(chan models.Event, opts.EventBuffer),
		incoming: make(map[string]*incoming),
	}
}

// Self returns the local user id
func (m *Manager) Self() string { return m.self }

// Events delivers IncomingCall, RemoteStreamAvailable, CallConnected and CallEnded
func (m *Manager) Events() <-chan models.Event { return m.events }

func (m *Manager) emit(ev models.Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Str("type", string(ev.Type)).Str("session_id", ev.SessionID).Msg("event dropped, consumer not keeping up")
	}
}

// Current returns the call holding local media, if any
func (m *Manager) Current() (CallInfo, bool) {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil {
		return CallInfo{}, false
	}
	return c.info(), true
}

// Incoming returns the most recently surfaced incoming call still ringing
func (m *Manager) Incoming() (models.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *incoming
	for _, in := range m.incoming {
		if in.ringing != nil && (latest == nil || in.seq > latest.seq) {
			latest = in
		}
	}
	if latest == nil {
		return models.Event{}, false
	}
	return *latest.ringing, true
}

// Start places a call to calleeID and returns the new session id.
// Local media is acquired before anything is written, so a media failure
// leaves no record behind.
func (m *Manager) Start(ctx context.Context, calleeID string, kind models.MediaKind) (string, error) {
	if calleeID == "" || calleeID == m.self {
		return "", ErrInvalidPeer
	}
	if !kind.Valid() {
		return "", fmt.Errorf("start call: %w", models.ErrUnknownMediaKind)
	}

	c, err := m.reserve(m.opts.NewID(), negotiation.RoleCaller, calleeID, kind)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := m.checkCallee(ctx, calleeID); err != nil {
		c.teardown(models.EndReasonCancelled)
		return "", err
	}
	if err := c.prepare(); err != nil {
		c.teardown(models.EndReasonFailed)
		return "", err
	}
	if err := c.acquire(ctx); err != nil {
		c.teardown(models.EndReasonFailed)
		return "", err
	}
	offer, err := c.engine.CreateOffer(ctx)
	if err != nil {
		c.teardown(models.EndReasonFailed)
		return "", fmt.Errorf("%w: create offer: %w", ErrMediaAcquisition, err)
	}

	sess := models.NewCallSession(c.id, m.self, calleeID, kind, offer, m.opts.Now())
	if err := sess.Validate(); err != nil {
		c.teardown(models.EndReasonFailed)
		return "", fmt.Errorf("start call: %w", err)
	}
	if err := m.create(ctx, sess); err != nil {
		c.teardown(models.EndReasonFailed)
		return "", err
	}

	// From here on the record exists; failures end it and clear pointers.
	if err := c.neg.Attach(ctx, c.id); err != nil {
		return "", c.fail(ctx, storeError("publish candidates", err))
	}
	err = signaling.RetryOnce(ctx, "set presence", func(ctx context.Context) error {
		return m.presence.Set(ctx, c.id, m.self, calleeID)
	})
	if err != nil {
		return "", c.fail(ctx, storeError("set presence", err))
	}
	if c.ctx.Err() != nil {
		return "", c.fail(ctx, fmt.Errorf("start call: %w", ErrSessionNotPending))
	}

	c.setStatus(models.CallStatusPending)
	c.ready = true
	if err := c.watch(); err != nil {
		return "", c.fail(ctx, storeError("watch session", err))
	}
	c.startRing(m.opts.RingTimeout)
	c.announce = true
	c.markStarted()

	c.log.Info().Str("callee_id", calleeID).Str("kind", string(kind)).Msg("call placed")
	return c.id, nil
}

// Answer accepts a pending call addressed to the local user. A terminal
// status observed at any point before the accept write lands wins: media
// acquired so far is released and ErrSessionNotPending is returned.
func (m *Manager) Answer(ctx context.Context, sessionID string) error {
	rec, err := m.get(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.CalleeID != m.self {
		return ErrNotParty
	}
	if rec.Status != models.CallStatusPending {
		return ErrSessionNotPending
	}

	c, err := m.reserve(sessionID, negotiation.RoleCallee, rec.CallerID, rec.Kind)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setStatus(models.CallStatusPending)
	if err := c.watch(); err != nil {
		c.teardown(models.EndReasonFailed)
		return storeError("watch session", err)
	}
	// The call's own watch replaces the discovery watch and reports the end.
	m.dropIncoming(sessionID)
	c.announce = true

	if err := c.prepare(); err != nil {
		return c.fail(ctx, err)
	}
	if err := c.acquire(ctx); err != nil {
		if c.ctx.Err() != nil && ctx.Err() == nil {
			c.teardown(c.observedReason())
			return ErrSessionNotPending
		}
		return c.fail(ctx, err)
	}
	if _, err := c.neg.ApplyRemote(rec.Offer); err != nil {
		return c.fail(ctx, fmt.Errorf("%w: apply offer: %w", ErrMediaAcquisition, err))
	}
	answer, err := c.engine.CreateAnswer(ctx)
	if err != nil {
		return c.fail(ctx, fmt.Errorf("%w: create answer: %w", ErrMediaAcquisition, err))
	}

	updated, err := m.accept(ctx, sessionID, answer)
	switch {
	case errors.Is(err, ErrSessionNotPending):
		c.teardown(c.observedReason())
		return err
	case errors.Is(err, ErrStaleSession):
		c.teardown(models.EndReasonExpired)
		return err
	case err != nil:
		return c.fail(ctx, err)
	}

	c.setStatus(models.CallStatusAccepted)
	c.ready = true
	c.markStarted()
	metrics.CallsAnswered.Inc()

	if err := c.neg.Attach(ctx, sessionID); err != nil {
		c.log.Warn().Err(err).Msg("flush local candidates")
	}
	if err := c.neg.HandleSnapshot(c.ctx, updated); err != nil {
		c.log.Warn().Err(err).Msg("apply caller candidates")
	}
	c.log.Info().Str("caller_id", rec.CallerID).Msg("call answered")
	return nil
}

// Reject declines a pending session. Rejecting a session that is already
// rejected or ended succeeds; rejecting an accepted one does not.
func (m *Manager) Reject(ctx context.Context, sessionID string) error {
	if c := m.lookup(sessionID); c != nil {
		return c.hangup(ctx, models.CallStatusRejected, "")
	}
	_, err := m.terminate(ctx, sessionID, models.CallStatusRejected, "", true)
	return err
}

// End terminates a pending or accepted session and releases local media.
// Ending an already terminal or expired session succeeds.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	if c := m.lookup(sessionID); c != nil {
		return c.hangup(ctx, models.CallStatusEnded, "")
	}
	_, err := m.terminate(ctx, sessionID, models.CallStatusEnded, "", false)
	if errors.Is(err, ErrStaleSession) {
		return nil
	}
	return err
}

func (m *Manager) reserve(id string, role negotiation.Role, peer string, kind models.MediaKind) (*call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, ErrBusy
	}
	c := m.newCall(id, role, peer, kind)
	m.active = c
	return c, nil
}

func (m *Manager) release(c *call) {
	m.mu.Lock()
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(id string) *call {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.id == id {
		return m.active
	}
	return nil
}

// checkCallee refuses callees whose pointer names a live session.
// A pointer left at a finished or expired session does not count.
func (m *Manager) checkCallee(ctx context.Context, calleeID string) error {
	var p models.Presence
	err := signaling.RetryOnce(ctx, "get presence", func(ctx context.Context) error {
		var err error
		p, err = m.presence.Get(ctx, calleeID)
		return err
	})
	if err != nil {
		return storeError("check callee", err)
	}
	id := p.SessionID()
	if id == "" {
		return nil
	}
	rec, err := m.get(ctx, id)
	if errors.Is(err, ErrStaleSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status.Active() {
		return ErrCalleeBusy
	}
	return nil
}

func (m *Manager) get(ctx context.Context, id string) (*models.CallSession, error) {
	var rec *models.CallSession
	err := signaling.RetryOnce(ctx, "get session", func(ctx context.Context) error {
		var err error
		rec, err = m.channel.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeError("get session", err)
	}
	return rec, nil
}

func (m *Manager) create(ctx context.Context, sess *models.CallSession) error {
	attempt := 0
	err := signaling.RetryOnce(ctx, "create session", func(ctx context.Context) error {
		attempt++
		err := m.channel.Create(ctx, sess)
		// The first attempt may have landed before its error came back.
		if attempt > 1 && errors.Is(err, signaling.ErrExists) {
			return nil
		}
		return err
	})
	if err != nil {
		return storeError("create session", err)
	}
	return nil
}

// accept writes the answer and the accepted status in one conditional update
func (m *Manager) accept(ctx context.Context, id string, answer models.Description) (*models.CallSession, error) {
	var rec *models.CallSession
	err := signaling.RetryOnce(ctx, "accept session", func(ctx context.Context) error {
		r, err := m.channel.Update(ctx, id, func(s *models.CallSession) error {
			if s.CalleeID != m.self {
				return ErrNotParty
			}
			if s.Status == models.CallStatusAccepted && s.Answer != nil && *s.Answer == answer {
				return signaling.ErrUnchanged
			}
			if s.Status != models.CallStatusPending {
				return ErrSessionNotPending
			}
			s.Answer = &answer
			return s.Transition(models.CallStatusAccepted)
		})
		rec = r
		return err
	})
	if err != nil {
		return nil, storeError("accept session", err)
	}
	metrics.RecordTransition(string(models.CallStatusPending), string(models.CallStatusAccepted))
	return rec, nil
}

// terminate writes a terminal status and clears both parties' pointers in
// one compare-and-clear. A record that is already terminal is left as is
// and counts as success.
func (m *Manager) terminate(ctx context.Context, id string, status models.CallStatus, reason string, pendingOnly bool) (*models.CallSession, error) {
	var rec *models.CallSession
	var from models.CallStatus
	err := signaling.RetryOnce(ctx, "terminate session", func(ctx context.Context) error {
		r, err := m.channel.Update(ctx, id, func(s *models.CallSession) error {
			from = ""
			if !s.IsParty(m.self) {
				return ErrNotParty
			}
			if s.Status.Terminal() {
				return signaling.ErrUnchanged
			}
			if pendingOnly && s.Status != models.CallStatusPending {
				return ErrSessionNotPending
			}
			why := reason
			if why == "" {
				why = defaultReason(s.Status, status)
			}
			from = s.Status
			return s.Terminate(status, m.self, why)
		})
		rec = r
		return err
	})
	if err != nil {
		return nil, storeError("terminate session", err)
	}
	if from != "" {
		metrics.RecordTransition(string(from), string(status))
		m.log.Info().Str("session_id", id).Str("status", string(status)).Str("reason", rec.EndReason).Msg("session terminated")
	}

	err = signaling.RetryOnce(ctx, "clear presence", func(ctx context.Context) error {
		return m.presence.Clear(ctx, id, rec.CallerID, rec.CalleeID)
	})
	if err != nil {
		return rec, storeError("clear presence", err)
	}
	return rec, nil
}

func defaultReason(from, to models.CallStatus) string {
	switch {
	case to == models.CallStatusRejected:
		return models.EndReasonRejected
	case from == models.CallStatusPending:
		return models.EndReasonCancelled
	default:
		return models.EndReasonHangup
	}
}

// reasonOf reads the end reason off a terminal record
func reasonOf(s *models.CallSession) string {
	if s.EndReason != "" {
		return s.EndReason
	}
	if s.Status == models.CallStatusRejected {
		return models.EndReasonRejected
	}
	return models.EndReasonHangup
}

func (m *Manager) clearOwn(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.presence.Clear(ctx, id, m.self); err != nil {
		m.log.Warn().Err(err).Str("session_id", id).Msg("clear own presence")
	}
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
