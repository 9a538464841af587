package calls

import (
	"context"
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
)

// incoming is a session discovered through the presence pointer that this
// agent does not own yet
type incoming struct {
	id string

	mu       sync.Mutex
	stop     func()
	surfaced bool
	dropped  bool

	// guarded by Manager.mu
	ringing *models.Event
	seq     uint64
}

// Run watches the local user's presence pointer and surfaces incoming calls
// until ctx is done. On return the active call, if any, is ended.
func (m *Manager) Run(ctx context.Context) error {
	stop, err := m.presence.Watch(ctx, m.self, func(p models.Presence) {
		m.discover(ctx, p.SessionID())
	})
	if err != nil {
		return storeError("watch presence", err)
	}
	m.log.Info().Msg("watching for incoming calls")

	<-ctx.Done()
	stop()
	m.shutdown(ctx)
	return nil
}

func (m *Manager) discover(ctx context.Context, id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	if (m.active != nil && m.active.id == id) || m.incoming[id] != nil {
		m.mu.Unlock()
		return
	}
	in := &incoming{id: id}
	m.incoming[id] = in
	m.mu.Unlock()

	stop, err := m.channel.Watch(ctx, id, func(s *models.CallSession) {
		m.onIncoming(in, s)
	})
	if err != nil {
		m.log.Error().Err(err).Str("session_id", id).Msg("watch incoming session")
		m.mu.Lock()
		if m.incoming[id] == in {
			delete(m.incoming, id)
		}
		m.mu.Unlock()
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.dropped {
		stop()
		return
	}
	in.stop = stop
}

// onIncoming surfaces a session while it is pending and addressed to us,
// and reports its end if it finishes before this agent answers it
func (m *Manager) onIncoming(in *incoming, s *models.CallSession) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.dropped {
		return
	}

	switch {
	case s == nil:
		m.log.Info().Str("session_id", in.id).Msg("incoming session expired")
		if in.surfaced {
			m.emit(models.CallEnded(in.id, models.EndReasonExpired))
		}
		m.clearOwn(in.id)
		m.forget(in)

	case s.CalleeID != m.self:
		m.forget(in)

	case s.Status == models.CallStatusPending:
		if in.surfaced {
			return
		}
		if m.busyWith(in.id) {
			m.declineBusy(in.id)
			return
		}
		in.surfaced = true
		ev := models.IncomingCall(s)
		m.mu.Lock()
		m.ringSeq++
		in.seq = m.ringSeq
		in.ringing = &ev
		m.mu.Unlock()
		m.log.Info().Str("session_id", in.id).Str("caller_id", s.CallerID).Str("kind", string(s.Kind)).Msg("incoming call")
		m.emit(ev)

	case s.Status == models.CallStatusAccepted:
		if in.surfaced && m.lookup(in.id) == nil {
			m.emit(models.CallEnded(in.id, models.EndReasonAnswered))
		}
		m.forget(in)

	default:
		if in.surfaced {
			m.emit(models.CallEnded(in.id, reasonOf(s)))
		}
		m.clearOwn(in.id)
		m.forget(in)
	}
}

func (m *Manager) busyWith(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.id != id
}

// declineBusy rejects a call that reached us while another one holds media
func (m *Manager) declineBusy(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := m.terminate(ctx, id, models.CallStatusRejected, models.EndReasonBusy, true); err != nil {
		m.log.Warn().Err(err).Str("session_id", id).Msg("decline while busy")
		return
	}
	m.log.Info().Str("session_id", id).Msg("declined incoming call, busy")
}

// forget stops watching a discovered session. Must be called with in.mu held.
func (m *Manager) forget(in *incoming) {
	in.dropped = true
	if in.stop != nil {
		in.stop()
	}
	m.mu.Lock()
	if m.incoming[in.id] == in {
		delete(m.incoming, in.id)
	}
	in.ringing = nil
	m.mu.Unlock()
}

// dropIncoming hands a discovered session over to its call
func (m *Manager) dropIncoming(id string) {
	m.mu.Lock()
	in := m.incoming[id]
	m.mu.Unlock()
	if in == nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.dropped {
		m.forget(in)
	}
}

func (m *Manager) shutdown(ctx context.Context) {
	m.mu.Lock()
	pending := make([]*incoming, 0, len(m.incoming))
	for _, in := range m.incoming {
		pending = append(pending, in)
	}
	c := m.active
	m.mu.Unlock()

	for _, in := range pending {
		in.mu.Lock()
		if !in.dropped {
			m.forget(in)
		}
		in.mu.Unlock()
	}

	if c != nil {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if err := c.hangup(cctx, models.CallStatusEnded, ""); err != nil {
			m.log.Warn().Err(err).Str("session_id", c.id).Msg("end call on shutdown")
		}
	}
}
