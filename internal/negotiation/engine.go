// Package negotiation turns the offer/answer pair and the append-only
// candidate list of a call record into calls on the media engine, applying
// each remote item exactly once per side.
package negotiation

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/rs/zerolog"
)

// Role says which description on the record is the remote one
type Role int

const (
	// RoleCaller wrote the offer and applies the answer
	RoleCaller Role = iota
	// RoleCallee applies the offer and writes the answer
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// ErrClosed is returned for work submitted after Close
var ErrClosed = errors.New("negotiation closed")

// Engine negotiates one call for one side
type Engine struct {
	self    string
	role    Role
	channel signaling.Channel
	media   media.Engine
	log     zerolog.Logger

	mu            sync.Mutex
	sessionID     string
	remoteApplied bool
	applied       map[int]struct{}
	pendingLocal  []models.Candidate
	closed        bool
}

// New creates an engine for self acting as role. Local candidates are
// buffered until Attach names the record they belong to.
func New(self string, role Role, channel signaling.Channel, m media.Engine, log zerolog.Logger) *Engine {
	return &Engine{
		self:    self,
		role:    role,
		channel: channel,
		media:   m,
		applied: make(map[int]struct{}),
		log:     log.With().Str("module", "negotiation").Str("role", role.String()).Logger(),
	}
}

// Attach binds the engine to sessionID and flushes buffered local candidates
func (e *Engine) Attach(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.sessionID = sessionID
	e.log = e.log.With().Str("session_id", sessionID).Logger()
	pending := e.pendingLocal
	e.pendingLocal = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return e.appendLocal(ctx, sessionID, pending)
}

// AddLocalCandidate publishes a candidate gathered by the local transport
func (e *Engine) AddLocalCandidate(ctx context.Context, c models.Candidate) error {
	c.ProducedBy = e.self
	c.Processed = false

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	id := e.sessionID
	if id == "" {
		e.pendingLocal = append(e.pendingLocal, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return e.appendLocal(ctx, id, []models.Candidate{c})
}

func (e *Engine) appendLocal(ctx context.Context, id string, cands []models.Candidate) error {
	return signaling.RetryOnce(ctx, "append candidates", func(ctx context.Context) error {
		_, err := e.channel.Update(ctx, id, func(s *models.CallSession) error {
			if s.Status.Terminal() {
				return signaling.ErrUnchanged
			}
			s.Candidates = append(s.Candidates, cands...)
			return nil
		})
		return err
	})
}

// ApplyRemote applies the peer's description once; later calls are no-ops
func (e *Engine) ApplyRemote(d *models.Description) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyRemoteLocked(d)
}

func (e *Engine) applyRemoteLocked(d *models.Description) (bool, error) {
	if e.closed {
		return false, ErrClosed
	}
	if d == nil || e.remoteApplied {
		return false, nil
	}
	if err := e.media.SetRemoteDescription(*d); err != nil {
		return false, err
	}
	e.remoteApplied = true
	e.log.Debug().Str("type", d.Type).Msg("remote description applied")
	return true, nil
}

// HandleSnapshot consumes one delivery of the call record. Deliveries may
// repeat or coalesce; peer candidates seen before the remote description
// stay unapplied and are replayed from the record once it lands.
func (e *Engine) HandleSnapshot(ctx context.Context, s *models.CallSession) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	remote := s.Answer
	if e.role == RoleCallee {
		remote = s.Offer
	}
	if _, err := e.applyRemoteLocked(remote); err != nil {
		e.mu.Unlock()
		return err
	}
	if !e.remoteApplied {
		e.log.Debug().Int("buffered", e.peerCandidates(s)).Msg("remote description pending, holding candidates")
		e.mu.Unlock()
		return nil
	}

	var toMark []int
	for i, c := range s.Candidates {
		if c.ProducedBy == e.self {
			continue
		}
		if _, ok := e.applied[i]; ok {
			continue
		}
		e.applied[i] = struct{}{}
		if c.Processed {
			continue
		}
		if err := e.media.AddRemoteCandidate(c); err != nil {
			e.log.Warn().Err(err).Int("index", i).Msg("remote candidate rejected")
		} else {
			metrics.CandidatesApplied.Inc()
		}
		toMark = append(toMark, i)
	}
	id := e.sessionID
	e.mu.Unlock()

	if len(toMark) == 0 || id == "" {
		return nil
	}
	return e.markProcessed(ctx, id, toMark)
}

func (e *Engine) peerCandidates(s *models.CallSession) int {
	n := 0
	for _, c := range s.Candidates {
		if c.ProducedBy != e.self {
			n++
		}
	}
	return n
}

// markProcessed flags the consumed entries on the authoritative record.
// The store's version check re-runs this against fresh state when the peer
// appended in between, so its entries are never lost.
func (e *Engine) markProcessed(ctx context.Context, id string, idx []int) error {
	return signaling.RetryOnce(ctx, "mark candidates", func(ctx context.Context) error {
		_, err := e.channel.Update(ctx, id, func(s *models.CallSession) error {
			changed := false
			for _, i := range idx {
				if i >= len(s.Candidates) {
					continue
				}
				c := &s.Candidates[i]
				if c.ProducedBy == e.self || c.Processed {
					continue
				}
				c.Processed = true
				changed = true
			}
			if !changed {
				return signaling.ErrUnchanged
			}
			return nil
		})
		return err
	})
}

// RemoteApplied reports whether the peer's description has been applied
func (e *Engine) RemoteApplied() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteApplied
}

// Close stops the engine; it does not close the media engine
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.pendingLocal = nil
	e.mu.Unlock()
}
