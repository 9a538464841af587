// Package mediatest provides an in-memory media.Engine for tests.
package mediatest

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
)

// ErrDenied is a stand-in for a refused camera or microphone
var ErrDenied = errors.New("media access denied")

// Engine records every call made to it
type Engine struct {
	mu sync.Mutex

	AcquireErr  error
	AcquireGate chan struct{}
	Kind        models.MediaKind
	Acquired    bool
	Closed      bool
	CloseCount  int

	Remote  []models.Description
	Applied []models.Candidate
	Local   *models.Description

	onCandidate func(models.Candidate)
	onStream    func(media.Stream)
	onState     func(media.State)
}

var _ media.Engine = (*Engine)(nil)

func (e *Engine) Acquire(ctx context.Context, kind models.MediaKind) error {
	e.mu.Lock()
	gate := e.AcquireGate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Closed {
		return media.ErrClosed
	}
	if e.AcquireErr != nil {
		return e.AcquireErr
	}
	if !kind.Valid() {
		return media.ErrUnsupported
	}
	e.Kind = kind
	e.Acquired = true
	return nil
}

func (e *Engine) CreateOffer(ctx context.Context) (models.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Acquired {
		return models.Description{}, media.ErrNotAcquired
	}
	d := models.Description{Type: "offer", SDP: "v=0 offer " + string(e.Kind)}
	e.Local = &d
	return d, nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (models.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Acquired {
		return models.Description{}, media.ErrNotAcquired
	}
	if len(e.Remote) == 0 {
		return models.Description{}, media.ErrNoRemoteDesc
	}
	d := models.Description{Type: "answer", SDP: "v=0 answer " + string(e.Kind)}
	e.Local = &d
	return d, nil
}

func (e *Engine) SetRemoteDescription(d models.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Closed {
		return media.ErrClosed
	}
	e.Remote = append(e.Remote, d)
	return nil
}

func (e *Engine) AddRemoteCandidate(c models.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Closed {
		return media.ErrClosed
	}
	if len(e.Remote) == 0 {
		return media.ErrNoRemoteDesc
	}
	e.Applied = append(e.Applied, c)
	return nil
}

func (e *Engine) OnLocalCandidate(fn func(models.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *Engine) OnRemoteStream(fn func(media.Stream)) {
	e.mu.Lock()
	e.onStream = fn
	e.mu.Unlock()
}

func (e *Engine) OnStateChange(fn func(media.State)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = true
	e.CloseCount++
	return nil
}

// EmitCandidate simulates the transport gathering a local candidate
func (e *Engine) EmitCandidate(c models.Candidate) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitStream simulates a remote stream arriving
func (e *Engine) EmitStream(s media.Stream) {
	e.mu.Lock()
	fn := e.onStream
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitState simulates a transport state change
func (e *Engine) EmitState(s media.State) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// RemoteCount returns how many remote descriptions were applied
func (e *Engine) RemoteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Remote)
}

// AppliedCandidates returns a copy of the applied remote candidates
func (e *Engine) AppliedCandidates() []models.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Candidate(nil), e.Applied...)
}

// IsClosed reports whether Close was called
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Closed
}

// Closes returns how many times Close was called
func (e *Engine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CloseCount
}

// Factory hands out fake engines and remembers them in creation order
type Factory struct {
	mu      sync.Mutex
	Engines []*Engine
	// Prepare, when set, configures each engine before it is returned.
	Prepare func(*Engine)
}

func (f *Factory) NewEngine() (media.Engine, error) {
	e := &Engine{}
	f.mu.Lock()
	prepare := f.Prepare
	f.Engines = append(f.Engines, e)
	f.mu.Unlock()
	if prepare != nil {
		prepare(e)
	}
	return e, nil
}

// Last returns the most recently created engine, or nil
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Engines) == 0 {
		return nil
	}
	return f.Engines[len(f.Engines)-1]
}

// Count returns how many engines were created
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Engines)
}
