// Package media defines the capture/transport primitive the call core drives.
package media

import (
	"context"
	"errors"

	"github.com/mossy-p/call-signaling/internal/models"
)

// State is the transport connection state reported by an Engine
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Stream describes a remote stream delivered by the transport
type Stream struct {
	ID        string
	TrackKind string
}

var (
	ErrClosed       = errors.New("media engine closed")
	ErrNotAcquired  = errors.New("local media not acquired")
	ErrUnsupported  = errors.New("unsupported media kind")
	ErrNoRemoteDesc = errors.New("remote description not set")
)

// Engine owns the local media and the transport of a single call.
// Callbacks must be registered before Acquire.
type Engine interface {
	// Acquire captures local media of the given kind and prepares the transport.
	Acquire(ctx context.Context, kind models.MediaKind) error
	CreateOffer(ctx context.Context) (models.Description, error)
	CreateAnswer(ctx context.Context) (models.Description, error)
	SetRemoteDescription(d models.Description) error
	AddRemoteCandidate(c models.Candidate) error

	OnLocalCandidate(fn func(models.Candidate))
	OnRemoteStream(fn func(Stream))
	OnStateChange(fn func(State))

	// Close releases local media and closes the transport. Safe to call twice.
	Close() error
}

// Factory creates one Engine per call
type Factory interface {
	NewEngine() (Engine, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func() (Engine, error)

func (f FactoryFunc) NewEngine() (Engine, error) { return f() }
