// Package controller is the consumer-facing surface of the call core: it
// resolves "the current call" for the UI and fans events out to listeners.
package controller

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

var (
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoActiveCall   = errors.New("no active call")
)

const subscriberBuffer = 64

// Calls is the part of calls.Manager the controller drives
type Calls interface {
	Start(ctx context.Context, calleeID string, kind models.MediaKind) (string, error)
	Answer(ctx context.Context, sessionID string) error
	Reject(ctx context.Context, sessionID string) error
	End(ctx context.Context, sessionID string) error
	Current() (calls.CallInfo, bool)
	Incoming() (models.Event, bool)
	Events() <-chan models.Event
}

// State is what the UI needs to render the call surface
type State struct {
	Current  *calls.CallInfo `json:"current"`
	Incoming *models.Event   `json:"incoming"`
}

// Controller maps user intents onto the call manager
type Controller struct {
	calls Calls
	log   zerolog.Logger

	mu      sync.Mutex
	subs    map[chan models.Event]struct{}
	primary <-chan models.Event
}

// New creates a controller. Run must be started to deliver events.
func New(c Calls, log zerolog.Logger) *Controller {
	ctrl := &Controller{
		calls: c,
		log:   log.With().Str("module", "controller").Logger(),
		subs:  make(map[chan models.Event]struct{}),
	}
	ctrl.primary, _ = ctrl.Subscribe()
	return ctrl
}

// StartCall places a call
func (c *Controller) StartCall(ctx context.Context, calleeID string, kind models.MediaKind) (string, error) {
	return c.calls.Start(ctx, calleeID, kind)
}

// AnswerCall accepts the currently surfaced incoming call
func (c *Controller) AnswerCall(ctx context.Context) error {
	ev, ok := c.calls.Incoming()
	if !ok {
		return ErrNoIncomingCall
	}
	return c.calls.Answer(ctx, ev.SessionID)
}

// RejectCall declines the currently surfaced incoming call
func (c *Controller) RejectCall(ctx context.Context) error {
	ev, ok := c.calls.Incoming()
	if !ok {
		return ErrNoIncomingCall
	}
	return c.calls.Reject(ctx, ev.SessionID)
}

// EndCall terminates the active or negotiating call
func (c *Controller) EndCall(ctx context.Context) error {
	info, ok := c.calls.Current()
	if !ok {
		return ErrNoActiveCall
	}
	return c.calls.End(ctx, info.SessionID)
}

// State returns the current call and the ringing incoming call
func (c *Controller) State() State {
	var st State
	if info, ok := c.calls.Current(); ok {
		st.Current = &info
	}
	if ev, ok := c.calls.Incoming(); ok {
		st.Incoming = &ev
	}
	return st
}

// Events delivers every call event to the embedding runtime
func (c *Controller) Events() <-chan models.Event {
	return c.primary
}

// Subscribe registers an additional listener. The returned func removes it
// and closes the channel.
func (c *Controller) Subscribe() (<-chan models.Event, func()) {
	ch := make(chan models.Event, subscriberBuffer)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Run forwards manager events to subscribers until ctx is done
func (c *Controller) Run(ctx context.Context) {
	src := c.calls.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-src:
			c.broadcast(ev)
		}
	}
}

func (c *Controller) broadcast(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn().Str("type", string(ev.Type)).Msg("subscriber buffer full, event dropped")
		}
	}
}
