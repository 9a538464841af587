package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const localStreamID = "local"

// PionFactory builds Engines backed by a pion PeerConnection
type PionFactory struct {
	config webrtc.Configuration
	log    zerolog.Logger
}

// NewPionFactory returns a factory using the given STUN/TURN urls
func NewPionFactory(iceServers []string, log zerolog.Logger) *PionFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{config: cfg, log: log.With().Str("module", "webrtc").Logger()}
}

// NewEngine returns an engine with no peer connection yet; Acquire creates it
func (f *PionFactory) NewEngine() (Engine, error) {
	return &PionEngine{config: f.config, log: f.log}, nil
}

// PionEngine implements Engine on a single PeerConnection.
// Local media is a set of static sample tracks the runtime can write into.
type PionEngine struct {
	config webrtc.Configuration
	log    zerolog.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	tracks []*webrtc.TrackLocalStaticSample
	closed bool

	onCandidate func(models.Candidate)
	onStream    func(Stream)
	onState     func(State)
}

// OnLocalCandidate registers the callback for gathered local candidates
func (e *PionEngine) OnLocalCandidate(fn func(models.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// OnRemoteStream registers the callback for remote tracks
func (e *PionEngine) OnRemoteStream(fn func(Stream)) {
	e.mu.Lock()
	e.onStream = fn
	e.mu.Unlock()
}

// OnStateChange registers the callback for connection state changes
func (e *PionEngine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// Tracks returns the local tracks created by Acquire
func (e *PionEngine) Tracks() []*webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*webrtc.TrackLocalStaticSample(nil), e.tracks...)
}

// Acquire creates the peer connection and adds local tracks for kind
func (e *PionEngine) Acquire(ctx context.Context, kind models.MediaKind) error {
	if !kind.Valid() {
		return ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.pc != nil {
		return nil
	}

	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	caps := []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeOpus}}
	if kind == models.MediaKindVideo {
		caps = append(caps, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
	}
	for i, c := range caps {
		track, err := webrtc.NewTrackLocalStaticSample(c, fmt.Sprintf("track-%d", i), localStreamID)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("new local track: %w", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return fmt.Errorf("add local track: %w", err)
		}
		e.tracks = append(e.tracks, track)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		cand := models.Candidate{Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			cand.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *ci.SDPMLineIndex
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(cand)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		e.mu.Lock()
		fn := e.onStream
		e.mu.Unlock()
		if fn != nil {
			fn(Stream{ID: track.StreamID(), TrackKind: track.Kind().String()})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		e.mu.Lock()
		fn := e.onState
		e.mu.Unlock()
		if fn != nil {
			fn(State(s.String()))
		}
	})

	e.pc = pc
	return nil
}

func (e *PionEngine) peer() (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.pc == nil {
		return nil, ErrNotAcquired
	}
	return e.pc, nil
}

// CreateOffer sets and returns the local offer
func (e *PionEngine) CreateOffer(ctx context.Context) (models.Description, error) {
	pc, err := e.peer()
	if err != nil {
		return models.Description{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return models.Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return models.Description{}, fmt.Errorf("set local offer: %w", err)
	}
	return models.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer answers the applied remote offer
func (e *PionEngine) CreateAnswer(ctx context.Context) (models.Description, error) {
	pc, err := e.peer()
	if err != nil {
		return models.Description{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return models.Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return models.Description{}, fmt.Errorf("set local answer: %w", err)
	}
	return models.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the peer's offer or answer
func (e *PionEngine) SetRemoteDescription(d models.Description) error {
	pc, err := e.peer()
	if err != nil {
		return err
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

// AddRemoteCandidate applies a candidate produced by the peer
func (e *PionEngine) AddRemoteCandidate(c models.Candidate) error {
	pc, err := e.peer()
	if err != nil {
		return err
	}
	if pc.RemoteDescription() == nil {
		return ErrNoRemoteDesc
	}
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	ci := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &idx}
	if mid != "" {
		ci.SDPMid = &mid
	}
	return pc.AddICECandidate(ci)
}

// Close stops the tracks and closes the peer connection. Safe to call twice.
func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pc := e.pc
	e.mu.Unlock()

	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		e.log.Error().Err(err).Msg("close error")
		return err
	}
	e.log.Info().Msg("closed")
	return nil
}
