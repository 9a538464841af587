package media

import (
	"context"
	"testing"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *PionEngine {
	t.Helper()
	e, err := NewPionFactory(nil, zerolog.Nop()).NewEngine()
	require.NoError(t, err)
	pe := e.(*PionEngine)
	t.Cleanup(func() { _ = pe.Close() })
	return pe
}

func TestPionOfferAnswer(t *testing.T) {
	ctx := context.Background()
	caller := newEngine(t)
	callee := newEngine(t)

	require.NoError(t, caller.Acquire(ctx, models.MediaKindVideo))
	assert.Len(t, caller.Tracks(), 2)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")

	require.NoError(t, callee.Acquire(ctx, models.MediaKindVideo))
	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Contains(t, answer.SDP, "m=audio")

	require.NoError(t, caller.SetRemoteDescription(answer))
}

func TestPionAudioOnly(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	require.NoError(t, e.Acquire(ctx, models.MediaKindAudio))
	assert.Len(t, e.Tracks(), 1)

	offer, err := e.CreateOffer(ctx)
	require.NoError(t, err)
	assert.NotContains(t, offer.SDP, "m=video")
}

func TestPionCandidateBeforeRemoteDescription(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Acquire(context.Background(), models.MediaKindAudio))
	err := e.AddRemoteCandidate(models.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	assert.ErrorIs(t, err, ErrNoRemoteDesc)
}

func TestPionLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	_, err := e.CreateOffer(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, e.Acquire(ctx, models.MediaKind("hologram")), ErrUnsupported)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, e.Acquire(cancelled, models.MediaKindAudio), context.Canceled)

	require.NoError(t, e.Acquire(ctx, models.MediaKindAudio))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.CreateOffer(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Acquire(ctx, models.MediaKindAudio), ErrClosed)
}
