package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStatusTransitions(t *testing.T) {
	all := []CallStatus{CallStatusPending, CallStatusAccepted, CallStatusRejected, CallStatusEnded}

	allowed := map[CallStatus][]CallStatus{
		CallStatusPending:  {CallStatusAccepted, CallStatusRejected, CallStatusEnded},
		CallStatusAccepted: {CallStatusEnded},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	for _, terminal := range []CallStatus{CallStatusRejected, CallStatusEnded} {
		s := &CallSession{Status: terminal}
		for _, next := range []CallStatus{CallStatusPending, CallStatusAccepted, CallStatusRejected, CallStatusEnded} {
			err := s.Transition(next)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, terminal, s.Status)
		}
	}
}

func TestCallSessionValidate(t *testing.T) {
	now := time.Now()
	offer := Description{Type: "offer", SDP: "v=0"}

	s := NewCallSession("id", "alice", "bob", MediaKindAudio, offer, now)
	require.NoError(t, s.Validate())
	assert.Equal(t, CallStatusPending, s.Status)

	self := NewCallSession("id", "alice", "alice", MediaKindAudio, offer, now)
	assert.ErrorIs(t, self.Validate(), ErrSelfCall)

	bad := NewCallSession("id", "alice", "bob", MediaKind("screen"), offer, now)
	assert.ErrorIs(t, bad.Validate(), ErrUnknownMediaKind)

	early := NewCallSession("id", "alice", "bob", MediaKindVideo, offer, now)
	early.Answer = &Description{Type: "answer", SDP: "v=0"}
	assert.ErrorIs(t, early.Validate(), ErrAnswerOutOfState)

	noOffer := NewCallSession("id", "alice", "bob", MediaKindVideo, offer, now)
	noOffer.Offer = nil
	assert.ErrorIs(t, noOffer.Validate(), ErrMissingOffer)
}

func TestCallSessionCloneIsDeep(t *testing.T) {
	s := NewCallSession("id", "alice", "bob", MediaKindAudio, Description{Type: "offer", SDP: "a"}, time.Now())
	s.Candidates = append(s.Candidates, Candidate{Candidate: "c1", ProducedBy: "alice"})

	c := s.Clone()
	c.Offer.SDP = "changed"
	c.Candidates[0].Processed = true

	assert.Equal(t, "a", s.Offer.SDP)
	assert.False(t, s.Candidates[0].Processed)
}

func TestTerminateRecordsReason(t *testing.T) {
	s := NewCallSession("id", "alice", "bob", MediaKindAudio, Description{}, time.Now())
	require.NoError(t, s.Terminate(CallStatusRejected, "bob", EndReasonRejected))
	assert.Equal(t, "bob", s.EndedBy)
	assert.Equal(t, EndReasonRejected, s.EndReason)
	assert.Equal(t, "alice", s.Peer("bob"))
	assert.True(t, s.IsParty("alice"))
	assert.False(t, s.IsParty("carol"))
}

func TestPresencePointer(t *testing.T) {
	p := NewPresence("s1")
	assert.True(t, p.InCall)
	assert.Equal(t, "s1", p.SessionID())

	empty := NewPresence("")
	assert.False(t, empty.InCall)
	assert.Equal(t, "", empty.SessionID())
}
