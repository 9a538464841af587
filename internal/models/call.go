package models

import (
	"errors"
	"time"
)

// MediaKind is the kind of media a call carries
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// CallStatus is the lifecycle state of a call session record
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// Terminal reports whether no further transition is possible from s
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// Active reports whether the call still occupies its parties
func (s CallStatus) Active() bool {
	return s == CallStatusPending || s == CallStatusAccepted
}

// CanTransition reports whether s may move to next.
// Terminal states never move again.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case CallStatusPending:
		return next == CallStatusAccepted || next == CallStatusRejected || next == CallStatusEnded
	case CallStatusAccepted:
		return next == CallStatusEnded
	default:
		return false
	}
}

// End reasons recorded on terminal records and reported in CallEnded events
const (
	EndReasonRejected  = "rejected"
	EndReasonHangup    = "hangup"
	EndReasonCancelled = "cancelled"
	EndReasonNoAnswer  = "no-answer"
	EndReasonFailed    = "failed"
	EndReasonExpired   = "expired"
	EndReasonAnswered  = "answered-elsewhere"
	EndReasonBusy      = "busy"
)

// Description is one half of the offer/answer negotiation
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"description"`
}

// Candidate is a trickled connectivity candidate stored on the call record.
// Processed is set by the party that did not produce it once applied.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
	ProducedBy    string `json:"producedBy"`
	Processed     bool   `json:"processed"`
}

// CallSession is the shared record both parties negotiate through
type CallSession struct {
	ID         string       `json:"-"`
	CallerID   string       `json:"caller"`
	CalleeID   string       `json:"callee"`
	Status     CallStatus   `json:"status"`
	Kind       MediaKind    `json:"type"`
	Offer      *Description `json:"offer"`
	Answer     *Description `json:"answer"`
	Candidates []Candidate  `json:"iceCandidates"`
	CreatedAt  time.Time    `json:"createdAt"`
	Version    int64        `json:"version"`
	EndedBy    string       `json:"endedBy,omitempty"`
	EndReason  string       `json:"endReason,omitempty"`
}

var (
	ErrSelfCall          = errors.New("caller and callee must differ")
	ErrUnknownMediaKind  = errors.New("unknown media kind")
	ErrMissingOffer      = errors.New("session has no offer")
	ErrAnswerOutOfState  = errors.New("answer present outside accepted/ended")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NewCallSession builds a pending record carrying the caller's offer
func NewCallSession(id, callerID, calleeID string, kind MediaKind, offer Description, now time.Time) *CallSession {
	return &CallSession{
		ID:         id,
		CallerID:   callerID,
		CalleeID:   calleeID,
		Status:     CallStatusPending,
		Kind:       kind,
		Offer:      &offer,
		Candidates: []Candidate{},
		CreatedAt:  now,
	}
}

// Validate checks the record-level invariants
func (s *CallSession) Validate() error {
	if s.CallerID == s.CalleeID {
		return ErrSelfCall
	}
	if !s.Kind.Valid() {
		return ErrUnknownMediaKind
	}
	if s.Offer == nil {
		return ErrMissingOffer
	}
	if s.Answer != nil && s.Status != CallStatusAccepted && s.Status != CallStatusEnded {
		return ErrAnswerOutOfState
	}
	return nil
}

// IsParty reports whether userID is the caller or the callee
func (s *CallSession) IsParty(userID string) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// Peer returns the other party for userID
func (s *CallSession) Peer(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

// Transition moves the record to next, refusing regressions
func (s *CallSession) Transition(next CallStatus) error {
	if !s.Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	s.Status = next
	return nil
}

// Terminate moves the record to a terminal status and records who and why
func (s *CallSession) Terminate(status CallStatus, by, reason string) error {
	if err := s.Transition(status); err != nil {
		return err
	}
	s.EndedBy = by
	s.EndReason = reason
	return nil
}

// Clone returns a deep copy, so watchers never share slices with the store
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Offer != nil {
		o := *s.Offer
		c.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		c.Answer = &a
	}
	c.Candidates = make([]Candidate, len(s.Candidates))
	copy(c.Candidates, s.Candidates)
	return &c
}
