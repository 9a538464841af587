package models

// EventType represents the type of call event delivered to the consumer
type EventType string

const (
	EventTypeIncomingCall          EventType = "incoming_call"
	EventTypeRemoteStreamAvailable EventType = "remote_stream"
	EventTypeCallConnected         EventType = "call_connected"
	EventTypeCallEnded             EventType = "call_ended"
	EventTypeError                 EventType = "error"
)

// Event represents a call event as sent over the event stream
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	CallerID  string    `json:"callerId,omitempty"`
	PeerID    string    `json:"peerId,omitempty"`
	Kind      MediaKind `json:"kind,omitempty"`
	StreamID  string    `json:"streamId,omitempty"`
	TrackKind string    `json:"trackKind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// IncomingCall builds the event surfaced to a callee
func IncomingCall(s *CallSession) Event {
	return Event{
		Type:      EventTypeIncomingCall,
		SessionID: s.ID,
		CallerID:  s.CallerID,
		PeerID:    s.CallerID,
		Kind:      s.Kind,
	}
}

// CallEnded builds the terminal event for sessionID
func CallEnded(sessionID, reason string) Event {
	return Event{Type: EventTypeCallEnded, SessionID: sessionID, Reason: reason}
}
