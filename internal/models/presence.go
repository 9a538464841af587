package models

// Presence is the per-user pointer to the call that user is party to
type Presence struct {
	CurrentCallID *string `json:"currentCallId"`
	InCall        bool    `json:"inCall"`
}

// NewPresence returns a pointer record naming sessionID, or a clear one
func NewPresence(sessionID string) Presence {
	if sessionID == "" {
		return Presence{}
	}
	id := sessionID
	return Presence{CurrentCallID: &id, InCall: true}
}

// SessionID returns the pointed-to session, or "" when clear
func (p Presence) SessionID() string {
	if p.CurrentCallID == nil {
		return ""
	}
	return *p.CurrentCallID
}
