package domain

import "time"

// Session lifecycle event types.
const (
	EventLogin          = "login"
	EventLogout         = "logout"
	EventLogoutAll      = "logout_all"
	EventTokenRefreshed = "token_refreshed"
	EventSessionExpired = "session_expired"
)

// SessionEvent is a best-effort record of a session lifecycle change. It never carries tokens.
type SessionEvent struct {
	EventType string            `json:"eventType"`
	SessionID string            `json:"sessionId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewSessionEvent stamps an event with the current UTC time and the gateway source.
func NewSessionEvent(eventType, sessionID, userID string) *SessionEvent {
	return &SessionEvent{
		EventType: eventType,
		SessionID: sessionID,
		UserID:    userID,
		Source:    "gateway",
		CreatedAt: time.Now().UTC(),
	}
}
