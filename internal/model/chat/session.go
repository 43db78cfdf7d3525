package chat

import "time"

// DefaultUsername is used when a request carries no username.
const DefaultUsername = "default"

// Turn is one user/assistant exchange. Turns are never modified after being appended.
type Turn struct {
	ID            string    `json:"id,omitempty"`
	UserText      string    `json:"userText"`
	AssistantText string    `json:"assistantText"`
	Timestamp     time.Time `json:"timestamp"`
	Emotion       string    `json:"emotion,omitempty"`
	HasImage      bool      `json:"hasImage,omitempty"`
	ModelUsed     string    `json:"modelUsed,omitempty"`
}

// Session captures the bounded conversation memory of one user.
type Session struct {
	Username         string `json:"username"`
	History          []Turn `json:"history"`
	FirstInteraction bool   `json:"firstInteraction"`
}

// NewSession returns the empty session a user starts with.
func NewSession(username string) Session {
	return Session{
		Username:         username,
		History:          []Turn{},
		FirstInteraction: true,
	}
}

// Trim keeps the most recent max turns, oldest dropped first.
func (s *Session) Trim(max int) {
	if s.History == nil {
		s.History = []Turn{}
	}
	if max <= 0 || len(s.History) <= max {
		return
	}
	kept := make([]Turn, max)
	copy(kept, s.History[len(s.History)-max:])
	s.History = kept
}

// Clone returns a copy whose history can be appended to without aliasing.
func (s Session) Clone() Session {
	history := make([]Turn, len(s.History))
	copy(history, s.History)
	s.History = history
	return s
}

// Store is the full persisted mapping of username to session.
type Store map[string]Session
