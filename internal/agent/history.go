package agent

import "github.com/ashureev/trax-tutor/internal/domain"

// History is the dialogue rebuilt from a session's turn log.
type History struct {
	Messages []domain.Message
	// LastMode is the mode of the most recent turn whose stored response
	// parsed with a recognised mode, or empty.
	LastMode domain.Mode
}

// FallbackMode is the mode a degraded reply inherits.
func (h History) FallbackMode() domain.Mode {
	if h.LastMode.Valid() {
		return h.LastMode
	}
	return domain.ModeTutor
}

// ReconstructHistory expands turns, already in creation order, into
// alternating user and assistant messages. It never drops a turn.
func ReconstructHistory(turns []*domain.Turn) History {
	h := History{Messages: make([]domain.Message, 0, 2*len(turns))}
	for _, turn := range turns {
		reply, mode := replyText(turn.Response)
		h.Messages = append(h.Messages,
			domain.Message{Role: domain.RoleUser, Content: turn.Prompt},
			domain.Message{Role: domain.RoleAssistant, Content: reply},
		)
		if mode.Valid() {
			h.LastMode = mode
		}
	}
	return h
}
