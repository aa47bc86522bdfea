package domain

import "strings"

// Mode is the tutoring mode a session runs in.
type Mode string

const (
	ModeTutor     Mode = "Tutor"
	ModeInterview Mode = "Interview"
	ModeAssistant Mode = "Assistant"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeTutor, ModeInterview, ModeAssistant:
		return true
	}
	return false
}

// ParseMode matches s against the known modes, ignoring case and surrounding space.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeTutor, ModeInterview, ModeAssistant} {
		if strings.EqualFold(strings.TrimSpace(s), string(m)) {
			return m, true
		}
	}
	return "", false
}

// Step is a stage of the tutoring method.
type Step string

const (
	StepConcept   Step = "Concept"
	StepAlgorithm Step = "Algorithm"
	StepCoding    Step = "Coding"
	StepFeedback  Step = "Feedback"
)

// Valid reports whether s is one of the four steps.
func (s Step) Valid() bool {
	switch s {
	case StepConcept, StepAlgorithm, StepCoding, StepFeedback:
		return true
	}
	return false
}

// Difficulty grades a problem discussed in a session.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}
