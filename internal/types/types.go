// Package types holds the domain model and the error taxonomy shared by all
// panelsim components. It has no dependencies on other internal packages so
// that every layer can speak the same vocabulary.
package types

import (
	"fmt"
	"time"
)

// StudyType selects between a multi-participant discussion and a one-on-one
// in-depth interview.
type StudyType string

const (
	StudyFocusGroup StudyType = "focus-group"
	StudyIDI        StudyType = "idi"
)

// Mode selects who drives the moderator side of the conversation.
type Mode string

const (
	// ModeHumanModerated means a human submits each moderator utterance.
	ModeHumanModerated Mode = "human-mod"
	// ModeAIBoth means the engine drives moderator turns from the discussion
	// guide as well as the participant turns.
	ModeAIBoth Mode = "ai-both"
)

// Status is the simulation lifecycle state. It only ever advances.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
)

// rank orders statuses for the monotonic-advance check.
func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether a transition from s to next is legal.
// Transitions never move backwards and Completed is terminal.
func (s Status) CanAdvanceTo(next Status) bool {
	sr, nr := s.rank(), next.rank()
	if sr < 0 || nr < 0 {
		return false
	}
	return nr >= sr && s != StatusCompleted
}

// SenderType distinguishes moderator turns from participant turns.
type SenderType string

const (
	SenderModerator   SenderType = "moderator"
	SenderParticipant SenderType = "participant"
)

// Simulation is one research conversation: a focus group or an IDI.
type Simulation struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	StudyTitle          string    `json:"study_title"`
	StudyType           StudyType `json:"study_type"`
	Mode                Mode      `json:"mode"`
	Topic               string    `json:"topic"`
	DiscussionQuestions []string  `json:"discussion_questions"`
	TurnBased           bool      `json:"turn_based"`
	NumTurns            int       `json:"num_turns"`
	Status              Status    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

// Persona is a simulated participant. Its attributes feed prompt context
// only; control flow never branches on them.
type Persona struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Gender     string   `json:"gender,omitempty"`
	Age        int      `json:"age,omitempty"`
	Occupation string   `json:"occupation,omitempty"`
	Archetype  string   `json:"archetype,omitempty"`
	Traits     []string `json:"traits,omitempty"`
	Goal       string   `json:"goal,omitempty"`
	Attitude   string   `json:"attitude,omitempty"`
	Bio        string   `json:"bio,omitempty"`
}

// MessageMeta carries the known structured metadata for a message plus an
// open extension map for forward compatibility. Unknown keys written by
// future versions land in Extra and round-trip unchanged.
type MessageMeta struct {
	Source      string            `json:"source,omitempty"`
	Interim     bool              `json:"interim,omitempty"`
	Accumulated bool              `json:"accumulated,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// SimulationMessage is one persisted turn. Messages are append-only.
//
// SenderID is empty exactly when SenderType is SenderModerator; it is stored
// as SQL NULL in that case.
type SimulationMessage struct {
	ID           string      `json:"id"`
	SimulationID string      `json:"simulation_id"`
	SenderType   SenderType  `json:"sender_type"`
	SenderID     string      `json:"sender_id,omitempty"`
	Message      string      `json:"message"`
	TurnNumber   int         `json:"turn_number"`
	Meta         MessageMeta `json:"meta,omitzero"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Validate enforces the sender invariant before anything touches the store.
func (m *SimulationMessage) Validate() error {
	switch m.SenderType {
	case SenderModerator:
		if m.SenderID != "" {
			return &ValidationError{Field: "sender_id", Reason: "must be empty for moderator messages"}
		}
	case SenderParticipant:
		if m.SenderID == "" {
			return &ValidationError{Field: "sender_id", Reason: "required for participant messages"}
		}
	default:
		return &ValidationError{Field: "sender_type", Reason: fmt.Sprintf("unknown sender type %q", m.SenderType)}
	}
	if m.SimulationID == "" {
		return &ValidationError{Field: "simulation_id", Reason: "required"}
	}
	if m.Message == "" {
		return &ValidationError{Field: "message", Reason: "required"}
	}
	return nil
}

// CreditAccount is a user's metered balance. Only the credit meter mutates
// it; the balance never goes below zero.
type CreditAccount struct {
	UserID    string  `json:"user_id"`
	Balance   float64 `json:"balance"`
	UpdatedAt time.Time
}

// RetrievedChunk is a scored document fragment produced for one query. It is
// ephemeral: injected into a prompt, never persisted beyond it.
type RetrievedChunk struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Source     string  `json:"source,omitempty"`
}

// Summary is the distilled result of a completed simulation transcript.
type Summary struct {
	Bullets []string `json:"summary"`
	Themes  []string `json:"themes"`
}
