// Package prompt assembles the message sequences sent to the model for
// each simulation cycle. Building is pure: the same simulation, roster
// and history always produce the same segments, so prompts are cheap to
// rebuild and easy to test.
package prompt

import (
	"fmt"
	"strings"

	"panelsim/internal/types"
)

// Role is the chat role a segment is sent under.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Segment is one message in the sequence sent upstream.
type Segment struct {
	Role    Role
	Content string
}

// Roster maps persona IDs to display names for history rendering.
type Roster map[string]string

// NewRoster builds a roster from a persona list.
func NewRoster(personas []types.Persona) Roster {
	r := make(Roster, len(personas))
	for _, p := range personas {
		r[p.ID] = p.Name
	}
	return r
}

// Builder renders prompts for simulation cycles and summaries.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Opening renders the system prompt for a simulation with no history.
// It carries the study framing, the persona bios and the numbered
// discussion guide, and asks the model to open with the moderator.
func (b *Builder) Opening(sim *types.Simulation, personas []types.Persona) []Segment {
	var sb strings.Builder

	if sim.StudyType == types.StudyIDI {
		sb.WriteString("You are simulating an in-depth interview.\n")
	} else {
		sb.WriteString("You are simulating a focus group discussion.\n")
	}
	fmt.Fprintf(&sb, "The topic of the discussion is: %q.\n", sim.StudyTitle)
	if sim.Topic != "" {
		fmt.Fprintf(&sb, "Background info: %s\n", sim.Topic)
	}

	fmt.Fprintf(&sb, "\nThere are %d participants:\n", len(personas))
	for i, p := range personas {
		fmt.Fprintf(&sb, "Participant %d: %s", i+1, p.Name)
		if p.Gender != "" {
			fmt.Fprintf(&sb, " (%s)", p.Gender)
		}
		if p.Age > 0 {
			fmt.Fprintf(&sb, " - age: %d", p.Age)
		}
		if p.Occupation != "" {
			fmt.Fprintf(&sb, " - occupation: %s", p.Occupation)
		}
		if p.Archetype != "" {
			fmt.Fprintf(&sb, " - archetype: %s", p.Archetype)
		}
		if len(p.Traits) > 0 {
			fmt.Fprintf(&sb, " - traits: %s", strings.Join(p.Traits, ", "))
		}
		if p.Goal != "" {
			fmt.Fprintf(&sb, " - goal: %s", p.Goal)
		}
		if p.Attitude != "" {
			fmt.Fprintf(&sb, " - attitude: %s", p.Attitude)
		}
		if p.Bio != "" {
			fmt.Fprintf(&sb, " - bio: %s", p.Bio)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nThere is also a moderator named \"Moderator\". The moderator asks the questions and guides the discussion.\n")
	sb.WriteString("\nUse the following discussion guide to structure the conversation:\n")
	for i, q := range sim.DiscussionQuestions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}

	sb.WriteString("\nSimulate a realistic and insightful conversation, with natural back-and-forth between participants and moderator.\n")
	sb.WriteString("Respond ONLY with a JSON array of message objects, where each object has:\n")
	sb.WriteString("- \"name\": the speaker (either \"Moderator\" or one of the participant names)\n")
	sb.WriteString("- \"message\": the text they speak\n")
	sb.WriteString("Do not include any explanation, introduction, or closing text. Just the JSON array.\n")
	sb.WriteString("\nStart the conversation with the moderator initiating the discussion.\n")

	return []Segment{{Role: RoleSystem, Content: sb.String()}}
}

// Continuation renders the prompt for a cycle with existing history.
// The system segment restates the roster and the output contract;
// history follows with moderator turns as user messages and
// participant turns as assistant messages, each line prefixed with the
// speaker's name.
func (b *Builder) Continuation(sim *types.Simulation, personas []types.Persona, history []types.SimulationMessage) []Segment {
	roster := NewRoster(personas)
	var sb strings.Builder

	if sim.StudyType == types.StudyIDI {
		sb.WriteString("You are simulating a realistic and insightful in-depth interview between a single participant and a human moderator.\n\n")
	} else {
		sb.WriteString("You are simulating a realistic and insightful focus group discussion with multiple participants and a human moderator.\n\n")
	}

	sb.WriteString("Here are the participants:\n")
	for _, p := range personas {
		fmt.Fprintf(&sb, "- %s", p.Name)
		if p.Gender != "" {
			fmt.Fprintf(&sb, " (%s)", p.Gender)
		}
		if p.Occupation != "" {
			fmt.Fprintf(&sb, ", occupation: %s", p.Occupation)
		}
		if p.Bio != "" {
			fmt.Fprintf(&sb, ", bio: %s", p.Bio)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nThe moderator is named \"Moderator\". They guide the discussion by asking questions.\n")
	sb.WriteString("\nRespond ONLY as the participants (never the moderator), in JSON format:\n")
	sb.WriteString("[\n  { \"name\": \"Participant Name\", \"message\": \"Their message.\" },\n  ...\n]\n")
	sb.WriteString("Respond with 2-4 participant messages in a natural back-and-forth.\n")
	sb.WriteString("Do not include explanations or markdown, only valid JSON.\n")

	segments := make([]Segment, 0, len(history)+1)
	segments = append(segments, Segment{Role: RoleSystem, Content: strings.TrimSpace(sb.String())})

	for _, m := range history {
		name := "Unknown"
		role := RoleAssistant
		if m.SenderType == types.SenderModerator {
			name = "Moderator"
			role = RoleUser
		} else if n, ok := roster[m.SenderID]; ok {
			name = n
		}
		segments = append(segments, Segment{
			Role:    role,
			Content: fmt.Sprintf("%s: %s", name, m.Message),
		})
	}
	return segments
}

// Auto renders the prompt for engine-driven cycles where the model
// speaks for the moderator as well. The opening system prompt carries
// the full guide and allows "Moderator" as a speaker; with history
// present the closing instruction asks the model to continue instead
// of open.
func (b *Builder) Auto(sim *types.Simulation, personas []types.Persona, history []types.SimulationMessage) []Segment {
	opening := b.Opening(sim, personas)
	if len(history) == 0 {
		return opening
	}

	system := strings.TrimSuffix(opening[0].Content, "\nStart the conversation with the moderator initiating the discussion.\n")
	roster := NewRoster(personas)

	segments := make([]Segment, 0, len(history)+2)
	segments = append(segments, Segment{Role: RoleSystem, Content: system})
	for _, m := range history {
		name := "Unknown"
		role := RoleAssistant
		if m.SenderType == types.SenderModerator {
			name = "Moderator"
			role = RoleUser
		} else if n, ok := roster[m.SenderID]; ok {
			name = n
		}
		segments = append(segments, Segment{Role: role, Content: fmt.Sprintf("%s: %s", name, m.Message)})
	}
	segments = append(segments, Segment{
		Role:    RoleUser,
		Content: "Continue the conversation from where it left off, moving through the discussion guide.",
	})
	return segments
}

// WithCorrection appends a corrective user segment after a malformed
// model reply, restating the contract and the valid speaker names.
func (b *Builder) WithCorrection(segments []Segment, personas []types.Persona, reason string) []Segment {
	names := make([]string, len(personas))
	for i, p := range personas {
		names[i] = fmt.Sprintf("%q", p.Name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your previous reply could not be used: %s.\n", reason)
	sb.WriteString("Respond again with ONLY a JSON array of objects, each with a \"name\" and a \"message\" field.\n")
	fmt.Fprintf(&sb, "Valid participant names are: %s.\n", strings.Join(names, ", "))
	sb.WriteString("Do not include explanations or markdown, only valid JSON.\n")

	out := make([]Segment, len(segments), len(segments)+1)
	copy(out, segments)
	return append(out, Segment{Role: RoleUser, Content: sb.String()})
}

// Summary renders the single system segment asking for a transcript
// summary: 3-5 bullet points and 4-6 short themes, in a fixed JSON
// object shape.
func (b *Builder) Summary(sim *types.Simulation, transcript []types.SimulationMessage) []Segment {
	var sb strings.Builder

	sb.WriteString("You are a research assistant helping summarize a focus group discussion.\n")
	fmt.Fprintf(&sb, "The study is titled: %q.\n", sim.StudyTitle)
	if sim.Topic != "" {
		fmt.Fprintf(&sb, "Topic background: %s\n", sim.Topic)
	}
	if len(sim.DiscussionQuestions) > 0 {
		sb.WriteString("\nDiscussion Questions:\n")
		for i, q := range sim.DiscussionQuestions {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
		}
	}

	sb.WriteString("\nBelow is the full transcript of the discussion between the moderator and the participants:\n")
	for _, m := range transcript {
		fmt.Fprintf(&sb, "%s: %s\n", m.SenderType, m.Message)
	}

	sb.WriteString("\nPlease do the following:\n")
	sb.WriteString("1. Summarize the discussion into 3-5 bullet points (each bullet should be 1-2 sentences).\n")
	sb.WriteString("2. Extract 4-6 key themes or insights that emerged, as a plain text array.\n")
	sb.WriteString("Each theme should be a maximum of 1-2 words (e.g., \"Influencers\", \"Sustainability\", \"Pricing\").\n")
	sb.WriteString("\nRespond in this JSON format:\n")
	sb.WriteString("{\n  \"summary\": [\"Bullet point 1\", \"Bullet point 2\", ...],\n  \"themes\": [\"Theme 1\", \"Theme 2\", ...]\n}\n")

	return []Segment{{Role: RoleSystem, Content: sb.String()}}
}

// Render flattens segments into one plain-text block for token
// counting. Provider requests keep the per-segment roles instead.
func Render(segments []Segment) string {
	var sb strings.Builder
	for i, s := range segments {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(s.Content)
	}
	return sb.String()
}
