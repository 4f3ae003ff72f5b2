package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"panelsim/internal/types"
)

// CreateSimulation inserts a draft simulation together with its persona
// roster in one transaction. Missing IDs are assigned, missing fields
// take the draft defaults, and the returned simulation reflects both.
func (s *Store) CreateSimulation(ctx context.Context, sim *types.Simulation, personas []types.Persona) (*types.Simulation, error) {
	if sim.UserID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "required"}
	}
	if sim.StudyTitle == "" {
		return nil, &types.ValidationError{Field: "study_title", Reason: "required"}
	}
	out := *sim
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.StudyType == "" {
		out.StudyType = types.StudyFocusGroup
	}
	if out.StudyType != types.StudyFocusGroup && out.StudyType != types.StudyIDI {
		return nil, &types.ValidationError{Field: "study_type", Reason: fmt.Sprintf("unknown study type %q", out.StudyType)}
	}
	if out.Mode == "" {
		out.Mode = types.ModeHumanModerated
	}
	if out.Mode != types.ModeHumanModerated && out.Mode != types.ModeAIBoth {
		return nil, &types.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", out.Mode)}
	}
	if out.NumTurns <= 0 {
		out.NumTurns = 10
	}
	out.Status = types.StatusDraft

	if out.StudyType == types.StudyIDI && len(personas) != 1 {
		return nil, &types.ValidationError{Field: "personas", Reason: "an in-depth interview needs exactly one persona"}
	}
	if out.StudyType == types.StudyFocusGroup && len(personas) == 0 {
		return nil, &types.ValidationError{Field: "personas", Reason: "a focus group needs at least one persona"}
	}
	for i := range personas {
		if personas[i].Name == "" {
			return nil, &types.ValidationError{Field: "personas", Reason: fmt.Sprintf("persona %d has no name", i)}
		}
		if personas[i].ID == "" {
			personas[i].ID = uuid.NewString()
		}
	}

	questions, err := json.Marshal(out.DiscussionQuestions)
	if err != nil {
		return nil, fmt.Errorf("encoding discussion questions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO simulations (id, user_id, study_title, study_type, mode, topic, discussion_questions, turn_based, num_turns, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.UserID, out.StudyTitle, out.StudyType, out.Mode, out.Topic, string(questions), out.TurnBased, out.NumTurns, out.Status)
	if err != nil {
		return nil, fmt.Errorf("inserting simulation: %w", err)
	}

	for i, p := range personas {
		traits, err := json.Marshal(p.Traits)
		if err != nil {
			return nil, fmt.Errorf("encoding persona traits: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO personas (id, name, gender, age, occupation, archetype, traits, goal, attitude, bio)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Gender, p.Age, p.Occupation, p.Archetype, string(traits), p.Goal, p.Attitude, p.Bio)
		if err != nil {
			return nil, fmt.Errorf("inserting persona: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO simulation_personas (simulation_id, persona_id, position) VALUES (?, ?, ?)",
			out.ID, p.ID, i)
		if err != nil {
			return nil, fmt.Errorf("linking persona: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSimulation(ctx, out.ID)
}

// GetSimulation loads one simulation by ID.
func (s *Store) GetSimulation(ctx context.Context, id string) (*types.Simulation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, study_title, study_type, mode, topic, discussion_questions, turn_based, num_turns, status, created_at
		FROM simulations WHERE id = ?`, id)
	return scanSimulation(row)
}

// ListSimulations returns a user's simulations, newest first.
func (s *Store) ListSimulations(ctx context.Context, userID string) ([]types.Simulation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, study_title, study_type, mode, topic, discussion_questions, turn_based, num_turns, status, created_at
		FROM simulations WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sim)
	}
	return out, rows.Err()
}

// GetPersonas returns a simulation's roster in its stored order.
func (s *Store) GetPersonas(ctx context.Context, simulationID string) ([]types.Persona, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.gender, p.age, p.occupation, p.archetype, p.traits, p.goal, p.attitude, p.bio
		FROM personas p
		JOIN simulation_personas sp ON sp.persona_id = p.id
		WHERE sp.simulation_id = ?
		ORDER BY sp.position`, simulationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Persona
	for rows.Next() {
		var p types.Persona
		var traits string
		if err := rows.Scan(&p.ID, &p.Name, &p.Gender, &p.Age, &p.Occupation, &p.Archetype, &traits, &p.Goal, &p.Attitude, &p.Bio); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(traits), &p.Traits); err != nil {
			return nil, fmt.Errorf("decoding persona traits: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateStatus advances a simulation's status. Transitions that move
// backwards, or away from Completed, fail with a ValidationError.
func (s *Store) UpdateStatus(ctx context.Context, id string, next types.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := advanceStatusTx(ctx, tx, id, next); err != nil {
		return err
	}
	return tx.Commit()
}

func advanceStatusTx(ctx context.Context, tx *sql.Tx, id string, next types.Status) error {
	var current types.Status
	err := tx.QueryRowContext(ctx, "SELECT status FROM simulations WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == next {
		return nil
	}
	if !current.CanAdvanceTo(next) {
		return &types.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot move from %s to %s", current, next)}
	}
	_, err = tx.ExecContext(ctx, "UPDATE simulations SET status = ? WHERE id = ?", next, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row rowScanner) (*types.Simulation, error) {
	var sim types.Simulation
	var questions string
	err := row.Scan(&sim.ID, &sim.UserID, &sim.StudyTitle, &sim.StudyType, &sim.Mode, &sim.Topic,
		&questions, &sim.TurnBased, &sim.NumTurns, &sim.Status, &sim.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(questions), &sim.DiscussionQuestions); err != nil {
		return nil, fmt.Errorf("decoding discussion questions: %w", err)
	}
	return &sim, nil
}
