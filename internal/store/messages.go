package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"panelsim/internal/types"
)

// LastTurn returns the highest persisted turn number for a simulation,
// or 0 when the transcript is empty.
func (s *Store) LastTurn(ctx context.Context, simulationID string) (int, error) {
	var last int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(turn_number), 0) FROM simulation_messages WHERE simulation_id = ?",
		simulationID).Scan(&last)
	return last, err
}

// ListMessages returns a simulation's transcript in turn order.
func (s *Store) ListMessages(ctx context.Context, simulationID string) ([]types.SimulationMessage, error) {
	return s.ListMessagesFrom(ctx, simulationID, 0)
}

// ListMessagesFrom returns the transcript tail starting at fromTurn.
func (s *Store) ListMessagesFrom(ctx context.Context, simulationID string, fromTurn int) ([]types.SimulationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, simulation_id, sender_type, sender_id, message, turn_number, meta, created_at
		FROM simulation_messages
		WHERE simulation_id = ? AND turn_number >= ?
		ORDER BY turn_number`, simulationID, fromTurn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SimulationMessage
	for rows.Next() {
		var m types.SimulationMessage
		var senderID sql.NullString
		var meta string
		if err := rows.Scan(&m.ID, &m.SimulationID, &m.SenderType, &senderID, &m.Message, &m.TurnNumber, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderID = senderID.String
		if err := json.Unmarshal([]byte(meta), &m.Meta); err != nil {
			return nil, fmt.Errorf("decoding message meta: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessages persists one cycle's output atomically: every message
// in the batch, plus the status advance, or nothing. expectedLastTurn
// is the transcript length the batch was built against; if another
// writer got there first the whole batch fails with
// ErrConcurrencyConflict and nothing is written. Messages must carry
// contiguous turn numbers starting at expectedLastTurn+1.
func (s *Store) AppendMessages(ctx context.Context, simulationID string, expectedLastTurn int, msgs []types.SimulationMessage, newStatus types.Status) error {
	if len(msgs) == 0 {
		return &types.ValidationError{Field: "messages", Reason: "empty batch"}
	}
	for i := range msgs {
		if msgs[i].SimulationID == "" {
			msgs[i].SimulationID = simulationID
		}
		if msgs[i].ID == "" {
			msgs[i].ID = ulid.Make().String()
		}
		if msgs[i].TurnNumber != expectedLastTurn+1+i {
			return &types.ValidationError{Field: "turn_number",
				Reason: fmt.Sprintf("batch not contiguous: message %d has turn %d, want %d", i, msgs[i].TurnNumber, expectedLastTurn+1+i)}
		}
		if err := msgs[i].Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(turn_number), 0) FROM simulation_messages WHERE simulation_id = ?",
		simulationID).Scan(&last)
	if err != nil {
		return err
	}
	if last != expectedLastTurn {
		return types.ErrConcurrencyConflict
	}

	for _, m := range msgs {
		meta, err := json.Marshal(m.Meta)
		if err != nil {
			return fmt.Errorf("encoding message meta: %w", err)
		}
		var senderID any
		if m.SenderID != "" {
			senderID = m.SenderID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO simulation_messages (id, simulation_id, sender_type, sender_id, message, turn_number, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SimulationID, m.SenderType, senderID, m.Message, m.TurnNumber, string(meta))
		if err != nil {
			if isUniqueViolation(err) {
				return types.ErrConcurrencyConflict
			}
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	if newStatus != "" {
		if err := advanceStatusTx(ctx, tx, simulationID, newStatus); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// isUniqueViolation matches the UNIQUE(simulation_id, turn_number)
// constraint error without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || errors.Is(err, types.ErrConcurrencyConflict)
}
