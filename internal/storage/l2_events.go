package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// L2Event is a peg-out request observed on the L2 side.
type L2Event struct {
	ID            string    `json:"id"`
	PegInGraphID  string    `json:"peg_in_graph_id"`
	Withdrawer    string    `json:"withdrawer"`
	Amount        uint64    `json:"amount"`
	PegOutGraphID string    `json:"peg_out_graph_id,omitempty"` // empty until a peg-out graph is built
	CreatedAt     time.Time `json:"created_at"`
}

// SaveL2Event stores a new event.
func (s *Storage) SaveL2Event(e *L2Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO l2_events (id, peg_in_graph_id, withdrawer, amount, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.PegInGraphID, e.Withdrawer, e.Amount, e.CreatedAt.Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: L2 event %s", ErrConflict, e.ID)
		}
		return fmt.Errorf("failed to save L2 event: %w", err)
	}
	return nil
}

// PendingL2Events returns events without a peg-out graph, oldest first.
func (s *Storage) PendingL2Events() ([]*L2Event, error) {
	return s.queryL2Events("WHERE peg_out_graph_id IS NULL ORDER BY created_at, id")
}

// L2EventsForPegIn returns every event recorded against a peg-in graph.
func (s *Storage) L2EventsForPegIn(pegInID string) ([]*L2Event, error) {
	return s.queryL2Events("WHERE peg_in_graph_id = ? ORDER BY created_at, id", pegInID)
}

func (s *Storage) queryL2Events(where string, args ...interface{}) ([]*L2Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, peg_in_graph_id, withdrawer, amount, peg_out_graph_id, created_at
		FROM l2_events `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query L2 events: %w", err)
	}
	defer rows.Close()

	var events []*L2Event
	for rows.Next() {
		e := &L2Event{}
		var pegOut sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.PegInGraphID, &e.Withdrawer, &e.Amount, &pegOut, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan L2 event: %w", err)
		}
		e.PegOutGraphID = pegOut.String
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LinkL2Event records the peg-out graph built for an event.
func (s *Storage) LinkL2Event(id, pegOutGraphID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE l2_events SET peg_out_graph_id = ? WHERE id = ? AND peg_out_graph_id IS NULL",
		pegOutGraphID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to link L2 event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: pending L2 event %s", ErrNotFound, id)
	}
	return nil
}
