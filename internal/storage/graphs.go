package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

// GraphRecord is a stored graph with its bookkeeping columns.
type GraphRecord struct {
	Graph     *graph.Graph
	CreatedAt time.Time
}

// SaveGraph stores a graph. Saving a graph that is already stored with
// identical content is a no-op; different content returns ErrConflict.
func (s *Storage) SaveGraph(g *graph.Graph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var linked *string
	if g.LinkedGraphID != "" {
		linked = &g.LinkedGraphID
	}

	_, err = s.db.Exec(`
		INSERT INTO graphs (id, role, network, linked_graph_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, g.ID, string(g.Role), string(g.Network), linked, string(data), time.Now().Unix())
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to save graph: %w", err)
	}

	var existing string
	if err := s.db.QueryRow("SELECT data FROM graphs WHERE id = ?", g.ID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to read graph: %w", err)
	}
	if !bytes.Equal([]byte(existing), data) {
		return fmt.Errorf("%w: graph %s already stored with different content", ErrConflict, g.ID)
	}
	return nil
}

// GetGraph retrieves a graph by ID.
func (s *Storage) GetGraph(id string) (*graph.Graph, error) {
	rec, err := s.GetGraphRecord(id)
	if err != nil {
		return nil, err
	}
	return rec.Graph, nil
}

// GetGraphRecord retrieves a graph and its creation time.
func (s *Storage) GetGraphRecord(id string) (*GraphRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	var createdAt int64
	err := s.db.QueryRow("SELECT data, created_at FROM graphs WHERE id = ?", id).Scan(&data, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: graph %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get graph: %w", err)
	}

	var g graph.Graph
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to decode graph %s: %w", id, err)
	}
	return &GraphRecord{Graph: &g, CreatedAt: time.Unix(createdAt, 0)}, nil
}

// ListGraphs returns graph ids, oldest first. An empty role lists all.
func (s *Storage) ListGraphs(role scripts.Role) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id FROM graphs ORDER BY created_at, id"
	args := []interface{}{}
	if role != "" {
		query = "SELECT id FROM graphs WHERE role = ? ORDER BY created_at, id"
		args = append(args, string(role))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan graph: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PegOutGraphsFor returns the ids of peg-out graphs linked to a peg-in.
func (s *Storage) PegOutGraphsFor(pegInID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id FROM graphs WHERE linked_graph_id = ? ORDER BY created_at, id", pegInID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list peg-out graphs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PegInGraph implements graph.PegInLookup. A peg-in counts as confirmed once
// a confirmation of its peg_in_confirm transaction has been recorded.
func (s *Storage) PegInGraph(id string) (*graph.Graph, bool, error) {
	g, err := s.GetGraph(id)
	if err != nil {
		return nil, false, err
	}
	_, err = s.GetConfirmation(id, graph.TxPegInConfirm)
	switch {
	case err == nil:
		return g, true, nil
	case errors.Is(err, ErrNotFound):
		return g, false, nil
	default:
		return nil, false, err
	}
}

var _ graph.PegInLookup = (*Storage)(nil)
