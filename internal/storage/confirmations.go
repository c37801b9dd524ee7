package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingbridge/internal/graph"
)

// Confirmation is a graph transaction observed on chain.
type Confirmation struct {
	GraphID     string
	TxName      graph.TxName
	TxID        string
	BlockHeight int64
	RecordedAt  time.Time
}

// RecordConfirmation stores the block height a graph transaction confirmed
// at. The first record wins; later records for the same transaction are
// ignored and reported with false.
func (s *Storage) RecordConfirmation(c *Confirmation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordedAt := c.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO confirmations (graph_id, tx_name, txid, block_height, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.GraphID, string(c.TxName), c.TxID, c.BlockHeight, recordedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetConfirmation returns the recorded confirmation of one transaction.
func (s *Storage) GetConfirmation(graphID string, name graph.TxName) (*Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Confirmation{GraphID: graphID, TxName: name}
	var recordedAt int64
	err := s.db.QueryRow(`
		SELECT txid, block_height, recorded_at FROM confirmations
		WHERE graph_id = ? AND tx_name = ?
	`, graphID, string(name)).Scan(&c.TxID, &c.BlockHeight, &recordedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: confirmation of %s in %s", ErrNotFound, name, graphID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	c.RecordedAt = time.Unix(recordedAt, 0)
	return &c, nil
}

// GetConfirmations returns every recorded confirmation of a graph keyed by
// transaction name.
func (s *Storage) GetConfirmations(graphID string) (map[graph.TxName]*Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tx_name, txid, block_height, recorded_at FROM confirmations
		WHERE graph_id = ? ORDER BY block_height, recorded_at
	`, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmations: %w", err)
	}
	defer rows.Close()

	out := make(map[graph.TxName]*Confirmation)
	for rows.Next() {
		c := &Confirmation{GraphID: graphID}
		var name string
		var recordedAt int64
		if err := rows.Scan(&name, &c.TxID, &c.BlockHeight, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		c.TxName = graph.TxName(name)
		c.RecordedAt = time.Unix(recordedAt, 0)
		out[c.TxName] = c
	}
	return out, rows.Err()
}
