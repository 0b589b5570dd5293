package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	// An in-memory database is per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS explorer_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		ts_event DATETIME NOT NULL,
		root_id INTEGER NOT NULL,
		target_id INTEGER NOT NULL,
		epoch INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		payload JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_explorer_events_ts ON explorer_events(ts_event);
	CREATE INDEX IF NOT EXISTS idx_explorer_events_root ON explorer_events(root_id);

	CREATE TABLE IF NOT EXISTS graph_snapshots (
		snapshot_id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		root_id INTEGER NOT NULL,
		graph_version INTEGER NOT NULL,
		ts_snapshot DATETIME NOT NULL,
		node_count INTEGER NOT NULL,
		edge_count INTEGER NOT NULL,
		payload JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_graph_snapshots_root_ts ON graph_snapshots(root_id, ts_snapshot);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// AppendEvent writes one entry to the action log.
func (s *Store) AppendEvent(ctx context.Context, evt *Event) error {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO explorer_events (event_id, event_type, ts_event, root_id, target_id, epoch, outcome, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(evt.EventID), string(evt.EventType), evt.TsEvent.UTC(), evt.RootID, evt.TargetID, evt.Epoch, evt.Outcome, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ReadRecentEvents returns up to limit events, newest first.
func (s *Store) ReadRecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, ts_event, root_id, target_id, epoch, outcome, payload
		FROM explorer_events
		ORDER BY ts_event DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			evt     Event
			id      string
			typ     string
			payload string
		)
		if err := rows.Scan(&id, &typ, &evt.TsEvent, &evt.RootID, &evt.TargetID, &evt.Epoch, &evt.Outcome, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.EventID = EventID(id)
		evt.EventType = EventType(typ)
		evt.Payload = json.RawMessage(payload)
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// SaveSnapshot persists a graph snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_snapshots (snapshot_id, schema_version, root_id, graph_version, ts_snapshot, node_count, edge_count, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.SnapshotID, snap.SchemaVersion, snap.RootID, snap.GraphVersion, snap.TsSnapshot.UTC(), snap.NodeCount, snap.EdgeCount, string(snap.Payload))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the newest snapshot for rootID, or nil if there is none.
func (s *Store) GetLatestSnapshot(ctx context.Context, rootID int64) (*Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, rootID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[0], nil
}

// ListSnapshots returns up to limit snapshots for rootID, newest first.
func (s *Store) ListSnapshots(ctx context.Context, rootID int64, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, schema_version, root_id, graph_version, ts_snapshot, node_count, edge_count, payload
		FROM graph_snapshots
		WHERE root_id = ?
		ORDER BY ts_snapshot DESC, rowid DESC
		LIMIT ?
	`, rootID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			payload string
		)
		if err := rows.Scan(&snap.SnapshotID, &snap.SchemaVersion, &snap.RootID, &snap.GraphVersion, &snap.TsSnapshot, &snap.NodeCount, &snap.EdgeCount, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Payload = json.RawMessage(payload)
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// PruneSnapshots deletes snapshots older than retention.
func (s *Store) PruneSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_snapshots WHERE ts_snapshot < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// SnapshotsBefore returns up to limit snapshots taken before cutoff, oldest first.
func (s *Store) SnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, schema_version, root_id, graph_version, ts_snapshot, node_count, edge_count, payload
		FROM graph_snapshots
		WHERE ts_snapshot < ?
		ORDER BY ts_snapshot ASC, rowid ASC
		LIMIT ?
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			payload string
		)
		if err := rows.Scan(&snap.SnapshotID, &snap.SchemaVersion, &snap.RootID, &snap.GraphVersion, &snap.TsSnapshot, &snap.NodeCount, &snap.EdgeCount, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Payload = json.RawMessage(payload)
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// DeleteSnapshots removes snapshots by id in one transaction.
func (s *Store) DeleteSnapshots(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM graph_snapshots WHERE snapshot_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
		}
	}
	return tx.Commit()
}
