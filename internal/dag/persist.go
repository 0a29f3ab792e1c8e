package dag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "constellation-v1-2026-store"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store persists Constellations as JSON documents in SQLite, keyed by
// constellation_id (spec §6 Save/Load).
type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".constellation", "constellations.db")
}

// OpenStore opens (creating if needed) the sqlite-backed constellation
// store at path. An empty path uses DefaultDBPath.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dag: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("dag: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version   INTEGER PRIMARY KEY,
			checksum  TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("dag: create schema_migrations: %w", err)
	}

	var maxVersion int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`)
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("dag: read schema version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("dag: db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS constellations (
			constellation_id TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			document         TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("dag: create constellations table: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);`,
		schemaVersionLatest, schemaChecksumLatest, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("dag: record schema migration: %w", err)
	}
	return nil
}

// document is the JSON-serializable form of a Constellation (spec §6).
// ConditionPredicate is never serialized; a Conditional edge loaded
// back always has a nil predicate, degrading to SuccessOnly per spec
// §9 open question 1 until a caller re-attaches one.
type document struct {
	ConstellationID string                   `json:"constellation_id"`
	Name            string                   `json:"name"`
	Metadata        map[string]interface{}   `json:"metadata"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	Tasks           []TaskNode               `json:"tasks"`
	Edges           []documentEdge           `json:"edges"`
}

type documentEdge struct {
	EdgeID               string                 `json:"edge_id"`
	FromTaskID           string                 `json:"from_task_id"`
	ToTaskID             string                 `json:"to_task_id"`
	Kind                 EdgeKind               `json:"kind"`
	ConditionDescription string                 `json:"condition_description"`
	Metadata             map[string]interface{} `json:"metadata"`
}

// Save serializes c to JSON and upserts it keyed by constellation_id.
func (s *Store) Save(ctx context.Context, c *Constellation) error {
	doc := toDocument(c)
	blob, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("dag: marshal constellation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO constellations (constellation_id, name, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(constellation_id) DO UPDATE SET name = excluded.name, document = excluded.document, updated_at = excluded.updated_at;
	`, doc.ConstellationID, doc.Name, string(blob), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("dag: save constellation %s: %w", doc.ConstellationID, err)
	}
	return nil
}

// Load reconstructs a Constellation previously written by Save.
// Conditional edges are loaded with a nil predicate (spec §9 open
// question 1): callers that need live predicate evaluation must
// re-attach one via UpdateEdge after Load.
func (s *Store) Load(ctx context.Context, constellationID string) (*Constellation, error) {
	var blob string
	row := s.db.QueryRowContext(ctx, `SELECT document FROM constellations WHERE constellation_id = ?;`, constellationID)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("dag: no such constellation %q", constellationID)
		}
		return nil, fmt.Errorf("dag: load constellation %s: %w", constellationID, err)
	}

	var doc document
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return nil, fmt.Errorf("dag: unmarshal constellation %s: %w", constellationID, err)
	}
	return fromDocument(doc), nil
}

// Delete removes a persisted constellation. Not an error if absent.
func (s *Store) Delete(ctx context.Context, constellationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM constellations WHERE constellation_id = ?;`, constellationID)
	if err != nil {
		return fmt.Errorf("dag: delete constellation %s: %w", constellationID, err)
	}
	return nil
}

// List returns the constellation_ids of every persisted document.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT constellation_id FROM constellations ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("dag: list constellations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dag: scan constellation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func toDocument(c *Constellation) document {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := document{
		ConstellationID: c.ConstellationID,
		Name:            c.Name,
		Metadata:        deepCopyMap(c.Metadata),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	for _, t := range c.tasks {
		doc.Tasks = append(doc.Tasks, *t.clone())
	}
	for _, e := range c.edges {
		doc.Edges = append(doc.Edges, documentEdge{
			EdgeID:               e.EdgeID,
			FromTaskID:           e.FromTaskID,
			ToTaskID:             e.ToTaskID,
			Kind:                 e.Kind,
			ConditionDescription: e.ConditionDescription,
			Metadata:             deepCopyMap(e.Metadata),
		})
	}
	return doc
}

func fromDocument(doc document) *Constellation {
	c := New(doc.ConstellationID, doc.Name)
	c.Metadata = deepCopyMap(doc.Metadata)
	c.CreatedAt = doc.CreatedAt
	c.UpdatedAt = doc.UpdatedAt

	for _, t := range doc.Tasks {
		c.tasks[t.TaskID] = t.clone()
	}
	for _, de := range doc.Edges {
		c.edges[de.EdgeID] = &DependencyEdge{
			EdgeID:               de.EdgeID,
			FromTaskID:           de.FromTaskID,
			ToTaskID:             de.ToTaskID,
			Kind:                 de.Kind,
			ConditionDescription: de.ConditionDescription,
			Metadata:             deepCopyMap(de.Metadata),
		}
		if from, ok := c.tasks[de.FromTaskID]; ok {
			from.OutgoingDeps[de.EdgeID] = struct{}{}
		}
		if to, ok := c.tasks[de.ToTaskID]; ok {
			to.IncomingDeps[de.EdgeID] = struct{}{}
		}
	}
	c.recomputeReadinessLocked()
	c.recomputeStateLocked()
	return c
}
