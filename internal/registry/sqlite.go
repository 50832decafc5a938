package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store is the persistent element store backing the registry's write-through
// side-effect. It exists so a restarted host can present the same model
// state; the registry never reads from it on the hot path.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the element database under dataDir with WAL
// mode and runs migrations.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "elements.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS elements (
			id          TEXT PRIMARY KEY,
			elem_type   TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			loc_x       REAL,
			loc_y       REAL,
			properties  TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			modified_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_elements_type     ON elements(elem_type);
		CREATE INDEX IF NOT EXISTS idx_elements_modified ON elements(modified_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SaveElement upserts one element row.
func (s *Store) SaveElement(el Element) error {
	props := "{}"
	if len(el.Properties) > 0 {
		data, err := json.Marshal(el.Properties)
		if err != nil {
			return fmt.Errorf("registry: encode properties for %q: %w", el.ID, err)
		}
		props = string(data)
	}
	var locX, locY any
	if el.Location != nil {
		locX, locY = el.Location.X, el.Location.Y
	}

	_, err := s.db.Exec(`
		INSERT INTO elements (id, elem_type, name, description, loc_x, loc_y, properties, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			elem_type   = excluded.elem_type,
			name        = excluded.name,
			description = excluded.description,
			loc_x       = excluded.loc_x,
			loc_y       = excluded.loc_y,
			properties  = excluded.properties,
			modified_at = excluded.modified_at`,
		el.ID, el.Type, el.Name, el.Description, locX, locY, props,
		el.CreatedAt.UTC().Format(time.RFC3339Nano),
		el.ModifiedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("registry: save element %q: %w", el.ID, err)
	}
	return nil
}

// LoadAll returns every stored element, newest modification first.
func (s *Store) LoadAll() ([]Element, error) {
	rows, err := s.db.Query(`
		SELECT id, elem_type, name, description, loc_x, loc_y, properties, created_at, modified_at
		FROM elements
		ORDER BY modified_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("registry: load elements: %w", err)
	}
	defer rows.Close()

	var out []Element
	for rows.Next() {
		var (
			el         Element
			locX, locY sql.NullFloat64
			props      string
			created    string
			modified   string
		)
		if err := rows.Scan(&el.ID, &el.Type, &el.Name, &el.Description, &locX, &locY, &props, &created, &modified); err != nil {
			return nil, fmt.Errorf("registry: scan element: %w", err)
		}
		if locX.Valid && locY.Valid {
			el.Location = &Point{X: locX.Float64, Y: locY.Float64}
		}
		if props != "" && props != "{}" {
			if err := json.Unmarshal([]byte(props), &el.Properties); err != nil {
				return nil, fmt.Errorf("registry: parse properties for %q: %w", el.ID, err)
			}
		}
		el.CreatedAt = parseStoredTime(created)
		el.ModifiedAt = parseStoredTime(modified)
		out = append(out, el)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate elements: %w", err)
	}
	return out, nil
}

// DeleteElement removes one row. Missing rows are not an error.
func (s *Store) DeleteElement(id string) error {
	if _, err := s.db.Exec(`DELETE FROM elements WHERE id = ?`, id); err != nil {
		return fmt.Errorf("registry: delete element %q: %w", id, err)
	}
	return nil
}

// Reset empties the elements table.
func (s *Store) Reset() error {
	if _, err := s.db.Exec(`DELETE FROM elements`); err != nil {
		return fmt.Errorf("registry: reset element store: %w", err)
	}
	return nil
}

func parseStoredTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
