// Package mesh implements the agent discovery/registry subsystem: a
// persistent catalogue of known agents, health classification derived from
// last-seen timestamps, and a denial-list-aware filesystem discovery walk.
package mesh

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Budget caps a registered agent's message-bus consumption.
type Budget struct {
	MaxHopsPerMessage int `json:"maxHopsPerMessage"`
	MaxCallsPerHour   int `json:"maxCallsPerHour"`
}

// Runtime identifies the coding-agent backend a manifest targets.
type Runtime string

const (
	RuntimeClaudeCode Runtime = "claude-code"
	RuntimeCursor     Runtime = "cursor"
	RuntimeCodex      Runtime = "codex"
	RuntimeOther      Runtime = "other"
)

// Behavior controls whether an agent reacts to every message on its subject
// or only ones that explicitly mention it.
type Behavior string

const (
	BehaviorAlways    Behavior = "always"
	BehaviorOnMention Behavior = "on-mention"
)

// HealthStatus is derived, never persisted.
type HealthStatus string

const (
	HealthActive      HealthStatus = "active"
	HealthInactive    HealthStatus = "inactive"
	HealthStale       HealthStatus = "stale"
	HealthUnreachable HealthStatus = "unreachable"
)

// Manifest is the persistent record of one registered agent.
type Manifest struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Runtime        Runtime   `json:"runtime"`
	Capabilities   []string  `json:"capabilities"`
	ProjectPath    string    `json:"projectPath"`
	Namespace      string    `json:"namespace,omitempty"`
	Behavior       Behavior  `json:"behavior"`
	Budget         Budget    `json:"budget"`
	RegisteredAt   time.Time `json:"registeredAt"`
	RegisteredBy   string    `json:"registeredBy,omitempty"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
	LastSeenEvent  string    `json:"lastSeenEvent,omitempty"`
	Unreachable    bool      `json:"-"`
}

// DenialRecord marks a filesystem path excluded from future discovery scans.
type DenialRecord struct {
	ID       string    `json:"id"`
	FilePath string    `json:"filePath"`
	Reason   string    `json:"reason,omitempty"`
	DeniedAt time.Time `json:"deniedAt"`
	DeniedBy string    `json:"deniedBy,omitempty"`
}

// ListFilter narrows AgentStore.List.
type ListFilter struct {
	Runtime    Runtime
	Capability string
	Namespace  string
}

// UpdatableFields carries the mutable subset of a Manifest for Update.
type UpdatableFields struct {
	Name         *string
	Description  *string
	Capabilities *[]string
	Behavior     *Behavior
	Budget       *Budget
	Namespace    *string
}

const isoMilli = "2006-01-02T15:04:05.000Z07:00"

// AgentStore persists manifests and denial records in the shared SQLite
// database, following the same sql.Open("sqlite", ...) + explicit Init
// idiom used by relay.Index (internal/relay/index.go), itself grounded on
// _examples/nevindra-oasis/store/sqlite/sqlite.go.
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore wraps an already-opened database handle, shared with the
// rest of the system per spec.md §5's "no cross-component locks" model.
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

// Init creates the agents and denials tables if absent.
func (s *AgentStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mesh_agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			runtime TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			project_path TEXT NOT NULL UNIQUE,
			namespace TEXT,
			behavior TEXT NOT NULL,
			max_hops_per_message INTEGER NOT NULL,
			max_calls_per_hour INTEGER NOT NULL,
			registered_at TEXT NOT NULL,
			registered_by TEXT,
			last_seen_at TEXT,
			last_seen_event TEXT,
			unreachable INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mesh_agents_runtime ON mesh_agents(runtime)`,
		`CREATE INDEX IF NOT EXISTS idx_mesh_agents_namespace ON mesh_agents(namespace)`,
		`CREATE TABLE IF NOT EXISTS mesh_denials (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL UNIQUE,
			reason TEXT,
			denied_at TEXT NOT NULL,
			denied_by TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mesh: init schema: %w", err)
		}
	}
	return nil
}

func encodeCapabilities(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func decodeCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	return out
}

// Upsert inserts a new manifest or, if projectPath already has a different
// id registered, deletes the prior row (stale capture) and inserts the new
// one, per spec.md §4.10.
func (s *AgentStore) Upsert(ctx context.Context, m Manifest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var priorID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM mesh_agents WHERE project_path = ? AND id != ?`, m.ProjectPath, m.ID).Scan(&priorID)
	if err == nil && priorID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mesh_agents WHERE id = ?`, priorID); err != nil {
			return err
		}
	} else if err != nil && err != sql.ErrNoRows {
		return err
	}

	var lastSeenAt, lastSeenEvent sql.NullString
	if m.LastSeenAt != nil {
		lastSeenAt = sql.NullString{String: m.LastSeenAt.UTC().Format(isoMilli), Valid: true}
	}
	if m.LastSeenEvent != "" {
		lastSeenEvent = sql.NullString{String: m.LastSeenEvent, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mesh_agents (id, name, description, runtime, capabilities, project_path, namespace, behavior, max_hops_per_message, max_calls_per_hour, registered_at, registered_by, last_seen_at, last_seen_event, unreachable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, runtime=excluded.runtime,
			capabilities=excluded.capabilities, project_path=excluded.project_path, namespace=excluded.namespace,
			behavior=excluded.behavior, max_hops_per_message=excluded.max_hops_per_message,
			max_calls_per_hour=excluded.max_calls_per_hour, registered_by=excluded.registered_by`,
		m.ID, m.Name, m.Description, string(m.Runtime), encodeCapabilities(m.Capabilities), m.ProjectPath,
		m.Namespace, string(m.Behavior), m.Budget.MaxHopsPerMessage, m.Budget.MaxCallsPerHour,
		m.RegisteredAt.UTC().Format(isoMilli), m.RegisteredBy, lastSeenAt, lastSeenEvent,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanManifest(row interface{ Scan(...any) error }) (Manifest, error) {
	var m Manifest
	var description, namespace, registeredBy, lastSeenEvent sql.NullString
	var lastSeenAt sql.NullString
	var registeredAt string
	var capsRaw string
	var unreachable int
	err := row.Scan(&m.ID, &m.Name, &description, &m.Runtime, &capsRaw, &m.ProjectPath, &namespace,
		&m.Behavior, &m.Budget.MaxHopsPerMessage, &m.Budget.MaxCallsPerHour, &registeredAt, &registeredBy,
		&lastSeenAt, &lastSeenEvent, &unreachable)
	if err != nil {
		return Manifest{}, err
	}
	m.Description = description.String
	m.Namespace = namespace.String
	m.RegisteredBy = registeredBy.String
	m.LastSeenEvent = lastSeenEvent.String
	m.Capabilities = decodeCapabilities(capsRaw)
	m.Unreachable = unreachable != 0
	if t, err := time.Parse(isoMilli, registeredAt); err == nil {
		m.RegisteredAt = t
	}
	if lastSeenAt.Valid {
		if t, err := time.Parse(isoMilli, lastSeenAt.String); err == nil {
			m.LastSeenAt = &t
		}
	}
	return m, nil
}

const manifestColumns = `id, name, description, runtime, capabilities, project_path, namespace, behavior, max_hops_per_message, max_calls_per_hour, registered_at, registered_by, last_seen_at, last_seen_event, unreachable`

// Get looks up a manifest by id.
func (s *AgentStore) Get(ctx context.Context, id string) (Manifest, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM mesh_agents WHERE id = ?`, id)
	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

// GetByPath looks up a manifest by its unique project path.
func (s *AgentStore) GetByPath(ctx context.Context, path string) (Manifest, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM mesh_agents WHERE project_path = ?`, path)
	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

// List returns manifests matching the given filter (zero values match all).
func (s *AgentStore) List(ctx context.Context, filter ListFilter) ([]Manifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM mesh_agents WHERE 1=1`
	var args []any
	if filter.Runtime != "" {
		query += ` AND runtime = ?`
		args = append(args, string(filter.Runtime))
	}
	if filter.Namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, filter.Namespace)
	}
	query += ` ORDER BY registered_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		if filter.Capability != "" {
			found := false
			for _, c := range m.Capabilities {
				if c == filter.Capability {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Update mutates only the fields named in fields.
func (s *AgentStore) Update(ctx context.Context, id string, fields UpdatableFields) (Manifest, bool, error) {
	m, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return Manifest{}, ok, err
	}
	if fields.Name != nil {
		m.Name = *fields.Name
	}
	if fields.Description != nil {
		m.Description = *fields.Description
	}
	if fields.Capabilities != nil {
		m.Capabilities = *fields.Capabilities
	}
	if fields.Behavior != nil {
		m.Behavior = *fields.Behavior
	}
	if fields.Budget != nil {
		m.Budget = *fields.Budget
	}
	if fields.Namespace != nil {
		m.Namespace = *fields.Namespace
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE mesh_agents SET name=?, description=?, capabilities=?, behavior=?, max_hops_per_message=?, max_calls_per_hour=?, namespace=?
		WHERE id=?`,
		m.Name, m.Description, encodeCapabilities(m.Capabilities), string(m.Behavior),
		m.Budget.MaxHopsPerMessage, m.Budget.MaxCallsPerHour, m.Namespace, id)
	if err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

// UpdateHealth records a presence event.
func (s *AgentStore) UpdateHealth(ctx context.Context, id string, lastSeenAt time.Time, event string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mesh_agents SET last_seen_at = ?, last_seen_event = ?, unreachable = 0 WHERE id = ?`,
		lastSeenAt.UTC().Format(isoMilli), event, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mesh: agent %s not found", id)
	}
	return nil
}

// MarkUnreachable flags an agent as explicitly unreachable.
func (s *AgentStore) MarkUnreachable(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mesh_agents SET unreachable = 1 WHERE id = ?`, id)
	return err
}

// ListUnreachableBefore returns agents marked unreachable whose last_seen_at
// predates the given ISO-8601 timestamp, for garbage collection.
func (s *AgentStore) ListUnreachableBefore(ctx context.Context, iso string) ([]Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+manifestColumns+` FROM mesh_agents WHERE unreachable = 1 AND (last_seen_at IS NULL OR last_seen_at < ?)`, iso)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Remove deletes a manifest by id.
func (s *AgentStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mesh_agents WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Deny inserts a denial record.
func (s *AgentStore) Deny(ctx context.Context, rec DenialRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mesh_denials (id, file_path, reason, denied_at, denied_by) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET reason=excluded.reason, denied_at=excluded.denied_at, denied_by=excluded.denied_by`,
		rec.ID, rec.FilePath, rec.Reason, rec.DeniedAt.UTC().Format(isoMilli), rec.DeniedBy)
	return err
}

// ListDenied returns every denial record.
func (s *AgentStore) ListDenied(ctx context.Context) ([]DenialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, file_path, reason, denied_at, denied_by FROM mesh_denials ORDER BY denied_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DenialRecord
	for rows.Next() {
		var rec DenialRecord
		var reason, deniedBy sql.NullString
		var deniedAt string
		if err := rows.Scan(&rec.ID, &rec.FilePath, &reason, &deniedAt, &deniedBy); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		rec.DeniedBy = deniedBy.String
		if t, err := time.Parse(isoMilli, deniedAt); err == nil {
			rec.DeniedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// IsDenied reports whether path is present in the denial table.
func (s *AgentStore) IsDenied(ctx context.Context, path string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mesh_denials WHERE file_path = ?`, path).Scan(&count)
	return count > 0, err
}

// Undeny removes a denial record by path.
func (s *AgentStore) Undeny(ctx context.Context, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mesh_denials WHERE file_path = ?`, path)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ComputeHealthStatus implements spec.md §4.10's derived health rule.
func ComputeHealthStatus(lastSeenAt *time.Time, unreachable bool, now time.Time) HealthStatus {
	if unreachable {
		return HealthUnreachable
	}
	if lastSeenAt == nil {
		return HealthStale
	}
	age := now.Sub(*lastSeenAt)
	switch {
	case age < 5*time.Minute:
		return HealthActive
	case age < 30*time.Minute:
		return HealthInactive
	default:
		return HealthStale
	}
}
