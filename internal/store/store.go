// Package store persists instances, plans, authentication sessions, and the
// append-only activity log in SQLite.
//
// Concurrency model: a single *sql.DB guarded by an RWMutex. Plan updates are
// last-write-wins; callers that need in-process serialization use the
// engine's per-plan singleflight.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"planpilot/internal/plan"
	"planpilot/internal/sessions"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New initializes the SQLite database at the given path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	instanceTable := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instances_site ON instances(site_id);
	`

	planTable := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		command_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		doc TEXT NOT NULL DEFAULT '{}',
		steps_total INTEGER NOT NULL DEFAULT 0,
		steps_completed INTEGER NOT NULL DEFAULT 0,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_instance ON plans(instance_id);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
	`

	sessionTable := `
	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL,
		valid INTEGER NOT NULL DEFAULT 1,
		expires_at TEXT NOT NULL DEFAULT '',
		last_used_at TEXT NOT NULL DEFAULT '',
		use_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_auth_sessions_site ON auth_sessions(site_id);
	CREATE INDEX IF NOT EXISTS idx_auth_sessions_domain ON auth_sessions(domain);
	`

	logTable := `
	CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL DEFAULT '',
		plan_id TEXT NOT NULL DEFAULT '',
		step_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		needs_review INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_plan ON activity_log(plan_id);
	CREATE INDEX IF NOT EXISTS idx_activity_instance ON activity_log(instance_id);
	`

	for _, table := range []string{instanceTable, planTable, sessionTable, logTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ========== Instances ==========

// Instance status values.
const (
	InstanceStarting = "starting"
	InstanceRunning  = "running"
	InstanceStopped  = "stopped"
)

// Instance is a managed virtual machine the engine can act on.
type Instance struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertInstance inserts or updates an instance row.
func (s *Store) UpsertInstance(inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if inst.Status == "" {
		inst.Status = InstanceRunning
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO instances (id, site_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			site_id = excluded.site_id,
			name = excluded.name,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		inst.ID, inst.SiteID, inst.Name, inst.Status,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}
	return nil
}

// Instance returns the instance with the given id, or nil when unknown.
func (s *Store) Instance(id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, site_id, name, status, created_at, updated_at
		FROM instances WHERE id = ?`, id)

	var inst Instance
	var created, updated string
	err := row.Scan(&inst.ID, &inst.SiteID, &inst.Name, &inst.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	inst.CreatedAt = parseTime(created)
	inst.UpdatedAt = parseTime(updated)
	return &inst, nil
}

// ========== Plans ==========

// CreatePlan inserts a new plan row.
func (s *Store) CreatePlan(p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePlan(p, true)
}

// SavePlan updates an existing plan row. Last write wins.
func (s *Store) SavePlan(p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePlan(p, false)
}

func (s *Store) writePlan(p *plan.Plan, insert bool) error {
	doc, err := plan.EncodeDocument(p.Phases)
	if err != nil {
		return fmt.Errorf("failed to encode plan document: %w", err)
	}

	if insert {
		_, err = s.db.Exec(`
			INSERT INTO plans (id, instance_id, site_id, user_id, agent_id, command_id,
				title, description, status, doc, steps_total, steps_completed,
				progress_percentage, failure_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Meta.InstanceID, p.Meta.SiteID, p.Meta.UserID, p.Meta.AgentID,
			p.Meta.CommandID, p.Title, p.Description, string(p.Status), string(doc),
			p.StepsTotal, p.StepsCompleted, p.ProgressPercent, p.FailureReason,
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	} else {
		_, err = s.db.Exec(`
			UPDATE plans SET title = ?, description = ?, status = ?, doc = ?,
				steps_total = ?, steps_completed = ?, progress_percentage = ?,
				failure_reason = ?, updated_at = ?
			WHERE id = ?`,
			p.Title, p.Description, string(p.Status), string(doc),
			p.StepsTotal, p.StepsCompleted, p.ProgressPercent, p.FailureReason,
			formatTime(p.UpdatedAt), p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// PlanByID returns the plan with the given id, or nil when unknown.
func (s *Store) PlanByID(id string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(planSelect+` WHERE id = ?`, id)
	return scanPlan(row)
}

// ActivePlanForInstance returns the most recent non-terminal plan for the
// instance, or nil when there is none.
func (s *Store) ActivePlanForInstance(instanceID string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(planSelect+`
		WHERE instance_id = ? AND status IN ('pending', 'active', 'in_progress')
		ORDER BY created_at DESC LIMIT 1`, instanceID)
	return scanPlan(row)
}

const planSelect = `
	SELECT id, instance_id, site_id, user_id, agent_id, command_id,
		title, description, status, doc, steps_total, steps_completed,
		progress_percentage, failure_reason, created_at, updated_at
	FROM plans`

func scanPlan(row *sql.Row) (*plan.Plan, error) {
	var p plan.Plan
	var status, doc, created, updated string
	err := row.Scan(&p.ID, &p.Meta.InstanceID, &p.Meta.SiteID, &p.Meta.UserID,
		&p.Meta.AgentID, &p.Meta.CommandID, &p.Title, &p.Description, &status,
		&doc, &p.StepsTotal, &p.StepsCompleted, &p.ProgressPercent,
		&p.FailureReason, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	p.Status = plan.Status(status)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	phases, err := plan.DecodeDocument([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to decode plan document: %w", err)
	}
	p.Phases = phases
	return &p, nil
}

// ========== Authentication sessions ==========

// UpsertSession stores a captured authentication session. Sessions are
// written by an external collaborator; the engine only reads them.
func (s *Store) UpsertSession(siteID string, rec sessions.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO auth_sessions (id, site_id, platform, domain, valid,
			expires_at, last_used_at, use_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform = excluded.platform,
			domain = excluded.domain,
			valid = excluded.valid,
			expires_at = excluded.expires_at,
			last_used_at = excluded.last_used_at,
			use_count = excluded.use_count`,
		rec.ID, siteID, rec.Platform, rec.Domain, boolToInt(rec.Valid),
		formatNullableTime(rec.ExpiresAt), formatNullableTime(rec.LastUsedAt),
		rec.UseCount, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// SessionsForSite returns all stored sessions for the site, valid or not.
// The analyzer classifies expiry; the store does not filter.
func (s *Store) SessionsForSite(siteID string) ([]sessions.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, platform, domain, valid, expires_at, last_used_at, use_count, created_at
		FROM auth_sessions WHERE site_id = ? ORDER BY created_at DESC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []sessions.Record
	for rows.Next() {
		var rec sessions.Record
		var valid int
		var expires, lastUsed, created string
		if err := rows.Scan(&rec.ID, &rec.Platform, &rec.Domain, &valid,
			&expires, &lastUsed, &rec.UseCount, &created); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.Valid = valid != 0
		rec.ExpiresAt = parseTime(expires)
		rec.LastUsedAt = parseTime(lastUsed)
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ========== Activity log ==========

// LogEntry is one append-only activity record.
type LogEntry struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id,omitempty"`
	PlanID       string    `json:"plan_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	Kind         string    `json:"kind"`
	Message      string    `json:"message,omitempty"`
	NeedsReview  bool      `json:"needs_review,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	TotalTokens  int       `json:"total_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppendLog appends one activity entry.
func (s *Store) AppendLog(entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO activity_log (id, instance_id, plan_id, step_id, kind,
			message, needs_review, input_tokens, output_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, entry.PlanID, entry.StepID, entry.Kind,
		entry.Message, boolToInt(entry.NeedsReview), entry.InputTokens,
		entry.OutputTokens, entry.TotalTokens, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// RecentLog returns the newest entries for a plan, most recent first.
func (s *Store) RecentLog(planID string, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, instance_id, plan_id, step_id, kind, message, needs_review,
			input_tokens, output_tokens, total_tokens, created_at
		FROM activity_log WHERE plan_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var needsReview int
		var created string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.PlanID, &e.StepID, &e.Kind,
			&e.Message, &needsReview, &e.InputTokens, &e.OutputTokens,
			&e.TotalTokens, &created); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.NeedsReview = needsReview != 0
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ========== Helpers ==========

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
