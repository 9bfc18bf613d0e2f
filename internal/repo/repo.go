package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/domain"
	"conveyor/internal/stage"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so single-row
// lookups can run inside or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) InsertPipeline(ctx context.Context, tx *sql.Tx, p domain.Pipeline) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pipelines(id,description,status,created_at) VALUES (?,?,?,?)`,
		p.ID, nullable(p.Description), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var p domain.Pipeline
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(description,''),status,created_at FROM pipelines WHERE id=?`, id).
		Scan(&p.ID, &p.Description, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// SinglePipeline returns the only pipeline in the workspace, erroring
// when there are zero or several.
func (r Repo) SinglePipeline(ctx context.Context) (domain.Pipeline, error) {
	pipelines, err := r.ListPipelines(ctx)
	if err != nil {
		return domain.Pipeline{}, err
	}
	if len(pipelines) == 0 {
		return domain.Pipeline{}, ErrNotFound
	}
	if len(pipelines) > 1 {
		return domain.Pipeline{}, fmt.Errorf("multiple pipelines exist; specify --pipeline")
	}
	return pipelines[0], nil
}

func (r Repo) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(description,''),status,created_at FROM pipelines ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		var p domain.Pipeline
		if err := rows.Scan(&p.ID, &p.Description, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertPipelineConfig(ctx context.Context, pipelineID string, cfg *config.Config) error {
	return upsertPipelineConfig(ctx, r.DB, pipelineID, cfg)
}

func (r Repo) UpsertPipelineConfigTx(ctx context.Context, tx *sql.Tx, pipelineID string, cfg *config.Config) error {
	return upsertPipelineConfig(ctx, tx, pipelineID, cfg)
}

func upsertPipelineConfig(ctx context.Context, q querier, pipelineID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Pipeline.ID = pipelineID
	if err := cfg.Validate(stage.Default()); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = q.ExecContext(ctx, `INSERT INTO pipeline_configs(pipeline_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(pipeline_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, pipelineID, string(payload), now, now)
	return err
}

func (r Repo) GetPipelineConfig(ctx context.Context, pipelineID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM pipeline_configs WHERE pipeline_id=?`, pipelineID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Pipeline.ID == "" {
		cfg.Pipeline.ID = pipelineID
	}
	return &cfg, cfg.Validate(stage.Default())
}

const itemColumns = `id,pipeline_id,type,priority,title,COALESCE(description,''),stage,assigned_agent,rejection_count,outputs_json,created_at,updated_at,completed_at,archived_at`

func scanItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var t domain.WorkItem
	var assignedAgent, outputsJSON, completedAt, archivedAt sql.NullString
	err := scan(&t.ID, &t.PipelineID, &t.Type, &t.Priority, &t.Title, &t.Description, &t.Stage,
		&assignedAgent, &t.RejectionCount, &outputsJSON, &t.CreatedAt, &t.UpdatedAt, &completedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignedAgent.Valid {
		t.AssignedAgent = &assignedAgent.String
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		if err := json.Unmarshal([]byte(outputsJSON.String), &t.Outputs); err != nil {
			return t, fmt.Errorf("outputs of %s: %w", t.ID, err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if archivedAt.Valid {
		t.ArchivedAt = &archivedAt.String
	}
	return t, nil
}

func marshalOutputs(outputs []string) (any, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, t domain.WorkItem) error {
	outputs, err := marshalOutputs(t.Outputs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(id,pipeline_id,type,priority,title,description,stage,assigned_agent,rejection_count,outputs_json,created_at,updated_at,completed_at,archived_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PipelineID, t.Type, t.Priority, t.Title, nullable(t.Description), t.Stage,
		nullableStringPtr(t.AssignedAgent), t.RejectionCount, outputs,
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt), nullableStringPtr(t.ArchivedAt))
	return err
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, t domain.WorkItem) error {
	outputs, err := marshalOutputs(t.Outputs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET type=?, priority=?, title=?, description=?, stage=?, assigned_agent=?, rejection_count=?, outputs_json=?, updated_at=?, completed_at=?, archived_at=? WHERE id=?`,
		t.Type, t.Priority, t.Title, nullable(t.Description), t.Stage,
		nullableStringPtr(t.AssignedAgent), t.RejectionCount, outputs,
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), nullableStringPtr(t.ArchivedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, r.DB, id)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, tx, id)
}

func (r Repo) getItem(ctx context.Context, q querier, id string) (domain.WorkItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	t, err := scanItem(row.Scan)
	if err != nil {
		return t, err
	}
	deps, err := listItemDeps(ctx, q, id)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

type ItemFilters struct {
	PipelineID      string
	Stage           string
	AssignedAgent   string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.PipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, f.PipelineID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.AssignedAgent != "" {
		clauses = append(clauses, "assigned_agent=?")
		args = append(args, f.AssignedAgent)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		t, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListItemsInStages returns non-archived items currently in any of the
// given stages, ordered by priority then age. Used by the recovery
// planner and the ready-set computation.
func (r Repo) ListItemsInStages(ctx context.Context, pipelineID string, stages []stage.Stage) ([]domain.WorkItem, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(stages))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{pipelineID}
	for _, s := range stages {
		args = append(args, string(s))
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE pipeline_id=? AND archived_at IS NULL AND stage IN (` + placeholders + `) ORDER BY priority ASC, created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		t, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OccupancyTx counts non-archived items in a stage, excluding the item
// currently being moved so an item never blocks its own admission.
func (r Repo) OccupancyTx(ctx context.Context, tx *sql.Tx, pipelineID string, s stage.Stage, excludeItemID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM work_items WHERE pipeline_id=? AND stage=? AND archived_at IS NULL AND id != ?`,
		pipelineID, string(s), excludeItemID).Scan(&count)
	return count, err
}

func (r Repo) CountItemsByStage(ctx context.Context, pipelineID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, count(*) FROM work_items WHERE pipeline_id=? AND archived_at IS NULL GROUP BY stage`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var s string
		var count int
		if err := rows.Scan(&s, &count); err != nil {
			return nil, err
		}
		res[s] = count
	}
	return res, rows.Err()
}

func (r Repo) ListItemDeps(ctx context.Context, itemID string) ([]string, error) {
	return listItemDeps(ctx, r.DB, itemID)
}

func (r Repo) ListItemDepsTx(ctx context.Context, tx *sql.Tx, itemID string) ([]string, error) {
	return listItemDeps(ctx, tx, itemID)
}

func listItemDeps(ctx context.Context, q querier, itemID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_item_id FROM item_deps WHERE item_id=? ORDER BY depends_on_item_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListEdges returns every dependency edge between non-archived items
// of a pipeline. The dependency graph is rebuilt from this on each
// check rather than cached.
func (r Repo) ListEdges(ctx context.Context, pipelineID string) ([]domain.DependencyEdge, error) {
	return listEdges(ctx, r.DB, pipelineID)
}

func (r Repo) ListEdgesTx(ctx context.Context, tx *sql.Tx, pipelineID string) ([]domain.DependencyEdge, error) {
	return listEdges(ctx, tx, pipelineID)
}

func listEdges(ctx context.Context, q querier, pipelineID string) ([]domain.DependencyEdge, error) {
	rows, err := q.QueryContext(ctx, `SELECT d.item_id, d.depends_on_item_id FROM item_deps d
JOIN work_items i ON i.id = d.item_id
WHERE i.pipeline_id=? ORDER BY d.item_id, d.depends_on_item_id`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		if err := rows.Scan(&e.ItemID, &e.DependsOn); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, itemID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_deps(item_id, depends_on_item_id) VALUES (?,?)`, itemID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, itemID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_deps WHERE item_id=? AND depends_on_item_id=?`, itemID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetClaim(ctx context.Context, itemID string) (domain.Claim, error) {
	return getClaim(ctx, r.DB, itemID)
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.Claim, error) {
	return getClaim(ctx, tx, itemID)
}

func getClaim(ctx context.Context, q querier, itemID string) (domain.Claim, error) {
	var c domain.Claim
	err := q.QueryRowContext(ctx, `SELECT item_id,agent_id,claimed_at FROM claims WHERE item_id=?`, itemID).
		Scan(&c.ItemID, &c.AgentID, &c.ClaimedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// InsertClaim relies on the primary key on claims.item_id: a racing
// claim that loses transaction ordering fails the constraint instead
// of overwriting the winner.
func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(item_id,agent_id,claimed_at) VALUES (?,?,?)`,
		c.ItemID, c.AgentID, c.ClaimedAt)
	return err
}

func (r Repo) DeleteClaim(ctx context.Context, tx *sql.Tx, itemID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE item_id=?`, itemID)
	return err
}

// ListClaims returns every live claim, ordered by agent then item.
func (r Repo) ListClaims(ctx context.Context) ([]domain.Claim, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_id,agent_id,claimed_at FROM claims ORDER BY agent_id, item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(&c.ItemID, &c.AgentID, &c.ClaimedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// IsUniqueViolation reports whether err is a SQLite unique/primary-key
// constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

type LogFilters struct {
	PipelineID string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     int64
}

// LatestLogEntries returns work-log entries newest first.
func (r Repo) LatestLogEntries(ctx context.Context, f LogFilters) ([]domain.LogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.PipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, f.PipelineID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,COALESCE(pipeline_id,''),entity_kind,COALESCE(entity_id,''),agent_id,payload_json FROM work_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PipelineID, &e.EntityKind, &e.EntityID, &e.AgentID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
