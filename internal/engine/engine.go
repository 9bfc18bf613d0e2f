package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/depgraph"
	"conveyor/internal/domain"
	"conveyor/internal/repo"
	"conveyor/internal/stage"
	"conveyor/internal/worklog"
)

// Engine is the work-item coordination engine. Every public operation
// runs as one transaction against the store; there is no separate
// check API that a caller could interleave work between.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    worklog.Writer
	Config *config.Config
	Stages *stage.Graph
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Log:    worklog.Writer{DB: db},
		Config: cfg,
		Stages: stage.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// log returns the writer bound to the engine's clock, so log
// timestamps and item timestamps come from the same source even when
// a test swaps Now after construction.
func (e Engine) log() worklog.Writer {
	w := e.Log
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// InitPipeline creates a pipeline and persists its policy table.
func (e Engine) InitPipeline(ctx context.Context, pipelineID, description, agentID string) (domain.Pipeline, error) {
	if pipelineID == "" {
		return domain.Pipeline{}, newError(CodeBadInput, nil, "pipeline id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()

	p := domain.Pipeline{
		ID:          pipelineID,
		Description: description,
		Status:      "active",
		CreatedAt:   e.timestamp(),
	}
	if err := e.Repo.InsertPipeline(ctx, tx, p); err != nil {
		return domain.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(pipelineID)
	}
	if err := e.Repo.UpsertPipelineConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Pipeline{}, fmt.Errorf("insert pipeline config: %w", err)
	}
	if err := e.log().Append(ctx, tx, "pipeline.init", p.ID, "pipeline", p.ID, agentID, worklog.Payload{"status": p.Status}); err != nil {
		return domain.Pipeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// ItemCreateOptions are parameters for creating a work item.
type ItemCreateOptions struct {
	ID          string
	PipelineID  string
	Type        string
	Priority    int
	Title       string
	Description string
	Outputs     []string
	DependsOn   []string
	AgentID     string
}

var itemTypes = map[string]bool{"feature": true, "bug": true, "chore": true, "spike": true}

// CreateItem inserts a work item in intake with rejection count 0.
// Declared dependencies and outputs are validated against the
// persisted graph before anything is written.
func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, newError(CodeBadInput, nil, "title is required")
	}
	if opts.PipelineID == "" {
		return domain.WorkItem{}, newError(CodeBadInput, nil, "pipeline is required")
	}
	if opts.Type == "" {
		opts.Type = "feature"
	}
	if !itemTypes[opts.Type] {
		return domain.WorkItem{}, newError(CodeBadInput, map[string]any{"type": opts.Type}, "unknown item type %s", opts.Type)
	}
	if opts.Priority < 0 || opts.Priority > 3 {
		return domain.WorkItem{}, newError(CodeBadInput, map[string]any{"priority": opts.Priority}, "priority must be 0..3")
	}
	if _, err := e.Repo.GetPipeline(ctx, opts.PipelineID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkItem{}, newError(CodePipelineNotFound, nil, "pipeline %s not found", opts.PipelineID)
		}
		return domain.WorkItem{}, err
	}

	id := opts.ID
	now := e.timestamp()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.PipelineID+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.WorkItem{
		ID:          id,
		PipelineID:  opts.PipelineID,
		Type:        opts.Type,
		Priority:    opts.Priority,
		Title:       opts.Title,
		Description: opts.Description,
		Stage:       string(stage.Intake),
		Outputs:     opts.Outputs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if len(opts.DependsOn) > 0 {
		if err := e.validateEdgesTx(ctx, tx, t.PipelineID, t.ID, opts.DependsOn); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := e.Repo.InsertItem(ctx, tx, t); err != nil {
		return domain.WorkItem{}, err
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if len(t.Outputs) > 0 {
		if err := e.checkOutputCollisionsTx(ctx, tx, t.PipelineID, t.ID); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := e.log().Append(ctx, tx, "item.created", t.PipelineID, "item", t.ID, opts.AgentID, worklog.Payload{"title": t.Title, "stage": t.Stage}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// AddDependencies attaches edges to an existing item after simulating
// the insertion on the current graph; a cycle or output collision is
// rejected before commit.
func (e Engine) AddDependencies(ctx context.Context, itemID string, deps []string, agentID string) (domain.WorkItem, error) {
	if len(deps) == 0 {
		return domain.WorkItem{}, newError(CodeBadInput, nil, "no dependencies given")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	t, err := e.getLiveItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for _, d := range deps {
		if _, err := e.getLiveItemTx(ctx, tx, d); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := e.validateEdgesTx(ctx, tx, t.PipelineID, t.ID, deps); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.AddDependencies(ctx, tx, t.ID, deps); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.checkOutputCollisionsTx(ctx, tx, t.PipelineID, t.ID); err != nil {
		return domain.WorkItem{}, err
	}
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItem(ctx, tx, t); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.log().Append(ctx, tx, "item.deps.added", t.PipelineID, "item", t.ID, agentID, worklog.Payload{"depends_on": deps}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	t.DependsOn, _ = e.Repo.ListItemDeps(ctx, t.ID)
	return t, nil
}

// RemoveDependencies detaches edges. Removal can never create a cycle
// so no graph validation is needed.
func (e Engine) RemoveDependencies(ctx context.Context, itemID string, deps []string, agentID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	t, err := e.getLiveItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.RemoveDependencies(ctx, tx, t.ID, deps); err != nil {
		return domain.WorkItem{}, err
	}
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItem(ctx, tx, t); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.log().Append(ctx, tx, "item.deps.removed", t.PipelineID, "item", t.ID, agentID, worklog.Payload{"depends_on": deps}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	t.DependsOn, _ = e.Repo.ListItemDeps(ctx, t.ID)
	return t, nil
}

// ArchiveItem soft-deletes an item, releasing any claim. Items are
// never hard-deleted; the tombstone preserves audit history.
func (e Engine) ArchiveItem(ctx context.Context, itemID, agentID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	t, err := e.getLiveItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := e.timestamp()
	t.ArchivedAt = &now
	t.AssignedAgent = nil
	t.UpdatedAt = now
	if err := e.Repo.DeleteClaim(ctx, tx, t.ID); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.UpdateItem(ctx, tx, t); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.log().Append(ctx, tx, "item.archived", t.PipelineID, "item", t.ID, agentID, nil); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return t, nil
}

// getLiveItemTx loads an item inside the transaction and treats
// archived tombstones as not found.
func (e Engine) getLiveItemTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.WorkItem, error) {
	t, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, newError(CodeItemNotFound, map[string]any{"item_id": itemID}, "item %s not found", itemID)
		}
		return t, err
	}
	if t.ArchivedAt != nil {
		return t, newError(CodeItemNotFound, map[string]any{"item_id": itemID, "archived": true}, "item %s is archived", itemID)
	}
	return t, nil
}

// validateEdgesTx simulates adding itemID -> deps on the persisted
// graph and fails with the offending cycle.
func (e Engine) validateEdgesTx(ctx context.Context, tx *sql.Tx, pipelineID, itemID string, deps []string) error {
	edges, err := e.Repo.ListEdgesTx(ctx, tx, pipelineID)
	if err != nil {
		return err
	}
	v := depgraph.ValidateNewEdges(itemID, deps, edges)
	if !v.Valid {
		return newError(CodeDependencyCycle, map[string]any{"cycle": v.Cycle}, "dependency cycle: %v", v.Cycle)
	}
	return nil
}

// checkOutputCollisionsTx re-runs collision detection for the whole
// pipeline and fails when the given item participates in a collision.
func (e Engine) checkOutputCollisionsTx(ctx context.Context, tx *sql.Tx, pipelineID, itemID string) error {
	owners, edges, err := e.outputOwnersTx(ctx, tx, pipelineID)
	if err != nil {
		return err
	}
	for _, c := range depgraph.DetectOutputCollisions(owners, edges) {
		for _, id := range c.Items {
			if id == itemID {
				return newError(CodeOutputCollision, map[string]any{"path": c.Path, "items": c.Items},
					"output %s is also written by an unordered item", c.Path)
			}
		}
	}
	return nil
}

func (e Engine) outputOwnersTx(ctx context.Context, tx *sql.Tx, pipelineID string) ([]depgraph.OutputOwner, []domain.DependencyEdge, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, outputs_json FROM work_items WHERE pipeline_id=? AND archived_at IS NULL AND outputs_json IS NOT NULL AND stage != ?`,
		pipelineID, string(stage.Done))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var owners []depgraph.OutputOwner
	for rows.Next() {
		var id, outputsJSON string
		if err := rows.Scan(&id, &outputsJSON); err != nil {
			return nil, nil, err
		}
		owner := depgraph.OutputOwner{ID: id}
		if err := unmarshalOutputs(outputsJSON, &owner.Outputs); err != nil {
			return nil, nil, err
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	edges, err := e.Repo.ListEdgesTx(ctx, tx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	return owners, edges, nil
}
