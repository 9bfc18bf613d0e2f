package engine

import (
	"context"
	"database/sql"

	"conveyor/internal/depgraph"
	"conveyor/internal/domain"
	"conveyor/internal/stage"
	"conveyor/internal/wip"
	"conveyor/internal/worklog"
)

// MoveOptions parameterize a stage move.
type MoveOptions struct {
	ItemID    string
	FromStage stage.Stage
	ToStage   stage.Stage
	AgentID   string
	// Force bypasses the transition matrix for administrative
	// overrides. It never bypasses WIP or dependency checks, and a
	// stage still cannot move to itself.
	Force bool
}

// MoveResult is the outcome of a committed move.
type MoveResult struct {
	Item          domain.WorkItem `json:"item"`
	PreviousStage stage.Stage     `json:"previous_stage"`
	Wip           *wip.Admission  `json:"wip,omitempty"`
}

// MoveItem validates and executes a stage move as one atomic unit.
// Steps 1-5 are pure checks; the final update is the only mutation and
// commits together with them, so no other writer can interleave
// between the last check and the commit.
func (e Engine) MoveItem(ctx context.Context, opts MoveOptions) (MoveResult, error) {
	if opts.ItemID == "" {
		return MoveResult{}, newError(CodeBadInput, nil, "item id is required")
	}
	if !e.Stages.Known(opts.FromStage) || !e.Stages.Known(opts.ToStage) {
		return MoveResult{}, newError(CodeBadInput, map[string]any{
			"from": opts.FromStage, "to": opts.ToStage,
		}, "unknown stage in %s -> %s", opts.FromStage, opts.ToStage)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MoveResult{}, err
	}
	defer tx.Rollback()

	// 1. item must exist and not be archived
	t, err := e.getLiveItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return MoveResult{}, err
	}

	// 2. optimistic-concurrency guard against stale callers
	if t.Stage != string(opts.FromStage) {
		return MoveResult{}, newError(CodeStaleState, map[string]any{
			"expected": opts.FromStage,
			"actual":   t.Stage,
		}, "item %s is in %s, not %s; refresh and retry", t.ID, t.Stage, opts.FromStage)
	}

	// 3. transition legality; a stage never transitions to itself, even
	// under Force
	if opts.FromStage == opts.ToStage {
		return MoveResult{}, newError(CodeInvalidTransition, map[string]any{
			"from": opts.FromStage,
			"to":   opts.ToStage,
		}, "cannot move %s -> %s", opts.FromStage, opts.ToStage)
	}
	if !e.Stages.IsLegal(opts.FromStage, opts.ToStage) && !opts.Force {
		return MoveResult{}, newError(CodeInvalidTransition, map[string]any{
			"from":    opts.FromStage,
			"to":      opts.ToStage,
			"allowed": e.Stages.TransitionsFrom(opts.FromStage),
		}, "cannot move %s -> %s", opts.FromStage, opts.ToStage)
	}

	// 4. WIP admission against current occupancy, excluding this item
	var admission *wip.Admission
	if e.Stages.IsExecution(opts.ToStage) {
		limit := e.stageLimit(opts.ToStage)
		occupancy, err := e.Repo.OccupancyTx(ctx, tx, t.PipelineID, opts.ToStage, t.ID)
		if err != nil {
			return MoveResult{}, err
		}
		a := wip.CheckAdmission(occupancy, limit)
		admission = &a
		if !a.Allowed {
			return MoveResult{}, newError(CodeWipLimitExceeded, map[string]any{
				"stage":     opts.ToStage,
				"occupancy": occupancy,
				"limit":     limit,
			}, "stage %s is at its WIP limit", opts.ToStage)
		}
	}

	// 5. readiness when entering execution from ready
	if opts.FromStage == stage.Ready && e.Stages.IsExecution(opts.ToStage) {
		if err := e.requireReadyTx(ctx, tx, t); err != nil {
			return MoveResult{}, err
		}
	}

	// 6. commit: one item row, one log row, nothing else
	previous := stage.Stage(t.Stage)
	t.Stage = string(opts.ToStage)
	now := e.timestamp()
	t.UpdatedAt = now
	if opts.ToStage == stage.Done {
		t.CompletedAt = &now
	}
	if !e.Stages.IsClaimable(opts.ToStage) {
		t.AssignedAgent = nil
		if err := e.Repo.DeleteClaim(ctx, tx, t.ID); err != nil {
			return MoveResult{}, err
		}
	}
	if err := e.Repo.UpdateItem(ctx, tx, t); err != nil {
		return MoveResult{}, err
	}
	if err := e.log().Append(ctx, tx, "item.moved", t.PipelineID, "item", t.ID, opts.AgentID, worklog.Payload{
		"from":  previous,
		"to":    t.Stage,
		"force": opts.Force,
	}); err != nil {
		return MoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MoveResult{}, err
	}
	return MoveResult{Item: t, PreviousStage: previous, Wip: admission}, nil
}

// stageLimit reads the configured WIP limit for a stage; nil when the
// policy table has no entry.
func (e Engine) stageLimit(s stage.Stage) *int {
	if e.Config == nil {
		return nil
	}
	limit, ok := e.Config.Wip.Limits[string(s)]
	if !ok {
		return nil
	}
	return &limit
}

// requireReadyTx fails with the blocking ids when any dependency of t
// has not reached done. The edge set is read inside the transaction so
// the view cannot drift from the store.
func (e Engine) requireReadyTx(ctx context.Context, tx *sql.Tx, t domain.WorkItem) error {
	edges, err := e.Repo.ListEdgesTx(ctx, tx, t.PipelineID)
	if err != nil {
		return err
	}
	blocking := depgraph.BlockedBy(t.ID, edges, e.stageLookupTx(ctx, tx))
	if len(blocking) > 0 {
		return newError(CodeDependenciesNotMet, map[string]any{"blocked_by": blocking},
			"item %s has unfinished dependencies", t.ID)
	}
	return nil
}

func (e Engine) stageLookupTx(ctx context.Context, tx *sql.Tx) depgraph.StageLookup {
	return func(id string) (stage.Stage, bool) {
		var s string
		err := tx.QueryRowContext(ctx, `SELECT stage FROM work_items WHERE id=? AND archived_at IS NULL`, id).Scan(&s)
		if err != nil {
			return "", false
		}
		return stage.Stage(s), true
	}
}
