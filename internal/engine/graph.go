package engine

import (
	"context"
	"encoding/json"

	"conveyor/internal/depgraph"
	"conveyor/internal/domain"
	"conveyor/internal/stage"
)

// GraphCheck is the outcome of a proposed-edge validation.
type GraphCheck struct {
	Valid  bool       `json:"valid"`
	Cycles [][]string `json:"cycles,omitempty"`
}

// CheckDependencyGraph simulates the proposed edges on the persisted
// graph without writing anything. Edges accepted for one item join the
// working edge set before the next item is validated, so a proposal
// whose edges are only cyclic in combination is still caught. The
// check keeps going past the first cycle to report every offender.
func (e Engine) CheckDependencyGraph(ctx context.Context, pipelineID string, proposed []domain.DependencyEdge) (GraphCheck, error) {
	working, err := e.Repo.ListEdges(ctx, pipelineID)
	if err != nil {
		return GraphCheck{}, err
	}
	check := GraphCheck{Valid: true}
	byItem := map[string][]string{}
	var order []string
	for _, p := range proposed {
		if _, seen := byItem[p.ItemID]; !seen {
			order = append(order, p.ItemID)
		}
		byItem[p.ItemID] = append(byItem[p.ItemID], p.DependsOn)
	}
	for _, itemID := range order {
		v := depgraph.ValidateNewEdges(itemID, byItem[itemID], working)
		if !v.Valid {
			check.Valid = false
			check.Cycles = append(check.Cycles, v.Cycle)
			continue
		}
		for _, dep := range byItem[itemID] {
			working = append(working, domain.DependencyEdge{ItemID: itemID, DependsOn: dep})
		}
	}
	return check, nil
}

// ReadySet partitions items into ready and dependency-blocked.
type ReadySet struct {
	Ready   []domain.WorkItem `json:"ready"`
	Blocked []BlockedItem     `json:"blocked"`
}

// BlockedItem names the unfinished dependencies holding an item back.
type BlockedItem struct {
	Item      domain.WorkItem `json:"item"`
	BlockedBy []string        `json:"blocked_by"`
}

// ComputeReadySet evaluates readiness for every item waiting in ready.
// The graph and stages are read fresh from the store on each call.
func (e Engine) ComputeReadySet(ctx context.Context, pipelineID string) (ReadySet, error) {
	items, err := e.Repo.ListItemsInStages(ctx, pipelineID, []stage.Stage{stage.Ready})
	if err != nil {
		return ReadySet{}, err
	}
	edges, err := e.Repo.ListEdges(ctx, pipelineID)
	if err != nil {
		return ReadySet{}, err
	}
	var set ReadySet
	stageOf := e.stageLookup(ctx)
	for _, t := range items {
		blocking := depgraph.BlockedBy(t.ID, edges, stageOf)
		if len(blocking) == 0 {
			set.Ready = append(set.Ready, t)
		} else {
			set.Blocked = append(set.Blocked, BlockedItem{Item: t, BlockedBy: blocking})
		}
	}
	return set, nil
}

func (e Engine) stageLookup(ctx context.Context) depgraph.StageLookup {
	return func(id string) (stage.Stage, bool) {
		var s string
		err := e.DB.QueryRowContext(ctx, `SELECT stage FROM work_items WHERE id=? AND archived_at IS NULL`, id).Scan(&s)
		if err != nil {
			return "", false
		}
		return stage.Stage(s), true
	}
}

// DetectOutputCollisions reports unordered items sharing an output
// path across the pipeline.
func (e Engine) DetectOutputCollisions(ctx context.Context, pipelineID string) ([]depgraph.Collision, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	owners, edges, err := e.outputOwnersTx(ctx, tx, pipelineID)
	if err != nil {
		return nil, err
	}
	return depgraph.DetectOutputCollisions(owners, edges), nil
}

func unmarshalOutputs(raw string, out *[]string) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
