package engine

import (
	"context"

	"conveyor/internal/config"
	"conveyor/internal/domain"
	"conveyor/internal/stage"
)

// RecoveryAction is the single canonical action for one stranded item.
type RecoveryAction struct {
	ItemID string      `json:"item_id"`
	Stage  stage.Stage `json:"stage"`
	Action string      `json:"action"`
	Target stage.Stage `json:"target,omitempty"`
}

// PlanRecovery computes, without mutating anything, the recovery
// action for every non-archived item found in an active stage. The
// rule table comes from the validated pipeline config, so every active
// stage has exactly one rule and every move-back target is legal.
func (e Engine) PlanRecovery(ctx context.Context, pipelineID string) ([]RecoveryAction, error) {
	if e.Config == nil {
		return nil, newError(CodeBadInput, nil, "config not loaded")
	}
	items, err := e.Repo.ListItemsInStages(ctx, pipelineID, e.Stages.ActiveWorkStages())
	if err != nil {
		return nil, err
	}
	return planRecovery(items, e.Config.Recovery.Rules)
}

func planRecovery(items []domain.WorkItem, rules map[string]config.RecoveryRule) ([]RecoveryAction, error) {
	var plan []RecoveryAction
	for _, t := range items {
		rule, ok := rules[t.Stage]
		if !ok {
			// validated config makes this unreachable; failing loudly
			// beats silently stranding the item
			return nil, newError(CodeBadInput, map[string]any{"stage": t.Stage},
				"no recovery rule for stage %s", t.Stage)
		}
		action := RecoveryAction{ItemID: t.ID, Stage: stage.Stage(t.Stage), Action: rule.Action}
		if rule.Action == config.ActionMoveBack {
			action.Target = stage.Stage(rule.Target)
		}
		plan = append(plan, action)
	}
	return plan, nil
}

// ApplyRecovery executes a recovery plan: move-back items return to
// their rule's target with claims released for re-pickup; stay items
// are left as-is for agents to idempotently re-claim.
func (e Engine) ApplyRecovery(ctx context.Context, pipelineID, agentID string) ([]RecoveryAction, error) {
	plan, err := e.PlanRecovery(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	for _, action := range plan {
		if action.Action != config.ActionMoveBack {
			continue
		}
		// release is idempotent; a move-back item must be free for
		// re-pickup by any agent
		if _, err := e.ReleaseItem(ctx, action.ItemID, agentID); err != nil {
			return nil, err
		}
		if _, err := e.MoveItem(ctx, MoveOptions{
			ItemID:    action.ItemID,
			FromStage: action.Stage,
			ToStage:   action.Target,
			AgentID:   agentID,
		}); err != nil {
			// a concurrent mover already handled this item; recovery
			// is best-effort per item, not all-or-nothing
			if IsCode(err, CodeStaleState) {
				continue
			}
			return nil, err
		}
	}
	return plan, nil
}
