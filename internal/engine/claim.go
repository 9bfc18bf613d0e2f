package engine

import (
	"context"
	"errors"

	"conveyor/internal/domain"
	"conveyor/internal/repo"
	"conveyor/internal/stage"
	"conveyor/internal/worklog"
)

// ClaimItem takes an exclusive claim on an item for an agent. The
// existence/stage checks and the claim insert are one transaction; a
// request that loses the race observes already_claimed from the
// primary-key constraint instead of overwriting the winner.
// Re-claiming by the agent already holding the item is idempotent.
func (e Engine) ClaimItem(ctx context.Context, itemID, agentID string) (domain.Claim, error) {
	if itemID == "" || agentID == "" {
		return domain.Claim{}, newError(CodeBadInput, nil, "item id and agent id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	t, err := e.getLiveItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.Claim{}, err
	}
	cur := stage.Stage(t.Stage)
	if !e.Stages.IsClaimable(cur) {
		return domain.Claim{}, newError(CodeInvalidStage, map[string]any{
			"stage":   t.Stage,
			"allowed": e.Stages.ClaimableStages(),
		}, "item %s is in %s, not a claimable stage", itemID, t.Stage)
	}
	existing, err := e.Repo.GetClaimTx(ctx, tx, itemID)
	if err == nil {
		if existing.AgentID == agentID {
			return existing, nil
		}
		return domain.Claim{}, newError(CodeAlreadyClaimed, map[string]any{
			"item_id": itemID,
			"held_by": existing.AgentID,
		}, "item %s already claimed by %s", itemID, existing.AgentID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Claim{}, err
	}

	c := domain.Claim{
		ItemID:    itemID,
		AgentID:   agentID,
		ClaimedAt: e.timestamp(),
	}
	if err := e.Repo.InsertClaim(ctx, tx, c); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Claim{}, newError(CodeAlreadyClaimed, map[string]any{"item_id": itemID},
				"item %s already claimed", itemID)
		}
		return domain.Claim{}, err
	}
	t.AssignedAgent = &agentID
	t.UpdatedAt = c.ClaimedAt
	if err := e.Repo.UpdateItem(ctx, tx, t); err != nil {
		return domain.Claim{}, err
	}
	if err := e.log().Append(ctx, tx, "item.claimed", t.PipelineID, "item", itemID, agentID, nil); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// ReleaseResult reports the outcome of a release.
type ReleaseResult struct {
	Released bool    `json:"released"`
	Agent    *string `json:"agent,omitempty"`
}

// ReleaseItem deletes the claim and clears the item's assignment.
// Releasing an unclaimed item is not an error; it reports
// released=false so callers can release defensively.
func (e Engine) ReleaseItem(ctx context.Context, itemID, requesterAgent string) (ReleaseResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback()

	t, err := e.getLiveItemTx(ctx, tx, itemID)
	if err != nil {
		return ReleaseResult{}, err
	}
	claim, err := e.Repo.GetClaimTx(ctx, tx, itemID)
	if errors.Is(err, repo.ErrNotFound) {
		return ReleaseResult{Released: false}, nil
	}
	if err != nil {
		return ReleaseResult{}, err
	}
	if err := e.Repo.DeleteClaim(ctx, tx, itemID); err != nil {
		return ReleaseResult{}, err
	}
	t.AssignedAgent = nil
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItem(ctx, tx, t); err != nil {
		return ReleaseResult{}, err
	}
	if err := e.log().Append(ctx, tx, "item.released", t.PipelineID, "item", itemID, requesterAgent, worklog.Payload{"held_by": claim.AgentID}); err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}
	agent := claim.AgentID
	return ReleaseResult{Released: true, Agent: &agent}, nil
}

// AgentStatuses derives the per-agent view from the claim set. There
// is no second status registry to drift out of sync with claims.
func (e Engine) AgentStatuses(ctx context.Context) ([]domain.AgentStatus, error) {
	claims, err := e.Repo.ListClaims(ctx)
	if err != nil {
		return nil, err
	}
	var statuses []domain.AgentStatus
	for _, c := range claims {
		if n := len(statuses); n > 0 && statuses[n-1].AgentID == c.AgentID {
			statuses[n-1].Items = append(statuses[n-1].Items, c.ItemID)
			continue
		}
		statuses = append(statuses, domain.AgentStatus{AgentID: c.AgentID, Items: []string{c.ItemID}})
	}
	return statuses, nil
}
