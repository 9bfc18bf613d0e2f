package engine

import (
	"context"

	"conveyor/internal/domain"
	"conveyor/internal/stage"
	"conveyor/internal/worklog"
)

// RejectResult is the outcome of a review rejection.
type RejectResult struct {
	Item           domain.WorkItem `json:"item"`
	Escalated      bool            `json:"escalated"`
	RejectionCount int             `json:"rejection_count"`
}

// RejectItem records a review rejection. The counter increment, the
// stage change, and the log entry commit together. Once the counter
// reaches the escalation threshold the item is force-moved to blocked
// regardless of the usual review targets; below the threshold it goes
// back to the policy table's send-back stage (or sendBackTo when the
// reviewer picks one).
func (e Engine) RejectItem(ctx context.Context, itemID, reason, reviewerAgent string, sendBackTo stage.Stage) (RejectResult, error) {
	if reason == "" {
		return RejectResult{}, newError(CodeBadInput, nil, "rejection reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RejectResult{}, err
	}
	defer tx.Rollback()

	t, err := e.getLiveItemTx(ctx, tx, itemID)
	if err != nil {
		return RejectResult{}, err
	}
	if t.Stage != string(stage.Review) {
		return RejectResult{}, newError(CodeInvalidStage, map[string]any{
			"stage":    t.Stage,
			"required": stage.Review,
		}, "item %s is in %s; only items in %s can be rejected", itemID, t.Stage, stage.Review)
	}

	t.RejectionCount++
	threshold := 2
	if e.Config != nil && e.Config.Rejection.EscalationThreshold > 0 {
		threshold = e.Config.Rejection.EscalationThreshold
	}
	escalated := t.RejectionCount >= threshold

	var target stage.Stage
	if escalated {
		target = stage.Blocked
	} else {
		target = sendBackTo
		if target == "" && e.Config != nil {
			target = stage.Stage(e.Config.Rejection.SendBackTo)
		}
		if target == "" {
			target = stage.Build
		}
		if !e.Stages.IsLegal(stage.Review, target) {
			return RejectResult{}, newError(CodeInvalidTransition, map[string]any{
				"from":    stage.Review,
				"to":      target,
				"allowed": e.Stages.TransitionsFrom(stage.Review),
			}, "cannot send rejected item back to %s", target)
		}
	}

	previous := t.Stage
	t.Stage = string(target)
	t.UpdatedAt = e.timestamp()
	if !e.Stages.IsClaimable(target) {
		t.AssignedAgent = nil
		if err := e.Repo.DeleteClaim(ctx, tx, t.ID); err != nil {
			return RejectResult{}, err
		}
	}
	if err := e.Repo.UpdateItem(ctx, tx, t); err != nil {
		return RejectResult{}, err
	}
	if err := e.log().Append(ctx, tx, "item.rejected", t.PipelineID, "item", t.ID, reviewerAgent, worklog.Payload{
		"reason":          reason,
		"from":            previous,
		"to":              t.Stage,
		"rejection_count": t.RejectionCount,
		"escalated":       escalated,
	}); err != nil {
		return RejectResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RejectResult{}, err
	}
	return RejectResult{Item: t, Escalated: escalated, RejectionCount: t.RejectionCount}, nil
}
