package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/domain"
	"conveyor/internal/repo"
)

// ResolvePipelineAndConfig picks the active pipeline and ensures a
// pipeline + policy table exist in the DB, seeding defaults if missing.
// It prefers the override, then the single pipeline in the workspace.
// If the pipeline does not exist, it is created on the fly.
func ResolvePipelineAndConfig(ctx context.Context, pipelineOverride, agentID string, r repo.Repo) (string, *config.Config, error) {
	pipelineID := pipelineOverride
	if pipelineID == "" {
		if p, err := r.SinglePipeline(ctx); err == nil {
			pipelineID = p.ID
		} else {
			return "", nil, fmt.Errorf("pipeline not specified; use --pipeline")
		}
	}
	seedCfg := config.Default(pipelineID)

	if _, err := r.GetPipeline(ctx, pipelineID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createPipeline(ctx, r, pipelineID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetPipelineConfig(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertPipelineConfig(ctx, pipelineID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed pipeline config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Pipeline.ID = pipelineID
	return pipelineID, cfg, nil
}

func createPipeline(ctx context.Context, r repo.Repo, pipelineID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(pipelineID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Pipeline{
		ID:        pipelineID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertPipeline(ctx, tx, p); err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	if err := r.UpsertPipelineConfigTx(ctx, tx, pipelineID, seedCfg); err != nil {
		return fmt.Errorf("insert pipeline config: %w", err)
	}
	return tx.Commit()
}
