package server

import (
	"conveyor/internal/config"
	"conveyor/internal/domain"
)

// Request payloads

type CreatePipelineRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateItemRequest struct {
	ID          *string  `json:"id,omitempty"`
	Type        string   `json:"type,omitempty" enum:"feature,bug,chore,spike"`
	Priority    *int     `json:"priority,omitempty" minimum:"0" maximum:"3"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type ClaimRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

type MoveRequest struct {
	From  string `json:"from" enum:"intake,ready,build,test,review,verify,done,blocked"`
	To    string `json:"to" enum:"intake,ready,build,test,review,verify,done,blocked"`
	Force bool   `json:"force,omitempty"`
}

type RejectRequest struct {
	Reason     string `json:"reason"`
	SendBackTo string `json:"send_back_to,omitempty" enum:",build,test"`
}

type DependenciesRequest struct {
	DependsOn []string `json:"depends_on"`
}

type GraphCheckRequest struct {
	Edges []domain.DependencyEdge `json:"edges"`
}

type CreateAPIKeyRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type BoardResponse struct {
	PipelineID string            `json:"pipeline_id"`
	Status     string            `json:"status"`
	Stages     map[string]int    `json:"stages"`
	WipLimits  map[string]int    `json:"wip_limits,omitempty"`
	Claims     []domain.Claim    `json:"claims,omitempty"`
	Ready      []domain.WorkItem `json:"ready,omitempty"`
}

type PipelineConfigResponse struct {
	PipelineID string                         `json:"pipeline_id"`
	WipLimits  map[string]int                 `json:"wip_limits"`
	Recovery   map[string]config.RecoveryRule `json:"recovery"`
	Rejection  struct {
		EscalationThreshold int    `json:"escalation_threshold"`
		SendBackTo          string `json:"send_back_to"`
	} `json:"rejection"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only populated on creation; the server stores a hash.
	Key string `json:"key,omitempty"`
}

func configResponse(cfg *config.Config) PipelineConfigResponse {
	res := PipelineConfigResponse{
		PipelineID: cfg.Pipeline.ID,
		WipLimits:  cfg.Wip.Limits,
		Recovery:   cfg.Recovery.Rules,
	}
	res.Rejection.EscalationThreshold = cfg.Rejection.EscalationThreshold
	res.Rejection.SendBackTo = cfg.Rejection.SendBackTo
	return res
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		AgentID:   k.AgentID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
