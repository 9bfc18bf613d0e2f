package domain

type Pipeline struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID             string   `json:"id"`
	PipelineID     string   `json:"pipeline_id"`
	Type           string   `json:"type" enum:"feature,bug,chore,spike"`
	Priority       int      `json:"priority"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Stage          string   `json:"stage" enum:"intake,ready,build,test,review,verify,done,blocked"`
	AssignedAgent  *string  `json:"assigned_agent,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	Outputs        []string `json:"outputs,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	ArchivedAt     *string  `json:"archived_at,omitempty" format:"date-time"`
}

// Claim is the exclusive binding between one work item and one agent.
// At most one claim exists per item; the claims table enforces this
// with a primary key on item_id.
type Claim struct {
	ItemID    string `json:"item_id"`
	AgentID   string `json:"agent_id"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

// DependencyEdge means ItemID cannot begin active work until DependsOn
// reaches done.
type DependencyEdge struct {
	ItemID    string `json:"item_id"`
	DependsOn string `json:"depends_on"`
}

type LogEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PipelineID string `json:"pipeline_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	AgentID    string `json:"agent_id"`
	Payload    string `json:"payload_json"`
}

// AgentStatus is a derived view: an agent is active iff it holds at
// least one claim. There is no separately mutated status registry.
type AgentStatus struct {
	AgentID string   `json:"agent_id"`
	Items   []string `json:"items"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
