package stage

// Stage is one node of the fixed pipeline state machine.
type Stage string

const (
	Intake  Stage = "intake"
	Ready   Stage = "ready"
	Build   Stage = "build"
	Test    Stage = "test"
	Review  Stage = "review"
	Verify  Stage = "verify"
	Done    Stage = "done"
	Blocked Stage = "blocked"
)

// All lists every stage in display order.
var All = []Stage{Intake, Ready, Build, Test, Review, Verify, Done, Blocked}

// Graph holds the pipeline transition matrix. It is immutable after
// construction and must be the only copy of the matrix in the process;
// every component that needs transition legality takes a *Graph.
type Graph struct {
	transitions map[Stage][]Stage
	execution   map[Stage]bool
	activeWork  map[Stage]bool
	claimable   map[Stage]bool
}

// Default returns the canonical pipeline graph.
func Default() *Graph {
	g := &Graph{
		transitions: map[Stage][]Stage{
			Intake:  {Ready, Blocked},
			Ready:   {Build, Test, Blocked},
			Build:   {Review, Ready, Blocked},
			Test:    {Review, Ready, Blocked},
			Review:  {Verify, Build, Test, Blocked},
			Verify:  {Done, Review, Blocked},
			Done:    {},
			Blocked: {Ready},
		},
		execution:  map[Stage]bool{Build: true, Test: true},
		activeWork: map[Stage]bool{Build: true, Test: true, Review: true, Verify: true},
		claimable:  map[Stage]bool{Ready: true, Build: true, Test: true, Review: true, Verify: true},
	}
	return g
}

// Known reports whether s is a stage the graph understands.
func (g *Graph) Known(s Stage) bool {
	_, ok := g.transitions[s]
	return ok
}

// TransitionsFrom returns the legal targets from s. The returned slice
// is a copy; callers may not mutate the matrix through it.
func (g *Graph) TransitionsFrom(s Stage) []Stage {
	targets := g.transitions[s]
	out := make([]Stage, len(targets))
	copy(out, targets)
	return out
}

// IsLegal reports whether from -> to is allowed by the matrix.
// Self-transitions are never legal; every move must change state.
func (g *Graph) IsLegal(from, to Stage) bool {
	if from == to {
		return false
	}
	for _, t := range g.transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsExecution reports whether s is a parallel execution stage. Only
// execution stages are subject to WIP limits.
func (g *Graph) IsExecution(s Stage) bool { return g.execution[s] }

// IsActiveWork reports whether s represents in-progress agent work.
// These are the stages the recovery planner must have a rule for.
func (g *Graph) IsActiveWork(s Stage) bool { return g.activeWork[s] }

// IsClaimable reports whether an agent may take a claim on an item in s.
func (g *Graph) IsClaimable(s Stage) bool { return g.claimable[s] }

// ExecutionStages returns the parallel execution stages in display order.
func (g *Graph) ExecutionStages() []Stage {
	var out []Stage
	for _, s := range All {
		if g.execution[s] {
			out = append(out, s)
		}
	}
	return out
}

// ActiveWorkStages returns the active work stages in display order.
func (g *Graph) ActiveWorkStages() []Stage {
	var out []Stage
	for _, s := range All {
		if g.activeWork[s] {
			out = append(out, s)
		}
	}
	return out
}

// ClaimableStages returns the claimable stages in display order.
func (g *Graph) ClaimableStages() []Stage {
	var out []Stage
	for _, s := range All {
		if g.claimable[s] {
			out = append(out, s)
		}
	}
	return out
}
