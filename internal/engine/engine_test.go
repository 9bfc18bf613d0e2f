package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/migrate"
	"conveyor/internal/repo"
	"conveyor/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("pipe-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitPipeline(ctx, "pipe-1", "test", "tester"); err != nil {
		t.Fatalf("init pipeline: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createItem(t *testing.T, env testEnv, id string, deps ...string) {
	t.Helper()
	_, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ID:         id,
		PipelineID: "pipe-1",
		Title:      "item " + id,
		AgentID:    "tester",
		DependsOn:  deps,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

// placeItem walks an item to the given stage using forced moves.
func placeItem(t *testing.T, env testEnv, id string, target stage.Stage) {
	t.Helper()
	item, err := env.Engine.Repo.GetItem(env.Ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if item.Stage == string(target) {
		return
	}
	_, err = env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID:    id,
		FromStage: stage.Stage(item.Stage),
		ToStage:   target,
		AgentID:   "tester",
		Force:     true,
	})
	if err != nil {
		t.Fatalf("place %s in %s: %v", id, target, err)
	}
}

func itemStage(t *testing.T, env testEnv, id string) stage.Stage {
	t.Helper()
	item, err := env.Engine.Repo.GetItem(env.Ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return stage.Stage(item.Stage)
}

func TestMoveHappyPath(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-001")

	res, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-001", FromStage: stage.Intake, ToStage: stage.Ready, AgentID: "tester",
	})
	if err != nil {
		t.Fatalf("intake -> ready: %v", err)
	}
	if res.PreviousStage != stage.Intake || res.Item.Stage != string(stage.Ready) {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-001", FromStage: stage.Ready, ToStage: stage.Build, AgentID: "tester",
	})
	if err != nil {
		t.Fatalf("ready -> build: %v", err)
	}
	if res.Wip == nil || !res.Wip.Allowed {
		t.Fatalf("expected wip admission on execution stage, got %+v", res.Wip)
	}
}

func TestMoveInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-002")

	_, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-002", FromStage: stage.Intake, ToStage: stage.Done, AgentID: "tester",
	})
	if !engine.IsCode(err, engine.CodeInvalidTransition) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}

	// force bypasses the matrix for administrators
	_, err = env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-002", FromStage: stage.Intake, ToStage: stage.Review, AgentID: "admin", Force: true,
	})
	if err != nil {
		t.Fatalf("forced move: %v", err)
	}

	// a stage never transitions to itself, even under force
	_, err = env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-002", FromStage: stage.Review, ToStage: stage.Review, AgentID: "admin", Force: true,
	})
	if !engine.IsCode(err, engine.CodeInvalidTransition) {
		t.Fatalf("expected invalid_transition for forced self-move, got %v", err)
	}
}

func TestMoveStaleState(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-003")
	placeItem(t, env, "WI-003", stage.Ready)

	_, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-003", FromStage: stage.Intake, ToStage: stage.Ready, AgentID: "tester",
	})
	if !engine.IsCode(err, engine.CodeStaleState) {
		t.Fatalf("expected stale_state, got %v", err)
	}
}

func TestMoveWipLimit(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Wip.Limits[string(stage.Build)] = 2
	for _, id := range []string{"WI-a", "WI-b", "WI-c"} {
		createItem(t, env, id)
		placeItem(t, env, id, stage.Ready)
	}
	for _, id := range []string{"WI-a", "WI-b"} {
		if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
			ItemID: id, FromStage: stage.Ready, ToStage: stage.Build, AgentID: "tester",
		}); err != nil {
			t.Fatalf("move %s: %v", id, err)
		}
	}
	_, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-c", FromStage: stage.Ready, ToStage: stage.Build, AgentID: "tester",
	})
	if !engine.IsCode(err, engine.CodeWipLimitExceeded) {
		t.Fatalf("expected wip_limit_exceeded, got %v", err)
	}

	// freeing a slot re-admits
	if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-a", FromStage: stage.Build, ToStage: stage.Review, AgentID: "tester",
	}); err != nil {
		t.Fatalf("vacate build: %v", err)
	}
	if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-c", FromStage: stage.Ready, ToStage: stage.Build, AgentID: "tester",
	}); err != nil {
		t.Fatalf("expected admission after slot freed: %v", err)
	}
}

func TestMoveWipZeroLimitIsUnlimited(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Wip.Limits[string(stage.Test)] = 0
	for _, id := range []string{"WI-x", "WI-y", "WI-z"} {
		createItem(t, env, id)
		placeItem(t, env, id, stage.Ready)
		if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
			ItemID: id, FromStage: stage.Ready, ToStage: stage.Test, AgentID: "tester",
		}); err != nil {
			t.Fatalf("move %s with zero limit: %v", id, err)
		}
	}
}

func TestMoveDependencyGate(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "dep-1")
	createItem(t, env, "main-1", "dep-1")
	placeItem(t, env, "main-1", stage.Ready)

	_, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "main-1", FromStage: stage.Ready, ToStage: stage.Build, AgentID: "tester",
	})
	coordErr, ok := err.(*engine.Error)
	if !ok || coordErr.Code != engine.CodeDependenciesNotMet {
		t.Fatalf("expected dependencies_not_met, got %v", err)
	}
	blocking, _ := coordErr.Details["blocked_by"].([]string)
	if len(blocking) != 1 || blocking[0] != "dep-1" {
		t.Fatalf("expected blocked_by [dep-1], got %v", coordErr.Details["blocked_by"])
	}

	placeItem(t, env, "dep-1", stage.Done)
	if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "main-1", FromStage: stage.Ready, ToStage: stage.Build, AgentID: "tester",
	}); err != nil {
		t.Fatalf("expected move after dependency done: %v", err)
	}
}

func TestClaimLifecycle(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-claim")
	placeItem(t, env, "WI-claim", stage.Ready)

	claim, err := env.Engine.ClaimItem(env.Ctx, "WI-claim", "agentA")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.AgentID != "agentA" {
		t.Fatalf("unexpected claim %+v", claim)
	}

	// re-claim by the same agent is idempotent
	again, err := env.Engine.ClaimItem(env.Ctx, "WI-claim", "agentA")
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if again.ClaimedAt != claim.ClaimedAt {
		t.Fatalf("re-claim must return the existing claim")
	}

	// different agent is refused
	_, err = env.Engine.ClaimItem(env.Ctx, "WI-claim", "agentB")
	if !engine.IsCode(err, engine.CodeAlreadyClaimed) {
		t.Fatalf("expected already_claimed, got %v", err)
	}

	// assignment mirrors the claim
	item, _ := env.Engine.Repo.GetItem(env.Ctx, "WI-claim")
	if item.AssignedAgent == nil || *item.AssignedAgent != "agentA" {
		t.Fatalf("assigned agent not set: %+v", item.AssignedAgent)
	}

	res, err := env.Engine.ReleaseItem(env.Ctx, "WI-claim", "agentA")
	if err != nil || !res.Released || res.Agent == nil || *res.Agent != "agentA" {
		t.Fatalf("release: %+v %v", res, err)
	}
	item, _ = env.Engine.Repo.GetItem(env.Ctx, "WI-claim")
	if item.AssignedAgent != nil {
		t.Fatalf("assignment should clear on release")
	}
}

func TestClaimInvalidStage(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-intake")
	_, err := env.Engine.ClaimItem(env.Ctx, "WI-intake", "agentA")
	if !engine.IsCode(err, engine.CodeInvalidStage) {
		t.Fatalf("expected invalid_stage for intake item, got %v", err)
	}

	_, err = env.Engine.ClaimItem(env.Ctx, "no-such-item", "agentA")
	if !engine.IsCode(err, engine.CodeItemNotFound) {
		t.Fatalf("expected item_not_found, got %v", err)
	}
}

func TestClaimConcurrentExclusivity(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-race")
	placeItem(t, env, "WI-race", stage.Ready)

	agents := []string{"a1", "a2", "a3", "a4"}
	var wg sync.WaitGroup
	errs := make([]error, len(agents))
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ClaimItem(env.Ctx, "WI-race", agent)
		}(i, agent)
	}
	wg.Wait()

	successes := 0
	for i, err := range errs {
		if err == nil {
			successes++
			continue
		}
		if !engine.IsCode(err, engine.CodeAlreadyClaimed) {
			t.Fatalf("agent %s: expected already_claimed, got %v", agents[i], err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winning claim, got %d (%v)", successes, errs)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-free")
	for i := 0; i < 2; i++ {
		res, err := env.Engine.ReleaseItem(env.Ctx, "WI-free", "tester")
		if err != nil {
			t.Fatalf("release #%d: %v", i+1, err)
		}
		if res.Released || res.Agent != nil {
			t.Fatalf("release #%d: expected {false, nil}, got %+v", i+1, res)
		}
	}
}

func TestRejectEscalation(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-rej")
	placeItem(t, env, "WI-rej", stage.Review)

	res, err := env.Engine.RejectItem(env.Ctx, "WI-rej", "missing tests", "reviewer", "")
	if err != nil {
		t.Fatalf("first rejection: %v", err)
	}
	if res.Escalated || res.RejectionCount != 1 {
		t.Fatalf("first rejection must not escalate: %+v", res)
	}
	if got := itemStage(t, env, "WI-rej"); got == stage.Blocked {
		t.Fatalf("item must not be blocked after one rejection")
	}
	if got := itemStage(t, env, "WI-rej"); got != stage.Build {
		t.Fatalf("expected send-back to build, got %s", got)
	}

	placeItem(t, env, "WI-rej", stage.Review)
	res, err = env.Engine.RejectItem(env.Ctx, "WI-rej", "still failing", "reviewer", "")
	if err != nil {
		t.Fatalf("second rejection: %v", err)
	}
	if !res.Escalated || res.RejectionCount != 2 {
		t.Fatalf("second rejection must escalate: %+v", res)
	}
	if got := itemStage(t, env, "WI-rej"); got != stage.Blocked {
		t.Fatalf("expected blocked, got %s", got)
	}
}

func TestRejectRequiresReview(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-notrev")
	placeItem(t, env, "WI-notrev", stage.Build)
	_, err := env.Engine.RejectItem(env.Ctx, "WI-notrev", "nope", "reviewer", "")
	if !engine.IsCode(err, engine.CodeInvalidStage) {
		t.Fatalf("expected invalid_stage, got %v", err)
	}
}

func TestRejectExplicitSendBack(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-back")
	placeItem(t, env, "WI-back", stage.Review)
	res, err := env.Engine.RejectItem(env.Ctx, "WI-back", "needs retest", "reviewer", stage.Test)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Item.Stage != string(stage.Test) {
		t.Fatalf("expected send-back to test, got %s", res.Item.Stage)
	}
}

func TestCycleRejectedOnCreate(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "A")
	createItem(t, env, "B", "A")
	createItem(t, env, "C", "B")

	_, err := env.Engine.AddDependencies(env.Ctx, "A", []string{"C"}, "tester")
	coordErr, ok := err.(*engine.Error)
	if !ok || coordErr.Code != engine.CodeDependencyCycle {
		t.Fatalf("expected dependency_cycle, got %v", err)
	}

	_, err = env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ID: "S", PipelineID: "pipe-1", Title: "self", AgentID: "tester", DependsOn: []string{"S"},
	})
	if !engine.IsCode(err, engine.CodeDependencyCycle) {
		t.Fatalf("expected self-dependency rejection, got %v", err)
	}
}

func TestCheckDependencyGraph(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "A")
	createItem(t, env, "B", "A")
	createItem(t, env, "C", "B")

	check, err := env.Engine.CheckDependencyGraph(env.Ctx, "pipe-1", []domain.DependencyEdge{
		{ItemID: "C", DependsOn: "A"},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Valid || len(check.Cycles) != 0 {
		t.Fatalf("redundant edge must be valid: %+v", check)
	}

	check, err = env.Engine.CheckDependencyGraph(env.Ctx, "pipe-1", []domain.DependencyEdge{
		{ItemID: "A", DependsOn: "C"},
		{ItemID: "B", DependsOn: "B"},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Valid || len(check.Cycles) != 2 {
		t.Fatalf("expected two cycles, got %+v", check)
	}
	// edges that are only cyclic in combination are still caught:
	// neither proposed edge closes a loop on its own
	createItem(t, env, "P")
	createItem(t, env, "Q")
	check, err = env.Engine.CheckDependencyGraph(env.Ctx, "pipe-1", []domain.DependencyEdge{
		{ItemID: "P", DependsOn: "Q"},
		{ItemID: "Q", DependsOn: "P"},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Valid || len(check.Cycles) != 1 {
		t.Fatalf("jointly cyclic edges must be rejected: %+v", check)
	}

	// nothing was persisted by the dry runs
	for _, id := range []string{"A", "P", "Q"} {
		deps, err := env.Engine.Repo.ListItemDeps(env.Ctx, id)
		if err != nil {
			t.Fatalf("list deps %s: %v", id, err)
		}
		if len(deps) != 0 {
			t.Fatalf("dry run must not persist edges for %s: %v", id, deps)
		}
	}
}

func TestComputeReadySet(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "X")
	createItem(t, env, "Y")
	createItem(t, env, "M", "X", "Y")
	placeItem(t, env, "M", stage.Ready)
	placeItem(t, env, "X", stage.Done)

	set, err := env.Engine.ComputeReadySet(env.Ctx, "pipe-1")
	if err != nil {
		t.Fatalf("ready set: %v", err)
	}
	if len(set.Ready) != 0 || len(set.Blocked) != 1 {
		t.Fatalf("expected M blocked, got %+v", set)
	}
	if got := set.Blocked[0].BlockedBy; len(got) != 1 || got[0] != "Y" {
		t.Fatalf("expected blocked by Y, got %v", got)
	}

	placeItem(t, env, "Y", stage.Done)
	set, err = env.Engine.ComputeReadySet(env.Ctx, "pipe-1")
	if err != nil {
		t.Fatalf("ready set: %v", err)
	}
	if len(set.Ready) != 1 || set.Ready[0].ID != "M" {
		t.Fatalf("expected M ready, got %+v", set)
	}
}

func TestOutputCollisionRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ID: "W1", PipelineID: "pipe-1", Title: "writer one", AgentID: "tester",
		Outputs: []string{"pkg/api.go"},
	}); err != nil {
		t.Fatalf("create W1: %v", err)
	}

	// unordered second writer is refused
	_, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ID: "W2", PipelineID: "pipe-1", Title: "writer two", AgentID: "tester",
		Outputs: []string{"pkg/api.go"},
	})
	if !engine.IsCode(err, engine.CodeOutputCollision) {
		t.Fatalf("expected output_collision, got %v", err)
	}

	// a dependent writer is fine
	if _, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ID: "W3", PipelineID: "pipe-1", Title: "writer three", AgentID: "tester",
		Outputs: []string{"pkg/api.go"}, DependsOn: []string{"W1"},
	}); err != nil {
		t.Fatalf("dependent writer should be allowed: %v", err)
	}
}

func TestRecoveryPlanAndApply(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "R-build")
	createItem(t, env, "R-review")
	placeItem(t, env, "R-build", stage.Ready)
	if _, err := env.Engine.ClaimItem(env.Ctx, "R-build", "agentA"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "R-build", FromStage: stage.Ready, ToStage: stage.Build, AgentID: "agentA",
	}); err != nil {
		t.Fatalf("move: %v", err)
	}
	placeItem(t, env, "R-review", stage.Review)

	plan, err := env.Engine.PlanRecovery(env.Ctx, "pipe-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	actions := map[string]string{}
	for _, a := range plan {
		actions[a.ItemID] = a.Action
	}
	if actions["R-build"] != config.ActionMoveBack || actions["R-review"] != config.ActionStay {
		t.Fatalf("unexpected plan %+v", plan)
	}

	if _, err := env.Engine.ApplyRecovery(env.Ctx, "pipe-1", "recovery"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := itemStage(t, env, "R-build"); got != stage.Ready {
		t.Fatalf("expected R-build back in ready, got %s", got)
	}
	item, _ := env.Engine.Repo.GetItem(env.Ctx, "R-build")
	if item.AssignedAgent != nil {
		t.Fatalf("moved-back item must be released for re-pickup")
	}
	if got := itemStage(t, env, "R-review"); got != stage.Review {
		t.Fatalf("stay item moved unexpectedly to %s", got)
	}
}

func TestArchiveHidesItem(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-arch")
	if _, err := env.Engine.ArchiveItem(env.Ctx, "WI-arch", "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err := env.Engine.ClaimItem(env.Ctx, "WI-arch", "agentA")
	if !engine.IsCode(err, engine.CodeItemNotFound) {
		t.Fatalf("archived item must be not_found, got %v", err)
	}
	// tombstone survives for audit
	item, err := env.Engine.Repo.GetItem(env.Ctx, "WI-arch")
	if err != nil || item.ArchivedAt == nil {
		t.Fatalf("tombstone missing: %+v %v", item, err)
	}
}

func TestWorkLogRecordsMutations(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-log")
	placeItem(t, env, "WI-log", stage.Ready)
	if _, err := env.Engine.ClaimItem(env.Ctx, "WI-log", "agentA"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	entries, err := env.Engine.Repo.LatestLogEntries(env.Ctx, repo.LogFilters{EntityID: "WI-log"})
	if err != nil {
		t.Fatalf("log entries: %v", err)
	}
	// newest first: claimed, moved, created
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	want := []string{"item.claimed", "item.moved", "item.created"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
	if entries[0].AgentID != "agentA" {
		t.Fatalf("claim entry should carry the agent, got %+v", entries[0])
	}
	// log rows share the engine's clock with item timestamps
	for _, e := range entries {
		if e.TS != "2024-01-01T00:00:00Z" {
			t.Fatalf("log entry should use the engine clock, got ts %q", e.TS)
		}
	}
}

// End-to-end scenario: claim, move, contested claim, premature reject.
func TestCoordinationScenario(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "WI-010")
	placeItem(t, env, "WI-010", stage.Ready)

	if _, err := env.Engine.ClaimItem(env.Ctx, "WI-010", "agentA"); err != nil {
		t.Fatalf("agentA claim: %v", err)
	}

	before, _ := env.Engine.Repo.CountItemsByStage(env.Ctx, "pipe-1")
	res, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{
		ItemID: "WI-010", FromStage: stage.Ready, ToStage: stage.Build, AgentID: "agentA",
	})
	if err != nil {
		t.Fatalf("move to build: %v", err)
	}
	if res.Item.AssignedAgent == nil || *res.Item.AssignedAgent != "agentA" {
		t.Fatalf("claim must survive a move into an execution stage")
	}
	after, _ := env.Engine.Repo.CountItemsByStage(env.Ctx, "pipe-1")
	if after[string(stage.Build)] != before[string(stage.Build)]+1 {
		t.Fatalf("build occupancy should grow by one: %v -> %v", before, after)
	}

	if _, err := env.Engine.ClaimItem(env.Ctx, "WI-010", "agentB"); !engine.IsCode(err, engine.CodeAlreadyClaimed) {
		t.Fatalf("expected already_claimed for agentB, got %v", err)
	}

	if _, err := env.Engine.RejectItem(env.Ctx, "WI-010", "too early", "agentB", ""); !engine.IsCode(err, engine.CodeInvalidStage) {
		t.Fatalf("expected invalid_stage for reject outside review, got %v", err)
	}
}
