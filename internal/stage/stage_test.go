package stage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/stage"
)

func TestMatrixIsTotal(t *testing.T) {
	g := stage.Default()
	for _, s := range stage.All {
		require.True(t, g.Known(s), "stage %s missing from matrix", s)
	}
}

func TestSelfTransitionsIllegal(t *testing.T) {
	g := stage.Default()
	for _, s := range stage.All {
		assert.False(t, g.IsLegal(s, s), "self transition allowed for %s", s)
	}
}

func TestDoneIsTerminal(t *testing.T) {
	g := stage.Default()
	assert.Empty(t, g.TransitionsFrom(stage.Done))
	for _, s := range stage.All {
		assert.False(t, g.IsLegal(stage.Done, s))
	}
}

func TestBlockedOnlyReturnsToReady(t *testing.T) {
	g := stage.Default()
	assert.Equal(t, []stage.Stage{stage.Ready}, g.TransitionsFrom(stage.Blocked))
}

func TestCanonicalPath(t *testing.T) {
	g := stage.Default()
	assert.True(t, g.IsLegal(stage.Intake, stage.Ready))
	assert.True(t, g.IsLegal(stage.Ready, stage.Build))
	assert.True(t, g.IsLegal(stage.Ready, stage.Test))
	assert.True(t, g.IsLegal(stage.Build, stage.Review))
	assert.True(t, g.IsLegal(stage.Review, stage.Verify))
	assert.True(t, g.IsLegal(stage.Verify, stage.Done))

	assert.False(t, g.IsLegal(stage.Intake, stage.Build))
	assert.False(t, g.IsLegal(stage.Ready, stage.Done))
	assert.False(t, g.IsLegal(stage.Build, stage.Done))
}

func TestTransitionsFromReturnsCopy(t *testing.T) {
	g := stage.Default()
	first := g.TransitionsFrom(stage.Ready)
	first[0] = stage.Done
	assert.NotEqual(t, first[0], g.TransitionsFrom(stage.Ready)[0])
}

func TestStageSets(t *testing.T) {
	g := stage.Default()
	assert.Equal(t, []stage.Stage{stage.Build, stage.Test}, g.ExecutionStages())
	assert.Equal(t, []stage.Stage{stage.Build, stage.Test, stage.Review, stage.Verify}, g.ActiveWorkStages())

	// capacity control applies to execution stages only
	for _, s := range []stage.Stage{stage.Intake, stage.Ready, stage.Done, stage.Blocked} {
		assert.False(t, g.IsExecution(s))
	}
	// claims are possible wherever agents actively hold work
	for _, s := range g.ActiveWorkStages() {
		assert.True(t, g.IsClaimable(s))
	}
	assert.True(t, g.IsClaimable(stage.Ready))
	assert.False(t, g.IsClaimable(stage.Intake))
	assert.False(t, g.IsClaimable(stage.Done))
	assert.False(t, g.IsClaimable(stage.Blocked))
}
