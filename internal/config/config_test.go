package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/config"
	"conveyor/internal/stage"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("pipe-1")
	require.NoError(t, cfg.Validate(stage.Default()))
}

func TestValidateWipLimits(t *testing.T) {
	g := stage.Default()

	cfg := config.Default("pipe-1")
	cfg.Wip.Limits["ready"] = 5
	assert.ErrorContains(t, cfg.Validate(g), "only execution stages")

	cfg = config.Default("pipe-1")
	cfg.Wip.Limits["build"] = -1
	assert.ErrorContains(t, cfg.Validate(g), "negative")

	cfg = config.Default("pipe-1")
	cfg.Wip.Limits["warp"] = 1
	assert.ErrorContains(t, cfg.Validate(g), "unknown stage")

	// 0 is a valid opt-out, not a zero-capacity stage
	cfg = config.Default("pipe-1")
	cfg.Wip.Limits["build"] = 0
	assert.NoError(t, cfg.Validate(g))
}

func TestValidateRecoveryRules(t *testing.T) {
	g := stage.Default()

	// every active stage must have exactly one rule
	cfg := config.Default("pipe-1")
	delete(cfg.Recovery.Rules, "review")
	assert.ErrorContains(t, cfg.Validate(g), "no recovery rule for active stage review")

	cfg = config.Default("pipe-1")
	cfg.Recovery.Rules["ready"] = config.RecoveryRule{Action: config.ActionStay}
	assert.ErrorContains(t, cfg.Validate(g), "not an active work stage")

	// move-back target must be legal per the transition matrix
	cfg = config.Default("pipe-1")
	cfg.Recovery.Rules["build"] = config.RecoveryRule{Action: config.ActionMoveBack, Target: "done"}
	assert.ErrorContains(t, cfg.Validate(g), "not a legal transition")

	cfg = config.Default("pipe-1")
	cfg.Recovery.Rules["build"] = config.RecoveryRule{Action: "restart"}
	assert.ErrorContains(t, cfg.Validate(g), "action must be")

	cfg = config.Default("pipe-1")
	cfg.Recovery.Rules["review"] = config.RecoveryRule{Action: config.ActionStay, Target: "ready"}
	assert.ErrorContains(t, cfg.Validate(g), "stay takes no target")
}

func TestValidateRejectionPolicy(t *testing.T) {
	g := stage.Default()

	cfg := config.Default("pipe-1")
	cfg.Rejection.EscalationThreshold = 0
	assert.ErrorContains(t, cfg.Validate(g), "escalation_threshold")

	cfg = config.Default("pipe-1")
	cfg.Rejection.SendBackTo = "done"
	assert.ErrorContains(t, cfg.Validate(g), "send_back_to")
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := config.Default("pipe-1")
	data, err := cfg.ToYAML()
	require.NoError(t, err)
	parsed, err := config.FromYAML(data)
	require.NoError(t, err)
	require.NoError(t, parsed.Validate(stage.Default()))
	assert.Equal(t, cfg.Rejection.EscalationThreshold, parsed.Rejection.EscalationThreshold)
	assert.Equal(t, cfg.Recovery.Rules, parsed.Recovery.Rules)
}

func TestFromYAMLRejectsUnknownFields(t *testing.T) {
	_, err := config.FromYAML([]byte("pipeline:\n  id: p\nshenanigans: true\n"))
	assert.Error(t, err)
}
