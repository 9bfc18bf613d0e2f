package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"conveyor/internal/stage"
)

// Recovery rule actions.
const (
	ActionStay     = "stay"
	ActionMoveBack = "move-back"
)

// Config models conveyor.yml: the pipeline policy table for WIP
// limits, crash recovery, and rejection escalation. One validated copy
// is persisted per pipeline; components read from it instead of
// keeping their own rule tables.
type Config struct {
	Pipeline struct {
		ID string `yaml:"id"`
	} `yaml:"pipeline"`
	Wip struct {
		// Limits maps execution stages to capacity. 0 disables
		// enforcement for the stage, same as omitting it.
		Limits map[string]int `yaml:"limits"`
	} `yaml:"wip"`
	Recovery struct {
		Rules map[string]RecoveryRule `yaml:"rules"`
	} `yaml:"recovery"`
	Rejection struct {
		EscalationThreshold int    `yaml:"escalation_threshold"`
		SendBackTo          string `yaml:"send_back_to"`
	} `yaml:"rejection"`
}

// RecoveryRule is the single canonical action for items stranded in an
// active stage after an interruption.
type RecoveryRule struct {
	Action string `yaml:"action"`
	Target string `yaml:"target,omitempty"`
}

// Default returns the canonical policy table for a new pipeline.
func Default(pipelineID string) *Config {
	c := &Config{}
	c.Pipeline.ID = pipelineID
	c.Wip.Limits = map[string]int{
		string(stage.Build): 3,
		string(stage.Test):  3,
	}
	c.Recovery.Rules = map[string]RecoveryRule{
		string(stage.Build):  {Action: ActionMoveBack, Target: string(stage.Ready)},
		string(stage.Test):   {Action: ActionMoveBack, Target: string(stage.Ready)},
		string(stage.Review): {Action: ActionStay},
		string(stage.Verify): {Action: ActionStay},
	}
	c.Rejection.EscalationThreshold = 2
	c.Rejection.SendBackTo = string(stage.Build)
	return c
}

// Validate checks the policy table against the transition matrix.
// Anything the engine would have to guess about at runtime is rejected
// here instead.
func (c *Config) Validate(g *stage.Graph) error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	for name, limit := range c.Wip.Limits {
		s := stage.Stage(name)
		if !g.Known(s) {
			return fmt.Errorf("wip limit on unknown stage %s", name)
		}
		if !g.IsExecution(s) {
			return fmt.Errorf("wip limit on %s: only execution stages are capacity-constrained", name)
		}
		if limit < 0 {
			return fmt.Errorf("wip limit for %s is negative", name)
		}
	}
	for name, rule := range c.Recovery.Rules {
		s := stage.Stage(name)
		if !g.Known(s) {
			return fmt.Errorf("recovery rule for unknown stage %s", name)
		}
		if !g.IsActiveWork(s) {
			return fmt.Errorf("recovery rule for %s: not an active work stage", name)
		}
		switch rule.Action {
		case ActionStay:
			if rule.Target != "" {
				return fmt.Errorf("recovery rule for %s: stay takes no target", name)
			}
		case ActionMoveBack:
			target := stage.Stage(rule.Target)
			if !g.Known(target) {
				return fmt.Errorf("recovery rule for %s: unknown target %s", name, rule.Target)
			}
			if !g.IsLegal(s, target) {
				return fmt.Errorf("recovery rule for %s: move-back to %s is not a legal transition", name, rule.Target)
			}
		default:
			return fmt.Errorf("recovery rule for %s: action must be %s or %s", name, ActionStay, ActionMoveBack)
		}
	}
	// Every active-work stage needs a rule; a stage with none would
	// silently strand items on crash recovery.
	for _, s := range g.ActiveWorkStages() {
		if _, ok := c.Recovery.Rules[string(s)]; !ok {
			return fmt.Errorf("no recovery rule for active stage %s", s)
		}
	}
	if c.Rejection.EscalationThreshold < 1 {
		return fmt.Errorf("config.rejection.escalation_threshold must be at least 1")
	}
	sendBack := stage.Stage(c.Rejection.SendBackTo)
	if !g.Known(sendBack) {
		return fmt.Errorf("config.rejection.send_back_to: unknown stage %s", c.Rejection.SendBackTo)
	}
	if !g.IsLegal(stage.Review, sendBack) || !g.IsExecution(sendBack) {
		return fmt.Errorf("config.rejection.send_back_to must be an execution stage reachable from %s", stage.Review)
	}
	return nil
}

// Path returns the conveyor.yml location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "conveyor.yml")
}

// Load reads and parses config from workspace. Validation is the
// caller's job since it needs the stage graph.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cvy pipeline config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses a config document.
func FromYAML(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &c, nil
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
