package rollout

import (
	"fmt"
	"os"
	"time"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"gopkg.in/yaml.v3"
)

// Criteria are upper bounds; a reading above a bound breaches it.
type Criteria struct {
	MaxErrorRate           float64 `json:"maxErrorRate" yaml:"maxErrorRate"`
	MaxP95LatencyMs        float64 `json:"maxP95LatencyMs" yaml:"maxP95LatencyMs"`
	MaxCircuitBreakersOpen float64 `json:"maxCircuitBreakersOpen" yaml:"maxCircuitBreakersOpen"`
	MaxFailedCallRate      float64 `json:"maxFailedCallRate" yaml:"maxFailedCallRate"`
}

type StageDefinition struct {
	Name         Stage          `json:"name" yaml:"name"`
	Percentage   int            `json:"percentage" yaml:"percentage"`
	MinDuration  model.Duration `json:"minDuration" yaml:"minDuration"`
	AutoAdvance  bool           `json:"autoAdvance" yaml:"autoAdvance"`
	GoCriteria   Criteria       `json:"goCriteria" yaml:"goCriteria"`
	NoGoCriteria Criteria       `json:"noGoCriteria" yaml:"noGoCriteria"`
}

// StageTable maps every stage of the progression to its definition.
type StageTable map[Stage]StageDefinition

var (
	defaultGo   = Criteria{MaxErrorRate: 0.02, MaxP95LatencyMs: 2000, MaxCircuitBreakersOpen: 0, MaxFailedCallRate: 0.05}
	defaultNoGo = Criteria{MaxErrorRate: 0.05, MaxP95LatencyMs: 3000, MaxCircuitBreakersOpen: 2, MaxFailedCallRate: 0.10}
)

func DefaultStages() StageTable {
	canaryGo, canaryNoGo := defaultGo, defaultNoGo
	canaryGo.MaxP95LatencyMs = 2500
	canaryNoGo.MaxP95LatencyMs = 4000
	hours := func(h int) model.Duration { return model.Duration(time.Duration(h) * time.Hour) }

	return StageTable{
		StageDisabled:      {Name: StageDisabled, Percentage: 0},
		StageCanary:        {Name: StageCanary, Percentage: 5, MinDuration: hours(24), GoCriteria: canaryGo, NoGoCriteria: canaryNoGo},
		StageEarlyAdopters: {Name: StageEarlyAdopters, Percentage: 25, MinDuration: hours(48), AutoAdvance: true, GoCriteria: defaultGo, NoGoCriteria: defaultNoGo},
		StageExpansion:     {Name: StageExpansion, Percentage: 50, MinDuration: hours(48), AutoAdvance: true, GoCriteria: defaultGo, NoGoCriteria: defaultNoGo},
		StageMajority:      {Name: StageMajority, Percentage: 75, MinDuration: hours(72), AutoAdvance: true, GoCriteria: defaultGo, NoGoCriteria: defaultNoGo},
		StageComplete:      {Name: StageComplete, Percentage: 100, GoCriteria: defaultGo, NoGoCriteria: defaultNoGo},
	}
}

type stagesFile struct {
	Stages []StageDefinition `yaml:"stages"`
}

// LoadStagesFile overlays the stage definitions in path onto the built-in table.
// Stages are matched by name; names outside the progression are rejected.
func LoadStagesFile(path string) (StageTable, error) {
	table := DefaultStages()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stages file: %w", err)
	}
	var f stagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stages file %s: %w", path, err)
	}
	for _, def := range f.Stages {
		if !def.Name.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, def.Name)
		}
		if def.Percentage < 0 || def.Percentage > 100 {
			return nil, fmt.Errorf("stage %s: percentage %d out of range", def.Name, def.Percentage)
		}
		table[def.Name] = def
	}
	return table, nil
}
