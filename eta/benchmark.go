package eta

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tether/model"
)

// StageBenchmark holds historical duration statistics for one pipeline
// stage, in seconds. Floor is the minimum plausible remaining time
// while the stage is active; it exists for stages whose tail is
// outside our control (DNS propagation does not finish early because
// the build was fast).
type StageBenchmark struct {
	Stage model.StageID `yaml:"stage" json:"stage"`
	Avg   float64       `yaml:"avg" json:"avg"`
	Min   float64       `yaml:"min" json:"min"`
	Max   float64       `yaml:"max" json:"max"`
	Floor float64       `yaml:"floor,omitempty" json:"floor,omitempty"`
}

// Table is the static benchmark estimator, ordered by pipeline
// position.
type Table struct {
	stages []StageBenchmark
	index  map[model.StageID]int
}

func NewTable(stages []StageBenchmark) *Table {
	t := &Table{stages: stages, index: make(map[model.StageID]int, len(stages))}
	for i, s := range stages {
		t.index[s.Stage] = i
	}
	return t
}

// DefaultTable carries durations measured across historical deploys of
// typical apps. A YAML file or recorded history overrides it.
func DefaultTable() *Table {
	return NewTable([]StageBenchmark{
		{Stage: model.StageAccess, Avg: 5, Min: 2, Max: 15},
		{Stage: model.StageClone, Avg: 8, Min: 3, Max: 30},
		{Stage: model.StageBuild, Avg: 90, Min: 40, Max: 240},
		{Stage: model.StageTest, Avg: 30, Min: 10, Max: 120},
		{Stage: model.StageRelease, Avg: 20, Min: 8, Max: 60},
		{Stage: model.StagePropagate, Avg: 40, Min: 25, Max: 120, Floor: 25},
		{Stage: model.StageHealthy, Avg: 15, Min: 5, Max: 60},
	})
}

// LoadTable reads a benchmark table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Stages []StageBenchmark `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("benchmark table %s: %w", path, err)
	}
	if len(doc.Stages) == 0 {
		return nil, fmt.Errorf("benchmark table %s: no stages", path)
	}
	return NewTable(doc.Stages), nil
}

// Override replaces the average for a stage, keeping pipeline order.
// Used to fold locally recorded stage history into the shipped table.
func (t *Table) Override(stage model.StageID, avg float64) {
	if i, ok := t.index[stage]; ok && avg > 0 {
		t.stages[i].Avg = avg
	}
}

// Remaining sums average durations from the current stage to the end
// of the pipeline. The current stage contributes its unfinished
// fraction; pass frac < 0 when unknown and half the stage is assumed.
func (t *Table) Remaining(current model.StageID, frac float64) (float64, bool) {
	i, ok := t.index[current]
	if !ok {
		return 0, false
	}
	if frac < 0 {
		frac = 0.5
	}
	if frac > 1 {
		frac = 1
	}
	total := t.stages[i].Avg * (1 - frac)
	for _, s := range t.stages[i+1:] {
		total += s.Avg
	}
	return total, true
}

// Floor returns the minimum plausible remaining seconds while the
// given stage is active.
func (t *Table) Floor(current model.StageID) float64 {
	if i, ok := t.index[current]; ok {
		return t.stages[i].Floor
	}
	return 0
}
