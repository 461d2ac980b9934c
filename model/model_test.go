package model

import (
	"encoding/json"
	"testing"
)

func TestClassifyExactIDs(t *testing.T) {
	for _, s := range Pipeline {
		if got := Classify(string(s)); got != s {
			t.Errorf("Classify(%q) = %q", s, got)
		}
	}
}

func TestClassifyLegacyNames(t *testing.T) {
	cases := map[string]StageID{
		"Checking repository access":  StageAccess,
		"Cloning source...":           StageClone,
		"Building image layer 3/7":    StageBuild,
		"Running test suite":          StageTest,
		"Pushing to registry":         StageRelease,
		"Waiting for DNS propagation": StagePropagate,
		"Health checks passing":       StageHealthy,
		"something unrecognizable":    StageUnknown,
	}
	for name, want := range cases {
		if got := Classify(name); got != want {
			t.Errorf("Classify(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestProgressEventPercent(t *testing.T) {
	var evt ProgressEvent
	if _, ok := evt.Percent(); ok {
		t.Error("empty event should have no percent")
	}

	// overallProgress wins over the legacy progress field.
	data := []byte(`{"type":"deploy.progress","overallProgress":60,"progress":10}`)
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatal(err)
	}
	if p, ok := evt.Percent(); !ok || p != 60 {
		t.Errorf("percent = %v, %v; want 60", p, ok)
	}

	evt = ProgressEvent{}
	data = []byte(`{"type":"deploy.progress","progress":10}`)
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatal(err)
	}
	if p, ok := evt.Percent(); !ok || p != 10 {
		t.Errorf("percent = %v, %v; want 10", p, ok)
	}
}

func TestStageFraction(t *testing.T) {
	var evt ProgressEvent
	if _, ok := evt.StageFraction(); ok {
		t.Error("missing stageProgress should report not-ok")
	}

	v := 150.0
	evt.StageProgress = &v
	if f, ok := evt.StageFraction(); !ok || f != 1 {
		t.Errorf("fraction = %v, want clamped to 1", f)
	}
	v = -10
	if f, _ := evt.StageFraction(); f != 0 {
		t.Errorf("fraction = %v, want clamped to 0", f)
	}
}
