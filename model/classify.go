package model

import "strings"

// Pipeline is the canonical stage order used for benchmark lookups and
// remaining-work sums.
var Pipeline = []StageID{
	StageAccess,
	StageClone,
	StageBuild,
	StageTest,
	StageRelease,
	StagePropagate,
	StageHealthy,
}

// Classify maps a stage name from the backend to a pipeline stage.
// Exact ids are the contract; substring matching on free-form names is
// kept only for backends that predate the id contract.
func Classify(name string) StageID {
	id := StageID(name)
	for _, s := range Pipeline {
		if id == s {
			return s
		}
	}
	return classifyLegacy(name)
}

// classifyLegacy pattern-matches free-form stage descriptions from old
// backends ("Building image...", "Waiting for DNS propagation"). New
// code should never extend this list; fix the backend to send ids.
func classifyLegacy(name string) StageID {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "access"), strings.Contains(n, "auth"), strings.Contains(n, "credential"):
		return StageAccess
	case strings.Contains(n, "clone"), strings.Contains(n, "checkout"), strings.Contains(n, "fetch"):
		return StageClone
	case strings.Contains(n, "build"), strings.Contains(n, "image"):
		return StageBuild
	case strings.Contains(n, "test"):
		return StageTest
	case strings.Contains(n, "push"), strings.Contains(n, "release"), strings.Contains(n, "registry"):
		return StageRelease
	case strings.Contains(n, "propagat"), strings.Contains(n, "dns"), strings.Contains(n, "rollout"):
		return StagePropagate
	case strings.Contains(n, "health"), strings.Contains(n, "verify"):
		return StageHealthy
	}
	return StageUnknown
}
