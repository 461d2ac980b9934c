package model

import (
	"encoding/json"
	"time"
)

// StageID identifies one phase of the deploy pipeline. The backend sends
// these ids verbatim in progress events; see Classify for the legacy
// free-form fallback.
type StageID string

const (
	StageAccess    StageID = "access"    // repository access / credentials check
	StageClone     StageID = "clone"     // source checkout
	StageBuild     StageID = "build"     // image build
	StageTest      StageID = "test"      // test suite
	StageRelease   StageID = "release"   // image push to registry
	StagePropagate StageID = "propagate" // cloud rollout / DNS propagation
	StageHealthy   StageID = "healthy"   // health-check convergence
	StageUnknown   StageID = ""
)

type StageStatus string

const (
	StageWaiting    StageStatus = "waiting"
	StageInProgress StageStatus = "in_progress"
	StageSuccess    StageStatus = "success"
	StageError      StageStatus = "error"
)

type StageRecord struct {
	Stage  StageID     `json:"stage"`
	Status StageStatus `json:"status"`
}

// Inbound is a decoded frame from the orchestrator. Frames the session
// layer does not interpret itself are forwarded to subscribers with Raw
// intact.
type Inbound struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ProgressEvent is the deploy.progress frame. The backend has sent the
// overall percentage under both "overallProgress" and "progress" across
// versions; Percent() reconciles the two.
type ProgressEvent struct {
	Type            string        `json:"type"`
	Stage           StageID       `json:"stage"`
	OverallProgress *float64      `json:"overallProgress,omitempty"`
	Progress        *float64      `json:"progress,omitempty"`
	StageProgress   *float64      `json:"stageProgress,omitempty"`
	Stages          []StageRecord `json:"stages,omitempty"`
	Logs            []string      `json:"logs,omitempty"`
	StartedAt       time.Time     `json:"startedAt,omitempty"`
	ReceivedAt      time.Time     `json:"-"`
}

func (e *ProgressEvent) Percent() (float64, bool) {
	if e.OverallProgress != nil {
		return *e.OverallProgress, true
	}
	if e.Progress != nil {
		return *e.Progress, true
	}
	return 0, false
}

// StageFraction reports the current stage's own completion in [0,1],
// or ok=false when the backend did not include it.
func (e *ProgressEvent) StageFraction() (float64, bool) {
	if e.StageProgress == nil {
		return 0, false
	}
	f := *e.StageProgress / 100
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f, true
}

// Frame types on the wire.
const (
	TypeChat     = "chat"
	TypeEnvSet   = "env.set"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeProgress = "deploy.progress"
)

// Ping is the application-level heartbeat frame. It is distinct from
// websocket control frames so the echo proves the backend itself is
// alive, not just an intermediary.
type Ping struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SentAt    int64  `json:"sentAt"`
}
