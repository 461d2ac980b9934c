// Package eta predicts time remaining for an in-flight deploy by
// fusing a live throughput estimate with static per-stage benchmarks.
// The engine is pure state + recomputation: the session layer feeds
// it, it never calls back.
package eta

import (
	"sync"
	"time"

	"tether/model"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

type Trend string

const (
	TrendFaster Trend = "faster"
	TrendSlower Trend = "slower"
	TrendStable Trend = "stable"
)

// UnknownSeconds is the sentinel for "no estimate available". The
// engine never fabricates a number when it has nothing to go on.
const UnknownSeconds = -1

// Estimate is replaced as a whole on every recomputation, never
// partially mutated.
type Estimate struct {
	Seconds    float64    `json:"seconds"`
	Known      bool       `json:"known"`
	Confidence Confidence `json:"confidence"`
	Trend      Trend      `json:"trend"`
	ComputedAt time.Time  `json:"computedAt"`
}

func Unknown() Estimate {
	return Estimate{Seconds: UnknownSeconds, Confidence: ConfidenceLow, Trend: TrendStable}
}

type Config struct {
	Alpha float64 // EMA smoothing, default 0.25

	// WeightCap bounds how far live-speed evidence can displace the
	// benchmark (live speed is noisy in the tail). 0.7 is the fusion
	// strategy; 1.0 degenerates to plain EMA.
	WeightCap float64

	MinSeconds float64 // default 3
	MaxSeconds float64 // default 600
}

func DefaultConfig() Config {
	return Config{Alpha: 0.25, WeightCap: 0.7, MinSeconds: 3, MaxSeconds: 600}
}

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	table   *Table
	sampler *Sampler

	startedAt time.Time
	progress  float64
	stage     model.StageID
	stageFrac float64 // -1 when the backend did not report it
	stages    []model.StageRecord

	estimate Estimate
}

func NewEngine(table *Table, cfg Config) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.25
	}
	if cfg.WeightCap <= 0 || cfg.WeightCap > 1 {
		cfg.WeightCap = 0.7
	}
	if cfg.MinSeconds <= 0 {
		cfg.MinSeconds = 3
	}
	if cfg.MaxSeconds <= cfg.MinSeconds {
		cfg.MaxSeconds = 600
	}
	return &Engine{
		cfg:       cfg,
		table:     table,
		sampler:   NewSampler(cfg.Alpha),
		stageFrac: -1,
		estimate:  Unknown(),
	}
}

// Observe feeds one progress event and recomputes. A new deployment
// start time tears down all accumulated state first.
func (e *Engine) Observe(evt model.ProgressEvent) Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !evt.StartedAt.IsZero() && !evt.StartedAt.Equal(e.startedAt) {
		e.resetLocked()
		e.startedAt = evt.StartedAt
	}
	if evt.Stage != "" {
		e.stage = model.Classify(string(evt.Stage))
	}
	if frac, ok := evt.StageFraction(); ok {
		e.stageFrac = frac
	}
	if len(evt.Stages) > 0 {
		e.stages = append(e.stages[:0], evt.Stages...)
	}

	at := evt.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	if percent, ok := evt.Percent(); ok {
		e.sampler.Observe(percent, at)
		e.progress = percent
	}

	e.recomputeLocked(at)
	return e.estimate
}

// Tick is the authoritative once-per-second recomputation while a
// deployment is active.
func (e *Engine) Tick(now time.Time) Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputeLocked(now)
	return e.estimate
}

func (e *Engine) Current() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate
}

// Stages is the backend-reported per-stage status list, read-only.
func (e *Engine) Stages() []model.StageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.StageRecord, len(e.stages))
	copy(out, e.stages)
	return out
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	e.sampler.Reset()
	e.startedAt = time.Time{}
	e.progress = 0
	e.stage = model.StageUnknown
	e.stageFrac = -1
	e.stages = nil
	e.estimate = Unknown()
}

func (e *Engine) recomputeLocked(now time.Time) {
	bench, haveBench := 0.0, false
	if e.stage != model.StageUnknown {
		bench, haveBench = e.table.Remaining(e.stage, e.stageFrac)
	}
	remaining := 100 - e.progress
	if remaining < 0 {
		remaining = 0
	}
	ema := e.sampler.Speed()

	var seconds float64
	known := false
	conf := ConfidenceLow

	switch {
	case ema > 0:
		live := remaining / ema
		if haveBench {
			w := e.progress / 100
			if w > e.cfg.WeightCap {
				w = e.cfg.WeightCap
			}
			seconds = w*live + (1-w)*bench
		} else {
			seconds = live
		}
		known = true
		conf = e.confidenceLocked()

	case haveBench:
		seconds = bench
		known = true
		conf = e.confidenceLocked()

	case e.progress > 0 && !e.startedAt.IsZero():
		// Linear extrapolation from time zero. The backend does not
		// guarantee linear progress; this is a heuristic and only ever
		// surfaces with Low confidence.
		elapsed := now.Sub(e.startedAt).Seconds()
		if elapsed > 0 {
			seconds = (100 - e.progress) / e.progress * elapsed
			known = true
		}
	}

	if !known {
		est := Unknown()
		est.ComputedAt = now
		e.estimate = est
		return
	}

	if floor := e.table.Floor(e.stage); seconds < floor {
		seconds = floor
	}
	if seconds < e.cfg.MinSeconds {
		seconds = e.cfg.MinSeconds
	}
	if seconds > e.cfg.MaxSeconds {
		seconds = e.cfg.MaxSeconds
	}

	e.estimate = Estimate{
		Seconds:    seconds,
		Known:      true,
		Confidence: conf,
		Trend:      e.trendLocked(),
		ComputedAt: now,
	}
}

func (e *Engine) confidenceLocked() Confidence {
	n := e.sampler.Count()
	switch {
	case n >= 5 && e.progress >= 30:
		return ConfidenceHigh
	case n >= 3 && e.progress >= 15:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func (e *Engine) trendLocked() Trend {
	if e.sampler.Count() < 3 {
		return TrendStable
	}
	ema := e.sampler.Speed()
	instant := e.sampler.LastInstant()
	if ema <= 0 || instant <= 0 {
		return TrendStable
	}
	switch ratio := instant / ema; {
	case ratio > 1.2:
		return TrendFaster
	case ratio < 0.8:
		return TrendSlower
	default:
		return TrendStable
	}
}
