package eta

import (
	"testing"
	"time"
)

func at(secs int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(secs) * time.Second)
}

func TestSamplerIgnoresUnchanged(t *testing.T) {
	s := NewSampler(0.25)
	if !s.Observe(10, at(0)) {
		t.Error("first sample should be recorded")
	}
	if s.Observe(10, at(1)) {
		t.Error("unchanged value should be ignored")
	}
	if s.Count() != 1 {
		t.Errorf("count = %d, want 1", s.Count())
	}
}

func TestSamplerEMA(t *testing.T) {
	s := NewSampler(0.25)
	s.Observe(0, at(0))
	s.Observe(10, at(1)) // 10 %/s seeds the EMA
	if got := s.Speed(); got != 10 {
		t.Fatalf("ema after seed = %v, want 10", got)
	}

	s.Observe(14, at(2)) // instant 4 %/s
	want := 0.25*4 + 0.75*10
	if got := s.Speed(); got != want {
		t.Errorf("ema = %v, want %v", got, want)
	}
	if got := s.LastInstant(); got != 4 {
		t.Errorf("last instant = %v, want 4", got)
	}
}

func TestSamplerNegativeDeltaExcluded(t *testing.T) {
	s := NewSampler(0.25)
	s.Observe(0, at(0))
	s.Observe(10, at(1))
	before := s.Speed()

	// A regression is recorded as a sample but never fed to the EMA.
	if !s.Observe(5, at(2)) {
		t.Error("regressed value is still a distinct sample")
	}
	if got := s.Speed(); got != before {
		t.Errorf("ema changed on negative delta: %v -> %v", before, got)
	}
	if got := s.Speed(); got < 0 {
		t.Errorf("ema went negative: %v", got)
	}
	if s.Count() != 3 {
		t.Errorf("count = %d, want 3", s.Count())
	}
}

func TestSamplerBoundedHistory(t *testing.T) {
	s := NewSampler(0.25)
	for i := 0; i <= 30; i++ {
		s.Observe(float64(i), at(i))
	}
	if s.Count() != 10 {
		t.Errorf("count = %d, want 10", s.Count())
	}
}

func TestSamplerReset(t *testing.T) {
	s := NewSampler(0.25)
	s.Observe(0, at(0))
	s.Observe(10, at(1))
	s.Reset()
	if s.Speed() != 0 || s.Count() != 0 || s.LastInstant() != 0 {
		t.Errorf("reset left state: speed=%v count=%d", s.Speed(), s.Count())
	}
}
