package eta

import "time"

const maxSamples = 10

type Sample struct {
	Percent float64
	At      time.Time
}

// Sampler turns irregular progress observations into a smoothed speed
// estimate (percent per second). Repeated values are ignored and
// regressions (the backend re-running a stage) are recorded but never
// fed into the EMA, so the smoothed speed cannot go negative.
type Sampler struct {
	alpha       float64
	ema         float64
	lastInstant float64
	samples     []Sample
}

func NewSampler(alpha float64) *Sampler {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.25
	}
	return &Sampler{alpha: alpha}
}

// Observe records one progress value. Returns false when the value is
// unchanged from the previous observation.
func (s *Sampler) Observe(percent float64, at time.Time) bool {
	if n := len(s.samples); n > 0 {
		prev := s.samples[n-1]
		if percent == prev.Percent {
			return false
		}
		dp := percent - prev.Percent
		dt := at.Sub(prev.At).Seconds()
		if dp > 0 && dt > 0 {
			instant := dp / dt
			s.lastInstant = instant
			if s.ema == 0 {
				s.ema = instant
			} else {
				s.ema = s.alpha*instant + (1-s.alpha)*s.ema
			}
		}
	}

	s.samples = append(s.samples, Sample{Percent: percent, At: at})
	if len(s.samples) > maxSamples {
		s.samples = s.samples[len(s.samples)-maxSamples:]
	}
	return true
}

// Speed is the smoothed throughput in percent per second; zero until
// at least one positive delta has been observed.
func (s *Sampler) Speed() float64 { return s.ema }

// LastInstant is the most recent sample-to-sample speed, for trend
// detection.
func (s *Sampler) LastInstant() float64 { return s.lastInstant }

func (s *Sampler) Count() int { return len(s.samples) }

func (s *Sampler) Reset() {
	s.ema = 0
	s.lastInstant = 0
	s.samples = nil
}
