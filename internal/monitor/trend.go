package monitor

import (
	"math"
	"time"
)

// Trend describes the direction of usage over the trend window.
type Trend string

const (
	TrendStable      Trend = "stable"
	TrendGrowing     Trend = "growing"
	TrendRapidGrowth Trend = "rapid_growth"
	TrendShrinking   Trend = "shrinking"
)

const stableSlope = 0.01

// Sample is one measurement in the rolling history.
type Sample struct {
	At         time.Time
	Tokens     int
	Percentage float64
	Level      Level
}

// Prediction is the trend over recent samples and the time until each
// uncrossed threshold is reached at the current rate.
type Prediction struct {
	Trend Trend

	// Slope is in percentage points per second.
	Slope float64

	// ETA maps each level not yet reached to the time until it is.
	// Empty unless usage is growing.
	ETA map[Level]time.Duration
}

// predict analyses samples within window of the newest one.
func predict(history []Sample, window time.Duration, th Thresholds, rapid float64) Prediction {
	p := Prediction{Trend: TrendStable, ETA: map[Level]time.Duration{}}
	if len(history) < 2 {
		return p
	}
	last := history[len(history)-1]
	first := last
	for i := len(history) - 2; i >= 0; i-- {
		if last.At.Sub(history[i].At) > window {
			break
		}
		first = history[i]
	}
	dt := last.At.Sub(first.At).Seconds()
	if dt <= 0 {
		return p
	}

	p.Slope = (last.Percentage - first.Percentage) / dt
	switch {
	case math.Abs(p.Slope) < stableSlope:
		p.Trend = TrendStable
	case p.Slope >= rapid:
		p.Trend = TrendRapidGrowth
	case p.Slope > 0:
		p.Trend = TrendGrowing
	default:
		p.Trend = TrendShrinking
	}

	if p.Slope >= stableSlope {
		for _, l := range levelsByRank[1:] {
			thr := th.of(l)
			if last.Percentage >= thr {
				continue
			}
			secs := (thr - last.Percentage) / p.Slope
			p.ETA[l] = time.Duration(secs * float64(time.Second))
		}
	}
	return p
}
