package archive

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/pruner"
)

// Scope is the retention class of an archived context.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
)

// Scopes lists every known scope.
var Scopes = []Scope{ScopeSession, ScopeProject}

// ParseScope validates s.
func ParseScope(s string) (Scope, error) {
	for _, sc := range Scopes {
		if strings.EqualFold(s, string(sc)) {
			return sc, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
}

// Level is an archive tier. Sessions idle for at most MaxIdleDays land in
// the first matching tier.
type Level struct {
	Name        string
	MaxIdleDays int

	// Ratio is the target size of the archived content relative to the
	// original.
	Ratio float64
}

// Archive tiers, oldest threshold last.
var (
	LevelActive    = Level{Name: "Active", MaxIdleDays: 0, Ratio: 0.7}
	LevelDormant   = Level{Name: "Dormant", MaxIdleDays: 7, Ratio: 0.5}
	LevelSleeping  = Level{Name: "Sleeping", MaxIdleDays: 30, Ratio: 0.3}
	LevelDeepSleep = Level{Name: "Deep-Sleep", MaxIdleDays: 90, Ratio: 0.2}

	Levels = []Level{LevelActive, LevelDormant, LevelSleeping, LevelDeepSleep}
)

// LevelFor picks the tier for an idle duration, counted in whole days.
func LevelFor(idle time.Duration) Level {
	days := int(math.Floor(idle.Hours() / 24))
	for _, l := range Levels {
		if days <= l.MaxIdleDays {
			return l
		}
	}
	return LevelDeepSleep
}

// LevelByName finds a tier by its name.
func LevelByName(name string) (Level, bool) {
	for _, l := range Levels {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Level{}, false
}

// plan maps the tier ratio onto a prune mode and reduction target.
func (l Level) plan() (pruner.Mode, float64) {
	target := 1 - l.Ratio
	if l.Ratio < 0.3 {
		return pruner.ModeEmergency, target
	}
	return pruner.ModeSmart, target
}
