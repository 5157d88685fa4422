// Package traffic holds the live in-memory view of the intersection: the
// current light phase, lane densities, the stop-line proximity reading, the
// crosswalk status and the most recent violations.
package traffic

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/redlight/internal/classify"
)

// Phase is the current right-of-way assignment. The string values are the
// literals published on the phase topic.
type Phase string

const (
	PhaseUnknown Phase = "Unknown"
	PhaseHGreen  Phase = "H_GREEN"
	PhaseHYellow Phase = "H_YELLOW"
	PhaseVGreen  Phase = "V_GREEN"
	PhaseVYellow Phase = "V_YELLOW"
)

// ParsePhase maps a topic payload to a Phase. ok is false for anything other
// than the four known literals.
func ParsePhase(s string) (Phase, bool) {
	switch p := Phase(s); p {
	case PhaseHGreen, PhaseHYellow, PhaseVGreen, PhaseVYellow:
		return p, true
	}
	return PhaseUnknown, false
}

// Horizontal reports whether horizontal traffic has right of way.
func (p Phase) Horizontal() bool { return p == PhaseHGreen || p == PhaseHYellow }

// Vertical reports whether vertical traffic has right of way.
func (p Phase) Vertical() bool { return p == PhaseVGreen || p == PhaseVYellow }

// Crosswalk is the occupancy status of the crosswalk.
type Crosswalk string

const (
	CrosswalkClear             Crosswalk = "Clear"
	CrosswalkNotClear          Crosswalk = "Not Clear"
	CrosswalkPedestrianWaiting Crosswalk = "Pedestrian Waiting"
)

// ViolationLogCap is the number of violations kept resident. Older records
// live only in the store.
const ViolationLogCap = 10

// Violation is one recorded red-light violation. It is not modified after
// construction.
type Violation struct {
	CapturedAt time.Time      `json:"captured_at"`
	Color      classify.Label `json:"color"`
	Image      string         `json:"image_filename"`
}

// Date and time layouts used in stored records.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Date returns the capture date as YYYY-MM-DD.
func (v Violation) Date() string { return v.CapturedAt.Format(DateLayout) }

// Clock returns the capture time of day as HH:MM:SS.
func (v Violation) Clock() string { return v.CapturedAt.Format(TimeLayout) }

// Snapshot is a point-in-time copy of State. It shares no memory with the
// State it came from.
type Snapshot struct {
	Phase             Phase       `json:"phase"`
	HorizontalDensity int         `json:"horizontal_density"`
	VerticalDensity   int         `json:"vertical_density"`
	DistanceCm        int         `json:"distance_cm"`
	Crosswalk         Crosswalk   `json:"crosswalk"`
	Violations        []Violation `json:"violations"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// State is the shared intersection state. A single instance is created at
// startup and passed to every component that reads or writes it. All
// methods are safe for concurrent use.
type State struct {
	mu         sync.RWMutex
	phase      Phase
	hDensity   int
	vDensity   int
	distance   int
	crosswalk  Crosswalk
	violations []Violation
	updatedAt  time.Time
	now        func() time.Time
}

// NewState returns a State with no readings yet.
func NewState() *State {
	return &State{
		phase:     PhaseUnknown,
		crosswalk: CrosswalkClear,
		now:       time.Now,
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := make([]Violation, len(s.violations))
	copy(log, s.violations)
	return Snapshot{
		Phase:             s.phase,
		HorizontalDensity: s.hDensity,
		VerticalDensity:   s.vDensity,
		DistanceCm:        s.distance,
		Crosswalk:         s.crosswalk,
		Violations:        log,
		UpdatedAt:         s.updatedAt,
	}
}

// SetPhase records a new phase and re-derives the crosswalk status from it.
// Horizontal right of way clears the crosswalk; vertical right of way marks
// it not clear unless a pedestrian is waiting.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	s.crosswalk = derive(p, s.crosswalk)
	s.touch()
}

func derive(p Phase, current Crosswalk) Crosswalk {
	switch {
	case p.Horizontal():
		return CrosswalkClear
	case p.Vertical():
		if current == CrosswalkPedestrianWaiting {
			return current
		}
		return CrosswalkNotClear
	}
	return current
}

// SetDensity applies the densities that are present. A nil pointer leaves
// the previous value in place.
func (s *State) SetDensity(h, v *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h != nil {
		s.hDensity = *h
	}
	if v != nil {
		s.vDensity = *v
	}
	s.touch()
}

// SetDistance records the latest stop-line proximity reading in cm.
func (s *State) SetDistance(cm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distance = cm
	s.touch()
}

// MarkPedestrianWaiting flags a waiting pedestrian.
func (s *State) MarkPedestrianWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crosswalk = CrosswalkPedestrianWaiting
	s.touch()
}

// MarkCrosswalkClear reports an empty crosswalk. Under vertical right of way
// the crosswalk is still in use by traffic, so it reads Not Clear.
func (s *State) MarkCrosswalkClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Vertical() {
		s.crosswalk = CrosswalkNotClear
	} else {
		s.crosswalk = CrosswalkClear
	}
	s.touch()
}

// PrependViolation inserts v into the log and drops anything beyond
// ViolationLogCap. The log stays ordered newest first by capture time;
// records with equal capture times keep insertion order, newest insertion
// first.
func (s *State) PrependViolation(v Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(v)
	s.touch()
}

// SeedViolations replaces the log with records loaded from the store.
func (s *State) SeedViolations(vs []Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = nil
	for i := len(vs) - 1; i >= 0; i-- {
		s.insert(vs[i])
	}
	s.touch()
}

func (s *State) insert(v Violation) {
	i := sort.Search(len(s.violations), func(i int) bool {
		return !s.violations[i].CapturedAt.After(v.CapturedAt)
	})
	if i >= ViolationLogCap {
		return
	}
	s.violations = append(s.violations, Violation{})
	copy(s.violations[i+1:], s.violations[i:])
	s.violations[i] = v
	if len(s.violations) > ViolationLogCap {
		s.violations = s.violations[:ViolationLogCap]
	}
}

func (s *State) touch() { s.updatedAt = s.now() }
