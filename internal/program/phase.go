package program

import (
	"fmt"
	"time"
)

// Phase is one of the four ordered stages of the program.
type Phase int

const (
	PhaseBeforeStart Phase = iota
	PhaseActive
	PhaseHomeStretch
	PhaseAfterEnd
)

var phaseNames = map[Phase]string{
	PhaseBeforeStart: "before_start",
	PhaseActive:      "active",
	PhaseHomeStretch: "home_stretch",
	PhaseAfterEnd:    "after_end",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Position is a point in the program: a phase plus an offset within it.
//
// Offsets are 1-based day numbers within active and home_stretch. Within
// before_start the offset counts days remaining until the start date, so a
// LARGER offset is EARLIER in the program. Within after_end the offset is
// days since the program ended (0 on the end day itself).
type Position struct {
	Phase  Phase
	Offset int
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%d", p.Phase, p.Offset)
}

// Less reports whether a comes strictly before b in delivery order.
func Less(a, b Position) bool {
	if a.Phase != b.Phase {
		return a.Phase < b.Phase
	}
	if a.Phase == PhaseBeforeStart {
		// Countdown offsets: 3 days out precedes 1 day out.
		return a.Offset > b.Offset
	}
	return a.Offset < b.Offset
}

// Calendar fixes the program's boundary constants. All phase transitions
// use a closed-open convention: a boundary day belongs to the later phase.
type Calendar struct {
	// PreStartDays bounds the countdown window (how far ahead of the start
	// date content may be scheduled).
	PreStartDays int
	// ActiveDays is the total number of program days (active + home stretch).
	ActiveDays int
	// HomeStretchDay is the 1-based day number on which the home-stretch
	// sub-period begins; that day already belongs to the home stretch.
	HomeStretchDay int
}

func (c Calendar) Validate() error {
	if c.ActiveDays <= 0 {
		return fmt.Errorf("calendar: active days must be > 0, got %d", c.ActiveDays)
	}
	if c.HomeStretchDay <= 1 || c.HomeStretchDay > c.ActiveDays {
		return fmt.Errorf("calendar: home stretch day %d out of range (1, %d]", c.HomeStretchDay, c.ActiveDays)
	}
	if c.PreStartDays < 0 {
		return fmt.Errorf("calendar: pre-start days must be >= 0, got %d", c.PreStartDays)
	}
	return nil
}

// Resolve maps (start date, today) to the subscriber's current position.
// Both arguments must be civil dates (see CivilDate). Pure and total.
func (c Calendar) Resolve(start, today time.Time) Position {
	elapsed := DaysBetween(start, today)
	switch {
	case elapsed < 0:
		return Position{Phase: PhaseBeforeStart, Offset: -elapsed}
	case elapsed >= c.ActiveDays:
		return Position{Phase: PhaseAfterEnd, Offset: elapsed - c.ActiveDays}
	case elapsed+1 >= c.HomeStretchDay:
		return Position{Phase: PhaseHomeStretch, Offset: elapsed + 1 - c.HomeStretchDay + 1}
	default:
		return Position{Phase: PhaseActive, Offset: elapsed + 1}
	}
}

// DayNumber returns the 1-based program day for a position inside the
// active run, and ok=false outside it.
func (c Calendar) DayNumber(pos Position) (int, bool) {
	switch pos.Phase {
	case PhaseActive:
		return pos.Offset, true
	case PhaseHomeStretch:
		return c.HomeStretchDay + pos.Offset - 1, true
	default:
		return 0, false
	}
}

// maxOffset is the largest legal plan offset for a phase under c.
// after_end has no calendar upper bound; the plan's own length bounds it.
func (c Calendar) maxOffset(p Phase) (int, bool) {
	switch p {
	case PhaseBeforeStart:
		return c.PreStartDays, true
	case PhaseActive:
		return c.HomeStretchDay - 1, true
	case PhaseHomeStretch:
		return c.ActiveDays - c.HomeStretchDay + 1, true
	default:
		return 0, false
	}
}

// CivilDate truncates t to its calendar date in loc, normalized to a UTC
// midnight so that date arithmetic is immune to DST shifts.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole days from a to b. Both must be civil dates
// (UTC midnights); the result is negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a civil date as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.Format("2006-01-02") }
