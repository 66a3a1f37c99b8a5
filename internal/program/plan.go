package program

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/osteele/liquid"
	yaml "go.yaml.in/yaml/v3"
)

// Item is one deliverable content unit. Items are immutable after load.
type Item struct {
	ID     string
	Phase  Phase
	Offset int
	// Seq is the item's index in delivery order, assigned by the plan.
	Seq int

	raw  string
	tmpl *liquid.Template
}

func (it *Item) Position() Position { return Position{Phase: it.Phase, Offset: it.Offset} }

// Vars are the per-delivery template bindings.
type Vars struct {
	DayNumber int
	DaysLeft  int
	Phase     string
}

// Render produces the final message text for one delivery.
func (it *Item) Render(v Vars) (string, error) {
	out, err := it.tmpl.RenderString(map[string]any{
		"day_number": v.DayNumber,
		"days_left":  v.DaysLeft,
		"phase":      v.Phase,
	})
	if err != nil {
		return "", fmt.Errorf("render item %s: %w", it.ID, err)
	}
	return strings.TrimSpace(out), nil
}

// Plan is the ordered, immutable content table. Items are kept in delivery
// order: phase order, then offset ascending, except before_start, whose
// offsets count days remaining and therefore descend toward the start date.
type Plan struct {
	cal   Calendar
	items []*Item
}

type planFile struct {
	Items []planItem `yaml:"items"`
}

type planItem struct {
	ID     string `yaml:"id"`
	Phase  string `yaml:"phase"`
	Offset int    `yaml:"offset"`
	Text   string `yaml:"text"`
}

// LoadPlan reads and validates the plan file. Any integrity problem is a
// startup failure; the engine must not serve ticks with a broken plan.
func LoadPlan(path string, cal Calendar) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return ParsePlan(b, cal)
}

func ParsePlan(data []byte, cal Calendar) (*Plan, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if len(pf.Items) == 0 {
		return nil, errors.New("plan: no items defined")
	}

	eng := liquid.NewEngine()
	items := make([]*Item, 0, len(pf.Items))
	seenID := make(map[string]bool, len(pf.Items))
	seenKey := make(map[Position]bool, len(pf.Items))

	for i, pi := range pf.Items {
		id := strings.TrimSpace(pi.ID)
		if id == "" {
			return nil, fmt.Errorf("plan: item %d has no id", i)
		}
		if seenID[id] {
			return nil, fmt.Errorf("plan: duplicate item id %q", id)
		}
		seenID[id] = true

		ph, err := ParsePhase(strings.TrimSpace(pi.Phase))
		if err != nil {
			return nil, fmt.Errorf("plan: item %q: %w", id, err)
		}

		if err := checkOffset(cal, ph, pi.Offset); err != nil {
			return nil, fmt.Errorf("plan: item %q: %w", id, err)
		}

		key := Position{Phase: ph, Offset: pi.Offset}
		if seenKey[key] {
			return nil, fmt.Errorf("plan: duplicate key %s (item %q)", key, id)
		}
		seenKey[key] = true

		text := strings.TrimSpace(pi.Text)
		if text == "" {
			return nil, fmt.Errorf("plan: item %q has empty text", id)
		}
		if err := checkTemplateDelims(text); err != nil {
			return nil, fmt.Errorf("plan: item %q: bad template: %w", id, err)
		}
		tmpl, err := eng.ParseString(text)
		if err != nil {
			return nil, fmt.Errorf("plan: item %q: bad template: %w", id, err)
		}

		items = append(items, &Item{ID: id, Phase: ph, Offset: pi.Offset, raw: text, tmpl: tmpl})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return Less(items[i].Position(), items[j].Position())
	})
	for i, it := range items {
		it.Seq = i
	}

	if err := checkContiguous(items); err != nil {
		return nil, err
	}

	return &Plan{cal: cal, items: items}, nil
}

// checkTemplateDelims rejects unbalanced {{ }} and {% %} pairs. The
// template engine treats an unterminated tag as literal text, which would
// pass load validation and then be delivered to subscribers verbatim.
func checkTemplateDelims(text string) error {
	for _, d := range [][2]string{{"{{", "}}"}, {"{%", "%}"}} {
		rest := text
		for {
			i := strings.Index(rest, d[0])
			if i < 0 {
				break
			}
			rest = rest[i+2:]
			j := strings.Index(rest, d[1])
			if j < 0 {
				return fmt.Errorf("unterminated %s", d[0])
			}
			rest = rest[j+2:]
		}
	}
	return nil
}

func checkOffset(cal Calendar, ph Phase, off int) error {
	min := 1
	if ph == PhaseAfterEnd {
		min = 0
	}
	if off < min {
		return fmt.Errorf("offset %d below minimum %d for %s", off, min, ph)
	}
	if max, ok := cal.maxOffset(ph); ok && off > max {
		return fmt.Errorf("offset %d exceeds %s window of %d days", off, ph, max)
	}
	return nil
}

// checkContiguous rejects gaps in each phase's offset sequence. A gap would
// mean a day the calendar passes through with no defined item, which is
// almost always a plan-authoring mistake.
func checkContiguous(items []*Item) error {
	byPhase := map[Phase][]int{}
	for _, it := range items {
		byPhase[it.Phase] = append(byPhase[it.Phase], it.Offset)
	}
	for ph, offs := range byPhase {
		sort.Ints(offs)
		for i := 1; i < len(offs); i++ {
			if offs[i] != offs[i-1]+1 {
				return fmt.Errorf("plan: %s offsets have a gap between %d and %d", ph, offs[i-1], offs[i])
			}
		}
	}
	return nil
}

func (p *Plan) Len() int { return len(p.items) }

func (p *Plan) Calendar() Calendar { return p.cal }

// NextAfter returns the first item strictly after the given cursor in
// delivery order, or nil when the plan is exhausted. A cursor of -1 means
// nothing delivered yet.
func (p *Plan) NextAfter(seq int) *Item {
	next := seq + 1
	if next < 0 || next >= len(p.items) {
		return nil
	}
	return p.items[next]
}

// Item returns the item at the given delivery sequence, or nil.
func (p *Plan) Item(seq int) *Item {
	if seq < 0 || seq >= len(p.items) {
		return nil
	}
	return p.items[seq]
}

// ByID looks an item up by its identity.
func (p *Plan) ByID(id string) *Item {
	for _, it := range p.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}
