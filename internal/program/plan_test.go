package program

import (
	"strings"
	"testing"
)

var testCal = Calendar{PreStartDays: 3, ActiveDays: 10, HomeStretchDay: 8}

const validPlan = `
items:
  - {id: c2, phase: before_start, offset: 2, text: "two days"}
  - {id: c1, phase: before_start, offset: 1, text: "one day"}
  - {id: d1, phase: active, offset: 1, text: "day {{ day_number }}"}
  - {id: d2, phase: active, offset: 2, text: "day {{ day_number }}, {{ days_left }} left"}
  - {id: hs1, phase: home_stretch, offset: 1, text: "home stretch"}
  - {id: end, phase: after_end, offset: 0, text: "done"}
`

func TestParsePlanOrdering(t *testing.T) {
	t.Parallel()

	p, err := ParsePlan([]byte(validPlan), testCal)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if p.Len() != 6 {
		t.Fatalf("Len = %d, want 6", p.Len())
	}

	wantOrder := []string{"c2", "c1", "d1", "d2", "hs1", "end"}
	for i, id := range wantOrder {
		it := p.Item(i)
		if it == nil || it.ID != id {
			t.Fatalf("item %d = %v, want %s", i, it, id)
		}
		if it.Seq != i {
			t.Fatalf("item %s Seq = %d, want %d", it.ID, it.Seq, i)
		}
	}
}

func TestPlanNextAfter(t *testing.T) {
	t.Parallel()

	p, err := ParsePlan([]byte(validPlan), testCal)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}

	first := p.NextAfter(-1)
	if first == nil || first.ID != "c2" {
		t.Fatalf("NextAfter(-1) = %v, want c2", first)
	}
	mid := p.NextAfter(2)
	if mid == nil || mid.ID != "d2" {
		t.Fatalf("NextAfter(2) = %v, want d2", mid)
	}
	if got := p.NextAfter(5); got != nil {
		t.Fatalf("NextAfter(last) = %v, want nil", got)
	}
	if got := p.NextAfter(99); got != nil {
		t.Fatalf("NextAfter(99) = %v, want nil", got)
	}
}

func TestRenderVars(t *testing.T) {
	t.Parallel()

	p, err := ParsePlan([]byte(validPlan), testCal)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	out, err := p.ByID("d2").Render(Vars{DayNumber: 2, DaysLeft: 8, Phase: "active"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "day 2, 8 left" {
		t.Fatalf("Render = %q", out)
	}
}

func TestParsePlanRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"empty plan",
			`items: []`,
			"no items",
		},
		{
			"missing id",
			`items: [{phase: active, offset: 1, text: "x"}]`,
			"has no id",
		},
		{
			"duplicate id",
			`items:
  - {id: a, phase: active, offset: 1, text: "x"}
  - {id: a, phase: active, offset: 2, text: "y"}`,
			"duplicate item id",
		},
		{
			"unknown phase",
			`items: [{id: a, phase: intermission, offset: 1, text: "x"}]`,
			"unknown phase",
		},
		{
			"duplicate position",
			`items:
  - {id: a, phase: active, offset: 1, text: "x"}
  - {id: b, phase: active, offset: 1, text: "y"}`,
			"duplicate key",
		},
		{
			"zero offset outside after_end",
			`items: [{id: a, phase: active, offset: 0, text: "x"}]`,
			"below minimum",
		},
		{
			"countdown beyond window",
			`items: [{id: a, phase: before_start, offset: 4, text: "x"}]`,
			"exceeds",
		},
		{
			"active offset past home stretch",
			`items: [{id: a, phase: active, offset: 8, text: "x"}]`,
			"exceeds",
		},
		{
			"home stretch offset past program end",
			`items: [{id: a, phase: home_stretch, offset: 4, text: "x"}]`,
			"exceeds",
		},
		{
			"empty text",
			`items: [{id: a, phase: active, offset: 1, text: "  "}]`,
			"empty text",
		},
		{
			"broken template",
			`items: [{id: a, phase: active, offset: 1, text: "day {{ day_number "}]`,
			"bad template",
		},
		{
			"unterminated tag",
			`items: [{id: a, phase: active, offset: 1, text: "start {% if x "}]`,
			"bad template",
		},
		{
			"unclosed block",
			`items: [{id: a, phase: active, offset: 1, text: "{% if day_number %}hi"}]`,
			"bad template",
		},
		{
			"offset gap",
			`items:
  - {id: a, phase: active, offset: 1, text: "x"}
  - {id: b, phase: active, offset: 3, text: "y"}`,
			"gap",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParsePlan([]byte(tc.yaml), testCal)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestParsePlanRejectsBadCalendar(t *testing.T) {
	t.Parallel()

	_, err := ParsePlan([]byte(validPlan), Calendar{ActiveDays: 10, HomeStretchDay: 1})
	if err == nil {
		t.Fatal("expected calendar validation error")
	}
}
