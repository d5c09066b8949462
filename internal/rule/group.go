package rule

import (
	"context"
	"fmt"
	"sort"

	"github.com/moyanhui/webtm/backend/internal/models"
)

// Trace records one condition evaluation for the process log.
type Trace struct {
	Type    string `json:"type"`
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// Group is a priority-ordered list of valid conditions. A group matches when
// every condition matches; evaluation short-circuits on the first miss.
type Group struct {
	conds []Condition
}

// NewGroup drops invalid conditions and orders the rest by priority, highest
// first. Invalid configs are skipped rather than rejected so a half-filled
// rule in the UI disables itself instead of breaking the set.
func NewGroup(conds []Condition) Group {
	valid := make([]Condition, 0, len(conds))
	for _, c := range conds {
		if c.Valid() {
			valid = append(valid, c)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority() > valid[j].Priority()
	})
	return Group{conds: valid}
}

// Valid reports whether the group has at least one condition to evaluate.
func (g Group) Valid() bool { return len(g.conds) > 0 }

// Match evaluates all conditions against the subject. A condition error
// counts as a miss and is recorded in the trace.
func (g Group) Match(ctx context.Context, s *Subject) (bool, []Trace, error) {
	traces := make([]Trace, 0, len(g.conds))
	for _, c := range g.conds {
		ok, err := c.Match(ctx, s)
		t := Trace{Type: c.Type(), Matched: ok}
		if err != nil {
			t.Error = err.Error()
			traces = append(traces, t)
			return false, traces, fmt.Errorf("condition %s: %w", c.Type(), err)
		}
		traces = append(traces, t)
		if !ok {
			return false, traces, nil
		}
	}
	return true, traces, nil
}

// Set is a compiled rule set ready for evaluation.
type Set struct {
	ID            uint
	Name          string
	Priority      int
	Whitelist     bool
	ManualConfirm bool
	Group         Group
	Operations    OperationGroup
}

// Compile builds a Set from its stored row. Returns an error when the stored
// JSON no longer decodes (registry drift); callers skip such sets and log.
func Compile(m *models.RuleSet) (Set, error) {
	conds, err := DecodeConditions(m.Conditions)
	if err != nil {
		return Set{}, fmt.Errorf("rule set %q: %w", m.Name, err)
	}
	ops, err := DecodeOperations(m.Operations)
	if err != nil {
		return Set{}, fmt.Errorf("rule set %q: %w", m.Name, err)
	}
	return Set{
		ID:            m.ID,
		Name:          m.Name,
		Priority:      m.Priority,
		Whitelist:     m.Whitelist,
		ManualConfirm: m.ManualConfirm,
		Group:         NewGroup(conds),
		Operations:    ops,
	}, nil
}

// CompileAll compiles every enabled row, skipping disabled, invalid and
// undecodable sets, and orders the result by priority, highest first.
func CompileAll(rows []models.RuleSet) (sets []Set, skipped []error) {
	for i := range rows {
		if !rows[i].Enabled {
			continue
		}
		set, err := Compile(&rows[i])
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		if !set.Group.Valid() {
			continue
		}
		sets = append(sets, set)
	}
	sort.SliceStable(sets, func(i, j int) bool {
		return sets[i].Priority > sets[j].Priority
	})
	return sets, skipped
}
