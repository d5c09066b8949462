package rule

import (
	"encoding/json"
	"fmt"
)

// Shorthand operation strings. A rule set's operations column is either one
// of these or a JSON array of OperationSpec.
const (
	OpIgnore         = "ignore"
	OpDelete         = "delete"
	OpBlock          = "block"
	OpDeleteAndBlock = "delete_and_block"
)

// BlockOptions overrides the watcher's default block settings.
type BlockOptions struct {
	Day    int    `json:"day,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OperationSpec is one structured operation. Direct operations run
// immediately even when the match is routed through the confirm queue.
type OperationSpec struct {
	Type    string        `json:"type"` // "delete" or "block"
	Direct  bool          `json:"direct,omitempty"`
	Options *BlockOptions `json:"options,omitempty"`
}

// OperationGroup is a decoded operations column: exactly one of Shorthand or
// Specs is set.
type OperationGroup struct {
	Shorthand string
	Specs     []OperationSpec
}

// DecodeOperations parses an operations column. An empty column is a valid
// empty group; whitelist sets carry no operations.
func DecodeOperations(raw string) (OperationGroup, error) {
	if raw == "" {
		return OperationGroup{}, nil
	}

	var shorthand string
	if err := json.Unmarshal([]byte(raw), &shorthand); err == nil {
		switch shorthand {
		case OpIgnore, OpDelete, OpBlock, OpDeleteAndBlock:
			return OperationGroup{Shorthand: shorthand}, nil
		default:
			return OperationGroup{}, fmt.Errorf("unknown operation %q", shorthand)
		}
	}

	var specs []OperationSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return OperationGroup{}, fmt.Errorf("decode operations: %w", err)
	}
	for _, spec := range specs {
		switch spec.Type {
		case OpDelete, OpBlock:
		default:
			return OperationGroup{}, fmt.Errorf("unknown operation type %q", spec.Type)
		}
	}
	return OperationGroup{Specs: specs}, nil
}

// Encode serializes the group back to its column form.
func (g OperationGroup) Encode() (string, error) {
	if g.Shorthand != "" {
		b, err := json.Marshal(g.Shorthand)
		return string(b), err
	}
	b, err := json.Marshal(g.Specs)
	return string(b), err
}

// Empty reports whether the group carries no operations at all.
func (g OperationGroup) Empty() bool {
	return g.Shorthand == "" && len(g.Specs) == 0
}

// Direct returns the subset flagged to run without confirmation, or an empty
// group. Shorthand groups have no direct subset.
func (g OperationGroup) Direct() OperationGroup {
	if g.Shorthand != "" {
		return OperationGroup{}
	}
	var specs []OperationSpec
	for _, s := range g.Specs {
		if s.Direct {
			specs = append(specs, s)
		}
	}
	return OperationGroup{Specs: specs}
}

// Deferred returns the subset that waits for confirmation. Shorthand groups
// defer as a whole.
func (g OperationGroup) Deferred() OperationGroup {
	if g.Shorthand != "" {
		return g
	}
	var specs []OperationSpec
	for _, s := range g.Specs {
		if !s.Direct {
			specs = append(specs, s)
		}
	}
	return OperationGroup{Specs: specs}
}
