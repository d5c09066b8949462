package rule

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Series names describe the option schema a condition type uses, so the UI
// can render the right editor.
const (
	SeriesText  = "text"
	SeriesRange = "range"
	SeriesSet   = "set"
	SeriesTime  = "time"
)

// Info describes a registered condition type for the UI.
type Info struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Series      string `json:"series"`
	Description string `json:"description,omitempty"`
	// Values maps raw set values to display names for set-series types.
	Values map[string]string `json:"values,omitempty"`
}

type factory func() Condition

var (
	registry = map[string]factory{}
	infos    = map[string]Info{}
)

func register(info Info, f factory) {
	if _, dup := registry[info.Type]; dup {
		panic(fmt.Sprintf("rule: duplicate condition type %q", info.Type))
	}
	registry[info.Type] = f
	infos[info.Type] = info
}

// Infos returns registry metadata for every condition type, ordered by
// category then type for stable UI listings.
func Infos() []Info {
	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// DecodeCondition builds a condition from its JSON config. Unknown types and
// malformed options are errors; configs that decode but can never match
// (empty text, inverted bounds) are accepted here and dropped at group build.
func DecodeCondition(raw json.RawMessage) (Condition, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	f, ok := registry[h.CondType]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %q", h.CondType)
	}

	cond := f()
	if err := json.Unmarshal(raw, cond); err != nil {
		return nil, fmt.Errorf("decode %s condition: %w", h.CondType, err)
	}

	switch c := cond.(type) {
	case *TextCondition:
		if err := c.compile(); err != nil {
			return nil, err
		}
	case *SetCondition:
		c.compile()
	}
	return cond, nil
}

// DecodeConditions decodes a JSON array of condition configs.
func DecodeConditions(raw string) ([]Condition, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}

	conds := make([]Condition, 0, len(items))
	for _, item := range items {
		cond, err := DecodeCondition(item)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}
