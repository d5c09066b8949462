package rule

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/moyanhui/webtm/backend/internal/models"
)

// Profile carries the extra author fields that require a forum API lookup.
type Profile struct {
	IP       string
	TiebaUID int64
}

// ProfileLookup resolves a forum user's profile. The scanner passes a
// client-backed implementation; tests pass fakes. May be nil, in which case
// lookup-based conditions report an error.
type ProfileLookup func(ctx context.Context, userID int64) (Profile, error)

// Subject is one content item under evaluation. The data map caches lookup
// results so multiple conditions inspecting the same author hit the forum
// API once.
type Subject struct {
	Content *models.Content
	Author  *models.Author

	Lookup  ProfileLookup
	profile *Profile
}

// NewSubject builds a Subject for a content row and its author.
func NewSubject(content *models.Content, author *models.Author, lookup ProfileLookup) *Subject {
	return &Subject{Content: content, Author: author, Lookup: lookup}
}

// Profile returns the author's extended profile, fetching it on first use.
func (s *Subject) Profile(ctx context.Context) (Profile, error) {
	if s.profile != nil {
		return *s.profile, nil
	}
	if s.Lookup == nil {
		return Profile{}, fmt.Errorf("no profile lookup configured")
	}
	if s.Author == nil {
		return Profile{}, fmt.Errorf("subject has no author")
	}
	p, err := s.Lookup(ctx, s.Author.UserID)
	if err != nil {
		return Profile{}, err
	}
	s.profile = &p
	return p, nil
}

// Condition is one predicate evaluated against a Subject.
type Condition interface {
	// Type returns the registry type tag.
	Type() string
	// Priority orders evaluation within a group, highest first. Conditions
	// that need a forum API lookup register below the default so cheap
	// checks short-circuit them away.
	Priority() int
	// Valid reports whether the configured options can ever match.
	Valid() bool
	// Match evaluates the condition.
	Match(ctx context.Context, s *Subject) (bool, error)
}

// DefaultPriority applies when a condition config carries none.
const DefaultPriority = 50

type header struct {
	CondType string `json:"type"`
	Prio     *int   `json:"priority,omitempty"`
}

func (h header) Type() string { return h.CondType }

func (h header) Priority() int {
	if h.Prio != nil {
		return *h.Prio
	}
	return DefaultPriority
}

// TextOptions configures substring or regex matching.
type TextOptions struct {
	Text       string `json:"text"`
	Regex      bool   `json:"regex,omitempty"`
	IgnoreCase bool   `json:"ignore_case,omitempty"`
}

// TextCondition matches a string field of the subject.
type TextCondition struct {
	header
	Options TextOptions `json:"options"`

	target textTarget
	re     *regexp.Regexp
}

func (c *TextCondition) Valid() bool { return c.Options.Text != "" }

func (c *TextCondition) compile() error {
	if !c.Options.Regex {
		return nil
	}
	pattern := c.Options.Text
	if c.Options.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("condition %s: %w", c.CondType, err)
	}
	c.re = re
	return nil
}

func (c *TextCondition) Match(ctx context.Context, s *Subject) (bool, error) {
	value, err := c.target(ctx, s)
	if err != nil {
		return false, err
	}
	if value == "" {
		return false, nil
	}
	if c.re != nil {
		return c.re.MatchString(value), nil
	}
	if c.Options.IgnoreCase {
		return strings.Contains(strings.ToLower(value), strings.ToLower(c.Options.Text)), nil
	}
	return strings.Contains(value, c.Options.Text), nil
}

// RangeOptions configures numeric bounds. Eq overrides both bounds.
type RangeOptions struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	Eq  *float64 `json:"eq,omitempty"`
}

// RangeCondition matches a numeric field against min/max/eq bounds.
type RangeCondition struct {
	header
	Options RangeOptions `json:"options"`

	target numberTarget
}

func (c *RangeCondition) Valid() bool {
	o := c.Options
	if o.Eq != nil {
		return true
	}
	if o.Max != nil && o.Min != nil {
		return *o.Max >= *o.Min
	}
	return o.Max != nil || o.Min != nil
}

func (c *RangeCondition) Match(ctx context.Context, s *Subject) (bool, error) {
	value, err := c.target(ctx, s)
	if err != nil {
		return false, err
	}
	if c.Options.Eq != nil {
		return value == *c.Options.Eq, nil
	}
	if c.Options.Max != nil && value > *c.Options.Max {
		return false, nil
	}
	if c.Options.Min != nil && value < *c.Options.Min {
		return false, nil
	}
	return true, nil
}

// SetOptions configures membership checks.
type SetOptions struct {
	Values []string `json:"values"`
}

// SetCondition matches when the target value is one of the configured values.
type SetCondition struct {
	header
	Options SetOptions `json:"options"`

	target textTarget
	set    map[string]struct{}
}

func (c *SetCondition) Valid() bool { return len(c.Options.Values) > 0 }

func (c *SetCondition) compile() {
	c.set = make(map[string]struct{}, len(c.Options.Values))
	for _, v := range c.Options.Values {
		c.set[v] = struct{}{}
	}
}

func (c *SetCondition) Match(ctx context.Context, s *Subject) (bool, error) {
	value, err := c.target(ctx, s)
	if err != nil {
		return false, err
	}
	_, ok := c.set[value]
	return ok, nil
}

// TimeOptions configures a half-open or closed time window.
type TimeOptions struct {
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
}

// TimeCondition matches a timestamp field against a window.
type TimeCondition struct {
	header
	Options TimeOptions `json:"options"`

	target timeTarget
}

func (c *TimeCondition) Valid() bool {
	o := c.Options
	if o.After != nil && o.Before != nil {
		return o.Before.After(*o.After)
	}
	return o.After != nil || o.Before != nil
}

func (c *TimeCondition) Match(ctx context.Context, s *Subject) (bool, error) {
	value, err := c.target(ctx, s)
	if err != nil {
		return false, err
	}
	if c.Options.After != nil && value.Before(*c.Options.After) {
		return false, nil
	}
	if c.Options.Before != nil && !value.Before(*c.Options.Before) {
		return false, nil
	}
	return true, nil
}

type (
	textTarget   func(ctx context.Context, s *Subject) (string, error)
	numberTarget func(ctx context.Context, s *Subject) (float64, error)
	timeTarget   func(ctx context.Context, s *Subject) (time.Time, error)
)
