package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyanhui/webtm/backend/internal/models"
)

func testSubject(text string, level int) *Subject {
	content := &models.Content{
		PID:      1001,
		TID:      2001,
		Forum:    "test",
		Kind:     models.KindPost,
		Title:    "Test thread",
		Text:     text,
		Floor:    2,
		PostedAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
	author := &models.Author{
		UserID:   42,
		Portrait: "tb.1.abcdef",
		UserName: "someuser",
		NickName: "Some User",
		Level:    level,
	}
	return NewSubject(content, author, nil)
}

func decode(t *testing.T, raw string) Condition {
	t.Helper()
	cond, err := DecodeCondition(json.RawMessage(raw))
	require.NoError(t, err)
	return cond
}

func TestTextCondition_Substring(t *testing.T) {
	cond := decode(t, `{"type":"content_text","options":{"text":"spam"}}`)

	ok, err := cond.Match(context.Background(), testSubject("this is SPAM content", 5))
	require.NoError(t, err)
	assert.False(t, ok, "substring match is case sensitive by default")

	cond = decode(t, `{"type":"content_text","options":{"text":"spam","ignore_case":true}}`)
	ok, err = cond.Match(context.Background(), testSubject("this is SPAM content", 5))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTextCondition_Regex(t *testing.T) {
	cond := decode(t, `{"type":"content_text","options":{"text":"https?://","regex":true}}`)

	ok, err := cond.Match(context.Background(), testSubject("check https://example.com", 5))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Match(context.Background(), testSubject("no links here", 5))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTextCondition_BadRegex(t *testing.T) {
	_, err := DecodeCondition(json.RawMessage(`{"type":"content_text","options":{"text":"[","regex":true}}`))
	assert.Error(t, err)
}

func TestRangeCondition_Level(t *testing.T) {
	cond := decode(t, `{"type":"level","options":{"max":3}}`)

	ok, err := cond.Match(context.Background(), testSubject("hi", 2))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Match(context.Background(), testSubject("hi", 10))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRangeCondition_Eq(t *testing.T) {
	cond := decode(t, `{"type":"floor","options":{"eq":2}}`)

	ok, err := cond.Match(context.Background(), testSubject("hi", 5))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRangeCondition_Invalid(t *testing.T) {
	cond := decode(t, `{"type":"level","options":{"min":10,"max":3}}`)
	assert.False(t, cond.Valid(), "inverted bounds can never match")

	cond = decode(t, `{"type":"level","options":{}}`)
	assert.False(t, cond.Valid(), "no bounds at all can never match")
}

func TestSetCondition_ContentKind(t *testing.T) {
	cond := decode(t, `{"type":"content_kind","options":{"values":["post","comment"]}}`)

	ok, err := cond.Match(context.Background(), testSubject("hi", 5))
	require.NoError(t, err)
	assert.True(t, ok)

	s := testSubject("hi", 5)
	s.Content.Kind = models.KindThread
	ok, err = cond.Match(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimeCondition_Window(t *testing.T) {
	cond := decode(t, `{"type":"posted_at","options":{"after":"2026-01-01T00:00:00Z","before":"2026-02-01T00:00:00Z"}}`)

	ok, err := cond.Match(context.Background(), testSubject("hi", 5))
	require.NoError(t, err)
	assert.True(t, ok)

	s := testSubject("hi", 5)
	s.Content.PostedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ok, err = cond.Match(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupCondition_UsesProfile(t *testing.T) {
	calls := 0
	lookup := func(ctx context.Context, userID int64) (Profile, error) {
		calls++
		return Profile{IP: "广东", TiebaUID: 777}, nil
	}

	s := testSubject("hi", 5)
	s.Lookup = lookup

	ipCond := decode(t, `{"type":"ip","options":{"text":"广东"}}`)
	ok, err := ipCond.Match(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)

	uidCond := decode(t, `{"type":"tieba_uid","options":{"text":"777"}}`)
	ok, err = uidCond.Match(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, calls, "profile lookups are cached per subject")
}

func TestLookupCondition_NoLookup(t *testing.T) {
	cond := decode(t, `{"type":"ip","options":{"text":"广东"}}`)
	_, err := cond.Match(context.Background(), testSubject("hi", 5))
	assert.Error(t, err)
}

func TestLookupCondition_PriorityBelowDefault(t *testing.T) {
	ipCond := decode(t, `{"type":"ip","options":{"text":"广东"}}`)
	textCond := decode(t, `{"type":"content_text","options":{"text":"x"}}`)
	assert.Less(t, ipCond.Priority(), textCond.Priority())
}

func TestLookupCondition_FailureShortCircuited(t *testing.T) {
	lookup := func(ctx context.Context, userID int64) (Profile, error) {
		return Profile{}, fmt.Errorf("api down")
	}
	s := testSubject("no match here", 5)
	s.Lookup = lookup

	// Text condition misses first, so the lookup never runs.
	group := NewGroup([]Condition{
		decode(t, `{"type":"content_text","options":{"text":"absent"}}`),
		decode(t, `{"type":"ip","options":{"text":"广东"}}`),
	})
	ok, traces, err := group.Match(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, traces, 1)
}

func TestDecodeCondition_UnknownType(t *testing.T) {
	_, err := DecodeCondition(json.RawMessage(`{"type":"no_such_thing","options":{}}`))
	assert.Error(t, err)
}

func TestAuthorTextConditions(t *testing.T) {
	s := testSubject("hi", 5)

	cond := decode(t, `{"type":"user_name","options":{"text":"someuser"}}`)
	ok, err := cond.Match(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)

	s.Author = nil
	ok, err = cond.Match(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, ok, "missing author is a miss, not an error")
}
