package rule

import (
	"context"
	"strconv"
	"time"

	"github.com/moyanhui/webtm/backend/internal/models"
)

// Registered condition types. Categories split content-side predicates from
// author-side ones; lookup-backed conditions register at priority 45 so the
// cheap checks run first.

const lookupPriority = 45

func init() {
	registerText(Info{
		Type: "content_text", Name: "Content text", Category: "content", Series: SeriesText,
		Description: "Matches the body text of a thread, post or comment.",
	}, DefaultPriority, func(_ context.Context, s *Subject) (string, error) {
		return s.Content.Text, nil
	})

	registerText(Info{
		Type: "content_title", Name: "Title", Category: "content", Series: SeriesText,
		Description: "Matches the title of the thread the content belongs to.",
	}, DefaultPriority, func(_ context.Context, s *Subject) (string, error) {
		return s.Content.Title, nil
	})

	register(Info{
		Type: "content_kind", Name: "Content kind", Category: "content", Series: SeriesSet,
		Values: map[string]string{
			models.KindThread:  "Thread",
			models.KindPost:    "Post",
			models.KindComment: "Comment",
		},
	}, func() Condition {
		return &SetCondition{target: func(_ context.Context, s *Subject) (string, error) {
			return s.Content.Kind, nil
		}}
	})

	register(Info{
		Type: "floor", Name: "Floor", Category: "content", Series: SeriesRange,
		Description: "Bounds the floor number a post sits on.",
	}, func() Condition {
		return &RangeCondition{target: func(_ context.Context, s *Subject) (float64, error) {
			return float64(s.Content.Floor), nil
		}}
	})

	register(Info{
		Type: "posted_at", Name: "Posted time", Category: "content", Series: SeriesTime,
	}, func() Condition {
		return &TimeCondition{target: func(_ context.Context, s *Subject) (time.Time, error) {
			return s.Content.PostedAt, nil
		}}
	})

	registerText(Info{
		Type: "user_name", Name: "User name", Category: "author", Series: SeriesText,
	}, DefaultPriority, authorText(func(a *models.Author) string { return a.UserName }))

	registerText(Info{
		Type: "nick_name", Name: "Nickname", Category: "author", Series: SeriesText,
	}, DefaultPriority, authorText(func(a *models.Author) string { return a.NickName }))

	registerText(Info{
		Type: "portrait", Name: "Portrait", Category: "author", Series: SeriesText,
	}, DefaultPriority, authorText(func(a *models.Author) string { return a.Portrait }))

	register(Info{
		Type: "level", Name: "Level", Category: "author", Series: SeriesRange,
		Description: "Bounds the author's forum level.",
	}, func() Condition {
		return &RangeCondition{target: func(_ context.Context, s *Subject) (float64, error) {
			if s.Author == nil {
				return 0, nil
			}
			return float64(s.Author.Level), nil
		}}
	})

	registerText(Info{
		Type: "ip", Name: "IP location", Category: "author", Series: SeriesText,
		Description: "Matches the author's IP location. Requires a forum API lookup.",
	}, lookupPriority, func(ctx context.Context, s *Subject) (string, error) {
		p, err := s.Profile(ctx)
		if err != nil {
			return "", err
		}
		return p.IP, nil
	})

	registerText(Info{
		Type: "tieba_uid", Name: "Tieba UID", Category: "author", Series: SeriesText,
		Description: "Matches the author's public forum id. Requires a forum API lookup.",
	}, lookupPriority, func(ctx context.Context, s *Subject) (string, error) {
		p, err := s.Profile(ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(p.TiebaUID, 10), nil
	})
}

func registerText(info Info, priority int, target textTarget) {
	register(info, func() Condition {
		c := &TextCondition{target: target}
		if priority != DefaultPriority {
			p := priority
			c.Prio = &p
		}
		return c
	})
}

func authorText(get func(*models.Author) string) textTarget {
	return func(_ context.Context, s *Subject) (string, error) {
		if s.Author == nil {
			return "", nil
		}
		return get(s.Author), nil
	}
}
