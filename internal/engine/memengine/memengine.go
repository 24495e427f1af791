// Package memengine is an in-process reference implementation of
// engine.Engine. It holds everything in two maps behind one RWMutex,
// the same shape the teacher's cache.go uses for its Redis-fronted
// cache, and is the test oracle every other backend is differentially
// checked against (see internal/engine/conformance).
package memengine

import (
	"context"
	"sort"
	"sync"

	"github.com/allezon/tagengine/internal/engine"
	"github.com/allezon/tagengine/pkg/tagtypes"
)

// cookieProfile holds one cookie's recent views and buys, each kept
// sorted ascending by time and capped at tagtypes.MaxTagsPerCookie.
type cookieProfile struct {
	views []tagtypes.UserTag
	buys  []tagtypes.UserTag
}

func (p *cookieProfile) heapFor(action tagtypes.Action) *[]tagtypes.UserTag {
	if action == tagtypes.ActionBuy {
		return &p.buys
	}
	return &p.views
}

// Engine is the in-memory reference backend.
type Engine struct {
	mu       sync.RWMutex
	byMinute map[tagtypes.UtcMinute][]tagtypes.UserTag
	byCookie map[string]*cookieProfile
}

// New returns an empty in-memory engine.
func New() *Engine {
	return &Engine{
		byMinute: make(map[tagtypes.UtcMinute][]tagtypes.UserTag),
		byCookie: make(map[string]*cookieProfile),
	}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) RegisterUserTag(_ context.Context, tag tagtypes.UserTag) error {
	minute := tagtypes.MinuteOf(tag.Time.Time())

	e.mu.Lock()
	defer e.mu.Unlock()

	e.byMinute[minute] = append(e.byMinute[minute], tag)

	profile, ok := e.byCookie[tag.Cookie]
	if !ok {
		profile = &cookieProfile{}
		e.byCookie[tag.Cookie] = profile
	}
	heap := profile.heapFor(tag.Action)
	*heap = insertSortedByTime(*heap, tag)
	if len(*heap) > tagtypes.MaxTagsPerCookie {
		// Oldest-first slice: drop index 0, the oldest tag, mirroring the
		// teacher's bounded-eviction caches.
		*heap = (*heap)[1:]
	}
	return nil
}

// insertSortedByTime inserts tag into tags (sorted ascending by time) at
// its sorted position. Tags normally arrive roughly in time order, so
// this is usually a near-end insert; correctness does not depend on it.
func insertSortedByTime(tags []tagtypes.UserTag, tag tagtypes.UserTag) []tagtypes.UserTag {
	i := sort.Search(len(tags), func(i int) bool {
		return tags[i].Time.After(tag.Time) || tags[i].Time.Equal(tag.Time)
	})
	tags = append(tags, tagtypes.UserTag{})
	copy(tags[i+1:], tags[i:])
	tags[i] = tag
	return tags
}

func (e *Engine) LastTagsByCookie(_ context.Context, cookie string, window tagtypes.TimeRange, limit int) (tagtypes.UserProfile, error) {
	if err := engine.ValidateLimit("LastTagsByCookie", limit); err != nil {
		return tagtypes.UserProfile{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	profile, ok := e.byCookie[cookie]
	if !ok {
		return tagtypes.EmptyUserProfile(cookie), nil
	}

	return tagtypes.UserProfile{
		Cookie: cookie,
		Views:  lastInWindow(profile.views, window, limit),
		Buys:   lastInWindow(profile.buys, window, limit),
	}, nil
}

// lastInWindow returns the most recent (at most limit) entries of tags
// (sorted ascending by time) whose time falls in [window.From, window.To),
// in descending time order.
func lastInWindow(tags []tagtypes.UserTag, window tagtypes.TimeRange, limit int) []tagtypes.UserTag {
	matched := make([]tagtypes.UserTag, 0, limit)
	for _, tag := range tags {
		t := tag.Time.Time()
		if t.Before(window.From) || !t.Before(window.To) {
			continue
		}
		matched = append(matched, tag)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	reversed := make([]tagtypes.UserTag, len(matched))
	for i, tag := range matched {
		reversed[len(matched)-1-i] = tag
	}
	return reversed
}

func (e *Engine) SelectBucketStats(_ context.Context, window tagtypes.TimeRange, action tagtypes.Action, filter tagtypes.BucketFilter) ([]tagtypes.Bucket, error) {
	if err := engine.ValidateAggregateRange("SelectBucketStats", window); err != nil {
		return nil, err
	}

	from := tagtypes.MinuteOf(window.From)
	to := tagtypes.MinuteOf(window.To)

	e.mu.RLock()
	defer e.mu.RUnlock()

	var buckets []tagtypes.Bucket
	for minute := from; minute.Before(to); minute = minute.Next() {
		var count uint32
		var sumPrice int64
		for _, tag := range e.byMinute[minute] {
			if tagtypes.Matches(tag, action, filter) {
				count++
				sumPrice += int64(tag.ProductInfo.Price)
			}
		}
		buckets = append(buckets, tagtypes.Bucket{Minute: minute, Count: count, SumPrice: sumPrice})
	}
	return buckets, nil
}

func (e *Engine) Clear(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byMinute = make(map[tagtypes.UtcMinute][]tagtypes.UserTag)
	e.byCookie = make(map[string]*cookieProfile)
	return nil
}
