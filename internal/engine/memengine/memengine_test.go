package memengine

import (
	"context"
	"testing"
	"time"

	"github.com/allezon/tagengine/internal/engine"
	"github.com/allezon/tagengine/pkg/tagtypes"
)

func defaultProductInfo() tagtypes.ProductInfo {
	return tagtypes.ProductInfo{ProductID: "0123", BrandID: "2137", CategoryID: "42", Price: 0}
}

func defaultTag(at time.Time) tagtypes.UserTag {
	return tagtypes.UserTag{
		Time:        tagtypes.NewUtcTime(at),
		Cookie:      "cookie",
		Country:     "PL",
		Device:      tagtypes.DevicePC,
		Action:      tagtypes.ActionBuy,
		Origin:      "CHRL",
		ProductInfo: defaultProductInfo(),
	}
}

type testMinutes struct {
	middle, earlier, after tagtypes.UtcMinute
}

func buildEngineAndRegisterTags(t *testing.T) (*Engine, testMinutes) {
	t.Helper()
	e := New()
	ctx := context.Background()

	moment := time.Date(2000, 1, 1, 21, 37, 42, 0, time.UTC)
	minuteMiddle := tagtypes.MinuteOf(moment)
	minuteEarlier := tagtypes.MinuteOf(moment.Add(-3*time.Minute - time.Second))
	minuteAfter := tagtypes.MinuteOf(moment.Add(2*time.Second + time.Minute))

	tag1 := defaultTag(moment)
	tag1.ProductInfo.Price = 20
	tag2 := defaultTag(moment.Add(2 * time.Second))
	tag2.ProductInfo.Price = 30

	if err := e.RegisterUserTag(ctx, tag1); err != nil {
		t.Fatalf("RegisterUserTag: %v", err)
	}
	if err := e.RegisterUserTag(ctx, tag2); err != nil {
		t.Fatalf("RegisterUserTag: %v", err)
	}

	return e, testMinutes{middle: minuteMiddle, earlier: minuteEarlier, after: minuteAfter}
}

func TestProfileContainsValidTags(t *testing.T) {
	e, minutes := buildEngineAndRegisterTags(t)
	ctx := context.Background()

	profile, err := e.LastTagsByCookie(ctx, "cookie", tagtypes.TimeRange{From: minutes.middle.Inner(), To: minutes.after.Inner()}, 100)
	if err != nil {
		t.Fatalf("LastTagsByCookie: %v", err)
	}
	if len(profile.Views) != 0 {
		t.Errorf("expected no views, got %d", len(profile.Views))
	}
	if len(profile.Buys) != 2 {
		t.Fatalf("expected 2 buys, got %d", len(profile.Buys))
	}
	if profile.Buys[0].ProductInfo.Price != 30 || profile.Buys[1].ProductInfo.Price != 20 {
		t.Errorf("buys not in descending time order: %+v", profile.Buys)
	}

	profile, err = e.LastTagsByCookie(ctx, "cookie", tagtypes.TimeRange{From: minutes.middle.Inner(), To: minutes.after.Inner()}, 1)
	if err != nil {
		t.Fatalf("LastTagsByCookie: %v", err)
	}
	if len(profile.Buys) != 1 || profile.Buys[0].ProductInfo.Price != 30 {
		t.Fatalf("limit=1 did not return the most recent tag: %+v", profile.Buys)
	}
}

func TestUnknownCookieReturnsEmptyProfile(t *testing.T) {
	e := New()
	profile, err := e.LastTagsByCookie(context.Background(), "nobody", tagtypes.TimeRange{
		From: time.Unix(0, 0), To: time.Unix(1<<32, 0),
	}, 10)
	if err != nil {
		t.Fatalf("LastTagsByCookie: %v", err)
	}
	if profile.Cookie != "nobody" || len(profile.Views) != 0 || len(profile.Buys) != 0 {
		t.Errorf("expected empty profile, got %+v", profile)
	}
}

func TestLastTagsByCookieRejectsOversizedLimit(t *testing.T) {
	e := New()
	_, err := e.LastTagsByCookie(context.Background(), "cookie", tagtypes.TimeRange{}, tagtypes.MaxTagsPerCookie+1)
	var invalid *engine.InvalidInputError
	if err == nil {
		t.Fatal("expected an error for an oversized limit")
	}
	if !asInvalidInput(err, &invalid) {
		t.Fatalf("expected *engine.InvalidInputError, got %T: %v", err, err)
	}
}

func asInvalidInput(err error, target **engine.InvalidInputError) bool {
	if e, ok := err.(*engine.InvalidInputError); ok {
		*target = e
		return true
	}
	return false
}

func TestAggregatesProperly(t *testing.T) {
	e, minutes := buildEngineAndRegisterTags(t)

	buckets, err := e.SelectBucketStats(context.Background(), tagtypes.TimeRange{
		From: minutes.earlier.Inner(),
		To:   minutes.after.Inner(),
	}, tagtypes.ActionBuy, tagtypes.BucketFilter{})
	if err != nil {
		t.Fatalf("SelectBucketStats: %v", err)
	}

	want := []tagtypes.Bucket{
		{Minute: minutes.middle.WithAddedMinutes(-3), Count: 0, SumPrice: 0},
		{Minute: minutes.middle.WithAddedMinutes(-2), Count: 0, SumPrice: 0},
		{Minute: minutes.middle.WithAddedMinutes(-1), Count: 0, SumPrice: 0},
		{Minute: minutes.middle, Count: 2, SumPrice: 50},
	}
	if len(buckets) != len(want) {
		t.Fatalf("got %d buckets, want %d: %+v", len(buckets), len(want), buckets)
	}
	for i := range want {
		if !buckets[i].Minute.Equal(want[i].Minute) || buckets[i].Count != want[i].Count || buckets[i].SumPrice != want[i].SumPrice {
			t.Errorf("bucket %d = %+v, want %+v", i, buckets[i], want[i])
		}
	}
}

func TestSelectBucketStatsRejectsEmptyRange(t *testing.T) {
	e := New()
	now := time.Now().UTC()
	_, err := e.SelectBucketStats(context.Background(), tagtypes.TimeRange{From: now, To: now}, tagtypes.ActionView, tagtypes.BucketFilter{})
	if err == nil {
		t.Fatal("expected an error when from == to")
	}
}

func TestRetentionCapEvictsOldestTag(t *testing.T) {
	e := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < tagtypes.MaxTagsPerCookie+10; i++ {
		tag := defaultTag(base.Add(time.Duration(i) * time.Second))
		tag.Action = tagtypes.ActionView
		if err := e.RegisterUserTag(ctx, tag); err != nil {
			t.Fatalf("RegisterUserTag: %v", err)
		}
	}

	profile, err := e.LastTagsByCookie(ctx, "cookie", tagtypes.TimeRange{
		From: base.Add(-time.Hour),
		To:   base.Add(time.Hour),
	}, tagtypes.MaxTagsPerCookie)
	if err != nil {
		t.Fatalf("LastTagsByCookie: %v", err)
	}
	if len(profile.Views) != tagtypes.MaxTagsPerCookie {
		t.Fatalf("expected retention cap of %d, got %d", tagtypes.MaxTagsPerCookie, len(profile.Views))
	}
	// The 10 oldest tags (seconds 0..9) must have been evicted; the newest
	// retained tag is at second 10+200-1=209 and it sorts first (descending).
	wantNewest := base.Add(time.Duration(tagtypes.MaxTagsPerCookie+9) * time.Second)
	if !profile.Views[0].Time.Time().Equal(wantNewest) {
		t.Errorf("newest retained tag = %v, want %v", profile.Views[0].Time.Time(), wantNewest)
	}
}

func TestClearResetsState(t *testing.T) {
	e, minutes := buildEngineAndRegisterTags(t)
	if err := e.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	profile, err := e.LastTagsByCookie(context.Background(), "cookie", tagtypes.TimeRange{
		From: minutes.middle.Inner(), To: minutes.after.Inner(),
	}, 10)
	if err != nil {
		t.Fatalf("LastTagsByCookie: %v", err)
	}
	if len(profile.Buys) != 0 {
		t.Errorf("expected empty state after Clear, got %+v", profile.Buys)
	}
}
