// Package conformance runs one shared scenario suite against any
// engine.Engine implementation, so memengine and pgengine can be checked
// for the differential equivalence spec.md §8 requires: "the two
// backends, given the same input sequence, answer every query
// identically."
package conformance

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/allezon/tagengine/internal/engine"
	"github.com/allezon/tagengine/pkg/tagtypes"
)

func tag(cookie string, action tagtypes.Action, at time.Time, origin, brand, category string, price int32) tagtypes.UserTag {
	return tagtypes.UserTag{
		Time:    tagtypes.NewUtcTime(at),
		Cookie:  cookie,
		Country: "PL",
		Device:  tagtypes.DevicePC,
		Action:  action,
		Origin:  origin,
		ProductInfo: tagtypes.ProductInfo{
			ProductID: "product", BrandID: brand, CategoryID: category, Price: price,
		},
	}
}

// Run exercises eng against a small scenario covering profile
// windowing, an unknown cookie, and filtered bucket aggregation (it does
// not reach the per-cookie retention cap), failing t on
// any error. It does not itself compare two engines — callers that want
// a differential check run Run against each backend and then diff the
// returned snapshot. Clear is called first so the suite can run against
// a shared, possibly reused, backend instance.
func Run(t *testing.T, ctx context.Context, eng engine.Engine) Snapshot {
	t.Helper()
	if err := eng.Clear(ctx); err != nil {
		t.Fatalf("conformance: Clear: %v", err)
	}

	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	tags := []tagtypes.UserTag{
		tag("alice", tagtypes.ActionView, base, "store-a", "brand-x", "cat-1", 100),
		tag("alice", tagtypes.ActionBuy, base.Add(10*time.Second), "store-a", "brand-x", "cat-1", 200),
		tag("alice", tagtypes.ActionView, base.Add(70*time.Second), "store-b", "brand-y", "cat-2", 50),
		tag("bob", tagtypes.ActionBuy, base.Add(5*time.Second), "store-a", "brand-x", "cat-2", 75),
		tag("bob", tagtypes.ActionBuy, base.Add(130*time.Second), "store-b", "brand-y", "cat-1", 125),
	}
	for _, tg := range tags {
		if err := eng.RegisterUserTag(ctx, tg); err != nil {
			t.Fatalf("conformance: RegisterUserTag(%+v): %v", tg, err)
		}
	}

	window := tagtypes.TimeRange{From: base.Add(-time.Minute), To: base.Add(10 * time.Minute)}

	aliceProfile, err := eng.LastTagsByCookie(ctx, "alice", window, tagtypes.MaxTagsPerCookie)
	if err != nil {
		t.Fatalf("conformance: LastTagsByCookie(alice): %v", err)
	}
	bobProfile, err := eng.LastTagsByCookie(ctx, "bob", window, tagtypes.MaxTagsPerCookie)
	if err != nil {
		t.Fatalf("conformance: LastTagsByCookie(bob): %v", err)
	}
	unknownProfile, err := eng.LastTagsByCookie(ctx, "nobody", window, 10)
	if err != nil {
		t.Fatalf("conformance: LastTagsByCookie(nobody): %v", err)
	}

	aggWindow := tagtypes.TimeRange{From: base.Add(-time.Minute), To: base.Add(3 * time.Minute)}
	viewBuckets, err := eng.SelectBucketStats(ctx, aggWindow, tagtypes.ActionView, tagtypes.BucketFilter{})
	if err != nil {
		t.Fatalf("conformance: SelectBucketStats(view): %v", err)
	}
	buyBucketsByBrand, err := eng.SelectBucketStats(ctx, aggWindow, tagtypes.ActionBuy, tagtypes.BucketFilter{}.WithBrandID("brand-x"))
	if err != nil {
		t.Fatalf("conformance: SelectBucketStats(buy, brand-x): %v", err)
	}
	buyBucketsByOriginCategory, err := eng.SelectBucketStats(ctx, aggWindow, tagtypes.ActionBuy, tagtypes.BucketFilter{}.WithOrigin("store-b").WithCategoryID("cat-1"))
	if err != nil {
		t.Fatalf("conformance: SelectBucketStats(buy, store-b+cat-1): %v", err)
	}

	return Snapshot{
		AliceProfile:               normalizeProfile(aliceProfile),
		BobProfile:                 normalizeProfile(bobProfile),
		UnknownProfile:             normalizeProfile(unknownProfile),
		ViewBuckets:                viewBuckets,
		BuyBucketsByBrand:          buyBucketsByBrand,
		BuyBucketsByOriginCategory: buyBucketsByOriginCategory,
	}
}

// Snapshot is the observable result of running the shared scenario
// against one engine. Two engines are conformant for this scenario iff
// Diff of their snapshots is "".
type Snapshot struct {
	AliceProfile               tagtypes.UserProfile
	BobProfile                 tagtypes.UserProfile
	UnknownProfile             tagtypes.UserProfile
	ViewBuckets                []tagtypes.Bucket
	BuyBucketsByBrand          []tagtypes.Bucket
	BuyBucketsByOriginCategory []tagtypes.Bucket
}

func normalizeProfile(p tagtypes.UserProfile) tagtypes.UserProfile {
	sort.SliceStable(p.Views, func(i, j int) bool { return p.Views[i].Time.After(p.Views[j].Time) })
	sort.SliceStable(p.Buys, func(i, j int) bool { return p.Buys[i].Time.After(p.Buys[j].Time) })
	return p
}

// Diff reports the first observed mismatch between a and b, or "" if
// they are equal.
func Diff(a, b Snapshot) string {
	if d := diffProfile("alice profile", a.AliceProfile, b.AliceProfile); d != "" {
		return d
	}
	if d := diffProfile("bob profile", a.BobProfile, b.BobProfile); d != "" {
		return d
	}
	if d := diffProfile("unknown profile", a.UnknownProfile, b.UnknownProfile); d != "" {
		return d
	}
	if d := diffBuckets("view buckets", a.ViewBuckets, b.ViewBuckets); d != "" {
		return d
	}
	if d := diffBuckets("buy buckets by brand", a.BuyBucketsByBrand, b.BuyBucketsByBrand); d != "" {
		return d
	}
	if d := diffBuckets("buy buckets by origin+category", a.BuyBucketsByOriginCategory, b.BuyBucketsByOriginCategory); d != "" {
		return d
	}
	return ""
}

func diffProfile(label string, a, b tagtypes.UserProfile) string {
	if a.Cookie != b.Cookie || len(a.Views) != len(b.Views) || len(a.Buys) != len(b.Buys) {
		return fmt.Sprintf("%s: shape mismatch: %+v vs %+v", label, a, b)
	}
	for i := range a.Views {
		if a.Views[i] != b.Views[i] {
			return fmt.Sprintf("%s: view[%d] mismatch: %+v vs %+v", label, i, a.Views[i], b.Views[i])
		}
	}
	for i := range a.Buys {
		if a.Buys[i] != b.Buys[i] {
			return fmt.Sprintf("%s: buy[%d] mismatch: %+v vs %+v", label, i, a.Buys[i], b.Buys[i])
		}
	}
	return ""
}

func diffBuckets(label string, a, b []tagtypes.Bucket) string {
	if len(a) != len(b) {
		return fmt.Sprintf("%s: length mismatch: %d vs %d", label, len(a), len(b))
	}
	for i := range a {
		if !a[i].Minute.Equal(b[i].Minute) || a[i].Count != b[i].Count || a[i].SumPrice != b[i].SumPrice {
			return fmt.Sprintf("%s: bucket[%d] mismatch: %+v vs %+v", label, i, a[i], b[i])
		}
	}
	return ""
}
