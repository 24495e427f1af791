// Package tagtypes defines the domain types shared by the tag engine and
// its storage backends.
//
// # Design Principles
//
// 1. Simplicity: types mirror the domain directly, no ORM abstractions.
// 2. Serialization: every wire type is JSON round-trippable.
// 3. Immutability: values are copied in and out of the engine; nothing
//    here is mutated after construction.
package tagtypes

import "fmt"

// Device identifies the class of client that produced a UserTag.
type Device string

const (
	DevicePC     Device = "PC"
	DeviceMobile Device = "MOBILE"
	DeviceTV     Device = "TV"
)

func (d Device) Valid() bool {
	switch d {
	case DevicePC, DeviceMobile, DeviceTV:
		return true
	default:
		return false
	}
}

// Action identifies the kind of interaction a UserTag records.
type Action string

const (
	ActionView Action = "VIEW"
	ActionBuy  Action = "BUY"
)

func (a Action) Valid() bool {
	switch a {
	case ActionView, ActionBuy:
		return true
	default:
		return false
	}
}

func (a Action) String() string { return string(a) }

// ProductInfo describes the product a UserTag refers to. Price may be any
// non-negative value and is stored verbatim.
type ProductInfo struct {
	ProductID  string `json:"product_id"`
	BrandID    string `json:"brand_id"`
	CategoryID string `json:"category_id"`
	Price      int32  `json:"price"`
}

// UserTag is an atomic, immutable record of one view or buy.
type UserTag struct {
	Time        UtcTime     `json:"time"`
	Cookie      string      `json:"cookie"`
	Country     string      `json:"country"`
	Device      Device      `json:"device"`
	Action      Action      `json:"action"`
	Origin      string      `json:"origin"`
	ProductInfo ProductInfo `json:"product_info"`
}

// Validate reports the first violated precondition a caller must satisfy
// before RegisterUserTag; the engine itself never validates a tag (see
// the Engine contract doc) but both the HTTP layer and tests use this to
// produce the same errors a careful caller would.
func (t UserTag) Validate() error {
	if t.Cookie == "" {
		return fmt.Errorf("tagtypes: cookie must not be empty")
	}
	if !t.Device.Valid() {
		return fmt.Errorf("tagtypes: invalid device %q", t.Device)
	}
	if !t.Action.Valid() {
		return fmt.Errorf("tagtypes: invalid action %q", t.Action)
	}
	if t.ProductInfo.Price < 0 {
		return fmt.Errorf("tagtypes: negative price %d", t.ProductInfo.Price)
	}
	return nil
}

// BucketFilter carries the optional dimension filters a bucket aggregation
// query may apply. A nil field means "wildcard" (match any value).
type BucketFilter struct {
	Origin     *string
	BrandID    *string
	CategoryID *string
}

func strPtr(s string) *string { return &s }

// WithOrigin returns a copy of f with Origin set.
func (f BucketFilter) WithOrigin(origin string) BucketFilter {
	f.Origin = strPtr(origin)
	return f
}

// WithBrandID returns a copy of f with BrandID set.
func (f BucketFilter) WithBrandID(brandID string) BucketFilter {
	f.BrandID = strPtr(brandID)
	return f
}

// WithCategoryID returns a copy of f with CategoryID set.
func (f BucketFilter) WithCategoryID(categoryID string) BucketFilter {
	f.CategoryID = strPtr(categoryID)
	return f
}

// matches reports whether tag satisfies every present filter dimension.
func (f BucketFilter) matches(tag UserTag) bool {
	if f.Origin != nil && *f.Origin != tag.Origin {
		return false
	}
	if f.BrandID != nil && *f.BrandID != tag.ProductInfo.BrandID {
		return false
	}
	if f.CategoryID != nil && *f.CategoryID != tag.ProductInfo.CategoryID {
		return false
	}
	return true
}

// Matches reports whether tag satisfies the action and every present
// filter dimension. Exported so backends outside this package (and tests)
// can share the exact same matching rule the reference backend uses.
func Matches(tag UserTag, action Action, filter BucketFilter) bool {
	return tag.Action == action && filter.matches(tag)
}

// Bucket is one minute's worth of aggregated counts for a bucket
// aggregation query. Zero buckets (no matching tags) are still emitted by
// SelectBucketStats for every minute in range.
type Bucket struct {
	Minute   UtcMinute `json:"minute"`
	Count    uint32    `json:"count"`
	SumPrice int64     `json:"sum_price"`
}
