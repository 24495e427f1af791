// Package engine defines the storage-and-query contract consumed by the
// (non-goal, but present) HTTP layer: register a tag, read a cookie's
// recent tags, and read per-minute aggregates. Two implementations exist:
// memengine, an in-process reference used as the test oracle, and
// pgengine, a wide-column-style backend fronted by a Redis write buffer.
package engine

import (
	"context"
	"fmt"

	"github.com/allezon/tagengine/pkg/tagtypes"
)

// Engine is the seam between the storage/query core and its callers.
// Every method may block on I/O; callers provide a context to bound that
// wait. No method panics on valid input — invalid input is reported as an
// *InvalidInputError, which callers that skip their own validation will
// see instead of a crash.
type Engine interface {
	// RegisterUserTag absorbs tag into both indexes. It is total for valid
	// input: it never fails except on backend transport errors, and it
	// does not deduplicate — registering the same tag twice counts twice.
	RegisterUserTag(ctx context.Context, tag tagtypes.UserTag) error

	// LastTagsByCookie returns the views and buys for cookie with
	// window.From <= time < window.To, each list sorted descending by
	// time and truncated to at most limit entries. limit must be in
	// [0, tagtypes.MaxTagsPerCookie]. An unknown cookie yields an empty,
	// successful profile.
	LastTagsByCookie(ctx context.Context, cookie string, window tagtypes.TimeRange, limit int) (tagtypes.UserProfile, error)

	// SelectBucketStats returns one Bucket per minute in
	// [MinuteOf(window.From), MinuteOf(window.To)), including minutes with
	// no matching tags. window.From's minute must be strictly before
	// window.To's minute.
	SelectBucketStats(ctx context.Context, window tagtypes.TimeRange, action tagtypes.Action, filter tagtypes.BucketFilter) ([]tagtypes.Bucket, error)

	// Clear drops all engine state. Test-only.
	Clear(ctx context.Context) error
}

// InvalidInputError reports a violated precondition: the caller's
// boundary layer is expected to reject these before ever reaching the
// engine (spec: "programmer error"). It is a typed, returned error rather
// than a panic so a real HTTP layer can map it to 400 without recovering
// from a panic on attacker-controlled input.
type InvalidInputError struct {
	Op     string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("engine: invalid input for %s: %s", e.Op, e.Reason)
}

// ValidateLimit reports an *InvalidInputError if limit is outside
// [0, tagtypes.MaxTagsPerCookie]. Shared by every backend's
// LastTagsByCookie so the bound is enforced identically everywhere.
func ValidateLimit(op string, limit int) error {
	if limit < 0 || limit > tagtypes.MaxTagsPerCookie {
		return &InvalidInputError{
			Op:     op,
			Reason: fmt.Sprintf("limit %d outside [0, %d]", limit, tagtypes.MaxTagsPerCookie),
		}
	}
	return nil
}

// ValidateAggregateRange reports an *InvalidInputError unless
// MinuteOf(window.From) is strictly before MinuteOf(window.To).
func ValidateAggregateRange(op string, window tagtypes.TimeRange) error {
	from := tagtypes.MinuteOf(window.From)
	to := tagtypes.MinuteOf(window.To)
	if !from.Before(to) {
		return &InvalidInputError{
			Op:     op,
			Reason: fmt.Sprintf("time range minute bounds must satisfy from < to, got from=%s to=%s", from.Format(), to.Format()),
		}
	}
	return nil
}
