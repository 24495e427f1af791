package tagtypes

import (
	"fmt"
	"strings"
	"time"
)

// wireTimeLayout is the millisecond-precision, 'Z'-suffixed RFC3339 form
// every UserTag.Time is encoded and decoded as.
const wireTimeLayout = "2006-01-02T15:04:05.000Z"

// UtcTime is a UTC instant with millisecond resolution, the precision
// UserTag.Time carries on the wire. It never holds sub-millisecond data.
type UtcTime struct {
	t time.Time
}

// NewUtcTime truncates t to millisecond precision and converts it to UTC.
func NewUtcTime(t time.Time) UtcTime {
	return UtcTime{t: t.UTC().Truncate(time.Millisecond)}
}

// Time returns the underlying time.Time, in UTC.
func (u UtcTime) Time() time.Time { return u.t }

func (u UtcTime) Before(other UtcTime) bool { return u.t.Before(other.t) }
func (u UtcTime) After(other UtcTime) bool  { return u.t.After(other.t) }
func (u UtcTime) Equal(other UtcTime) bool  { return u.t.Equal(other.t) }

// Compare returns -1, 0, or 1 as u is before, equal to, or after other.
func (u UtcTime) Compare(other UtcTime) int {
	switch {
	case u.t.Before(other.t):
		return -1
	case u.t.After(other.t):
		return 1
	default:
		return 0
	}
}

func (u UtcTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.t.Format(wireTimeLayout) + `"`), nil
}

func (u *UtcTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	t, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		return fmt.Errorf("tagtypes: parsing UserTag.time %q: %w", s, err)
	}
	u.t = t.UTC()
	return nil
}

func (u UtcTime) String() string { return u.t.Format(wireTimeLayout) }

// UtcMinute is a UTC timestamp truncated to a whole minute: seconds and
// sub-second fields are always zero. UtcMinute values are totally ordered.
type UtcMinute struct {
	t time.Time
}

// MinuteOf truncates t to the start of its minute, in UTC.
func MinuteOf(t time.Time) UtcMinute {
	u := t.UTC()
	return UtcMinute{t: time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)}
}

// Inner returns the minute's start instant. Idempotent: MinuteOf(m.Inner())
// always equals m.
func (m UtcMinute) Inner() time.Time { return m.t }

// Next returns the following minute (m + 60s).
func (m UtcMinute) Next() UtcMinute {
	return UtcMinute{t: m.t.Add(time.Minute)}
}

// WithAddedMinutes returns m shifted by count minutes (may be negative).
func (m UtcMinute) WithAddedMinutes(count int64) UtcMinute {
	return UtcMinute{t: m.t.Add(time.Duration(count) * time.Minute)}
}

func (m UtcMinute) Before(other UtcMinute) bool { return m.t.Before(other.t) }
func (m UtcMinute) Equal(other UtcMinute) bool  { return m.t.Equal(other.t) }

// Compare returns -1, 0, or 1 as m is before, equal to, or after other.
func (m UtcMinute) Compare(other UtcMinute) int {
	switch {
	case m.t.Before(other.t):
		return -1
	case m.t.After(other.t):
		return 1
	default:
		return 0
	}
}

// Format renders the bucket the way the aggregate response wire format
// requires: second precision, no subseconds, no timezone suffix.
func (m UtcMinute) Format() string {
	return m.t.Format("2006-01-02T15:04:05")
}

// TimeRange is a half-open UTC interval [From, To) used by profile and
// aggregate queries.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// timeRangeLayout is the query-parameter form: ISO-8601 seconds precision,
// no trailing 'Z'.
const timeRangeLayout = "2006-01-02T15:04:05"

// String renders the wire form "<from>_<to>", each side second-precision
// UTC with no 'Z' suffix.
func (r TimeRange) String() string {
	return r.From.UTC().Format(timeRangeLayout) + "_" + r.To.UTC().Format(timeRangeLayout)
}

// ParseTimeRange parses the "<from>_<to>" wire form.
func ParseTimeRange(s string) (TimeRange, error) {
	from, to, ok := strings.Cut(s, "_")
	if !ok {
		return TimeRange{}, fmt.Errorf("tagtypes: time range %q missing '_' separator", s)
	}
	fromT, err := time.Parse(timeRangeLayout, from)
	if err != nil {
		return TimeRange{}, fmt.Errorf("tagtypes: parsing time range start %q: %w", from, err)
	}
	toT, err := time.Parse(timeRangeLayout, to)
	if err != nil {
		return TimeRange{}, fmt.Errorf("tagtypes: parsing time range end %q: %w", to, err)
	}
	return TimeRange{From: fromT.UTC(), To: toT.UTC()}, nil
}
