package crawler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar-day format used in search qualifiers.
const DateLayout = "2006-01-02"

const rangeSep = ".."

// RangeFilter is an immutable star-count interval crossed with a creation-date
// interval. Both intervals are inclusive and dates have day granularity.
type RangeFilter struct {
	starMin int64
	starMax int64
	dateMin time.Time
	dateMax time.Time
}

// NewRangeFilter validates the bounds and normalizes dates to UTC midnight.
func NewRangeFilter(starMin, starMax int64, dateMin, dateMax time.Time) (RangeFilter, error) {
	if starMin < 0 {
		return RangeFilter{}, fmt.Errorf("%w: star minimum %d is negative", ErrInvalidRange, starMin)
	}
	if starMin > starMax {
		return RangeFilter{}, fmt.Errorf("%w: stars %d..%d", ErrInvalidRange, starMin, starMax)
	}
	dMin, dMax := truncateDay(dateMin), truncateDay(dateMax)
	if dMin.After(dMax) {
		return RangeFilter{}, fmt.Errorf("%w: dates %s..%s", ErrInvalidRange,
			dMin.Format(DateLayout), dMax.Format(DateLayout))
	}
	return RangeFilter{starMin: starMin, starMax: starMax, dateMin: dMin, dateMax: dMax}, nil
}

// ParseRangeFilter is the inverse of StarsQualifier and DatesQualifier.
func ParseRangeFilter(stars, dates string) (RangeFilter, error) {
	loStr, hiStr, ok := strings.Cut(stars, rangeSep)
	if !ok {
		return RangeFilter{}, fmt.Errorf("%w: star range %q", ErrInvalidRange, stars)
	}
	lo, err := strconv.ParseInt(loStr, 10, 64)
	if err != nil {
		return RangeFilter{}, fmt.Errorf("%w: star range %q: %v", ErrInvalidRange, stars, err)
	}
	hi, err := strconv.ParseInt(hiStr, 10, 64)
	if err != nil {
		return RangeFilter{}, fmt.Errorf("%w: star range %q: %v", ErrInvalidRange, stars, err)
	}
	startStr, endStr, ok := strings.Cut(dates, rangeSep)
	if !ok {
		return RangeFilter{}, fmt.Errorf("%w: date range %q", ErrInvalidRange, dates)
	}
	start, err := ParseDay(startStr)
	if err != nil {
		return RangeFilter{}, err
	}
	end, err := ParseDay(endStr)
	if err != nil {
		return RangeFilter{}, err
	}
	return NewRangeFilter(lo, hi, start, end)
}

// ParseDay parses a YYYY-MM-DD string as a UTC calendar day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidRange, s, err)
	}
	return t, nil
}

// StarMin returns the inclusive lower star bound.
func (f RangeFilter) StarMin() int64 { return f.starMin }

// StarMax returns the inclusive upper star bound.
func (f RangeFilter) StarMax() int64 { return f.starMax }

// DateMin returns the first creation day.
func (f RangeFilter) DateMin() time.Time { return f.dateMin }

// DateMax returns the last creation day.
func (f RangeFilter) DateMax() time.Time { return f.dateMax }

// Days reports how many calendar days the filter covers.
func (f RangeFilter) Days() int {
	return int(f.dateMax.Sub(f.dateMin)/(24*time.Hour)) + 1
}

// StarsQualifier formats the star interval, e.g. "5..1000000".
func (f RangeFilter) StarsQualifier() string {
	return strconv.FormatInt(f.starMin, 10) + rangeSep + strconv.FormatInt(f.starMax, 10)
}

// DatesQualifier formats the date interval, e.g. "2009-01-01..2009-12-31".
func (f RangeFilter) DatesQualifier() string {
	return f.dateMin.Format(DateLayout) + rangeSep + f.dateMax.Format(DateLayout)
}

// CountQuery is the search string used to size the filter.
func (f RangeFilter) CountQuery() string {
	return fmt.Sprintf("is:public stars:%s created:%s", f.StarsQualifier(), f.DatesQualifier())
}

// SearchQuery is the search string used for paging, ordered by stars.
func (f RangeFilter) SearchQuery() string {
	return f.CountQuery() + " sort:stars"
}

// String implements fmt.Stringer.
func (f RangeFilter) String() string {
	return "stars:" + f.StarsQualifier() + " created:" + f.DatesQualifier()
}

// Split bisects the filter. The star interval is halved while it holds more
// than one value; after that the date interval is halved. ok is false when
// the filter is a single star value on a single day.
func (f RangeFilter) Split() (RangeFilter, RangeFilter, bool) {
	if f.starMax > f.starMin {
		mid := f.starMin + (f.starMax-f.starMin)/2
		lo, hi := f, f
		lo.starMax = mid
		hi.starMin = mid + 1
		return lo, hi, true
	}
	if f.dateMax.After(f.dateMin) {
		mid := f.dateMin.AddDate(0, 0, (f.Days()-1)/2)
		lo, hi := f, f
		lo.dateMax = mid
		hi.dateMin = mid.AddDate(0, 0, 1)
		return lo, hi, true
	}
	return f, RangeFilter{}, false
}

// Contains reports whether a repository with the given stars and creation
// time falls inside the filter.
func (f RangeFilter) Contains(stars int64, created time.Time) bool {
	day := truncateDay(created)
	return stars >= f.starMin && stars <= f.starMax &&
		!day.Before(f.dateMin) && !day.After(f.dateMax)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
