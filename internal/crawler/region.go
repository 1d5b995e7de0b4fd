package crawler

// Region is a disjoint slice of the search space annotated with its known
// result count.
type Region struct {
	Filter RangeFilter
	Count  int64
	// Oversized marks a terminal region that still exceeds the per-query
	// ceiling because neither interval could be split further.
	Oversized bool
}

// Overflow returns how many results of the region cannot be reached under
// the given per-query limit.
func (r Region) Overflow(limit int64) int64 {
	if r.Count <= limit {
		return 0
	}
	return r.Count - limit
}

// TotalCount sums the counts of the regions.
func TotalCount(regions []Region) int64 {
	var total int64
	for _, r := range regions {
		total += r.Count
	}
	return total
}
