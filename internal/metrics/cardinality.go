package metrics

// OverflowLabel replaces dimension labels of tuples a capped family refuses to track
const OverflowLabel = "__overflow__"

// InvalidRune replaces byte sequences that are not valid UTF-8 in label values
const InvalidRune = "\uFFFD"

// CardinalityPolicy decides whether a counter family may create a series for a label
// tuple it has not seen before. Refused tuples are folded into the overflow tuple, so
// family totals stay exact while the series count stays bounded.
type CardinalityPolicy interface {
	// Admit is called with the number of distinct tuples the family already tracks
	Admit(tracked int) bool
}

// Unbounded admits every tuple
type Unbounded struct{}

func (Unbounded) Admit(int) bool { return true }

// CollapseOverflow admits tuples until the family tracks MaxSeries of them
type CollapseOverflow struct {
	MaxSeries int
}

func (p CollapseOverflow) Admit(tracked int) bool {
	return tracked < p.MaxSeries
}

// PolicyFor maps MAX_SERIES_PER_METRIC onto a policy; 0 means unbounded
func PolicyFor(maxSeries int) CardinalityPolicy {
	if maxSeries <= 0 {
		return Unbounded{}
	}
	return CollapseOverflow{MaxSeries: maxSeries}
}
