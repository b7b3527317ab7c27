package merge

import "github.com/menta2k/debris-scan/pkg/types"

// Filter transforms a list of detections into a filtered list.
type Filter func([]types.Detection) []types.Detection

// NewScoreFilter returns a filter that keeps detections scoring at
// least minConfidence. The comparison is inclusive: a detection exactly
// at the threshold survives.
func NewScoreFilter(minConfidence float64) Filter {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if d.Score >= minConfidence {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewClassRenamer returns a filter that rewrites class names through a
// label map keyed by class id, leaving unmapped ids untouched.
func NewClassRenamer(labels map[int]string) Filter {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if name, ok := labels[d.ClassID]; ok {
				d.Class = name
			}
			out = append(out, d)
		}
		return out
	}
}
