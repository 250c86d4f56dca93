package compare

import (
	"math"
	"slices"
)

// Stats describes one metric over a group of sessions. StdDev is nil below
// two samples.
type Stats struct {
	N      int      `json:"n"`
	Mean   float64  `json:"mean"`
	Median float64  `json:"median"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	StdDev *float64 `json:"std_dev,omitempty"`
}

// Describe summarizes values, or returns nil when there are none.
func Describe(values []float64) *Stats {
	if len(values) == 0 {
		return nil
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	s := &Stats{N: len(sorted), Min: sorted[0], Max: sorted[len(sorted)-1]}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	s.Mean = sum / float64(s.N)

	mid := s.N / 2
	if s.N%2 == 1 {
		s.Median = sorted[mid]
	} else {
		s.Median = (sorted[mid-1] + sorted[mid]) / 2
	}

	if v, ok := sampleVariance(sorted, s.Mean); ok {
		sd := math.Sqrt(v)
		s.StdDev = &sd
	}
	return s
}

// sampleVariance is the n-1 variance. It is undefined below two samples.
func sampleVariance(values []float64, mean float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return ss / float64(len(values)-1), true
}

// WelchT is Welch's unequal-variance t statistic for the difference of the
// means of a and b, with its Welch-Satterthwaite degrees of freedom.
type WelchT struct {
	T  float64 `json:"t"`
	DF float64 `json:"df"`
}

// Welch computes the t statistic of mean(a) - mean(b). It returns nil when
// either side has fewer than two samples or both variances are zero.
func Welch(a, b []float64) *WelchT {
	if len(a) < 2 || len(b) < 2 {
		return nil
	}
	ma, mb := mean(a), mean(b)
	va, _ := sampleVariance(a, ma)
	vb, _ := sampleVariance(b, mb)
	na, nb := float64(len(a)), float64(len(b))

	sea, seb := va/na, vb/nb
	se := sea + seb
	if se == 0 {
		return nil
	}
	df := se * se / (sea*sea/(na-1) + seb*seb/(nb-1))
	return &WelchT{T: (ma - mb) / math.Sqrt(se), DF: df}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
