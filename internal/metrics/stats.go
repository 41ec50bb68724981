package metrics

import (
	"math"
	"sort"
)

// mean returns the arithmetic mean, NaN for an empty sample.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev returns the sample standard deviation (n-1 denominator), NaN for
// fewer than two values.
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation returns the sample standard deviation of the negative
// values only, NaN when fewer than two are negative.
func downsideDeviation(values []float64) float64 {
	var negative []float64
	for _, v := range values {
		if v < 0 {
			negative = append(negative, v)
		}
	}
	return stdDev(negative)
}

// skewness returns the standardized third moment with 1/n weighting and the
// population standard deviation in the denominator.
func skewness(values []float64) float64 {
	n := float64(len(values))
	if n < 3 {
		return math.NaN()
	}
	m := mean(values)
	var m2, m3 float64
	for _, v := range values {
		d := v - m
		m2 += d * d
		m3 += d * d * d
	}
	m2 /= n
	m3 /= n
	if m2 == 0 {
		return math.NaN()
	}
	return m3 / math.Pow(m2, 1.5)
}

// excessKurtosis returns the standardized fourth moment minus 3, so a
// normal distribution scores zero.
func excessKurtosis(values []float64) float64 {
	n := float64(len(values))
	if n < 4 {
		return math.NaN()
	}
	m := mean(values)
	var m2, m4 float64
	for _, v := range values {
		d := v - m
		m2 += d * d
		m4 += d * d * d * d
	}
	m2 /= n
	m4 /= n
	if m2 == 0 {
		return math.NaN()
	}
	return m4/(m2*m2) - 3
}

// percentile returns the p-th percentile (0-100) of an ascending sample
// using linear interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

// sortedCopy returns an ascending copy of the sample.
func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}
