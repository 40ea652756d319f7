package variant

import (
	"errors"
	"math"
)

var (
	ErrInsufficientSamples = errors.New("insufficient samples for statistical test")
	ErrZeroVariance        = errors.New("zero variance in both samples")
)

// TTestResult is the outcome of a Welch two-sample t-test.
type TTestResult struct {
	TStatistic       float64
	PValue           float64
	DegreesOfFreedom float64
	Significant      bool
}

// Summary is the sufficient statistics of one sample.
type Summary struct {
	N        float64
	Mean     float64
	Variance float64 // sample variance
}

// WelchTTest compares two samples given only their summaries. Welch's test
// does not assume equal variances, which suits variants with different
// traffic shares.
func WelchTTest(a, b Summary, alpha float64) (*TTestResult, error) {
	if a.N < 2 || b.N < 2 {
		return nil, ErrInsufficientSamples
	}

	se := math.Sqrt(a.Variance/a.N + b.Variance/b.N)
	if se == 0 {
		return nil, ErrZeroVariance
	}
	tStat := (a.Mean - b.Mean) / se

	// Welch-Satterthwaite
	num := math.Pow(a.Variance/a.N+b.Variance/b.N, 2)
	denom := math.Pow(a.Variance/a.N, 2)/(a.N-1) + math.Pow(b.Variance/b.N, 2)/(b.N-1)
	if denom == 0 {
		return nil, ErrZeroVariance
	}
	df := num / denom

	p := tDistributionPValue(math.Abs(tStat), df)
	return &TTestResult{
		TStatistic:       tStat,
		PValue:           p,
		DegreesOfFreedom: df,
		Significant:      p < alpha,
	}, nil
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt(2)))
}

// tDistributionPValue approximates the two-tailed p-value.
func tDistributionPValue(t, df float64) float64 {
	if df <= 0 {
		return 1
	}
	if df >= 30 {
		return 2 * (1 - normalCDF(t))
	}

	// Scale by the t-distribution standard deviation so small samples get
	// heavier tails than the normal.
	adjustedT := t * math.Sqrt(math.Max(df-2, 0.5)/df)
	p := 2 * (1 - normalCDF(adjustedT))
	return math.Max(0, math.Min(1, p))
}
