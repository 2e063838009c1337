package dsp

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary holds descriptive statistics of a series.
type Summary struct {
	Mean float64
	Std  float64 // population standard deviation
	Min  float64
	Max  float64
	P10  float64
	P25  float64
	P50  float64
	P75  float64
	P90  float64
}

// Summarize computes a Summary of x. An empty series yields the zero Summary.
func Summarize(x []float64) Summary {
	if len(x) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	mean, std := stat.PopMeanStdDev(sorted, nil)
	return Summary{
		Mean: mean,
		Std:  std,
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		P10:  stat.Quantile(0.10, stat.Empirical, sorted, nil),
		P25:  stat.Quantile(0.25, stat.Empirical, sorted, nil),
		P50:  stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P75:  stat.Quantile(0.75, stat.Empirical, sorted, nil),
		P90:  stat.Quantile(0.90, stat.Empirical, sorted, nil),
	}
}

// Quantile returns the empirical p-quantile of x, or 0 for an empty series.
func Quantile(x []float64, p float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// Mean returns the arithmetic mean of x, or 0 for an empty series.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Sum(x) / float64(len(x))
}

// Slope fits y = a + b*x by least squares and returns b.
func Slope(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	if floats.Max(x) == floats.Min(x) {
		return 0
	}
	_, beta := stat.LinearRegression(x, y, nil, false)
	return beta
}
