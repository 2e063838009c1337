// Package dsp holds the numeric front-end shared by audio processing and
// feature extraction: framing, windows, power spectra, mel filterbanks,
// pitch tracking and summary statistics.
package dsp

import "math"

// Floor keeps logarithms finite on silent input.
const Floor = 1e-10

// Frames splits x into overlapping frames of size samples every hop samples.
// Frames share memory with x. Only full frames are returned.
func Frames(x []float64, size, hop int) [][]float64 {
	if size <= 0 || hop <= 0 || len(x) < size {
		return nil
	}
	n := (len(x)-size)/hop + 1
	frames := make([][]float64, n)
	for i := 0; i < n; i++ {
		start := i * hop
		frames[i] = x[start : start+size : start+size]
	}
	return frames
}

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// Hann returns a Hann window of length n.
func Hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// RMS is the root mean square of x.
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// Peak is the largest absolute sample value in x.
func Peak(x []float64) float64 {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}

// DBFS converts a linear amplitude to decibels relative to full scale.
func DBFS(amplitude float64) float64 {
	return 20 * math.Log10(math.Max(amplitude, Floor))
}

// FromDB converts decibels back to a linear amplitude.
func FromDB(db float64) float64 {
	return math.Pow(10, db/20)
}

// ZeroCrossingRate is the fraction of adjacent sample pairs that change sign.
func ZeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(x)-1)
}

// NextPow2 returns the smallest power of two >= n.
func NextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Semitones expresses f relative to ref on a semitone scale.
func Semitones(f, ref float64) float64 {
	if f <= 0 || ref <= 0 {
		return 0
	}
	return 12 * math.Log2(f/ref)
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Peaks returns indices of local maxima of x that are at least minHeight and
// dominate their neighbourhood of radius samples. On a plateau only the first
// sample is reported.
func Peaks(x []float64, radius int, minHeight float64) []int {
	if radius < 1 {
		radius = 1
	}
	var idx []int
	for i := range x {
		if x[i] < minHeight {
			continue
		}
		ok := true
		for j := i - radius; j < i && ok; j++ {
			if j >= 0 && x[j] >= x[i] {
				ok = false
			}
		}
		for j := i + 1; j <= i+radius && ok; j++ {
			if j < len(x) && x[j] > x[i] {
				ok = false
			}
		}
		if ok {
			idx = append(idx, i)
		}
	}
	return idx
}
