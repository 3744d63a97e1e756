package heuristics

import "math"

// StandardScaler standardises each dimension to zero mean and unit variance.
// Dimensions with zero variance are centred but left unscaled.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

// FitStandardScaler computes per-dimension mean and population standard
// deviation over rows.
func FitStandardScaler(rows [][]float64) *StandardScaler {
	if len(rows) == 0 {
		return &StandardScaler{}
	}
	dims := len(rows[0])
	mean := make([]float64, dims)
	scale := make([]float64, dims)

	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range mean {
		mean[j] /= n
	}

	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	return &StandardScaler{Mean: mean, Scale: scale}
}

// Transform returns a standardised copy of rows.
func (s *StandardScaler) Transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = scaled
	}
	return out
}
