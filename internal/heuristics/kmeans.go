package heuristics

import (
	"math"
	"math/rand"
)

// KMeans is a fitted set of centroids. Labels carry no ordering semantics.
type KMeans struct {
	Centroids [][]float64
	Inertia   float64
}

// FitKMeans runs Lloyd's algorithm with k-means++ seeding `restarts` times and
// keeps the solution with the lowest inertia. k is reduced to len(rows) when
// fewer rows exist.
func FitKMeans(rows [][]float64, k, restarts, maxIter int, rng *rand.Rand) *KMeans {
	if k > len(rows) {
		k = len(rows)
	}
	if k <= 0 {
		return &KMeans{}
	}
	if restarts < 1 {
		restarts = 1
	}

	var best *KMeans
	for r := 0; r < restarts; r++ {
		km := lloyd(rows, seedCentroids(rows, k, rng), maxIter)
		if best == nil || km.Inertia < best.Inertia {
			best = km
		}
	}
	return best
}

// Predict assigns each row to its nearest centroid.
func (km *KMeans) Predict(rows [][]float64) []int {
	labels := make([]int, len(rows))
	for i, x := range rows {
		labels[i], _ = km.nearest(x)
	}
	return labels
}

func (km *KMeans) nearest(x []float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range km.Centroids {
		if d := squaredDistance(x, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// seedCentroids implements k-means++: each new centroid is drawn with
// probability proportional to its squared distance from the closest chosen one.
func seedCentroids(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, cloneRow(rows[rng.Intn(len(rows))]))

	dist := make([]float64, len(rows))
	for len(centroids) < k {
		total := 0.0
		for i, x := range rows {
			d := math.Inf(1)
			for _, c := range centroids {
				if cd := squaredDistance(x, c); cd < d {
					d = cd
				}
			}
			dist[i] = d
			total += d
		}

		next := 0
		if total == 0 {
			// Remaining points coincide with existing centroids.
			next = rng.Intn(len(rows))
		} else {
			target := rng.Float64() * total
			acc := 0.0
			for i, d := range dist {
				acc += d
				if acc >= target {
					next = i
					break
				}
			}
		}
		centroids = append(centroids, cloneRow(rows[next]))
	}
	return centroids
}

func lloyd(rows [][]float64, centroids [][]float64, maxIter int) *KMeans {
	km := &KMeans{Centroids: centroids}
	k := len(centroids)
	dims := len(rows[0])
	labels := make([]int, len(rows))
	for i := range labels {
		labels[i] = -1
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, x := range rows {
			c, _ := km.nearest(x)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, x := range rows {
			c := labels[i]
			counts[c]++
			for j, v := range x {
				sums[c][j] += v
			}
		}
		for c := range sums {
			if counts[c] == 0 {
				// Empty cluster: re-seed on the point farthest from its centroid.
				far := farthestPoint(rows, km)
				km.Centroids[c] = cloneRow(rows[far])
				continue
			}
			for j := range sums[c] {
				sums[c][j] /= float64(counts[c])
			}
			km.Centroids[c] = sums[c]
		}
	}

	km.Inertia = 0
	for _, x := range rows {
		_, d := km.nearest(x)
		km.Inertia += d
	}
	return km
}

func farthestPoint(rows [][]float64, km *KMeans) int {
	far, farDist := 0, -1.0
	for i, x := range rows {
		if _, d := km.nearest(x); d > farDist {
			far, farDist = i, d
		}
	}
	return far
}

func squaredDistance(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}

func cloneRow(row []float64) []float64 {
	return append([]float64(nil), row...)
}
