package digest

import (
	"math"
	"math/rand"
)

const maxKMeansIterations = 50

// cosineDistance is 1 minus cosine similarity. Zero vectors are treated as
// maximally distant.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// chooseK picks the cluster count for n vectors: one cluster per three
// vectors, at least 1, at most 7.
func chooseK(n int) int {
	k := n / 3
	if k < 1 {
		k = 1
	}
	if k > 7 {
		k = 7
	}
	return k
}

// kmeans clusters vectors into k groups under cosine distance and returns
// the per-vector cluster assignment. Initialization is k-means++ with a
// fixed RNG seed so the same input clusters the same way; iteration stops
// when assignments settle or after maxKMeansIterations rounds.
func kmeans(vectors [][]float32, k int) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if k < 1 {
		k = 1
	}

	centroids := seedCentroids(vectors, k)
	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}

	for iter := 0; iter < maxKMeansIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best := 0
			bestDist := math.Inf(1)
			for c, centroid := range centroids {
				if d := cosineDistance(v, centroid); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		centroids = recomputeCentroids(vectors, assignments, centroids)
	}
	return assignments
}

// seedCentroids picks initial centroids with k-means++: a first vector,
// then each further centroid drawn with probability proportional to the
// squared distance to its nearest chosen centroid.
func seedCentroids(vectors [][]float32, k int) [][]float32 {
	rng := rand.New(rand.NewSource(1))

	centroids := make([][]float32, 0, k)
	centroids = append(centroids, vectors[rng.Intn(len(vectors))])

	weights := make([]float64, len(vectors))
	for len(centroids) < k {
		total := 0.0
		for i, v := range vectors {
			nearest := math.Inf(1)
			for _, c := range centroids {
				if d := cosineDistance(v, c); d < nearest {
					nearest = d
				}
			}
			weights[i] = nearest * nearest
			total += weights[i]
		}

		// All points coincide with a centroid; any pick works.
		if total == 0 {
			centroids = append(centroids, vectors[rng.Intn(len(vectors))])
			continue
		}

		target := rng.Float64() * total
		pick := len(vectors) - 1
		for i, w := range weights {
			target -= w
			if target <= 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, vectors[pick])
	}
	return centroids
}

// recomputeCentroids sets each centroid to the mean of its members. A
// cluster that lost all members keeps its old centroid.
func recomputeCentroids(vectors [][]float32, assignments []int, old [][]float32) [][]float32 {
	dims := len(vectors[0])
	k := len(old)

	sums := make([][]float64, k)
	counts := make([]int, k)
	for c := range sums {
		sums[c] = make([]float64, dims)
	}
	for i, v := range vectors {
		c := assignments[i]
		counts[c]++
		for d := range v {
			sums[c][d] += float64(v[d])
		}
	}

	out := make([][]float32, k)
	for c := range out {
		if counts[c] == 0 {
			out[c] = old[c]
			continue
		}
		centroid := make([]float32, dims)
		for d := range centroid {
			centroid[d] = float32(sums[c][d] / float64(counts[c]))
		}
		out[c] = centroid
	}
	return out
}
