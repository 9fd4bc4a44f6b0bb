package theseus

import "math"

func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// argmax returns the index of the largest score; ties resolve to the lowest index.
func argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// argmaxRows flattens a (N, V) score matrix into N class ids.
func argmaxRows(scores []float32, N, V int) []int32 {
	out := make([]int32, N)
	for i := 0; i < N; i++ {
		out[i] = int32(argmax(scores[i*V : i*V+V]))
	}
	return out
}
