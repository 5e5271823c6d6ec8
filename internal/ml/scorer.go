package ml

import "math"

const eulerGamma = 0.5772156649015329

// Scorer walks the isolation forest. Higher output means more anomalous:
// the raw forest score (short average path = isolated point) is sign-
// inverted around the 0.5 midpoint, matching the trainer's convention.
type Scorer struct {
	bundle *Bundle
	cNorm  float64
}

func NewScorer(bundle *Bundle) *Scorer {
	if bundle == nil {
		return &Scorer{}
	}
	return &Scorer{bundle: bundle, cNorm: avgPathLength(bundle.SampleSize)}
}

func (s *Scorer) Ready() bool {
	return s.bundle != nil && len(s.bundle.Trees) > 0 && s.cNorm > 0
}

// Score returns the anomaly score for a feature vector, or false when the
// scorer is not ready or the vector does not fit the contract. Worst-case
// latency is bounded by tree depth; there is no I/O here.
func (s *Scorer) Score(features []float64) (float64, bool) {
	if !s.Ready() || len(features) != len(FeatureOrder) {
		return 0, false
	}
	total := 0.0
	for i := range s.bundle.Trees {
		total += pathLength(&s.bundle.Trees[i], features)
	}
	mean := total / float64(len(s.bundle.Trees))
	// Standard isolation-forest normalization: s in (0,1], higher for
	// shorter paths. Recentered so positive = anomalous.
	normalized := math.Pow(2, -mean/s.cNorm)
	return normalized - 0.5, true
}

func pathLength(t *Tree, features []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	depth := 0.0
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Left < 0 || n.Right < 0 {
			return depth + avgPathLength(n.Size)
		}
		depth++
		if features[n.Feature] < n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	return 2*(math.Log(f-1)+eulerGamma) - 2*(f-1)/f
}
