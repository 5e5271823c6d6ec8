package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Bundle is the trained model artifact produced by the offline trainer,
// serialized as JSON. Left/Right of -1 marks a leaf.
type Bundle struct {
	ModelName     string   `json:"model_name"`
	FeatureOrder  []string `json:"feature_order"`
	Contamination float64  `json:"contamination"`
	SampleSize    int      `json:"sample_size"`
	Trees         []Tree   `json:"trees"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

// LoadBundle reads and validates a model artifact. The embedded feature
// order must match FeatureOrder exactly; a mismatch means trainer and
// runtime disagree on the contract and the model is unusable.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode model bundle: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bundle) validate() error {
	if len(b.Trees) == 0 {
		return errors.New("model bundle has no trees")
	}
	if b.SampleSize < 2 {
		return errors.New("model bundle sample_size must be >= 2")
	}
	if len(b.FeatureOrder) != len(FeatureOrder) {
		return fmt.Errorf("model feature order has %d features, runtime expects %d",
			len(b.FeatureOrder), len(FeatureOrder))
	}
	for i, name := range b.FeatureOrder {
		if name != FeatureOrder[i] {
			return fmt.Errorf("model feature %d is %q, runtime expects %q", i, name, FeatureOrder[i])
		}
	}
	for ti, tree := range b.Trees {
		for ni, n := range tree.Nodes {
			if n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d has out-of-range child", ti, ni)
			}
			if n.Left >= 0 && (n.Feature < 0 || n.Feature >= len(FeatureOrder)) {
				return fmt.Errorf("tree %d node %d splits on unknown feature %d", ti, ni, n.Feature)
			}
		}
	}
	return nil
}
