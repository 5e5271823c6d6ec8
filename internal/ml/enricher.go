package ml

import (
	"log/slog"
	"math"

	"cpguard/internal/model"
)

// Enricher attaches an anomaly score and a bounded confidence to alarms.
// It always returns an alarm with ML populated; when the model is missing
// or scoring fails, Score and Confidence are both nil.
type Enricher struct {
	scorer    *Scorer
	modelName string
	logger    *slog.Logger
}

// NewEnricher loads the model artifact at path. A missing or invalid
// artifact is not an error: the enricher runs degraded and the rule-based
// pipeline keeps working.
func NewEnricher(path string, logger *slog.Logger) *Enricher {
	e := &Enricher{logger: logger}
	if path == "" {
		return e
	}
	bundle, err := LoadBundle(path)
	if err != nil {
		if logger != nil {
			logger.Warn("ml model unavailable, enrichment degraded", "path", path, "err", err)
		}
		return e
	}
	e.scorer = NewScorer(bundle)
	e.modelName = bundle.ModelName
	if logger != nil {
		logger.Info("ml model loaded", "model", bundle.ModelName, "trees", len(bundle.Trees))
	}
	return e
}

func (e *Enricher) Ready() bool {
	return e.scorer != nil && e.scorer.Ready()
}

// Enrich scores the alarm's context and returns a copy of the alarm with
// the ml structure populated. It never fails.
func (e *Enricher) Enrich(ev model.Event, a model.Alarm, snap model.StateSnapshot) model.Alarm {
	a.ML = model.MLInfo{}
	if !e.Ready() {
		return a
	}
	score, ok := e.scorer.Score(Vector(ev, snap))
	if !ok {
		a.ML.Model = e.modelName
		return a
	}
	confidence := sigmoid(score)
	a.ML = model.MLInfo{Score: &score, Confidence: &confidence, Model: e.modelName}
	return a
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
