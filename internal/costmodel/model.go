// Package costmodel defines the scoring interface the search policy uses to
// rank candidate schedules, plus the random baseline used for cold starts.
package costmodel

import (
	"math"
	"math/rand"

	"strata/internal/loopstate"
	"strata/internal/measure"
	"strata/internal/task"
)

// CostModel scores candidate states; higher is better. Predict must be
// total: unseen states still get a finite score.
type CostModel interface {
	// Update retrains on observed (program, measured latency) pairs.
	Update(inputs []measure.MeasureInput, results []measure.MeasureResult)
	// Predict returns one score per state.
	Predict(t *task.SearchTask, states []*loopstate.State) []float32
}

// RandomModel scores uniformly at random and learns nothing. Its presence
// tells the policy the model is uninformative, which disables the
// evolutionary phase.
type RandomModel struct {
	rng *rand.Rand
}

// NewRandomModel returns a RandomModel seeded deterministically.
func NewRandomModel(seed int64) *RandomModel {
	return &RandomModel{rng: rand.New(rand.NewSource(seed))}
}

// Update is a no-op.
func (m *RandomModel) Update(inputs []measure.MeasureInput, results []measure.MeasureResult) {}

// Predict returns uniform scores in [0, 1).
func (m *RandomModel) Predict(t *task.SearchTask, states []*loopstate.State) []float32 {
	scores := make([]float32, len(states))
	for i := range scores {
		scores[i] = m.rng.Float32()
	}
	return scores
}

// SanitizeScores reports whether any score is NaN or infinite; such scores
// degrade the ordering to effectively random and deserve a warning upstream,
// never an abort. Offending entries are replaced in place with -inf so they
// sort last.
func SanitizeScores(scores []float32) bool {
	dirty := false
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			scores[i] = float32(math.Inf(-1))
			dirty = true
		}
	}
	return dirty
}
