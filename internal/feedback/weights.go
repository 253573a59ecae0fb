package feedback

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/nyx/pkg/models"
)

type weightKey struct {
	module  string
	pattern string
}

// Tuning is the learning step and the bound on any single adjustment.
type Tuning struct {
	Step  int
	Bound int
}

// Weights is the in-memory confidence weight table.
type Weights struct {
	mu     sync.RWMutex
	tuning Tuning
	table  map[weightKey]models.ConfidenceWeight
}

// NewWeights creates an empty table.
func NewWeights(tuning Tuning) *Weights {
	if tuning.Step <= 0 {
		tuning.Step = 10
	}
	if tuning.Bound <= 0 {
		tuning.Bound = 30
	}
	return &Weights{tuning: tuning, table: make(map[weightKey]models.ConfidenceWeight)}
}

// Weight returns the adjustment for a module and pattern, zero if unknown.
func (w *Weights) Weight(module, patternKey string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.table[weightKey{module: module, pattern: patternKey}].Adjustment
}

// Load replaces the table contents.
func (w *Weights) Load(weights []models.ConfidenceWeight) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.table = make(map[weightKey]models.ConfidenceWeight, len(weights))
	for _, cw := range weights {
		cw.Adjustment = clamp(cw.Adjustment, w.tuning.Bound)
		w.table[weightKey{module: cw.ModuleName, pattern: cw.PatternKey}] = cw
	}
}

// Apply folds one decision into the table and returns the entries it changed.
//
//   - confirm raises the decided module.
//   - reject lowers it, unless the candidate came from escalation.
//   - correct lowers the decided module (again not for escalation) and raises
//     the module the correction resolved to.
//   - any answer to an unknown notice changes nothing.
func (w *Weights) Apply(rec *models.FeedbackRecord) []models.ConfidenceWeight {
	// An unknown notice only takes an acknowledgement; nothing ran to score.
	if rec.Type == models.FeedbackOllamaUnknown {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var changed []models.ConfidenceWeight
	bump := func(module string, delta int) {
		if module == "" || module == models.CoreModule {
			return
		}
		key := weightKey{module: module, pattern: rec.PatternKey}
		cw := w.table[key]
		cw.ModuleName = module
		cw.PatternKey = rec.PatternKey
		cw.Adjustment = clamp(cw.Adjustment+delta, w.tuning.Bound)
		cw.UpdatedAt = rec.CreatedAt
		if cw.UpdatedAt.IsZero() {
			cw.UpdatedAt = time.Now()
		}
		w.table[key] = cw
		changed = append(changed, cw)
	}

	switch rec.Action {
	case models.ActionConfirm:
		bump(rec.DecidedIntent, w.tuning.Step)
	case models.ActionReject:
		if !rec.FromEscalation {
			bump(rec.DecidedIntent, -w.tuning.Step)
		}
	case models.ActionCorrect:
		if !rec.FromEscalation && rec.CorrectedModule != rec.DecidedIntent {
			bump(rec.DecidedIntent, -w.tuning.Step)
		}
		bump(rec.CorrectedModule, w.tuning.Step)
	}
	return changed
}

// Snapshot returns every entry, sorted by module then pattern.
func (w *Weights) Snapshot() []models.ConfidenceWeight {
	w.mu.RLock()
	out := make([]models.ConfidenceWeight, 0, len(w.table))
	for _, cw := range w.table {
		out = append(out, cw)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ModuleName != out[j].ModuleName {
			return out[i].ModuleName < out[j].ModuleName
		}
		return out[i].PatternKey < out[j].PatternKey
	})
	return out
}

// Replay rebuilds a weight table from a feedback log, oldest record first.
func Replay(records []*models.FeedbackRecord, tuning Tuning) []models.ConfidenceWeight {
	w := NewWeights(tuning)
	for _, rec := range records {
		w.Apply(rec)
	}
	return w.Snapshot()
}

func clamp(v, bound int) int {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}
