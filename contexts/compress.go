package contexts

import (
	"github.com/soundloom/contextd/tokens"
	"go.uber.org/zap"
)

// compress truncates state to the maximal suffix of its message sequence
// whose token cost fits the compression target (a fraction of the context
// window). Relative order is untouched.
//
// Returns true when even the sole most recent message exceeds the target:
// no suffix can satisfy the budget, so the caller follows the exhaustion
// path instead of retaining an oversized survivor.
func (m *Manager) compress(state *State) (exhausted bool) {
	if len(state.Messages) == 0 {
		return false
	}

	target := int(float64(state.Constraints.ContextWindow) * m.config.CompressionTarget)

	newest := state.Messages[len(state.Messages)-1]
	if tokens.Estimate(newest) > target {
		return true
	}

	// Walk newest to oldest, accumulating cost; cut where the target runs
	// out. The newest message is unconditionally kept.
	kept := 1
	total := tokens.Estimate(newest)
	for i := len(state.Messages) - 2; i >= 0; i-- {
		cost := tokens.Estimate(state.Messages[i])
		if total+cost > target {
			break
		}
		total += cost
		kept++
	}

	if kept == len(state.Messages) {
		return false
	}

	dropped := len(state.Messages) - kept
	state.Messages = append(state.Messages[:0:0], state.Messages[len(state.Messages)-kept:]...)
	state.TokenCount = tokens.EstimateHistory(state.Messages)

	zap.S().Debugw("context_compressed",
		"key", state.Key,
		"dropped", dropped,
		"kept", kept,
		"tokens", state.TokenCount,
		"target", target)
	return false
}
