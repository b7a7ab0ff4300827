package memory

import (
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// contextBudget is the share of a context window history may occupy.
const contextBudget = 0.9

// EstimateTokens approximates the token count of s at four characters per
// token. Non-empty strings count as at least one token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len([]rune(s)) / 4
	if n < 1 {
		return 1
	}
	return n
}

// TurnTokens estimates the tokens a turn occupies when replayed.
func TurnTokens(t types.ConversationTurn) int {
	return EstimateTokens(t.UserInput) + EstimateTokens(t.AIResponse)
}

// OptimizeContext keeps the longest most-recent suffix of turns whose
// estimated size fits within 90% of window. Input and output are
// chronological.
func OptimizeContext(turns []types.ConversationTurn, window int) []types.ConversationTurn {
	if window <= 0 || len(turns) == 0 {
		return nil
	}
	budget := int(float64(window) * contextBudget)

	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := TurnTokens(turns[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	if start == len(turns) {
		return nil
	}
	out := make([]types.ConversationTurn, len(turns)-start)
	copy(out, turns[start:])
	return out
}
