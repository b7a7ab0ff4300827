// Package memory persists conversation turns per user and shapes stored
// history to fit a provider's context window.
package memory

import (
	"context"
	"errors"
	"sort"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// ErrPersistence wraps context store failures. Callers treat read failures
// as empty context and drop write failures.
var ErrPersistence = errors.New("persistence failed")

// Store is the conversation memory used by the orchestrator.
type Store interface {
	// GetConversationHistory returns at most limit of the user's most recent
	// turns in chronological order.
	GetConversationHistory(ctx context.Context, userID string, limit int) ([]types.ConversationTurn, error)
	// SearchSimilarConversations returns at most limit of the user's turns
	// most similar to query, best match first.
	SearchSimilarConversations(ctx context.Context, userID, query string, limit int) ([]types.ConversationTurn, error)
	SaveConversationTurn(ctx context.Context, turn types.ConversationTurn) error
	ClearUserConversations(ctx context.Context, userID string) error
}

// MergeTurns unions history with similar turns, dropping duplicate IDs, and
// returns the result in chronological order.
func MergeTurns(history, similar []types.ConversationTurn) []types.ConversationTurn {
	seen := make(map[string]bool, len(history)+len(similar))
	out := make([]types.ConversationTurn, 0, len(history)+len(similar))
	for _, group := range [][]types.ConversationTurn{history, similar} {
		for _, t := range group {
			if t.ID != "" && seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
