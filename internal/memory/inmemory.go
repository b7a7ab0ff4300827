package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// InMemoryStore keeps turns in process. Used for development and tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]types.ConversationTurn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]types.ConversationTurn)}
}

func (s *InMemoryStore) GetConversationHistory(_ context.Context, userID string, limit int) ([]types.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[userID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]types.ConversationTurn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *InMemoryStore) SaveConversationTurn(_ context.Context, turn types.ConversationTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.UserID] = append(s.turns[turn.UserID], turn)
	return nil
}

func (s *InMemoryStore) ClearUserConversations(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, userID)
	return nil
}

// SearchSimilarConversations ranks the user's turns by cosine similarity of
// term frequencies against query. Turns sharing no terms are not returned.
func (s *InMemoryStore) SearchSimilarConversations(_ context.Context, userID, query string, limit int) ([]types.ConversationTurn, error) {
	s.mu.RLock()
	turns := make([]types.ConversationTurn, len(s.turns[userID]))
	copy(turns, s.turns[userID])
	s.mu.RUnlock()

	queryTerms := termFrequencies(query)
	if len(queryTerms) == 0 || limit <= 0 {
		return nil, nil
	}

	type scored struct {
		turn  types.ConversationTurn
		score float64
	}
	var ranked []scored
	for _, t := range turns {
		if t.IsSystemMessage {
			continue
		}
		score := cosine(queryTerms, termFrequencies(t.UserInput+" "+t.AIResponse))
		if score > 0 {
			ranked = append(ranked, scored{turn: t, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]types.ConversationTurn, len(ranked))
	for i, r := range ranked {
		out[i] = r.turn
	}
	return out, nil
}

func termFrequencies(s string) map[string]float64 {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tf := make(map[string]float64, len(words))
	for _, w := range words {
		tf[w]++
	}
	return tf
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	vocab := make(map[string]int, len(a)+len(b))
	for w := range a {
		vocab[w] = len(vocab)
	}
	for w := range b {
		if _, ok := vocab[w]; !ok {
			vocab[w] = len(vocab)
		}
	}
	va := make([]float64, len(vocab))
	vb := make([]float64, len(vocab))
	for w, i := range vocab {
		va[i] = a[w]
		vb[i] = b[w]
	}

	denom := floats.Norm(va, 2) * floats.Norm(vb, 2)
	if denom == 0 {
		return 0
	}
	return floats.Dot(va, vb) / denom
}
