package memory

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func turn(id, input, response string, minute int) types.ConversationTurn {
	return types.ConversationTurn{
		ID:         id,
		UserID:     "u1",
		UserInput:  input,
		AIResponse: response,
		Platform:   "chat",
		TaskType:   types.TaskGeneral,
		Timestamp:  base.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(turns []types.ConversationTurn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.ID
	}
	return out
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{strings.Repeat("x", 400), 100},
		{"héllo wörld", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOptimizeContext(t *testing.T) {
	// Each turn costs 25 + 25 = 50 tokens.
	body := strings.Repeat("x", 100)
	turns := []types.ConversationTurn{
		turn("1", body, body, 1),
		turn("2", body, body, 2),
		turn("3", body, body, 3),
		turn("4", body, body, 4),
	}

	tests := []struct {
		name   string
		window int
		want   []string
	}{
		{"everything fits", 1000, []string{"1", "2", "3", "4"}},
		{"budget is ninety percent", 112, []string{"3", "4"}},
		{"exact budget", 167, []string{"2", "3", "4"}},
		{"nothing fits", 50, nil},
		{"zero window", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OptimizeContext(turns, tt.window)
			if diff := cmp.Diff(tt.want, ids(got), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
			total := 0
			for _, tr := range got {
				total += TurnTokens(tr)
			}
			if float64(total) > 0.9*float64(tt.window) {
				t.Errorf("context of %d tokens exceeds budget for window %d", total, tt.window)
			}
		})
	}
}

func TestOptimizeContext_DoesNotAliasInput(t *testing.T) {
	turns := []types.ConversationTurn{turn("1", "a", "b", 1), turn("2", "c", "d", 2)}
	got := OptimizeContext(turns, 1000)
	got[0].UserInput = "changed"
	if turns[0].UserInput != "a" {
		t.Error("OptimizeContext result aliases its input")
	}
}

func TestMergeTurns(t *testing.T) {
	history := []types.ConversationTurn{turn("3", "c", "", 3), turn("4", "d", "", 4)}
	similar := []types.ConversationTurn{turn("4", "d", "", 4), turn("1", "a", "", 1)}

	got := MergeTurns(history, similar)
	if diff := cmp.Diff([]string{"1", "3", "4"}, ids(got)); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestInMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for i, in := range []string{"one", "two", "three"} {
		tr := turn("", in, "ok", i)
		if err := s.SaveConversationTurn(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetConversationHistory(ctx, "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].UserInput != "two" || got[1].UserInput != "three" {
		t.Errorf("expected last two turns chronologically, got %+v", got)
	}
	for _, tr := range got {
		if tr.ID == "" {
			t.Error("expected saved turns to get an id")
		}
	}

	if err := s.ClearUserConversations(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetConversationHistory(ctx, "u1", 10)
	if len(got) != 0 {
		t.Errorf("expected empty history after clear, got %d", len(got))
	}
}

func TestInMemoryStore_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	other := turn("x", "secret", "reply", 1)
	other.UserID = "u2"
	_ = s.SaveConversationTurn(ctx, other)

	got, _ := s.GetConversationHistory(ctx, "u1", 10)
	if len(got) != 0 {
		t.Errorf("u1 should not see u2's turns: %+v", got)
	}
	similar, _ := s.SearchSimilarConversations(ctx, "u1", "secret", 3)
	if len(similar) != 0 {
		t.Errorf("u1 should not find u2's turns: %+v", similar)
	}
}

func TestInMemoryStore_SearchSimilar(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	_ = s.SaveConversationTurn(ctx, turn("go", "how do goroutines and channels work", "channels pass values", 1))
	_ = s.SaveConversationTurn(ctx, turn("cook", "best pasta recipe", "boil water", 2))
	_ = s.SaveConversationTurn(ctx, turn("chan", "buffered channels in go", "channels with capacity", 3))
	sys := turn("sys", "channels channels", "", 4)
	sys.IsSystemMessage = true
	_ = s.SaveConversationTurn(ctx, sys)

	got, err := s.SearchSimilarConversations(ctx, "u1", "go channels", 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"chan", "go"}, ids(got)); diff != "" {
		t.Errorf("similar mismatch (-want +got):\n%s", diff)
	}

	none, _ := s.SearchSimilarConversations(ctx, "u1", "quantum", 2)
	if len(none) != 0 {
		t.Errorf("expected no matches, got %v", ids(none))
	}
}

func TestCosine(t *testing.T) {
	a := termFrequencies("red apple")
	if got := cosine(a, termFrequencies("red apple")); got < 0.999 {
		t.Errorf("identical texts should have similarity 1, got %f", got)
	}
	if got := cosine(a, termFrequencies("blue car")); got != 0 {
		t.Errorf("disjoint texts should have similarity 0, got %f", got)
	}
	if got := cosine(a, nil); got != 0 {
		t.Errorf("empty vector should have similarity 0, got %f", got)
	}
}

func TestInMemoryStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SaveConversationTurn(ctx, turn("", "msg", "ok", i))
		}(i)
	}
	wg.Wait()

	got, _ := s.GetConversationHistory(ctx, "u1", 100)
	if len(got) != 50 {
		t.Errorf("expected 50 turns, got %d", len(got))
	}
}
