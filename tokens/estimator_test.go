package tokens

import (
	"strings"
	"testing"

	"github.com/soundloom/contextd/messages"
)

// TestEstimateFormula pins the documented cost formula
func TestEstimateFormula(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		// ceil(5/2)=3, no whitespace, no symbols
		{"single word", "Hello", 3 + RoleOverhead},
		// ceil(13/2)=7, one whitespace run, two symbols
		{"punctuated", "Hello, world!", 7 + 1 + 2 + RoleOverhead},
		// surrounding whitespace is trimmed before counting
		{"padded", "  Hello  ", 3 + RoleOverhead},
		// "a  b": trims to 4 chars, ceil=2, one whitespace run (two spaces)
		{"whitespace run", "a  b", 2 + 1 + RoleOverhead},
		// ceil(1/2)=1, one symbol
		{"lone symbol", "?", 1 + 1 + RoleOverhead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Estimate(messages.Message{Role: messages.RoleUser, Content: tt.content})
			if got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

// TestEstimateDeterministic verifies repeated calls agree
func TestEstimateDeterministic(t *testing.T) {
	msg := messages.Message{Role: messages.RoleAssistant, Content: "The quick brown fox, jumps! Over 12 lazy dogs."}
	first := Estimate(msg)
	for i := 0; i < 100; i++ {
		if got := Estimate(msg); got != first {
			t.Fatalf("Estimate not deterministic: %d then %d", first, got)
		}
	}
}

// TestEstimateRoleIndependent verifies the role overhead is flat across roles
func TestEstimateRoleIndependent(t *testing.T) {
	content := "same content"
	var costs []int
	for _, role := range []string{messages.RoleUser, messages.RoleAssistant, messages.RoleSystem} {
		costs = append(costs, Estimate(messages.Message{Role: role, Content: content}))
	}
	if costs[0] != costs[1] || costs[1] != costs[2] {
		t.Errorf("cost varies by role: %v", costs)
	}
}

// TestEstimateHistory verifies the sum matches per-message estimates
func TestEstimateHistory(t *testing.T) {
	history := []messages.Message{
		{Role: messages.RoleUser, Content: "First"},
		{Role: messages.RoleAssistant, Content: "Second"},
		{Role: messages.RoleUser, Content: "Third"},
	}
	want := 0
	for _, m := range history {
		want += Estimate(m)
	}
	if got := EstimateHistory(history); got != want {
		t.Errorf("EstimateHistory = %d, want %d", got, want)
	}
}

// TestEstimateGrowsWithContent sanity-checks monotone growth on plain text
func TestEstimateGrowsWithContent(t *testing.T) {
	short := Estimate(messages.Message{Role: messages.RoleUser, Content: "ab"})
	long := Estimate(messages.Message{Role: messages.RoleUser, Content: strings.Repeat("ab", 50)})
	if long <= short {
		t.Errorf("expected longer content to cost more: short=%d long=%d", short, long)
	}
}
