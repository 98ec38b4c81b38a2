package tokens

import (
	"strings"
	"unicode"

	"github.com/soundloom/contextd/messages"
)

// RoleOverhead is the fixed per-message cost charged for role framing.
const RoleOverhead = 5

// Estimate returns the approximate token cost of a message. The formula is a
// documented contract, not an emulation of any vendor tokenizer:
//
//	cost = ceil(len(trimmed content) / 2)
//	     + number of whitespace runs in the trimmed content
//	     + number of non-alphanumeric, non-whitespace characters
//	     + RoleOverhead
//
// The result is deterministic and stable across releases; budget accounting
// (running totals, compression targets) depends on that stability.
//
// Callers must validate the message first: Estimate assumes the trimmed
// content is non-empty.
func Estimate(msg messages.Message) int {
	content := strings.TrimSpace(msg.Content)

	cost := (len(content) + 1) / 2

	inRun := false
	for _, r := range content {
		switch {
		case unicode.IsSpace(r):
			if !inRun {
				cost++
				inRun = true
			}
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			cost++
			inRun = false
		default:
			inRun = false
		}
	}

	return cost + RoleOverhead
}

// EstimateHistory sums Estimate over a message slice.
func EstimateHistory(history []messages.Message) int {
	total := 0
	for _, msg := range history {
		total += Estimate(msg)
	}
	return total
}
