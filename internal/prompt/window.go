package prompt

import "github.com/walters954/OpenBookLM/internal/domain"

// DefaultCharBudget is the overall prompt character budget when the
// configuration does not set one.
const DefaultCharBudget = 6000

// Window assembles the message array for a completion call within a
// character budget. Source blocks are never truncated and the current
// message is always included; whatever budget remains goes to the most
// recent contiguous suffix of history that fits. Older history is cut as a
// single prefix, so relative order of the kept messages is preserved.
func Window(sources []domain.Source, history []domain.Message, current domain.Message, budget int) []domain.Message {
	if budget <= 0 {
		budget = DefaultCharBudget
	}

	remaining := budget
	for _, src := range sources {
		remaining -= len(src.Content)
	}
	remaining -= len(current.Content)

	// walk backward, keeping history while it fits; stop at the first
	// message that would overflow
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if remaining-len(history[i].Content) < 0 {
			break
		}
		remaining -= len(history[i].Content)
		keepFrom = i
	}

	out := make([]domain.Message, 0, len(sources)+(len(history)-keepFrom)+1)
	for _, src := range sources {
		out = append(out, domain.Message{Role: domain.RoleSystem, Content: src.Content})
	}
	out = append(out, history[keepFrom:]...)
	out = append(out, current)
	return out
}

// EstimateTokens approximates the token count of a message array as total
// characters divided by four. The estimate is fractional; quota accounting
// rounds it up when debiting whole credits.
func EstimateTokens(msgs []domain.Message) float64 {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return float64(total) / 4
}
