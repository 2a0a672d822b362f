package prompt

import (
	"fmt"
	"strings"
)

// ReviewSystem is the system prompt for the quality reviewer.
const ReviewSystem = `You are a quality reviewer for agricultural chatbot test questions.
Only natural, farmer-like questions may pass.

Reject a question if it:
1) feels artificial, too polished, or deliberately constructed to confuse;
2) uses scientific names, jargon or textbook terminology a farmer would never use;
3) is hypothetical or academic instead of coming from a real farming situation;
4) combines topics in a way no real person would phrase;
5) is overly formal ("Kindly advise on...", "What strategies exist for...").

Keep a question if it sounds like something a real farmer would say out loud,
uses simple everyday words, and is messy and informal but genuinely confusing.`

// Review renders the review prompt for candidate question texts. Questions are
// numbered from 1 and the reply must carry one verdict per number.
func Review(questions []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the following %d questions.\n\n", len(questions))
	for i, q := range questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, oneLine(q))
	}
	sb.WriteString(`
Respond with a JSON object and nothing else:
{"verdicts": [{"index": 1, "accept": true, "reason": "short reason"}]}`)
	return sb.String()
}
