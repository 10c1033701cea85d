// Package routing contains the prompt classifier and the weighted router.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/prismgate/prismgate/internal/catalog"
	"github.com/prismgate/prismgate/internal/providers"
)

// Complexity buckets produced by the classifier.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Classification is the classifier's output.
type Classification struct {
	Complexity           Complexity `json:"complexity"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	EstimatedTokens      int        `json:"estimated_tokens"`
	Reasoning            string     `json:"reasoning"`
}

var codePatterns = []*regexp.Regexp{
	regexp.MustCompile("```"),
	regexp.MustCompile(`(?i)\b(function|def|class|struct|interface|impl)\b`),
	regexp.MustCompile(`(?i)\b(debug|refactor|compile|stack trace|segfault)\b`),
	regexp.MustCompile(`(?i)\b(code|script|program|algorithm|regex|sql query)\b`),
	regexp.MustCompile(`(?i)\b(python|javascript|typescript|golang|rust|java|c\+\+)\b`),
}

var mathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(calculate|compute|solve|equation|integral|derivative)\b`),
	regexp.MustCompile(`(?i)\b(probability|statistics|theorem|proof|matrix)\b`),
	regexp.MustCompile(`[0-9]+\s*[+\-*/^=]\s*[0-9]+`),
}

var creativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(write a (story|poem|song|essay)|creative|fiction)\b`),
	regexp.MustCompile(`(?i)\b(brainstorm|imagine|invent|compose)\b`),
}

var simpleQueryPattern = regexp.MustCompile(
	`(?i)^\s*(what is|what's|who is|who's|when|where|define|translate|how many)\b`)

// Classify is a pure function from the message list to a complexity
// bucket, the capability set the request needs, and a token estimate.
func Classify(messages []providers.Message) Classification {
	var all strings.Builder
	lastUser := ""
	for _, m := range messages {
		all.WriteString(m.Content)
		all.WriteString("\n")
		if m.Role == "user" {
			lastUser = m.Content
		}
	}
	text := all.String()
	tokens := providers.EstimateTokens(text)

	score := 0
	caps := []string{catalog.CapGeneral, catalog.CapInstruction}
	var reasons []string

	codeHits := countMatches(codePatterns, text)
	switch {
	case codeHits >= 2:
		score += 3
		caps = append(caps, catalog.CapCode)
		reasons = append(reasons, fmt.Sprintf("%d code patterns (+3)", codeHits))
	case codeHits == 1:
		score++
		caps = append(caps, catalog.CapCode)
		reasons = append(reasons, "1 code pattern (+1)")
	}

	if n := countMatches(mathPatterns, text); n >= 1 {
		score += 2
		caps = append(caps, catalog.CapMath)
		reasons = append(reasons, fmt.Sprintf("%d math patterns (+2)", n))
	}

	if countMatches(creativePatterns, lastUser) >= 1 {
		score++
		caps = append(caps, catalog.CapCreative)
		reasons = append(reasons, "creative request (+1)")
	}

	switch {
	case len(messages) > 6:
		score += 2
		reasons = append(reasons, fmt.Sprintf("%d messages (+2)", len(messages)))
	case len(messages) > 3:
		score++
		reasons = append(reasons, fmt.Sprintf("%d messages (+1)", len(messages)))
	}

	switch {
	case tokens > 2000:
		score += 2
		reasons = append(reasons, fmt.Sprintf("~%d tokens (+2)", tokens))
	case tokens > 500:
		score++
		reasons = append(reasons, fmt.Sprintf("~%d tokens (+1)", tokens))
	}

	if simpleQueryPattern.MatchString(lastUser) && len(messages) <= 2 && tokens < 100 {
		score -= 2
		if score < 0 {
			score = 0
		}
		reasons = append(reasons, "simple query (-2)")
	}

	var complexity Complexity
	switch {
	case score <= 1:
		complexity = ComplexitySimple
	case score <= 4:
		complexity = ComplexityModerate
	default:
		complexity = ComplexityComplex
	}

	reasoning := fmt.Sprintf("score=%d → %s", score, complexity)
	if len(reasons) > 0 {
		reasoning += ": " + strings.Join(reasons, "; ")
	}

	return Classification{
		Complexity:           complexity,
		RequiredCapabilities: dedup(caps),
		EstimatedTokens:      tokens,
		Reasoning:            reasoning,
	}
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
