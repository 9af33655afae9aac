// Package routing scores candidate agents against free-text intent. The
// base scorer combines keyword/tag overlap with an optional latency bias; a
// richer specialist router layers weighted keyword tiers, competing-domain
// exclusions, edit-distance fuzzy tolerance and a confidence gate that asks
// for clarification instead of silently guessing.
package routing

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hupe1980/handoff/core"
)

// latencyBonusScale rewards lower observed latency without letting it
// dominate keyword signal: the bonus is capped at 1 point.
const latencyBonusScale = 5000.0

// Candidate is one scored routing candidate. Ephemeral: recomputed per
// routing call, never persisted.
type Candidate struct {
	Agent        core.AgentConfig
	Score        float64
	Reasons      []string
	AvgLatencyMs float64
}

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Tokenize case-folds text, strips diacritics and drops tokens shorter than
// three characters.
func Tokenize(text string) []string {
	folded, _, err := transform.String(deaccent, strings.ToLower(text))
	if err != nil {
		folded = strings.ToLower(text)
	}
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Score ranks candidates against text. Per candidate:
//
//	score = tokenOverlapCount + 2*tagOverlapCount + min(1, 5000/(avgLatencyMs+1))
//
// where token overlap is computed over the candidate's name, description and
// keywords. Results are sorted by score descending with ascending latency as
// the tie-break. The latency bonus is only granted to candidates with at
// least some keyword evidence, so latency alone never creates a pick.
func Score(text string, candidates []core.AgentConfig, latencyMs map[string]float64) []Candidate {
	tokens := Tokenize(text)

	scored := make([]Candidate, 0, len(candidates))
	for _, agent := range candidates {
		c := Candidate{Agent: agent, AvgLatencyMs: latencyMs[agent.ID]}

		haystack := tokenSet(Tokenize(agent.Name + " " + agent.Description + " " + strings.Join(agent.Keywords, " ")))
		overlap := 0
		for _, tok := range tokens {
			if haystack[tok] {
				overlap++
				c.Reasons = append(c.Reasons, "keyword:"+tok)
			}
		}

		tags := tokenSet(lowerAll(agent.Tags))
		tagOverlap := 0
		for _, tok := range tokens {
			if tags[tok] {
				tagOverlap++
				c.Reasons = append(c.Reasons, "tag:"+tok)
			}
		}

		c.Score = float64(overlap) + 2*float64(tagOverlap)
		if c.Score > 0 && c.AvgLatencyMs >= 0 {
			bonus := latencyBonusScale / (c.AvgLatencyMs + 1)
			if bonus > 1 {
				bonus = 1
			}
			c.Score += bonus
		}
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].AvgLatencyMs < scored[j].AvgLatencyMs
	})
	return scored
}

// PickBest returns the top candidate, requiring positive evidence. Zero
// overlap returns ok=false, forcing the caller to fall back to a default or
// ask the user.
func PickBest(text string, candidates []core.AgentConfig, latencyMs map[string]float64) (Candidate, bool) {
	ranked := Score(text, candidates, latencyMs)
	if len(ranked) == 0 || ranked[0].Score <= 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
