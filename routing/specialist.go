package routing

import (
	"fmt"
	"sort"
	"strings"
)

// Tier weights for specialist keyword matching. Exclusion hits subtract the
// secondary weight so a single competing-domain term outweighs a weak match.
const (
	primaryWeight    = 3.0
	secondaryWeight  = 2.0
	contextualWeight = 1.0
	exclusionPenalty = 2.0

	// mediumConfidence gates automatic routing; below it the router asks a
	// clarification question instead of guessing.
	mediumConfidence = 0.6
)

// Profile declares the keyword signature of one specialist agent.
//
//   - Primary: terms that unambiguously belong to the specialist's domain
//   - Secondary: supporting terms
//   - Contextual: weak hints that only matter in aggregate
//   - Exclusions: terms of competing domains that subtract score, so e.g.
//     calendar language cannot route to a commerce specialist
type Profile struct {
	Agent      string   `json:"agent" yaml:"agent"`
	Primary    []string `json:"primary,omitempty" yaml:"primary,omitempty"`
	Secondary  []string `json:"secondary,omitempty" yaml:"secondary,omitempty"`
	Contextual []string `json:"contextual,omitempty" yaml:"contextual,omitempty"`
	Exclusions []string `json:"exclusions,omitempty" yaml:"exclusions,omitempty"`
}

// SpecialistCandidate is one scored specialist with its explanation trail.
type SpecialistCandidate struct {
	Agent   string
	Score   float64
	Reasons []string
}

// Decision is the outcome of specialist routing. When NeedsClarification is
// set the caller must surface Clarification to the user rather than act on
// Best.
type Decision struct {
	Best               SpecialistCandidate
	Ranked             []SpecialistCandidate
	Confidence         float64
	NeedsClarification bool
	Clarification      string
}

// SpecialistRouter scores free-text intent against specialist profiles with
// fuzzy keyword tolerance.
type SpecialistRouter struct {
	profiles []Profile
}

// NewSpecialistRouter constructs a router over the given profiles.
func NewSpecialistRouter(profiles []Profile) *SpecialistRouter {
	return &SpecialistRouter{profiles: profiles}
}

// Route scores text against every profile and gates the result on the
// confidence margin between the two leading candidates, normalized into
// [0,1]. No positive evidence yields a clarification decision with an empty
// Best.
func (r *SpecialistRouter) Route(text string) Decision {
	tokens := Tokenize(text)

	ranked := make([]SpecialistCandidate, 0, len(r.profiles))
	for _, p := range r.profiles {
		ranked = append(ranked, scoreProfile(tokens, p))
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	d := Decision{Ranked: ranked}
	if len(ranked) == 0 || ranked[0].Score <= 0 {
		d.NeedsClarification = true
		d.Clarification = "I couldn't tell which assistant should handle this. Could you rephrase what you need?"
		return d
	}

	d.Best = ranked[0]
	d.Confidence = 1
	if len(ranked) > 1 && ranked[1].Score > 0 {
		d.Confidence = (ranked[0].Score - ranked[1].Score) / ranked[0].Score
	}

	if d.Confidence < mediumConfidence {
		d.NeedsClarification = true
		d.Clarification = clarificationQuestion(ranked)
	}
	return d
}

func scoreProfile(tokens []string, p Profile) SpecialistCandidate {
	c := SpecialistCandidate{Agent: p.Agent}

	tally := func(keywords []string, weight float64, tier string) {
		for _, kw := range keywords {
			folded := Tokenize(kw)
			if len(folded) == 0 {
				continue
			}
			for _, tok := range tokens {
				if fuzzyEqual(tok, folded[0]) {
					c.Score += weight
					c.Reasons = append(c.Reasons, fmt.Sprintf("%s:%s", tier, kw))
					break
				}
			}
		}
	}

	tally(p.Primary, primaryWeight, "primary")
	tally(p.Secondary, secondaryWeight, "secondary")
	tally(p.Contextual, contextualWeight, "contextual")

	for _, kw := range p.Exclusions {
		folded := Tokenize(kw)
		if len(folded) == 0 {
			continue
		}
		for _, tok := range tokens {
			if fuzzyEqual(tok, folded[0]) {
				c.Score -= exclusionPenalty
				c.Reasons = append(c.Reasons, "exclusion:"+kw)
				break
			}
		}
	}
	return c
}

// clarificationQuestion names the top contenders. Two candidates yield a
// yes/no phrasing, more a multiple choice.
func clarificationQuestion(ranked []SpecialistCandidate) string {
	var contenders []string
	for _, c := range ranked {
		if c.Score > 0 {
			contenders = append(contenders, c.Agent)
		}
		if len(contenders) == 3 {
			break
		}
	}
	switch len(contenders) {
	case 0:
		return "I couldn't tell which assistant should handle this. Could you rephrase what you need?"
	case 1:
		return fmt.Sprintf("Should I hand this to %s? (yes/no)", contenders[0])
	case 2:
		return fmt.Sprintf("Should %s or %s handle this?", contenders[0], contenders[1])
	default:
		return fmt.Sprintf("Which assistant should handle this: %s?", strings.Join(contenders, ", "))
	}
}

// fuzzyEqual matches a token against a keyword with edit-distance tolerance
// so minor typos and accent drops still match: distance 1 from four
// characters, distance 2 from eight.
func fuzzyEqual(token, keyword string) bool {
	if token == keyword {
		return true
	}
	shorter := len(keyword)
	if len(token) < shorter {
		shorter = len(token)
	}
	var tolerance int
	switch {
	case shorter >= 8:
		tolerance = 2
	case shorter >= 4:
		tolerance = 1
	default:
		return false
	}
	return editDistance(token, keyword) <= tolerance
}

// editDistance computes optimal string alignment distance: Levenshtein plus
// adjacent transpositions at cost 1, so the common swap typo ("emial")
// stays within tolerance.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	rows := make([][]int, len(ra)+1)
	for i := range rows {
		rows[i] = make([]int, len(rb)+1)
		rows[i][0] = i
	}
	for j := 0; j <= len(rb); j++ {
		rows[0][j] = j
	}

	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			d := min3(rows[i][j-1]+1, rows[i-1][j]+1, rows[i-1][j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				if t := rows[i-2][j-2] + 1; t < d {
					d = t
				}
			}
			rows[i][j] = d
		}
	}
	return rows[len(ra)][len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
