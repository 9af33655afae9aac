package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/handoff/core"
)

func testCandidates() []core.AgentConfig {
	return []core.AgentConfig{
		{
			ID:          "mail",
			Name:        "Mail Assistant",
			Description: "Sends and drafts email via gmail",
			Tags:        []string{"email", "gmail"},
			Keywords:    []string{"email", "inbox", "draft"},
		},
		{
			ID:          "calendar",
			Name:        "Calendar Assistant",
			Description: "Manages meetings and scheduling",
			Tags:        []string{"calendar", "meeting"},
			Keywords:    []string{"schedule", "meeting", "invite"},
		},
		{
			ID:          "shop",
			Name:        "Shopping Assistant",
			Description: "Finds and orders products",
			Tags:        []string{"shopping", "order"},
			Keywords:    []string{"buy", "product", "cart"},
		},
	}
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Envoyé: Café meeting at 10 AM!")
	assert.Equal(t, []string{"envoye", "cafe", "meeting"}, tokens)
}

func TestPickBest_EmailIntent(t *testing.T) {
	best, ok := PickBest("send an email to the team", testCandidates(), nil)
	require.True(t, ok)
	assert.Equal(t, "mail", best.Agent.ID)
	assert.Greater(t, best.Score, 0.0)
	assert.NotEmpty(t, best.Reasons)
}

func TestPickBest_NoEvidence(t *testing.T) {
	_, ok := PickBest("asdkjasd", testCandidates(), nil)
	assert.False(t, ok, "zero evidence must return no pick")
}

func TestScore_LatencyBreaksTies(t *testing.T) {
	candidates := []core.AgentConfig{
		{ID: "a", Tags: []string{"email"}},
		{ID: "b", Tags: []string{"email"}},
	}
	latency := map[string]float64{"a": 9000, "b": 400}

	ranked := Score("email the report", candidates, latency)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].Agent.ID, "lower latency wins the tie")
}

func TestScore_LatencyBonusCapped(t *testing.T) {
	candidates := []core.AgentConfig{{ID: "a", Tags: []string{"email"}}}
	ranked := Score("email", candidates, map[string]float64{"a": 0})
	require.Len(t, ranked, 1)
	// 2 points of tag overlap plus at most 1 point of latency bonus.
	assert.InDelta(t, 3.0, ranked[0].Score, 0.01)
}

func TestScore_NoLatencyBonusWithoutEvidence(t *testing.T) {
	candidates := []core.AgentConfig{{ID: "a", Tags: []string{"email"}}}
	ranked := Score("asdkjasd", candidates, map[string]float64{"a": 1})
	require.Len(t, ranked, 1)
	assert.Equal(t, 0.0, ranked[0].Score, "latency alone never creates a pick")
}

func specialistProfiles() []Profile {
	return []Profile{
		{
			Agent:      "mail",
			Primary:    []string{"email", "gmail", "inbox"},
			Secondary:  []string{"send", "draft", "reply"},
			Contextual: []string{"team", "message"},
			Exclusions: []string{"calendar", "meeting", "buy"},
		},
		{
			Agent:      "calendar",
			Primary:    []string{"calendar", "meeting", "schedule"},
			Secondary:  []string{"invite", "reschedule"},
			Contextual: []string{"tomorrow", "time"},
			Exclusions: []string{"email", "buy"},
		},
		{
			Agent:      "shop",
			Primary:    []string{"buy", "order", "product"},
			Secondary:  []string{"cart", "price"},
			Exclusions: []string{"email", "calendar"},
		},
	}
}

func TestSpecialistRouter_ClearIntent(t *testing.T) {
	r := NewSpecialistRouter(specialistProfiles())

	d := r.Route("draft an email reply to the inbox thread")
	assert.False(t, d.NeedsClarification)
	assert.Equal(t, "mail", d.Best.Agent)
	assert.GreaterOrEqual(t, d.Confidence, 0.6)
}

func TestSpecialistRouter_ExclusionPreventsCrossDomain(t *testing.T) {
	r := NewSpecialistRouter(specialistProfiles())

	d := r.Route("schedule a meeting on the calendar")
	assert.Equal(t, "calendar", d.Best.Agent)
	for _, c := range d.Ranked {
		if c.Agent == "shop" {
			assert.Less(t, c.Score, 0.0, "calendar language must penalize the commerce specialist")
		}
	}
}

func TestSpecialistRouter_FuzzyTypoMatches(t *testing.T) {
	r := NewSpecialistRouter(specialistProfiles())

	d := r.Route("send an emial to the team")
	assert.Equal(t, "mail", d.Best.Agent)
}

func TestSpecialistRouter_AmbiguousAsksForClarification(t *testing.T) {
	r := NewSpecialistRouter(specialistProfiles())

	// "message" and "time" give weak, near-equal evidence to two domains.
	d := r.Route("message about the time")
	if assert.True(t, d.NeedsClarification) {
		assert.NotEmpty(t, d.Clarification)
	}
}

func TestSpecialistRouter_NoEvidence(t *testing.T) {
	r := NewSpecialistRouter(specialistProfiles())

	d := r.Route("zzzzqqq")
	assert.True(t, d.NeedsClarification)
	assert.Empty(t, d.Best.Agent)
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, editDistance("email", "email"))
	assert.Equal(t, 1, editDistance("email", "emial"), "adjacent transposition costs 1")
	assert.Equal(t, 1, editDistance("calendar", "calender"))
	assert.Equal(t, 5, editDistance("email", ""))
}

func TestFuzzyEqual(t *testing.T) {
	assert.True(t, fuzzyEqual("gmial", "gmail"))
	assert.True(t, fuzzyEqual("calender", "calendar"))
	assert.False(t, fuzzyEqual("buy", "bug"), "short tokens require exact match")
}
