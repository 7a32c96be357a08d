package ranking

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRank_PassthroughWhenFewSections(t *testing.T) {
	r := New(5)
	sections := []string{"first paragraph", "second paragraph", "third paragraph"}

	got := r.Rank(sections, "anything at all")
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, fmt.Sprintf("section_%d", i+1), s.Label)
		assert.Equal(t, sections[i], s.Text)
	}
}

func TestRank_TopKByRelevance(t *testing.T) {
	r := New(2)
	sections := []string{
		"The weather today is cloudy with a chance of rain.",
		"Phenytoin blocks sodium channels in a use-dependent manner.",
		"Our funding sources are listed in the acknowledgements.",
		"Sodium channel inhibition by phenytoin was measured with patch clamp.",
	}

	got := r.Rank(sections, "Does phenytoin inhibit sodium channels?")
	require.Len(t, got, 2)

	texts := []string{got[0].Text, got[1].Text}
	assert.Contains(t, texts, sections[1])
	assert.Contains(t, texts, sections[3])
	assert.Equal(t, "section_1", got[0].Label)
	assert.Equal(t, "section_2", got[1].Label)
}

func TestRank_Deterministic(t *testing.T) {
	r := New(3)
	sections := []string{
		"alpha beta gamma", "delta epsilon zeta", "beta gamma delta",
		"gamma delta epsilon", "epsilon zeta alpha",
	}
	first := r.Rank(sections, "gamma delta")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Rank(sections, "gamma delta"))
	}
}

func TestRank_TieBreakByOriginalOrder(t *testing.T) {
	r := New(2)
	// Four sections, two of them identical and equally relevant: the
	// earlier one must win, and both outrank the noise.
	sections := []string{
		"noise one about nothing relevant",
		"phenytoin blocks channels",
		"phenytoin blocks channels",
		"more unrelated noise here",
	}
	got := r.Rank(sections, "phenytoin channels")
	require.Len(t, got, 2)
	assert.Equal(t, sections[1], got[0].Text)
	assert.Equal(t, sections[2], got[1].Text)
}

func TestRank_StemmingAndStopwords(t *testing.T) {
	r := New(1)
	sections := []string{
		"completely unrelated text about geology and minerals",
		"The channels were blocked strongly.",
		"another unrelated text about astronomy stars",
	}
	// "blocking" stems to the same root as "blocked"; "the"/"were" are
	// stopwords and carry no weight.
	got := r.Rank(sections, "blocking of channel currents")
	require.Len(t, got, 1)
	assert.Equal(t, sections[1], got[0].Text)
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("The Channels, were BLOCKED (strongly)!")
	assert.Equal(t, []string{"channel", "block", "strong"}, tokens)
}

func TestMap(t *testing.T) {
	m := Map([]Section{{Label: "section_1", Text: "a"}, {Label: "section_2", Text: "b"}})
	assert.Equal(t, map[string]string{"section_1": "a", "section_2": "b"}, m)
}
