// Package ranking selects the sections of a document most relevant to a
// research question using BM25 over stemmed, stopword-filtered tokens.
package ranking

import (
	"fmt"
	"math"
	"sort"
)

// BM25 parameters: k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	k1 = 1.2
	b  = 0.75
)

// Section is one ranked passage, relabeled section_1..section_k in rank
// order.
type Section struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Ranker scores sections against a query and keeps the top K.
type Ranker struct {
	k int
}

// New returns a ranker keeping the top k sections per document.
func New(k int) *Ranker {
	return &Ranker{k: k}
}

// Rank returns the top-k sections by BM25 score against the query,
// relabeled section_1..section_k in descending-score order. Documents with
// at most k sections are returned whole, unranked, in original order.
// Identical input always produces identical output: ties are broken by the
// original section index.
func (r *Ranker) Rank(sections []string, query string) []Section {
	if len(sections) <= r.k {
		return label(sections)
	}

	corpus := make([][]string, len(sections))
	docFreq := make(map[string]int)
	totalLen := 0
	for i, text := range sections {
		tokens := tokenize(text)
		corpus[i] = tokens
		totalLen += len(tokens)
		seen := make(map[string]bool, len(tokens))
		for _, tok := range tokens {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}
	avgLen := float64(totalLen) / float64(len(sections))

	queryTokens := tokenize(query)
	scores := make([]float64, len(sections))
	for i, tokens := range corpus {
		termFreq := make(map[string]float64, len(tokens))
		for _, tok := range tokens {
			termFreq[tok]++
		}
		scores[i] = score(queryTokens, termFreq, docFreq, len(sections), float64(len(tokens)), avgLen)
	}

	order := make([]int, len(sections))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool {
		return scores[order[a]] > scores[order[c]]
	})

	top := make([]string, r.k)
	for i := 0; i < r.k; i++ {
		top[i] = sections[order[i]]
	}
	return label(top)
}

// score sums the BM25 contribution of every query term:
// IDF * (tf * (k1 + 1)) / (tf + k1 * (1 - b + b * (|d| / avgdl))).
func score(queryTokens []string, termFreq map[string]float64, docFreq map[string]int, totalDocs int, docLen, avgLen float64) float64 {
	var total float64
	for _, tok := range queryTokens {
		tf := termFreq[tok]
		if tf == 0 {
			continue
		}
		df := docFreq[tok]
		if df == 0 {
			continue
		}
		idf := math.Log(float64(totalDocs) / float64(df))
		total += idf * (tf * (k1 + 1)) / (tf + k1*(1-b+b*(docLen/avgLen)))
	}
	return total
}

func label(texts []string) []Section {
	out := make([]Section, len(texts))
	for i, text := range texts {
		out[i] = Section{Label: fmt.Sprintf("section_%d", i+1), Text: text}
	}
	return out
}

// Map renders ranked sections as a label-to-text mapping, the shape both
// the extraction prompt and the persisted sections column use.
func Map(sections []Section) map[string]string {
	m := make(map[string]string, len(sections))
	for _, s := range sections {
		m[s.Label] = s.Text
	}
	return m
}
