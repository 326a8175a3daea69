// Package quality scores generated answers against the passages they were
// generated from: a lexical grounding check for hallucinations and a
// relevance rollup over retrieval scores.
package quality

import (
	"math"
	"strings"
	"unicode"
)

const (
	// HallucinationThreshold is the grounding score below which an answer is flagged.
	HallucinationThreshold = 0.6
	// UncertainConfidence is reported when the generator declined to answer.
	UncertainConfidence = 0.15
)

// Classification tags reported in Result.Status.
const (
	StatusUncertain     = "Properly uncertain - out of scope"
	StatusHallucination = "Potential hallucination detected"
	StatusGrounded      = "Well-grounded response"
)

var stopWords = toSet(
	"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for", "of",
	"with", "by", "from", "is", "are", "was", "were", "be", "been", "being",
	"have", "has", "had", "do", "does", "did", "will", "would", "should",
	"could", "may", "might", "can", "this", "that", "these", "those",
	"i", "you", "he", "she", "it", "we", "they",
)

var uncertaintyPhrases = []string{
	"don't have that information",
	"not available in our policies",
	"please contact customer support",
	"i don't have",
	"cannot find",
	"not mentioned",
}

// Passage is one retrieved chunk with its retrieval score in [0,1].
type Passage struct {
	Content        string         `json:"content"`
	RelevanceScore float64        `json:"relevance_score"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Grounding is the outcome of the lexical overlap check.
type Grounding struct {
	Score    float64
	KeyWords int
	Grounded int
}

// Relevance summarizes retrieval scores. All fields are zero for an empty list.
type Relevance struct {
	Avg          float64
	Top          float64
	Distribution []float64
}

// Result is the per-query quality verdict merged into trace metrics.
type Result struct {
	Confidence            float64   `json:"confidence"`
	GroundingScore        float64   `json:"grounding_score"`
	HallucinationDetected bool      `json:"hallucination_detected"`
	Status                string    `json:"status"`
	KeyWordsChecked       int       `json:"key_words_checked"`
	GroundedWords         int       `json:"grounded_words"`
	RetrievedDocsCount    int       `json:"retrieved_docs_count"`
	AvgRelevance          float64   `json:"avg_relevance"`
	RelevanceDistribution []float64 `json:"relevance_distribution"`
	RetrievedDocs         []Passage `json:"retrieved_docs,omitempty"`
}

// Analyze runs the grounding check and relevance rollup for one answer. The
// hallucination threshold is applied to the unrounded grounding score, so a
// reported 0.6 may still be flagged.
func Analyze(response string, passages []Passage) Result {
	g := Ground(response, passages)
	rel := ScoreRelevance(passages)

	res := Result{
		GroundingScore:        round(g.Score, 3),
		KeyWordsChecked:       g.KeyWords,
		GroundedWords:         g.Grounded,
		RetrievedDocsCount:    len(passages),
		AvgRelevance:          round(rel.Avg, 3),
		RelevanceDistribution: make([]float64, len(rel.Distribution)),
		RetrievedDocs:         passages,
	}
	for i, s := range rel.Distribution {
		res.RelevanceDistribution[i] = round(s, 3)
	}

	switch {
	case IsUncertain(response):
		res.Confidence = UncertainConfidence
		res.Status = StatusUncertain
	case g.Score < HallucinationThreshold:
		res.Confidence = round(g.Score, 3)
		res.HallucinationDetected = true
		res.Status = StatusHallucination
	default:
		res.Confidence = round(g.Score, 3)
		res.Status = StatusGrounded
	}
	return res
}

// Ground reports the fraction of the response's key words that appear as
// substrings of the concatenated passage text. A response with no key words
// is vacuously grounded (score 1.0).
func Ground(response string, passages []Passage) Grounding {
	contents := make([]string, len(passages))
	for i, p := range passages {
		contents[i] = p.Content
	}
	corpus := strings.ToLower(strings.Join(contents, " "))

	keyWords := KeyWords(response)
	if len(keyWords) == 0 {
		return Grounding{Score: 1.0}
	}

	grounded := 0
	for w := range keyWords {
		if strings.Contains(corpus, w) {
			grounded++
		}
	}
	return Grounding{
		Score:    float64(grounded) / float64(len(keyWords)),
		KeyWords: len(keyWords),
		Grounded: grounded,
	}
}

// KeyWords lower-cases text, splits on whitespace, trims surrounding
// punctuation from each token and drops stop words.
func KeyWords(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.TrimFunc(tok, isTrimmable)
		if tok == "" {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		words[tok] = struct{}{}
	}
	return words
}

// IsUncertain reports whether the response contains a decline-to-answer phrase.
func IsUncertain(response string) bool {
	lower := strings.ToLower(response)
	for _, phrase := range uncertaintyPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ScoreRelevance returns the mean, max and per-passage scores. Non-finite or
// negative scores count as 0 and scores above 1 are clamped.
func ScoreRelevance(passages []Passage) Relevance {
	if len(passages) == 0 {
		return Relevance{Distribution: []float64{}}
	}
	rel := Relevance{Distribution: make([]float64, len(passages))}
	var sum float64
	for i, p := range passages {
		s := ClampScore(p.RelevanceScore)
		rel.Distribution[i] = s
		sum += s
		if s > rel.Top {
			rel.Top = s
		}
	}
	rel.Avg = sum / float64(len(passages))
	return rel
}

// ClampScore maps a retrieval score into [0,1].
func ClampScore(s float64) float64 {
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
		return 0
	}
	return math.Min(s, 1)
}

func isTrimmable(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func toSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}
