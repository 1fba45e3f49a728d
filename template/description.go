package template

import (
	"math"
	"strings"
	"unicode"

	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
)

// BM25 parameters
const (
	bm25K1    = 1.2
	bm25B     = 0.75
	bm25Delta = 1.0
)

// Tokenize splits text into lowercased letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Corpus holds the document statistics of the descriptions scored together.
type Corpus struct {
	documents int
	totalLen  int
	docFreq   map[string]int
}

// NewCorpus indexes the description texts of ds.
func NewCorpus(ds []*device.Description) *Corpus {
	c := &Corpus{docFreq: make(map[string]int)}
	for _, d := range ds {
		if d == nil {
			continue
		}
		c.add(Tokenize(d.Description))
	}
	return c
}

func (c *Corpus) add(terms []string) {
	c.documents++
	c.totalLen += len(terms)
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		c.docFreq[t]++
	}
}

func (c *Corpus) averageLength() float64 {
	if c.documents == 0 || c.totalLen == 0 {
		return 1
	}
	return float64(c.totalLen) / float64(c.documents)
}

// Score is the BM25+ relevance of a document for the query terms.
func (c *Corpus) Score(query, doc []string) float64 {
	if len(doc) == 0 {
		return 0
	}
	freq := make(map[string]int, len(doc))
	for _, t := range doc {
		freq[t]++
	}

	n := float64(c.documents)
	avg := c.averageLength()
	norm := 1 - bm25B + bm25B*float64(len(doc))/avg

	var score float64
	seen := make(map[string]struct{}, len(query))
	for _, term := range query {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}

		tf := float64(freq[term])
		if tf == 0 {
			continue
		}
		df := float64(c.docFreq[term])
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		score += (tf*(bm25K1+1)/(tf+bm25K1*norm) + bm25Delta) * idf
	}
	return score
}

// DescriptionCriterion scores the relevance of the device description for a
// free-text query. Exact matches score ExactMatchScore, partial matches their
// BM25 relevance relative to the other candidates, capped at ExactMatchScore.
type DescriptionCriterion struct {
	Query           string  `json:"query"`
	ExactMatchScore float64 `json:"exactMatchScore"`
}

func (*DescriptionCriterion) Type() string { return TypeDescription }

func (c *DescriptionCriterion) Validate(v *errors.ValidationError, prefix string, _ location.Lookup) {
	if strings.TrimSpace(c.Query) == "" {
		v.Add(prefix+".query", "The query must not be empty.")
	}
	if !(c.ExactMatchScore > 0) {
		v.Add(prefix+".exactMatchScore", "The score for exact matches must be greater than zero.")
	}
}

func (c *DescriptionCriterion) ScoreIncrement(d *device.Description, sc *ScoringContext) float64 {
	if d == nil || strings.TrimSpace(d.Description) == "" {
		return 0
	}
	query := Tokenize(c.Query)
	doc := Tokenize(d.Description)
	if len(query) == 0 {
		return 0
	}
	if strings.Join(query, " ") == strings.Join(doc, " ") {
		return c.ExactMatchScore
	}

	corpus := sc.corpus()
	if corpus == nil || corpus.documents == 0 {
		corpus = NewCorpus([]*device.Description{d})
	}
	return math.Min(corpus.Score(query, doc), c.ExactMatchScore)
}

func (sc *ScoringContext) corpus() *Corpus {
	if sc == nil {
		return nil
	}
	return sc.Corpus
}
