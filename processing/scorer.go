package processing

import (
	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/template"
)

// Scorer sums the score increments of a template's criteria.
type Scorer struct {
	locations location.Lookup
}

// NewScorer creates a scorer resolving location templates through locs.
func NewScorer(locs location.Lookup) *Scorer {
	return &Scorer{locations: locs}
}

// Score scores every description. The descriptions form the corpus for
// relative criteria, so they should be the full candidate set.
func (s *Scorer) Score(tpl *template.DeviceTemplate, ds []*device.Description) []candidate.Scored {
	sc := &template.ScoringContext{
		Locations: s.locations,
		Corpus:    template.NewCorpus(ds),
	}
	out := make([]candidate.Scored, 0, len(ds))
	for _, d := range ds {
		out = append(out, candidate.Scored{Description: d, Score: s.score(tpl, d, sc)})
	}
	return out
}

func (s *Scorer) score(tpl *template.DeviceTemplate, d *device.Description, sc *template.ScoringContext) float64 {
	var total float64
	for _, c := range tpl.ScoringCriteria {
		if c == nil {
			continue
		}
		total += c.ScoreIncrement(d, sc)
	}
	return total
}
