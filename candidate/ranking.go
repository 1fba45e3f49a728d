package candidate

import (
	"cmp"
	"slices"

	"github.com/c360/mbp/device"
)

// Scored is a description with its total score.
type Scored struct {
	Description *device.Description `json:"deviceDescription"`
	Score       float64             `json:"score"`
}

// Identity returns the identity of the scored device.
func (s Scored) Identity() string {
	return s.Description.Identity()
}

// Ranking holds one scored entry per device. Later entries for a device
// replace earlier ones. The order is by descending score, ties by identity,
// so equal inputs always rank the same.
type Ranking struct {
	entries map[string]Scored
}

// NewRanking creates a ranking of the given entries.
func NewRanking(entries ...Scored) *Ranking {
	r := &Ranking{entries: make(map[string]Scored, len(entries))}
	for _, e := range entries {
		r.Add(e)
	}
	return r
}

// Add inserts or replaces the entry of a device. Entries without identity are
// ignored.
func (r *Ranking) Add(s Scored) {
	id := s.Identity()
	if id == "" {
		return
	}
	r.entries[id] = s
}

// Len returns the number of ranked devices.
func (r *Ranking) Len() int {
	return len(r.entries)
}

// Find returns the entry of a device.
func (r *Ranking) Find(identity string) (Scored, bool) {
	s, ok := r.entries[identity]
	return s, ok
}

// Sorted returns the entries in rank order.
func (r *Ranking) Sorted() []Scored {
	out := make([]Scored, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Identity(), b.Identity())
	})
	return out
}

// Top returns the best entry.
func (r *Ranking) Top() (Scored, bool) {
	sorted := r.Sorted()
	if len(sorted) == 0 {
		return Scored{}, false
	}
	return sorted[0], true
}
