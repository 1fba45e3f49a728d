package processing

import (
	"log/slog"
	"time"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/template"
)

// Processor runs the candidate pipeline.
type Processor struct {
	locations location.Lookup
	scorer    *Scorer
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records candidate counts per pipeline outcome.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a processor resolving location templates through locs.
func NewProcessor(locs location.Lookup, opts ...Option) *Processor {
	p := &Processor{
		locations: locs,
		scorer:    NewScorer(locs),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "candidate-processor")
	return p
}

// Process ranks the candidates of the containers for tpl.
func (p *Processor) Process(tpl *template.DeviceTemplate, containers ...*candidate.Container) *candidate.Ranking {
	start := time.Now()
	defer func() { p.metrics.RecordTask("process_candidates", time.Since(start)) }()

	var received, invalid int
	var ds []*device.Description
	for _, c := range MatchingContainers(containers, tpl.ID) {
		for _, name := range c.Repositories() {
			col := c.Collections[name]
			if !ValidCollection(col) {
				if col != nil {
					invalid += col.Len()
				}
				continue
			}
			for _, d := range col.Devices {
				received++
				if !ValidDevice(d) {
					invalid++
					continue
				}
				ds = append(ds, d)
			}
		}
	}
	return p.rank(tpl, ds, received, invalid)
}

// ProcessDevices ranks a plain list of descriptions for tpl.
func (p *Processor) ProcessDevices(tpl *template.DeviceTemplate, ds []*device.Description) *candidate.Ranking {
	valid := make([]*device.Description, 0, len(ds))
	for _, d := range ds {
		if ValidDevice(d) {
			valid = append(valid, d)
		}
	}
	return p.rank(tpl, valid, len(ds), len(ds)-len(valid))
}

func (p *Processor) rank(tpl *template.DeviceTemplate, ds []*device.Description, received, invalid int) *candidate.Ranking {
	unique := Deduplicate(ds)
	accepted := make([]*device.Description, 0, len(unique))
	for _, d := range unique {
		if SatisfiesRequirements(tpl, d, p.locations) {
			accepted = append(accepted, d)
		}
	}

	ranking := candidate.NewRanking(p.scorer.Score(tpl, accepted)...)

	rejected := len(unique) - len(accepted)
	p.metrics.RecordCandidates("received", received)
	p.metrics.RecordCandidates("invalid", invalid)
	p.metrics.RecordCandidates("rejected", rejected)
	p.metrics.RecordCandidates("ranked", ranking.Len())

	p.logger.Debug("Processed candidate devices",
		"device_template", tpl.ID,
		"received", received,
		"invalid", invalid,
		"duplicates", len(ds)-len(unique),
		"rejected", rejected,
		"ranked", ranking.Len())
	return ranking
}
