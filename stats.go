package interchange

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats counts pass outcomes.
type Stats struct {
	Interchanged  prometheus.Counter
	NestsAnalyzed prometheus.Counter
	// Missed is labeled with the remark name of the rejection.
	Missed *prometheus.CounterVec
}

// NewStats creates the counters and registers them on reg when it is not
// nil.
func NewStats(reg prometheus.Registerer) (*Stats, error) {
	s := &Stats{
		Interchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopinterchange_loops_interchanged_total",
			Help: "Number of loops interchanged",
		}),
		NestsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopinterchange_nests_analyzed_total",
			Help: "Number of loop nests whose dependence matrix was computed",
		}),
		Missed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopinterchange_missed_total",
			Help: "Number of rejected interchange candidates (label \"reason\" is the remark name)",
		}, []string{"reason"}),
	}
	if reg == nil {
		return s, nil
	}
	for _, c := range []prometheus.Collector{s.Interchanged, s.NestsAnalyzed, s.Missed} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering interchange metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Stats) interchanged() {
	if s != nil {
		s.Interchanged.Inc()
	}
}

func (s *Stats) nestAnalyzed() {
	if s != nil {
		s.NestsAnalyzed.Inc()
	}
}

func (s *Stats) missed(reason string) {
	if s != nil {
		s.Missed.WithLabelValues(reason).Inc()
	}
}
