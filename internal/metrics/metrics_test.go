package metrics

import (
	"testing"

	metrictestutil "github.com/bitten-ci/bitten/internal/metrics/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
)

type MetricsSuite struct {
	suite.Suite
	registry *prometheus.Registry
}

func TestMetricsSuite(t *testing.T) {
	suite.Run(t, new(MetricsSuite))
}

func (s *MetricsSuite) SetupTest() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors()...)
}

func (s *MetricsSuite) TestBuildsCompletedTotalIncrements() {
	BuildsCompletedTotal.WithLabelValues("trunk", "success").Inc()
	BuildsCompletedTotal.WithLabelValues("trunk", "failure").Inc()
	BuildsCompletedTotal.WithLabelValues("trunk", "failure").Inc()

	val := metrictestutil.CounterValue(s.T(), BuildsCompletedTotal, "trunk", "success")
	s.GreaterOrEqual(val, float64(1))

	val = metrictestutil.CounterValue(s.T(), BuildsCompletedTotal, "trunk", "failure")
	s.GreaterOrEqual(val, float64(2))
}

func (s *MetricsSuite) TestBuildDurationObserves() {
	BuildDurationSeconds.WithLabelValues("trunk", "success").Observe(42.5)

	families, err := s.registry.Gather()
	s.Require().NoError(err)

	found := false
	for _, fam := range families {
		if fam.GetName() == "bitten_build_duration_seconds" {
			for _, m := range fam.GetMetric() {
				h := m.GetHistogram()
				if h != nil && h.GetSampleCount() > 0 {
					found = true
					s.Equal(uint64(1), h.GetSampleCount())
					s.Equal(42.5, h.GetSampleSum())
				}
			}
		}
	}
	s.True(found, "expected histogram sample")
}

func (s *MetricsSuite) TestSlavesRegisteredGauge() {
	SlavesRegistered.WithLabelValues("1").Inc()
	SlavesRegistered.WithLabelValues("1").Inc()
	SlavesRegistered.WithLabelValues("1").Dec()

	val := metrictestutil.GaugeValue(s.T(), SlavesRegistered, "1")
	s.GreaterOrEqual(val, float64(1))
}

func (s *MetricsSuite) TestBuildDispatchContentionIncrements() {
	BuildDispatchContentionTotal.WithLabelValues("hal").Inc()
	BuildDispatchContentionTotal.WithLabelValues("hal").Inc()

	val := metrictestutil.CounterValue(s.T(), BuildDispatchContentionTotal, "hal")
	s.GreaterOrEqual(val, float64(2))
}

func (s *MetricsSuite) TestBuildsResetTotalAdds() {
	BuildsResetTotal.WithLabelValues("orphaned").Add(3)

	val := metrictestutil.CounterValue(s.T(), BuildsResetTotal, "orphaned")
	s.GreaterOrEqual(val, float64(3))
}

func (s *MetricsSuite) TestListenerEventsTotalIncrements() {
	ListenerEventsTotal.WithLabelValues("build_started", "log", "ok").Inc()

	val := metrictestutil.CounterValue(s.T(), ListenerEventsTotal, "build_started", "log", "ok")
	s.GreaterOrEqual(val, float64(1))
}
