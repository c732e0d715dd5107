package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityThresholdsTier(t *testing.T) {
	thresholds := DefaultQualityThresholds()

	tests := []struct {
		name  string
		stats TransportStats
		want  QualityTier
	}{
		{"pristine", TransportStats{}, TierExcellent},
		{"slight loss", TransportStats{PacketLossPct: 1.5, RTTMillis: 100, JitterMillis: 10}, TierExcellent},
		{"loss at good boundary", TransportStats{PacketLossPct: 2}, TierGood},
		{"rtt at good boundary", TransportStats{RTTMillis: 200}, TierGood},
		{"jitter at good boundary", TransportStats{JitterMillis: 30}, TierGood},
		{"loss at poor boundary", TransportStats{PacketLossPct: 10}, TierPoor},
		{"rtt at poor boundary", TransportStats{RTTMillis: 500}, TierPoor},
		{"jitter at poor boundary", TransportStats{JitterMillis: 100}, TierPoor},
		{"heavy loss", TransportStats{PacketLossPct: 50}, TierDisconnected},
		{"dead latency", TransportStats{RTTMillis: 2000}, TierDisconnected},
		{"one bad metric dominates", TransportStats{PacketLossPct: 0.1, RTTMillis: 600}, TierPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, thresholds.Tier(tt.stats))
		})
	}
}

// TestQualityThresholdsMonotonic verifies that worsening any single
// metric can never improve the derived tier.
func TestQualityThresholdsMonotonic(t *testing.T) {
	thresholds := DefaultQualityThresholds()

	base := TransportStats{PacketLossPct: 1, RTTMillis: 100, JitterMillis: 10}
	baseTier := thresholds.Tier(base)

	worse := []TransportStats{
		{PacketLossPct: 5, RTTMillis: 100, JitterMillis: 10},
		{PacketLossPct: 1, RTTMillis: 600, JitterMillis: 10},
		{PacketLossPct: 1, RTTMillis: 100, JitterMillis: 150},
		{PacketLossPct: 60, RTTMillis: 100, JitterMillis: 10},
	}
	for _, stats := range worse {
		assert.LessOrEqual(t, thresholds.Tier(stats), baseTier)
	}
}

func TestQualityThresholdsScore(t *testing.T) {
	thresholds := DefaultQualityThresholds()

	assert.Equal(t, 100.0, thresholds.Score(TransportStats{}))
	assert.Equal(t, 0.0, thresholds.Score(TransportStats{PacketLossPct: 100}), "score clamps at zero")
	assert.Greater(t,
		thresholds.Score(TransportStats{PacketLossPct: 1}),
		thresholds.Score(TransportStats{PacketLossPct: 5}))
}

func TestQualityMonitorSampling(t *testing.T) {
	source := &fakeStats{}
	source.set(TransportStats{RTTMillis: 600})

	monitor := NewQualityMonitor(source, QualityMonitorOptions{
		Interval: 5 * time.Millisecond,
	})
	monitor.Start()
	defer monitor.Stop()

	require.True(t, waitFor(time.Second, func() bool {
		return monitor.CurrentTier() == TierPoor
	}))

	source.set(TransportStats{RTTMillis: 50})
	require.True(t, waitFor(time.Second, func() bool {
		return monitor.CurrentTier() == TierExcellent
	}))
	assert.NotEmpty(t, monitor.History())
}

func TestQualityMonitorSuspendedWhileInactive(t *testing.T) {
	var active atomic.Bool
	source := &fakeStats{}

	monitor := NewQualityMonitor(source, QualityMonitorOptions{
		Interval: 5 * time.Millisecond,
		Active:   active.Load,
	})
	monitor.Start()
	defer monitor.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, monitor.History(), "no samples while the predicate is false")

	active.Store(true)
	require.True(t, waitFor(time.Second, func() bool {
		return len(monitor.History()) > 0
	}))
}

func TestQualityMonitorHistoryBounded(t *testing.T) {
	source := &fakeStats{}
	monitor := NewQualityMonitor(source, QualityMonitorOptions{
		Interval:    time.Millisecond,
		HistorySize: 5,
	})
	monitor.Start()
	defer monitor.Stop()

	require.True(t, waitFor(time.Second, func() bool {
		return len(monitor.History()) == 5
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, monitor.History(), 5)
}

func TestQualityMonitorTierChangeCallback(t *testing.T) {
	source := &fakeStats{}
	source.set(TransportStats{RTTMillis: 600})

	type change struct{ from, to QualityTier }
	changes := make(chan change, 16)

	monitor := NewQualityMonitor(source, QualityMonitorOptions{
		Interval: 5 * time.Millisecond,
		OnTierChange: func(from, to QualityTier) {
			changes <- change{from, to}
		},
	})
	monitor.Start()
	defer monitor.Stop()

	select {
	case c := <-changes:
		assert.Equal(t, TierExcellent, c.from)
		assert.Equal(t, TierPoor, c.to)
	case <-time.After(time.Second):
		t.Fatal("no tier change observed")
	}
}

func TestQualityMonitorStopIdempotent(t *testing.T) {
	monitor := NewQualityMonitor(&fakeStats{}, QualityMonitorOptions{Interval: time.Millisecond})
	monitor.Start()
	monitor.Start()
	monitor.Stop()
	monitor.Stop()
}

func TestQualityMonitorAverageScore(t *testing.T) {
	monitor := NewQualityMonitor(&fakeStats{}, QualityMonitorOptions{})
	assert.Equal(t, 0.0, monitor.AverageScore(), "no samples yet")
}
