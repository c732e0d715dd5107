package session

import (
	"context"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
)

// defaultHistorySize bounds the sample history ring.
const defaultHistorySize = 30

// StatsSource samples continuous transport metrics from the underlying
// connection.
type StatsSource interface {
	Sample(ctx context.Context) (TransportStats, error)
}

// QualityThresholds map continuous metrics onto discrete tiers. Each
// tier's thresholds are "at or above this, you are at most this tier";
// the mapping is monotonic: a sample that is equal-or-worse on every
// metric can never produce a better tier.
type QualityThresholds struct {
	// Disconnected when loss or latency exceed these.
	DisconnectedLossPct float64
	DisconnectedRTT     float64

	// Poor when loss, latency, or jitter exceed these.
	PoorLossPct float64
	PoorRTT     float64
	PoorJitter  float64

	// Good when loss, latency, or jitter exceed these; below all of
	// them the tier is excellent.
	GoodLossPct float64
	GoodRTT     float64
	GoodJitter  float64
}

// DefaultQualityThresholds returns the standard tier boundaries:
// 50% loss or 2s RTT reads as disconnected, 10%/500ms/100ms as poor,
// 2%/200ms/30ms as good, and anything better as excellent.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		DisconnectedLossPct: 50,
		DisconnectedRTT:     2000,
		PoorLossPct:         10,
		PoorRTT:             500,
		PoorJitter:          100,
		GoodLossPct:         2,
		GoodRTT:             200,
		GoodJitter:          30,
	}
}

// Tier derives the discrete quality tier for a sample.
func (t QualityThresholds) Tier(s TransportStats) QualityTier {
	switch {
	case s.PacketLossPct >= t.DisconnectedLossPct || s.RTTMillis >= t.DisconnectedRTT:
		return TierDisconnected
	case s.PacketLossPct >= t.PoorLossPct || s.RTTMillis >= t.PoorRTT || s.JitterMillis >= t.PoorJitter:
		return TierPoor
	case s.PacketLossPct >= t.GoodLossPct || s.RTTMillis >= t.GoodRTT || s.JitterMillis >= t.GoodJitter:
		return TierGood
	default:
		return TierExcellent
	}
}

// Score derives a 0..100 numeric score from the metrics, weighting loss
// most heavily. Used for trend display alongside the discrete tier.
func (t QualityThresholds) Score(s TransportStats) float64 {
	score := 100.0
	score -= s.PacketLossPct * 2
	score -= s.RTTMillis / 20
	score -= s.JitterMillis / 4
	if score < 0 {
		return 0
	}
	return score
}

// QualityMonitorOptions configure a QualityMonitor.
type QualityMonitorOptions struct {
	// Interval between samples. Defaults to 2 seconds.
	Interval time.Duration

	// HistorySize bounds the sample ring. Defaults to 30.
	HistorySize int

	// Thresholds for tier derivation. Zero value uses the defaults.
	Thresholds QualityThresholds

	// Active gates sampling. While it returns false the monitor is
	// suspended: no samples are taken and no side effects occur. The
	// monitor knows nothing about session states beyond this predicate.
	Active func() bool

	// OnTierChange is invoked (outside the monitor's lock) whenever the
	// derived tier differs from the previous sample's tier.
	OnTierChange func(from, to QualityTier)
}

// QualityMonitor samples transport statistics on a fixed interval,
// derives a discrete tier per sample, and keeps a bounded history for
// trend display and session-level averages.
type QualityMonitor struct {
	mu         sync.RWMutex
	source     StatsSource
	interval   time.Duration
	thresholds QualityThresholds
	active     func() bool
	onTier     func(from, to QualityTier)

	history  []QualitySample
	capacity int
	current  QualityTier

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewQualityMonitor creates a monitor over the given stats source.
func NewQualityMonitor(source StatsSource, opts QualityMonitorOptions) *QualityMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.Thresholds == (QualityThresholds{}) {
		opts.Thresholds = DefaultQualityThresholds()
	}
	if opts.Active == nil {
		opts.Active = func() bool { return true }
	}

	return &QualityMonitor{
		source:     source,
		interval:   opts.Interval,
		thresholds: opts.Thresholds,
		active:     opts.Active,
		onTier:     opts.OnTierChange,
		capacity:   opts.HistorySize,
		current:    TierExcellent,
	}
}

// Start begins the sampling loop. Starting an already-running monitor is
// a no-op.
func (m *QualityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.sampleLoop(m.stopCh)
}

// Stop halts the sampling loop and waits for it to exit. The sample
// history is retained for post-session aggregation. Stopping a stopped
// monitor is a no-op.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *QualityMonitor) sampleLoop(stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !m.active() {
				continue
			}
			m.sampleOnce()
		}
	}
}

// sampleOnce takes one sample and records it. A single failed sample is
// degraded gracefully: it is logged and skipped, never surfaced.
func (m *QualityMonitor) sampleOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	stats, err := m.source.Sample(ctx)
	cancel()
	if err != nil {
		logger.GetLogger().Warnw("transport stats sample failed", err)
		return
	}

	sample := QualitySample{
		Timestamp: time.Now(),
		Tier:      m.thresholds.Tier(stats),
		Score:     m.thresholds.Score(stats),
	}

	m.mu.Lock()
	prev := m.current
	m.current = sample.Tier
	m.history = append(m.history, sample)
	if len(m.history) > m.capacity {
		m.history = m.history[1:]
	}
	onTier := m.onTier
	m.mu.Unlock()

	if onTier != nil && sample.Tier != prev {
		onTier(prev, sample.Tier)
	}
}

// CurrentTier returns the most recently derived tier.
func (m *QualityMonitor) CurrentTier() QualityTier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// AverageScore returns the rolling mean of the history's numeric scores,
// or 0 with no samples.
func (m *QualityMonitor) AverageScore() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.history {
		sum += s.Score
	}
	return sum / float64(len(m.history))
}

// History returns a copy of the bounded sample history, oldest first.
func (m *QualityMonitor) History() []QualitySample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]QualitySample, len(m.history))
	copy(out, m.history)
	return out
}
