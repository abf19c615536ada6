package notesync

import (
	"context"
	"log"
	"sync"
	"time"
)

type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityFair      QualityTier = "fair"
	QualityPoor      QualityTier = "poor"
	QualityOffline   QualityTier = "offline"
)

// Prober measures reachability against a cheap, side-effect-free endpoint on
// the same network path as the mutation API.
type Prober interface {
	// Probe returns the round-trip latency of a liveness check.
	Probe(ctx context.Context) (time.Duration, error)
	// MeasureThroughput returns estimated download throughput in bits/s.
	MeasureThroughput(ctx context.Context) (float64, error)
}

type MonitorOptions struct {
	Prober             Prober
	ProbeInterval      time.Duration
	ThroughputInterval time.Duration
	ProbeTimeout       time.Duration
	// OnChange fires on every quality tier transition.
	OnChange func(old, new QualityTier)
	Logger   *log.Logger
}

// Monitor tracks the OS connectivity signal and an actual liveness probe,
// because the OS can report online while the network is unusable. The tier it
// produces only widens retry backoff; it never blocks mutations.
type Monitor struct {
	mu              sync.RWMutex
	prober          Prober
	probeInterval   time.Duration
	tputInterval    time.Duration
	probeTimeout    time.Duration
	onChange        func(old, new QualityTier)
	logger          *log.Logger
	online          bool
	effectiveOnline bool
	probed          bool
	tier            QualityTier
	latency         time.Duration
	throughputBps   float64
	lastThroughput  time.Time
	kick            chan struct{}
}

func NewMonitor(opts MonitorOptions) *Monitor {
	probeInterval := opts.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = 15 * time.Second
	}
	tputInterval := opts.ThroughputInterval
	if tputInterval <= 0 {
		tputInterval = 5 * time.Minute
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Monitor{
		prober:        opts.Prober,
		probeInterval: probeInterval,
		tputInterval:  tputInterval,
		probeTimeout:  probeTimeout,
		onChange:      opts.OnChange,
		logger:        opts.Logger,
		online:        true,
		tier:          QualityOffline,
		kick:          make(chan struct{}, 1),
	}
}

// SetOnline feeds the OS connectivity signal. Going offline is authoritative;
// coming back online schedules an immediate probe instead of being trusted.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	if !online {
		m.effectiveOnline = false
		old, changed := m.setTierLocked(QualityOffline)
		m.mu.Unlock()
		m.notify(old, QualityOffline, changed)
		return
	}
	// The offline stretch invalidated the last probe result; the link gets
	// the benefit of the doubt until the kicked probe lands.
	m.probed = false
	m.mu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// EffectiveOnline reports whether the last liveness probe succeeded.
func (m *Monitor) EffectiveOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveOnline
}

// Reachable reports whether the link is worth a direct attempt. The OS signal
// decides, except that a failed liveness probe overrides an optimistic OS
// signal. A link that has never been probed gets the benefit of the doubt.
func (m *Monitor) Reachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online && (m.effectiveOnline || !m.probed)
}

func (m *Monitor) Tier() QualityTier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tier
}

func (m *Monitor) Latency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latency
}

// Run probes on a fixed interval until ctx is cancelled. A probe bounded by
// the configured timeout that fails is recorded as a failed probe, never
// propagated.
func (m *Monitor) Run(ctx context.Context) {
	m.ProbeNow(ctx)
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeNow(ctx)
		case <-m.kick:
			m.ProbeNow(ctx)
		}
	}
}

// ProbeNow issues one liveness probe and, when due, a throughput measurement,
// then rebuckets the quality tier.
func (m *Monitor) ProbeNow(ctx context.Context) {
	if m.prober == nil {
		return
	}
	m.mu.RLock()
	osOnline := m.online
	m.mu.RUnlock()
	if !osOnline {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	latency, err := m.prober.Probe(probeCtx)
	cancel()

	m.mu.Lock()
	m.probed = true
	if err != nil {
		m.effectiveOnline = false
		old, changed := m.setTierLocked(QualityOffline)
		m.mu.Unlock()
		m.logf("liveness probe failed: %v", err)
		m.notify(old, QualityOffline, changed)
		return
	}
	m.effectiveOnline = true
	m.latency = latency
	throughputDue := time.Since(m.lastThroughput) >= m.tputInterval
	m.mu.Unlock()

	if throughputDue {
		tputCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		bps, tputErr := m.prober.MeasureThroughput(tputCtx)
		cancel()
		m.mu.Lock()
		m.lastThroughput = time.Now()
		if tputErr == nil && bps > 0 {
			m.throughputBps = bps
		}
		m.mu.Unlock()
		if tputErr != nil {
			m.logf("throughput probe failed: %v", tputErr)
		}
	}

	m.mu.Lock()
	tier := tierFor(m.latency, m.throughputBps)
	old, changed := m.setTierLocked(tier)
	m.mu.Unlock()
	m.notify(old, tier, changed)
}

func (m *Monitor) setTierLocked(tier QualityTier) (QualityTier, bool) {
	old := m.tier
	if old == tier {
		return old, false
	}
	m.tier = tier
	return old, true
}

// notify fires the change callback after the lock is released, so transitions
// driven from one goroutine are observed in order.
func (m *Monitor) notify(old, new QualityTier, changed bool) {
	if changed && m.onChange != nil {
		m.onChange(old, new)
	}
}

// tierFor buckets a latency/throughput sample. A throughput of zero means
// not yet measured, in which case latency alone decides.
func tierFor(latency time.Duration, bps float64) QualityTier {
	switch {
	case latency < 100*time.Millisecond && (bps == 0 || bps > 10_000_000):
		return QualityExcellent
	case latency < 300*time.Millisecond && (bps == 0 || bps > 1_000_000):
		return QualityGood
	case latency < time.Second && (bps == 0 || bps > 100_000):
		return QualityFair
	default:
		return QualityPoor
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
