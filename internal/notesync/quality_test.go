package notesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu      sync.Mutex
	latency time.Duration
	err     error
	bps     float64
	bpsErr  error
	probes  int
}

func (p *fakeProber) Probe(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.latency, p.err
}

func (p *fakeProber) MeasureThroughput(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bps, p.bpsErr
}

func (p *fakeProber) set(latency time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = latency
	p.err = err
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		latency time.Duration
		bps     float64
		want    QualityTier
	}{
		{50 * time.Millisecond, 20_000_000, QualityExcellent},
		{50 * time.Millisecond, 0, QualityExcellent},
		{50 * time.Millisecond, 5_000_000, QualityGood},
		{200 * time.Millisecond, 2_000_000, QualityGood},
		{200 * time.Millisecond, 0, QualityGood},
		{500 * time.Millisecond, 500_000, QualityFair},
		{500 * time.Millisecond, 0, QualityFair},
		{2 * time.Second, 50_000_000, QualityPoor},
		{500 * time.Millisecond, 10_000, QualityPoor},
	}
	for _, tc := range cases {
		got := tierFor(tc.latency, tc.bps)
		if got != tc.want {
			t.Fatalf("tierFor(%s, %.0f): expected %s, got %s", tc.latency, tc.bps, tc.want, got)
		}
	}
}

func TestMonitorStartsOffline(t *testing.T) {
	m := NewMonitor(MonitorOptions{})
	if m.Tier() != QualityOffline {
		t.Fatalf("expected offline until first probe, got %s", m.Tier())
	}
	if !m.Online() {
		t.Fatalf("OS signal defaults to online")
	}
	if m.EffectiveOnline() {
		t.Fatalf("effective online requires a successful probe")
	}
}

func TestMonitorProbeSuccess(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond, bps: 50_000_000}
	m := NewMonitor(MonitorOptions{Prober: prober})
	m.ProbeNow(context.Background())
	if !m.EffectiveOnline() {
		t.Fatalf("expected effective online after successful probe")
	}
	if m.Tier() != QualityExcellent {
		t.Fatalf("expected excellent tier, got %s", m.Tier())
	}
	if m.Latency() != 40*time.Millisecond {
		t.Fatalf("expected recorded latency, got %s", m.Latency())
	}
}

func TestMonitorProbeFailureGoesOffline(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond}
	m := NewMonitor(MonitorOptions{Prober: prober})
	m.ProbeNow(context.Background())
	if m.Tier() == QualityOffline {
		t.Fatalf("sanity: expected a usable tier first")
	}
	prober.set(0, errors.New("connection refused"))
	m.ProbeNow(context.Background())
	if m.EffectiveOnline() {
		t.Fatalf("expected effective offline after failed probe")
	}
	if m.Tier() != QualityOffline {
		t.Fatalf("expected offline tier, got %s", m.Tier())
	}
}

func TestMonitorSetOnlineFalseIsAuthoritative(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond}
	m := NewMonitor(MonitorOptions{Prober: prober})
	m.ProbeNow(context.Background())
	m.SetOnline(false)
	if m.Online() || m.EffectiveOnline() {
		t.Fatalf("expected both signals offline")
	}
	if m.Tier() != QualityOffline {
		t.Fatalf("expected offline tier, got %s", m.Tier())
	}
	// Probes are skipped entirely while the OS says offline.
	before := probeCount(prober)
	m.ProbeNow(context.Background())
	if probeCount(prober) != before {
		t.Fatalf("expected no probe while offline")
	}
}

func probeCount(p *fakeProber) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func TestMonitorReachable(t *testing.T) {
	m := NewMonitor(MonitorOptions{})
	if !m.Reachable() {
		t.Fatalf("an unprobed link gets the benefit of the doubt")
	}

	prober := &fakeProber{err: errors.New("connection refused")}
	m = NewMonitor(MonitorOptions{Prober: prober})
	m.ProbeNow(context.Background())
	if m.Reachable() {
		t.Fatalf("a failed probe must override an optimistic OS signal")
	}
	if !m.Online() {
		t.Fatalf("OS signal must still read online")
	}

	prober.set(40*time.Millisecond, nil)
	m.ProbeNow(context.Background())
	if !m.Reachable() {
		t.Fatalf("expected reachable after a successful probe")
	}

	m.SetOnline(false)
	if m.Reachable() {
		t.Fatalf("OS offline is authoritative")
	}
	m.SetOnline(true)
	if !m.Reachable() {
		t.Fatalf("coming back online restores the benefit of the doubt until a probe lands")
	}
}

func TestMonitorOnChangeFires(t *testing.T) {
	changes := make(chan [2]QualityTier, 4)
	prober := &fakeProber{latency: 40 * time.Millisecond}
	m := NewMonitor(MonitorOptions{
		Prober: prober,
		OnChange: func(old, new QualityTier) {
			changes <- [2]QualityTier{old, new}
		},
	})
	m.ProbeNow(context.Background())
	select {
	case change := <-changes:
		if change[0] != QualityOffline || change[1] != QualityExcellent {
			t.Fatalf("expected offline -> excellent, got %s -> %s", change[0], change[1])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a tier change callback")
	}
	// A probe landing in the same bucket stays silent.
	m.ProbeNow(context.Background())
	select {
	case change := <-changes:
		t.Fatalf("unexpected callback %s -> %s", change[0], change[1])
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorTierTransitionsObservedInOrder(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond}
	var transitions [][2]QualityTier
	m := NewMonitor(MonitorOptions{
		Prober: prober,
		OnChange: func(old, new QualityTier) {
			transitions = append(transitions, [2]QualityTier{old, new})
		},
	})

	m.ProbeNow(context.Background())
	prober.set(2*time.Second, nil)
	m.ProbeNow(context.Background())
	prober.set(40*time.Millisecond, nil)
	m.ProbeNow(context.Background())

	want := [][2]QualityTier{
		{QualityOffline, QualityExcellent},
		{QualityExcellent, QualityPoor},
		{QualityPoor, QualityExcellent},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %v, got %v", i, want[i], transitions[i])
		}
	}
}

func TestMonitorRunRespectsContext(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond}
	m := NewMonitor(MonitorOptions{Prober: prober, ProbeInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancellation")
	}
	if probeCount(prober) == 0 {
		t.Fatalf("expected at least one probe")
	}
}
