package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/contentgen-gateway/internal/keys"
	"github.com/nulpointcorp/contentgen-gateway/internal/metrics"
	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

const (
	defaultHealthProbeInterval = 30 * time.Second
	healthProbeTimeout         = 5 * time.Second
)

// Component status values.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusDown         = "down"
	StatusUnconfigured = "unconfigured"
	StatusUnknown      = "unknown"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return StatusUnknown
	}
	return s.status
}

// Probes are the backend checks run alongside provider probes. A nil probe
// means the backend is not configured and always reports ok.
type Probes struct {
	Cache func(ctx context.Context) error
	Store func(ctx context.Context) error
	Usage func(ctx context.Context) error
}

// HealthChecker runs background probes and exposes the latest results.
// Providers without a configured key report "unconfigured" and are not
// contacted.
type HealthChecker struct {
	registry *providers.Registry
	keys     keys.Store
	probes   Probes
	baseCtx  context.Context
	metrics  *metrics.Registry
	interval time.Duration

	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	storeStatus      componentStatus
	usageStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. interval ≤ 0 uses 30s.
func NewHealthChecker(
	ctx context.Context,
	registry *providers.Registry,
	keyStore keys.Store,
	probes Probes,
	met *metrics.Registry,
	interval time.Duration,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if interval <= 0 {
		interval = defaultHealthProbeInterval
	}
	hc := &HealthChecker{
		registry:         registry,
		keys:             keyStore,
		probes:           probes,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
		interval:         interval,
	}

	if registry != nil {
		for _, name := range registry.Names() {
			hc.providerStatuses[name] = &componentStatus{status: StatusUnknown}
		}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the current health state of all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Store         string            `json:"store"`
	Usage         string            `json:"usage"`
}

// Snapshot builds a snapshot from the latest probe results. Overall status
// is degraded when any configured provider or backend is not ok.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := StatusOK

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != StatusOK && st != StatusUnconfigured {
			overall = StatusDegraded
		}
	}

	snap := HealthSnapshot{
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         hc.cacheStatus.get(),
		Store:         hc.storeStatus.get(),
		Usage:         hc.usageStatus.get(),
	}
	for _, st := range []string{snap.Cache, snap.Store, snap.Usage} {
		if st != StatusOK {
			overall = StatusDegraded
		}
	}
	snap.Status = overall
	return snap
}

// ReadinessOK reports whether the settings store and usage log are
// reachable. The cache is not required: it degrades to a miss.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == StatusOK && hc.usageStatus.get() == StatusOK
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, s := range hc.providerStatuses {
		prov, ok := hc.registry.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hc.probeProvider(ctx, name, prov, s)
		}()
	}

	backends := []struct {
		fn   func(context.Context) error
		s    *componentStatus
		fail string
	}{
		{hc.probes.Cache, &hc.cacheStatus, StatusDegraded},
		{hc.probes.Store, &hc.storeStatus, StatusDown},
		{hc.probes.Usage, &hc.usageStatus, StatusDown},
	}
	for _, b := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.fn == nil || b.fn(ctx) == nil {
				b.s.set(StatusOK)
			} else {
				b.s.set(b.fail)
			}
		}()
	}

	wg.Wait()
}

func (hc *HealthChecker) probeProvider(ctx context.Context, name string, prov providers.Provider, s *componentStatus) {
	var key keys.Secret
	if hc.keys != nil {
		k, ok, err := hc.keys.Get(ctx, name)
		if err != nil {
			s.set(StatusUnknown)
			return
		}
		if !ok {
			s.set(StatusUnconfigured)
			return
		}
		key = k
	}

	if err := prov.HealthCheck(ctx, key.Reveal()); err != nil {
		s.set(StatusDegraded)
		hc.metrics.SetProviderHealth(name, false)
		return
	}
	s.set(StatusOK)
	hc.metrics.SetProviderHealth(name, true)
}
