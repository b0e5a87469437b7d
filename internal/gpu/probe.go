package gpu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/example/whisperd/internal/observability"
)

// ErrProbeUnavailable reports that no accelerator can be discovered. The
// daemon reacts by falling back to the CPU device at startup; at runtime the
// scheduler skips the iteration and retries on the next tick.
var ErrProbeUnavailable = errors.New("no accelerator discoverable")

// Probe caches driver snapshots with a TTL so scheduler ticks do not hammer
// the management tool. Reads are served under a read lock; Refresh bypasses
// the cache.
type Probe struct {
	driver Driver
	ttl    time.Duration

	mu        sync.RWMutex
	devices   []Device
	fetchedAt time.Time
}

func NewProbe(driver Driver, ttl time.Duration) *Probe {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Probe{driver: driver, ttl: ttl}
}

// DriverName reports which backend the probe is using.
func (p *Probe) DriverName() string { return p.driver.Name() }

// Snapshot returns the cached device list, refreshing it when stale.
func (p *Probe) Snapshot(ctx context.Context) ([]Device, error) {
	p.mu.RLock()
	if p.devices != nil && time.Since(p.fetchedAt) < p.ttl {
		out := make([]Device, len(p.devices))
		copy(out, p.devices)
		p.mu.RUnlock()
		return out, nil
	}
	p.mu.RUnlock()
	return p.refresh(ctx, false)
}

// Refresh discards the cache and queries the driver now.
func (p *Probe) Refresh(ctx context.Context) ([]Device, error) {
	return p.refresh(ctx, true)
}

func (p *Probe) refresh(ctx context.Context, force bool) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !force && p.devices != nil && time.Since(p.fetchedAt) < p.ttl {
		out := make([]Device, len(p.devices))
		copy(out, p.devices)
		return out, nil
	}
	devices, err := p.driver.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}
	if len(devices) == 0 {
		return nil, ErrProbeUnavailable
	}
	p.devices = devices
	p.fetchedAt = time.Now()
	for _, d := range devices {
		labels := map[string]string{"gpu": strconv.Itoa(d.ID)}
		observability.Default.SetGauge("gpu_total_gb", labels, d.TotalGB)
		observability.Default.SetGauge("gpu_free_gb", labels, d.FreeGB)
		observability.Default.SetGauge("gpu_utilization_percent", labels, d.Utilization)
	}
	out := make([]Device, len(devices))
	copy(out, devices)
	return out, nil
}

// Describe returns a single device by id.
func (p *Probe) Describe(ctx context.Context, id int) (Device, error) {
	devices, err := p.Snapshot(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("gpu %d not present", id)
}

// Count returns the number of visible devices.
func (p *Probe) Count(ctx context.Context) (int, error) {
	devices, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}
