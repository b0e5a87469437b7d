package gpu

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/example/whisperd/internal/models"
	"github.com/example/whisperd/internal/observability"
)

// PoolOptions carries the admission knobs. Zero values take the documented
// defaults so tests can construct pools tersely.
type PoolOptions struct {
	Catalog              *models.Catalog
	MaxTasksPerGPU       int
	MaxUtilization       float64
	ReservedSystemGB     float64
	ConfidenceFactor     float64
	CalibrationSamples   int
	StandardAudioSeconds float64
	DurationFactorSlope  float64
}

// PoolStatus is the per-device admission view returned by Status.
type PoolStatus struct {
	GPU         int     `json:"gpu"`
	TotalGB     float64 `json:"total_gb"`
	AllocatedGB float64 `json:"allocated_gb"`
	AvailableGB float64 `json:"available_gb"`
	Tasks       int     `json:"tasks"`
	MaxTasks    int     `json:"max_tasks"`
	Unlimited   bool    `json:"unlimited,omitempty"`
}

type calibration struct {
	samples []float64
	next    int
	mean    float64
	stddev  float64
}

type poolEntry struct {
	mu        sync.Mutex
	id        int
	totalGB   float64
	unlimited bool
	maxTasks  int
	allocated float64
	tasks     map[string]float64
	calib     map[string]*calibration
}

// Pool is the memory ledger that gates admission. Reservations recorded here
// are the single source of truth: driver-reported free memory feeds the
// status surface, never the admission decision. Each device has its own
// mutex; no operation takes a pool-wide lock.
type Pool struct {
	opts    PoolOptions
	entries map[int]*poolEntry
	order   []int
}

// NewPool builds one ledger entry per discovered device. A CPU-only device
// gets unlimited memory and a single task slot.
func NewPool(devices []Device, opts PoolOptions) *Pool {
	if opts.Catalog == nil {
		opts.Catalog = models.NewCatalog()
	}
	if opts.MaxTasksPerGPU <= 0 {
		opts.MaxTasksPerGPU = 5
	}
	if opts.MaxUtilization <= 0 || opts.MaxUtilization > 1 {
		opts.MaxUtilization = 0.9
	}
	if opts.ConfidenceFactor <= 0 {
		opts.ConfidenceFactor = 1.2
	}
	if opts.CalibrationSamples <= 0 {
		opts.CalibrationSamples = 50
	}
	if opts.StandardAudioSeconds <= 0 {
		opts.StandardAudioSeconds = 180
	}
	if opts.DurationFactorSlope <= 0 {
		opts.DurationFactorSlope = 0.3
	}
	p := &Pool{opts: opts, entries: make(map[int]*poolEntry, len(devices))}
	for _, d := range devices {
		e := &poolEntry{
			id:        d.ID,
			totalGB:   d.TotalGB,
			unlimited: d.CPUOnly,
			maxTasks:  opts.MaxTasksPerGPU,
			tasks:     make(map[string]float64),
			calib:     make(map[string]*calibration),
		}
		if d.CPUOnly {
			e.maxTasks = 1
		}
		p.entries[d.ID] = e
		p.order = append(p.order, d.ID)
	}
	sort.Ints(p.order)
	return p
}

// durationFactor scales the base footprint for audio longer than the
// standard clip; shorter or unknown input does not shrink the estimate.
func (p *Pool) durationFactor(audioSeconds float64) float64 {
	if audioSeconds <= p.opts.StandardAudioSeconds {
		return 1.0
	}
	return 1.0 + (audioSeconds/p.opts.StandardAudioSeconds-1.0)*p.opts.DurationFactorSlope
}

// EstimateFor returns the admission estimate in GB. Once a (gpu, model) pair
// has calibration samples, the estimate is mean + stddev * confidence;
// before that it is the table footprint scaled by the duration factor.
func (p *Pool) EstimateFor(gpuID int, model string, audioSeconds float64) float64 {
	e := p.entries[gpuID]
	if e == nil {
		return p.opts.Catalog.BaseMemoryGB(model) * p.durationFactor(audioSeconds)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return p.estimateLocked(e, model, audioSeconds)
}

func (p *Pool) estimateLocked(e *poolEntry, model string, audioSeconds float64) float64 {
	if c, ok := e.calib[model]; ok && len(c.samples) > 0 {
		return c.mean + c.stddev*p.opts.ConfidenceFactor
	}
	return p.opts.Catalog.BaseMemoryGB(model) * p.durationFactor(audioSeconds)
}

func (p *Pool) availableLocked(e *poolEntry) float64 {
	if e.unlimited {
		return math.MaxFloat64
	}
	byReserve := (e.totalGB - p.opts.ReservedSystemGB) - e.allocated
	byUtil := e.totalGB*p.opts.MaxUtilization - e.allocated
	a := math.Min(byReserve, byUtil)
	if a < 0 {
		return 0
	}
	return a
}

// displayAvailable keeps unlimited entries JSON-friendly.
func (p *Pool) displayAvailable(e *poolEntry) float64 {
	if !e.unlimited {
		return p.availableLocked(e)
	}
	a := e.totalGB - e.allocated
	if a < 0 {
		return 0
	}
	return a
}

// CanAdmit reports whether a task of the given model fits on the device
// right now, along with the availability reading and a denial reason.
func (p *Pool) CanAdmit(gpuID int, model string, audioSeconds float64) (bool, float64, string) {
	e := p.entries[gpuID]
	if e == nil {
		return false, 0, fmt.Sprintf("gpu %d not in pool", gpuID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	avail := p.displayAvailable(e)
	if len(e.tasks) >= e.maxTasks {
		return false, avail, fmt.Sprintf("gpu %d task slots exhausted (%d/%d)", gpuID, len(e.tasks), e.maxTasks)
	}
	est := p.estimateLocked(e, model, audioSeconds)
	if est > p.availableLocked(e) {
		return false, avail, fmt.Sprintf("gpu %d needs %.2f GB for %s, %.2f GB available", gpuID, est, model, avail)
	}
	return true, avail, ""
}

// Reserve atomically books the estimate against the device. The admission
// check runs again inside the critical section, so a stale CanAdmit answer
// can never oversubscribe the ledger.
func (p *Pool) Reserve(gpuID int, estimateGB float64, taskID string) bool {
	e := p.entries[gpuID]
	if e == nil || estimateGB < 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.tasks[taskID]; dup {
		log.Printf("pool: duplicate reserve task=%s gpu=%d", taskID, gpuID)
		return false
	}
	if len(e.tasks) >= e.maxTasks {
		observability.Default.IncCounter("pool_reserve_conflicts_total", map[string]string{"reason": "slots"}, 1)
		return false
	}
	if estimateGB > p.availableLocked(e) {
		observability.Default.IncCounter("pool_reserve_conflicts_total", map[string]string{"reason": "memory"}, 1)
		return false
	}
	e.allocated += estimateGB
	e.tasks[taskID] = estimateGB
	p.setGaugesLocked(e)
	return true
}

// Release returns a task's reservation to the device. Unknown ids are a
// logged no-op, which makes the call idempotent on every worker exit path.
func (p *Pool) Release(taskID string) {
	for _, id := range p.order {
		e := p.entries[id]
		e.mu.Lock()
		amount, ok := e.tasks[taskID]
		if !ok {
			e.mu.Unlock()
			continue
		}
		delete(e.tasks, taskID)
		e.allocated -= amount
		if e.allocated < 0 {
			log.Printf("pool: allocation ledger went negative on gpu %d, clamping", e.id)
			e.allocated = 0
		}
		p.setGaugesLocked(e)
		e.mu.Unlock()
		return
	}
	log.Printf("pool: release for unknown task %s ignored", taskID)
}

// ReleaseAll drops every reservation. Shutdown backstop for workers that did
// not exit within the grace period.
func (p *Pool) ReleaseAll() {
	for _, id := range p.order {
		e := p.entries[id]
		e.mu.Lock()
		if len(e.tasks) > 0 {
			log.Printf("pool: force-releasing %d reservations on gpu %d", len(e.tasks), e.id)
		}
		e.tasks = make(map[string]float64)
		e.allocated = 0
		p.setGaugesLocked(e)
		e.mu.Unlock()
	}
}

// Calibrate folds an observed peak usage into the (gpu, model) sample ring.
// The ring is FIFO with a fixed capacity; mean and stddev are recomputed on
// every append and feed subsequent estimates.
func (p *Pool) Calibrate(gpuID int, model string, observedGB float64) {
	if observedGB <= 0 {
		return
	}
	e := p.entries[gpuID]
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.calib[model]
	if c == nil {
		c = &calibration{samples: make([]float64, 0, p.opts.CalibrationSamples)}
		e.calib[model] = c
	}
	if len(c.samples) < p.opts.CalibrationSamples {
		c.samples = append(c.samples, observedGB)
	} else {
		c.samples[c.next] = observedGB
		c.next = (c.next + 1) % p.opts.CalibrationSamples
	}
	sum := 0.0
	for _, s := range c.samples {
		sum += s
	}
	c.mean = sum / float64(len(c.samples))
	varsum := 0.0
	for _, s := range c.samples {
		d := s - c.mean
		varsum += d * d
	}
	c.stddev = math.Sqrt(varsum / float64(len(c.samples)))
	observability.Default.IncCounter("pool_calibrations_total", map[string]string{"gpu": strconv.Itoa(gpuID), "model": model}, 1)
}

// SampleCount reports how many calibration samples exist for a pair.
func (p *Pool) SampleCount(gpuID int, model string) int {
	e := p.entries[gpuID]
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.calib[model]; ok {
		return len(c.samples)
	}
	return 0
}

// AllocatedGB returns the current ledger total for a device.
func (p *Pool) AllocatedGB(gpuID int) float64 {
	e := p.entries[gpuID]
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocated
}

// Status reports every device's ledger, ordered by id.
func (p *Pool) Status() []PoolStatus {
	out := make([]PoolStatus, 0, len(p.order))
	for _, id := range p.order {
		e := p.entries[id]
		e.mu.Lock()
		out = append(out, PoolStatus{
			GPU:         e.id,
			TotalGB:     e.totalGB,
			AllocatedGB: e.allocated,
			AvailableGB: p.displayAvailable(e),
			Tasks:       len(e.tasks),
			MaxTasks:    e.maxTasks,
			Unlimited:   e.unlimited,
		})
		e.mu.Unlock()
	}
	return out
}

// ChooseGPU picks the placement target for a model among the candidate
// devices (nil means all): admissible devices only, lowest allocated first,
// then highest available, then lowest id. Returns the estimate the caller
// should pass to Reserve.
func (p *Pool) ChooseGPU(model string, audioSeconds float64, candidates []int) (int, float64, bool) {
	ids := candidates
	if ids == nil {
		ids = p.order
	}
	best := -1
	bestEstimate := 0.0
	var bestAllocated, bestAvailable float64
	for _, id := range ids {
		e := p.entries[id]
		if e == nil {
			continue
		}
		e.mu.Lock()
		ok := len(e.tasks) < e.maxTasks
		est := p.estimateLocked(e, model, audioSeconds)
		avail := p.availableLocked(e)
		alloc := e.allocated
		e.mu.Unlock()
		if !ok || est > avail {
			continue
		}
		if best == -1 ||
			alloc < bestAllocated ||
			(alloc == bestAllocated && avail > bestAvailable) ||
			(alloc == bestAllocated && avail == bestAvailable && id < best) {
			best = id
			bestEstimate = est
			bestAllocated = alloc
			bestAvailable = avail
		}
	}
	if best == -1 {
		return -1, 0, false
	}
	return best, bestEstimate, true
}

func (p *Pool) setGaugesLocked(e *poolEntry) {
	labels := map[string]string{"gpu": strconv.Itoa(e.id)}
	observability.Default.SetGauge("gpu_allocated_gb", labels, e.allocated)
	observability.Default.SetGauge("gpu_pool_tasks", labels, float64(len(e.tasks)))
}
