package o11y

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of everything a MemoryProvider holds.
// Counter values are summed across labels.
type Snapshot struct {
	Timestamp  time.Time            `json:"timestamp"`
	Counters   map[string]int64     `json:"counters"`
	Histograms map[string][]float64 `json:"histograms"`
	Gauges     map[string]float64   `json:"gauges"`
}

// CounterNames returns the counter names in the snapshot, sorted.
func (s Snapshot) CounterNames() []string {
	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MemoryProvider keeps metrics in process. The CLI reports its snapshots
// periodically and tests assert against it.
type MemoryProvider struct {
	counters   sync.Map // map[string]*memoryCounter
	histograms sync.Map // map[string]*memoryHistogram
	gauges     sync.Map // map[string]*memoryGauge
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

func (p *MemoryProvider) Counter(name string) Counter {
	actual, _ := p.counters.LoadOrStore(name, &memoryCounter{})
	return actual.(*memoryCounter)
}

func (p *MemoryProvider) Histogram(name string) Histogram {
	actual, _ := p.histograms.LoadOrStore(name, &memoryHistogram{})
	return actual.(*memoryHistogram)
}

func (p *MemoryProvider) Gauge(name string) Gauge {
	actual, _ := p.gauges.LoadOrStore(name, &memoryGauge{})
	return actual.(*memoryGauge)
}

// CounterValue returns the current value of a counter, or 0 if it was never created.
func (p *MemoryProvider) CounterValue(name string) int64 {
	if c, ok := p.counters.Load(name); ok {
		return atomic.LoadInt64(&c.(*memoryCounter).value)
	}
	return 0
}

// GaugeValue returns the last value set on a gauge, or 0.
func (p *MemoryProvider) GaugeValue(name string) float64 {
	if g, ok := p.gauges.Load(name); ok {
		return g.(*memoryGauge).get()
	}
	return 0
}

func (p *MemoryProvider) Snapshot() Snapshot {
	snapshot := Snapshot{
		Timestamp:  time.Now(),
		Counters:   make(map[string]int64),
		Histograms: make(map[string][]float64),
		Gauges:     make(map[string]float64),
	}

	p.counters.Range(func(key, value any) bool {
		snapshot.Counters[key.(string)] = atomic.LoadInt64(&value.(*memoryCounter).value)
		return true
	})

	p.histograms.Range(func(key, value any) bool {
		h := value.(*memoryHistogram)
		h.mu.RLock()
		values := make([]float64, len(h.values))
		copy(values, h.values)
		h.mu.RUnlock()
		snapshot.Histograms[key.(string)] = values
		return true
	})

	p.gauges.Range(func(key, value any) bool {
		snapshot.Gauges[key.(string)] = value.(*memoryGauge).get()
		return true
	})

	return snapshot
}

// Report calls fn with a snapshot every interval until ctx is done, and once
// more on the way out.
func (p *MemoryProvider) Report(ctx context.Context, interval time.Duration, fn func(Snapshot)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(p.Snapshot())
		case <-ctx.Done():
			fn(p.Snapshot())
			return
		}
	}
}

type memoryCounter struct {
	value int64
}

func (c *memoryCounter) Add(ctx context.Context, value int64, labels ...Label) {
	atomic.AddInt64(&c.value, value)
}

// histograms keep at most this many samples, dropping the oldest
const maxHistogramSamples = 1024

type memoryHistogram struct {
	mu     sync.RWMutex
	values []float64
}

func (h *memoryHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	h.mu.Lock()
	h.values = append(h.values, value)
	if len(h.values) > maxHistogramSamples {
		h.values = h.values[len(h.values)-maxHistogramSamples:]
	}
	h.mu.Unlock()
}

type memoryGauge struct {
	mu    sync.RWMutex
	value float64
}

func (g *memoryGauge) Set(ctx context.Context, value float64, labels ...Label) {
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

func (g *memoryGauge) get() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}
