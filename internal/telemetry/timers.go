package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TimerRegistry hands out one duration observer per status code, created on
// first use and kept for the life of the process.
type TimerRegistry struct {
	mu     sync.Mutex
	vec    *prometheus.HistogramVec
	timers map[string]prometheus.Observer
}

func NewTimerRegistry(vec *prometheus.HistogramVec) *TimerRegistry {
	return &TimerRegistry{vec: vec, timers: make(map[string]prometheus.Observer)}
}

// Observer returns the observer for status, creating it if needed.
func (r *TimerRegistry) Observer(status string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.timers[status]; ok {
		return o
	}
	o := r.vec.WithLabelValues(status)
	r.timers[status] = o
	return o
}

// Since records the time elapsed since start under status.
func (r *TimerRegistry) Since(status string, start time.Time) {
	r.Observer(status).Observe(time.Since(start).Seconds())
}

// Len reports how many status codes have an observer.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
