package worker

import (
	"runtime"
	"sync"
	"time"
)

// Health statuses reported by the worker.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// degradedWindow is how long a recent error keeps the worker degraded.
const degradedWindow = 5 * time.Minute

type (
	// HealthSnapshot is the read-only operator view of a worker.
	HealthSnapshot struct {
		Status           string     `json:"status"`
		WorkerID         string     `json:"workerId"`
		Uptime           string     `json:"uptime"`
		EventsProcessed  uint64     `json:"eventsProcessed"`
		EventsSucceeded  uint64     `json:"eventsSucceeded"`
		EventsFailed     uint64     `json:"eventsFailed"`
		LastError        string     `json:"lastError,omitempty"`
		LastErrorTime    *time.Time `json:"lastErrorTime,omitempty"`
		ActiveEventCount int        `json:"activeEventCount"`
		MemoryAllocBytes uint64     `json:"memoryUsage"`
	}

	// MetricsSnapshot is the companion metrics view with running averages.
	MetricsSnapshot struct {
		WorkerID           string  `json:"workerId"`
		EventsProcessed    uint64  `json:"eventsProcessed"`
		EventsSucceeded    uint64  `json:"eventsSucceeded"`
		EventsFailed       uint64  `json:"eventsFailed"`
		EventsPerMinute    float64 `json:"eventsPerMinute"`
		AvgProcessingMs    float64 `json:"avgProcessingMs"`
		ActiveEventCount   int     `json:"activeEventCount"`
		UptimeSeconds      float64 `json:"uptimeSeconds"`
		SuccessRatePercent float64 `json:"successRatePercent"`
	}

	// stats accumulates processing outcomes for health and metrics views.
	stats struct {
		mu            sync.Mutex
		startedAt     time.Time
		processed     uint64
		succeeded     uint64
		failed        uint64
		totalDuration time.Duration
		lastError     string
		lastErrorAt   time.Time
	}
)

func newStats() *stats {
	return &stats{startedAt: time.Now()}
}

func (s *stats) recordSuccess(d time.Duration) {
	s.mu.Lock()
	s.processed++
	s.succeeded++
	s.totalDuration += d
	s.mu.Unlock()
}

func (s *stats) recordFailure(d time.Duration, err error) {
	s.mu.Lock()
	s.processed++
	s.failed++
	s.totalDuration += d
	if err != nil {
		s.lastError = err.Error()
		s.lastErrorAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *stats) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

// health computes the snapshot. Status is degraded when an error occurred in
// the last five minutes or the gate is saturated, unhealthy when the worker
// is not running.
func (s *stats) health(workerID string, running bool, active, limit int) HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := StatusHealthy
	if !running {
		status = StatusUnhealthy
	} else if (s.lastError != "" && time.Since(s.lastErrorAt) < degradedWindow) || active >= limit {
		status = StatusDegraded
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap := HealthSnapshot{
		Status:           status,
		WorkerID:         workerID,
		Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
		EventsProcessed:  s.processed,
		EventsSucceeded:  s.succeeded,
		EventsFailed:     s.failed,
		ActiveEventCount: active,
		MemoryAllocBytes: mem.Alloc,
	}
	if s.lastError != "" {
		snap.LastError = s.lastError
		t := s.lastErrorAt
		snap.LastErrorTime = &t
	}
	return snap
}

func (s *stats) metrics(workerID string, active int) MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	uptime := time.Since(s.startedAt)
	m := MetricsSnapshot{
		WorkerID:         workerID,
		EventsProcessed:  s.processed,
		EventsSucceeded:  s.succeeded,
		EventsFailed:     s.failed,
		ActiveEventCount: active,
		UptimeSeconds:    uptime.Seconds(),
	}
	if minutes := uptime.Minutes(); minutes > 0 {
		m.EventsPerMinute = float64(s.processed) / minutes
	}
	if s.processed > 0 {
		m.AvgProcessingMs = float64(s.totalDuration.Milliseconds()) / float64(s.processed)
		m.SuccessRatePercent = 100 * float64(s.succeeded) / float64(s.processed)
	}
	return m
}
