// Package progress tracks live byte and task counts for one pipeline run.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of download progress.
type Stats struct {
	BytesDone  int64         `json:"bytes_done"`
	BytesTotal int64         `json:"bytes_total"` // 0 when sizes are unknown up front
	TasksDone  int           `json:"tasks_done"`
	TasksTotal int           `json:"tasks_total"`
	RateBps    float64       `json:"rate_bps"`
	ETA        time.Duration `json:"eta_ns"`
	Percent    float64       `json:"percent"`
	StartedAt  time.Time     `json:"started_at"`
}

// Meter tracks bytes and completed tasks and computes a smoothed transfer
// rate. Safe for concurrent use by transfer workers.
type Meter struct {
	mu         sync.Mutex
	bytesTotal int64
	bytesDone  int64
	tasksTotal int
	tasksDone  int
	startedAt  time.Time
	lastAt     time.Time
	lastDone   int64
	rateBps    float64
	alpha      float64
	now        func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start initializes the meter with the task count and known total bytes.
func (m *Meter) Start(tasksTotal int, bytesTotal int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasksTotal = tasksTotal
	m.bytesTotal = bytesTotal
	m.tasksDone = 0
	m.bytesDone = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// AddBytes records n transferred bytes and updates the smoothed rate.
func (m *Meter) AddBytes(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.bytesDone += int64(n)
	deltaBytes := m.bytesDone - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.bytesDone
	}
}

// AddTotalBytes grows the known total, used when a Content-Length arrives
// for an entry the manifest carried no size for.
func (m *Meter) AddTotalBytes(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesTotal += n
}

// TaskDone records one task reaching a terminal state.
func (m *Meter) TaskDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasksDone++
}

// Snapshot returns the current progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:  m.bytesDone,
		BytesTotal: m.bytesTotal,
		TasksDone:  m.tasksDone,
		TasksTotal: m.tasksTotal,
		RateBps:    m.rateBps,
		StartedAt:  m.startedAt,
	}
	if m.bytesTotal > 0 {
		stats.Percent = float64(m.bytesDone) / float64(m.bytesTotal) * 100
	}
	if m.rateBps > 0 && m.bytesTotal > m.bytesDone {
		remaining := float64(m.bytesTotal - m.bytesDone)
		stats.ETA = time.Duration(remaining/m.rateBps) * time.Second
	}
	return stats
}
