package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// StatusCounter counts failed message records per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// Thresholds turn record counts into a status. Zero disables a threshold.
type Thresholds struct {
	// OpenDegraded and OpenCritical apply to unresolved plus repeated failures.
	OpenDegraded int `yaml:"open_degraded"`
	OpenCritical int `yaml:"open_critical"`
	// InFlightDegraded applies to messages in RetryIssued.
	InFlightDegraded int `yaml:"in_flight_degraded"`
}

const cacheFor = 10 * time.Second

// Monitor aggregates health status from the engine dependencies.
type Monitor struct {
	checks     map[string]Check
	counter    StatusCounter
	thresholds Thresholds
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(counter StatusCounter, thresholds Thresholds, checks map[string]Check) *Monitor {
	return &Monitor{
		checks:     checks,
		counter:    counter,
		thresholds: thresholds,
	}
}

// CheckHealth runs every check. Results are cached briefly so probes do not
// hammer the database.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < cacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.checks)+1),
	}

	for name, check := range m.checks {
		c := ComponentHealth{Name: name, Status: StatusHealthy}
		if err := check(ctx); err != nil {
			c.Status = StatusCritical
			c.Error = err.Error()
		}
		report.Components[name] = c
		report.SystemStatus = worse(report.SystemStatus, c.Status)
	}

	if m.counter != nil {
		records := ComponentHealth{Name: "records", Status: StatusHealthy}
		counts, err := m.counter.CountByStatus(ctx)
		if err != nil {
			records.Status = StatusDegraded
			records.Error = err.Error()
		} else {
			report.Messages = counts
			records.Status = m.evaluate(counts)
			for _, s := range domain.AllStatuses {
				metrics.MessagesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
			}
		}
		report.Components[records.Name] = records
		report.SystemStatus = worse(report.SystemStatus, records.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

func (m *Monitor) evaluate(counts map[domain.Status]int) SystemStatus {
	open := counts[domain.StatusUnresolved] + counts[domain.StatusRepeatedFailure]
	inFlight := counts[domain.StatusRetryIssued]
	t := m.thresholds

	switch {
	case t.OpenCritical > 0 && open >= t.OpenCritical:
		return StatusCritical
	case t.OpenDegraded > 0 && open >= t.OpenDegraded:
		return StatusDegraded
	case t.InFlightDegraded > 0 && inFlight >= t.InFlightDegraded:
		return StatusDegraded
	}
	return StatusHealthy
}
