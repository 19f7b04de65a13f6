// Package api defines public API contracts for plugin-host.
package api

// HealthStatus classifies a health report.
type HealthStatus int

const (
	StatusHealthy HealthStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Worst returns the more severe of two statuses.
func (s HealthStatus) Worst(other HealthStatus) HealthStatus {
	if other > s {
		return other
	}
	return s
}

// HealthReport is the result of a single plugin health hook invocation.
type HealthReport struct {
	Status HealthStatus

	// Metrics are free-form numeric gauges (queue depths, counters).
	Metrics map[string]float64

	// Components maps sub-component names to human-readable detail.
	Components map[string]string
}

// Healthy is a convenience report for plugins with nothing to add.
func Healthy() HealthReport { return HealthReport{Status: StatusHealthy} }
