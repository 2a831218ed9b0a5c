package services

import (
	"os"
	"path/filepath"
	"time"

	"datapulse/internal/broker"
)

// HealthStatus is the readiness payload
type HealthStatus struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Checks    map[string]any `json:"checks"`
}

// BrokerStats is the broker surface the health service needs
type BrokerStats interface {
	Stats() broker.Stats
}

// HealthService reports liveness and readiness
type HealthService struct {
	stagingRoot string
	broker      BrokerStats
	startedAt   time.Time
}

// NewHealthService creates a health service
func NewHealthService(stagingRoot string, b BrokerStats) *HealthService {
	return &HealthService{
		stagingRoot: stagingRoot,
		broker:      b,
		startedAt:   time.Now(),
	}
}

// Liveness always reports ok while the process is up
func (s *HealthService) Liveness() HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks: map[string]any{
			"uptime": time.Since(s.startedAt).String(),
		},
	}
}

// Readiness verifies the staging root is writable and reports broker counters
func (s *HealthService) Readiness() HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    map[string]any{},
	}

	probe := filepath.Join(s.stagingRoot, ".readyz")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		status.Status = "degraded"
		status.Checks["staging"] = err.Error()
	} else {
		os.Remove(probe)
		status.Checks["staging"] = "writable"
	}

	if s.broker != nil {
		stats := s.broker.Stats()
		status.Checks["broker"] = map[string]any{
			"published":   stats.Published,
			"delivered":   stats.Delivered,
			"dropped":     stats.Dropped,
			"subscribers": stats.Subscribers,
		}
	}
	return status
}
