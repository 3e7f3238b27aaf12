package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Chargers  int       `json:"connected_chargers"`
}

// ReadyResponse represents the readiness response
type ReadyResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines a health check function
type Checker func(ctx context.Context) CheckResult

// Service handles health checks
type Service struct {
	startTime    time.Time
	version      string
	checkTimeout time.Duration
	connected    func() int
	checkers     map[string]Checker
	log          *zap.Logger
	mu           sync.RWMutex
}

// Config holds health service configuration
type Config struct {
	Version      string
	CheckTimeout time.Duration
	// Connected reports the number of live charger connections.
	Connected func() int
}

func NewService(config *Config, log *zap.Logger) *Service {
	timeout := config.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		startTime:    time.Now(),
		version:      config.Version,
		checkTimeout: timeout,
		connected:    config.Connected,
		checkers:     make(map[string]Checker),
		log:          log,
	}
}

// RegisterChecker registers a custom health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
	s.log.Info("Registered health checker", zap.String("name", name))
}

// Health performs a basic liveness check
func (s *Service) Health(ctx context.Context) *HealthResponse {
	resp := &HealthResponse{
		Status:    StatusHealthy,
		Version:   s.version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now(),
	}
	if s.connected != nil {
		resp.Chargers = s.connected()
	}
	return resp
}

// Ready runs every checker concurrently. Degraded dependencies keep the
// service ready; an unhealthy one does not.
func (s *Service) Ready(ctx context.Context) *ReadyResponse {
	s.mu.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for k, v := range s.checkers {
		checkers[k] = v
	}
	s.mu.RUnlock()

	results := make(map[string]CheckResult)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
			defer cancel()

			result := checker(checkCtx)
			result.Name = name

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	overallStatus := StatusHealthy
	allReady := true

	for _, result := range results {
		if result.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
			allReady = false
		} else if result.Status == StatusDegraded && overallStatus != StatusUnhealthy {
			overallStatus = StatusDegraded
		}
	}

	return &ReadyResponse{
		Ready:     allReady,
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// PingChecker turns a dependency ping into a checker. When optional is set a
// failing ping degrades the service instead of making it unready.
func PingChecker(ping func(ctx context.Context) error, optional bool, log *zap.Logger) Checker {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		result := CheckResult{Timestamp: start}

		err := ping(ctx)
		result.Duration = time.Since(start)

		if err != nil {
			result.Status = StatusUnhealthy
			if optional {
				result.Status = StatusDegraded
			}
			result.Message = fmt.Sprintf("ping failed: %v", err)
			log.Warn("Health check failed", zap.Error(err))
			return result
		}
		result.Status = StatusHealthy
		result.Message = "connection ok"
		return result
	}
}

// BreakerChecker reports the persistence circuit breaker. Writes keep
// working in memory while it is open, so open means degraded.
func BreakerChecker(state func() gobreaker.State) Checker {
	return func(ctx context.Context) CheckResult {
		st := state()
		result := CheckResult{
			Status:    StatusHealthy,
			Message:   st.String(),
			Timestamp: time.Now(),
		}
		if st != gobreaker.StateClosed {
			result.Status = StatusDegraded
		}
		return result
	}
}
