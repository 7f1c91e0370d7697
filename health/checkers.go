package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
)

// StateSource reports a broker connection state
type StateSource interface {
	State() rabbitmq.State
}

// ConnectionChecker reports the state of a supervised broker connection:
// connected is healthy, connecting is degraded, anything else unhealthy
type ConnectionChecker struct {
	name   string
	source StateSource
}

// NewConnectionChecker creates a checker for source
func NewConnectionChecker(name string, source StateSource) *ConnectionChecker {
	return &ConnectionChecker{name: name, source: source}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is ready"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Connecting to broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is implemented by clients that can probe their backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker that pings a backend such as Redis
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Ping succeeded",
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"response_time_ms": result.Duration.Milliseconds()}
	return result
}

// GoroutineChecker flags runaway goroutine growth
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a checker with the given thresholds
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
