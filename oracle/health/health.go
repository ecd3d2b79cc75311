package health

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/flight-oracle/oracle/log"
)

type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker runs named checks periodically and keeps their last result.
type HealthChecker struct {
	checks   map[string]HealthCheck
	mutex    sync.RWMutex
	interval time.Duration
	timeout  time.Duration
	status   map[string]HealthStatus
}

type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"error,omitempty"`
}

func NewHealthChecker(interval time.Duration) *HealthChecker {
	return &HealthChecker{
		checks:   make(map[string]HealthCheck),
		status:   make(map[string]HealthStatus),
		interval: interval,
		timeout:  interval,
	}
}

// AddCheck registers check; it reports unhealthy until it has run once.
func (hc *HealthChecker) AddCheck(check HealthCheck) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()

	name := check.Name()
	hc.checks[name] = check
	hc.status[name] = HealthStatus{Healthy: false, LastError: "not checked yet"}

	log.Debugf("added health check: %s", name)
}

// Start runs all checks every interval until ctx ends.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			hc.RunChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunChecks runs every check once, concurrently, and waits for all of them.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mutex.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()

			cctx := ctx
			if hc.timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, hc.timeout)
				defer cancel()
			}

			err := check.Check(cctx)

			st := HealthStatus{Healthy: err == nil, LastCheck: time.Now()}
			if err != nil {
				st.LastError = err.Error()
				log.Warnf("health check failed - %s: %v", check.Name(), err)
			}

			hc.mutex.Lock()
			hc.status[check.Name()] = st
			hc.mutex.Unlock()
		}(check)
	}
	wg.Wait()
}

func (hc *HealthChecker) GetStatus() map[string]HealthStatus {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	result := make(map[string]HealthStatus, len(hc.status))
	for name, status := range hc.status {
		result[name] = status
	}

	return result
}

func (hc *HealthChecker) IsHealthy() bool {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	for _, status := range hc.status {
		if !status.Healthy {
			return false
		}
	}

	return true
}

// FuncCheck adapts a function to HealthCheck.
type FuncCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
}

func NewCheck(name string, checkFunc func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{
		name:      name,
		checkFunc: checkFunc,
	}
}

func (c *FuncCheck) Check(ctx context.Context) error {
	return c.checkFunc(ctx)
}

func (c *FuncCheck) Name() string {
	return c.name
}
