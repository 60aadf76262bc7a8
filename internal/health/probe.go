package health

import (
	"context"
	"time"
)

// CheckFunc reports whether one dependency is usable. The error text
// ends up in the readiness payload, so keep it free of secrets.
type CheckFunc func(ctx context.Context) error

type Check struct {
	Name  string
	Check CheckFunc
}

type Result struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// ProbeRunner runs every registered check with a shared per-check
// timeout. Readiness is the conjunction of all checks.
type ProbeRunner struct {
	checks  []Check
	timeout time.Duration
}

func NewProbeRunner(timeout time.Duration, checks ...Check) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{checks: checks, timeout: timeout}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []Result) {
	results := make([]Result, 0, len(p.checks))
	ready := true
	for _, c := range p.checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := c.Check(checkCtx)
		cancel()
		res := Result{
			Name:      c.Name,
			Healthy:   err == nil,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Error = err.Error()
			ready = false
		}
		results = append(results, res)
	}
	return ready, results
}
