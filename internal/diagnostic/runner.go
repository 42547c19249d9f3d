// Package diagnostic exercises an MCP endpoint through a Client and
// summarizes connectivity, latency and concurrency in a Report.
package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/client"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

const (
	CheckConnectivity = "connectivity"
	CheckRoundTrip    = "round_trip"
	CheckBenchmark    = "benchmark"
	CheckConcurrency  = "concurrency"
)

// Settings tunes a diagnostic run. Zero values select the defaults.
type Settings struct {
	// Method is the request used by every check. Defaults to "ping".
	Method string
	// Timeout bounds each individual request
	Timeout time.Duration
	// ConnectAttempts bounds connection retries
	ConnectAttempts uint
	// ConnectMaxElapsed bounds the total time spent retrying
	ConnectMaxElapsed time.Duration
	// Count is the number of sequential benchmark requests
	Count int
	// Concurrency is the number of simultaneous requests in the concurrency check
	Concurrency int
	// SlowThreshold marks the benchmark as a warning when p95 exceeds it
	SlowThreshold time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Method == "" {
		s.Method = "ping"
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.ConnectAttempts == 0 {
		s.ConnectAttempts = 3
	}
	if s.ConnectMaxElapsed <= 0 {
		s.ConnectMaxElapsed = 30 * time.Second
	}
	if s.Count <= 0 {
		s.Count = 10
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 5
	}
	if s.SlowThreshold <= 0 {
		s.SlowThreshold = time.Second
	}
	return s
}

// Runner runs the diagnostic checks against one client
type Runner struct {
	client   *client.Client
	endpoint string
	settings Settings
	logger   *logrus.Logger

	// backOff is replaced in tests to avoid real waits
	backOff func() backoff.BackOff
}

// NewRunner creates a Runner. endpoint is only recorded in the report.
func NewRunner(c *client.Client, endpoint string, settings Settings, logger *logrus.Logger) *Runner {
	return &Runner{
		client:   c,
		endpoint: endpoint,
		settings: settings.withDefaults(),
		logger:   logging.OrDiscard(logger),
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// Run executes every check in order. Checks after a failed connectivity
// check are reported as skipped.
func (r *Runner) Run(ctx context.Context) *Report {
	report := &Report{
		Timestamp: time.Now(),
		Transport: string(r.client.Transport().GetType()),
		Endpoint:  r.endpoint,
	}
	log := r.logger.WithFields(logrus.Fields{
		"transport_type": report.Transport,
		"endpoint":       r.endpoint,
	})
	log.Info("Starting MCP diagnostics")

	if !r.checkConnectivity(ctx, report) {
		for _, name := range []string{CheckRoundTrip, CheckBenchmark, CheckConcurrency} {
			report.add(CheckResult{Name: name, Status: StatusSkipped, Message: "not connected"})
		}
		report.finish()
		log.WithField("issues_found", report.IssuesFound).Warn("Diagnostics aborted, endpoint unreachable")
		return report
	}

	r.checkRoundTrip(ctx, report)
	r.checkBenchmark(ctx, report)
	r.checkConcurrency(ctx, report)
	report.finish()

	log.WithFields(logrus.Fields{
		"issues_found": report.IssuesFound,
		"severity":     report.Severity,
	}).Info("MCP diagnostics completed")
	return report
}

func (r *Runner) checkConnectivity(ctx context.Context, report *Report) bool {
	start := time.Now()
	attempts := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := r.client.Connect(ctx)
		if errors.Is(err, domain.ErrUnsupportedTransport) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.settings.ConnectAttempts),
		backoff.WithMaxElapsedTime(r.settings.ConnectMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.WithError(err).WithField("retry_in", next.String()).Warn("Connect attempt failed, retrying")
		}),
	)

	res := CheckResult{
		Name:     CheckConnectivity,
		Duration: time.Since(start),
		Data:     map[string]any{"attempts": attempts},
	}
	switch {
	case err != nil:
		res.Status = StatusFail
		res.Message = fmt.Sprintf("could not connect after %d attempt(s): %v", attempts, err)
		report.recommend("Verify the endpoint address and that the MCP server is running")
	case attempts > 1:
		res.Status = StatusWarning
		res.Message = fmt.Sprintf("connected after %d attempts", attempts)
		report.recommend("Connection needed retries; check network stability")
	default:
		res.Status = StatusPass
		res.Message = "connected"
	}
	report.add(res)
	return err == nil
}

// call issues one check request bounded by the per-request timeout
func (r *Runner) call(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
	defer cancel()

	start := time.Now()
	err := r.client.Call(ctx, r.settings.Method, nil, nil)
	return time.Since(start), err
}

func (r *Runner) checkRoundTrip(ctx context.Context, report *Report) {
	elapsed, err := r.call(ctx)
	res := CheckResult{Name: CheckRoundTrip, Duration: elapsed}
	if err != nil {
		res.Status = StatusFail
		res.Message = fmt.Sprintf("%s failed: %v", r.settings.Method, err)
		recommendFor(report, err)
	} else {
		res.Status = StatusPass
		res.Message = fmt.Sprintf("%s answered in %s", r.settings.Method, elapsed)
	}
	report.add(res)
}

func (r *Runner) checkBenchmark(ctx context.Context, report *Report) {
	samples := make([]time.Duration, 0, r.settings.Count)
	var lastErr error
	failures := 0

	start := time.Now()
	for i := 0; i < r.settings.Count; i++ {
		elapsed, err := r.call(ctx)
		if err != nil {
			failures++
			lastErr = err
			continue
		}
		samples = append(samples, elapsed)
	}

	stats := summarize(samples)
	stats.Failures = failures
	report.Latency = &stats

	res := CheckResult{
		Name:     CheckBenchmark,
		Duration: time.Since(start),
		Data: map[string]any{
			"requests": r.settings.Count,
			"failures": failures,
			"min":      stats.Min.String(),
			"avg":      stats.Avg.String(),
			"max":      stats.Max.String(),
			"p95":      stats.P95.String(),
		},
	}
	switch {
	case failures == r.settings.Count:
		res.Status = StatusFail
		res.Message = fmt.Sprintf("all %d requests failed: %v", failures, lastErr)
		recommendFor(report, lastErr)
	case failures > 0:
		res.Status = StatusWarning
		res.Message = fmt.Sprintf("%d of %d requests failed: %v", failures, r.settings.Count, lastErr)
		recommendFor(report, lastErr)
	case stats.P95 > r.settings.SlowThreshold:
		res.Status = StatusWarning
		res.Message = fmt.Sprintf("p95 latency %s exceeds %s", stats.P95, r.settings.SlowThreshold)
		report.recommend("Latency is high; check server load and network path")
	default:
		res.Status = StatusPass
		res.Message = fmt.Sprintf("%d requests, avg %s, p95 %s", stats.Samples, stats.Avg, stats.P95)
	}
	report.add(res)
}

func (r *Runner) checkConcurrency(ctx context.Context, report *Report) {
	start := time.Now()
	n := r.settings.Concurrency

	futures := make([]*client.Future, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
			defer cancel()

			f, err := r.client.SendRequest(ctx, r.settings.Method, nil)
			if err != nil {
				errs[i] = err
				return
			}
			futures[i] = f
			_, errs[i] = f.Await(ctx)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]struct{}, n)
	failures := 0
	var lastErr error
	for i := 0; i < n; i++ {
		if futures[i] != nil {
			ids[futures[i].ID()] = struct{}{}
		}
		if errs[i] != nil {
			failures++
			lastErr = errs[i]
		}
	}

	res := CheckResult{
		Name:     CheckConcurrency,
		Duration: time.Since(start),
		Data: map[string]any{
			"requests":   n,
			"failures":   failures,
			"unique_ids": len(ids),
		},
	}
	sent := n - countNil(futures)
	switch {
	case len(ids) != sent:
		res.Status = StatusFail
		res.Message = fmt.Sprintf("%d requests shared %d ids", sent, len(ids))
		report.recommend("Request ids collided; upgrade the client library")
	case failures > 0:
		res.Status = StatusFail
		res.Message = fmt.Sprintf("%d of %d concurrent requests failed: %v", failures, n, lastErr)
		recommendFor(report, lastErr)
	default:
		res.Status = StatusPass
		res.Message = fmt.Sprintf("%d concurrent requests resolved", n)
	}
	report.add(res)
}

func countNil(futures []*client.Future) int {
	n := 0
	for _, f := range futures {
		if f == nil {
			n++
		}
	}
	return n
}

func recommendFor(report *Report, err error) {
	var rpcErr *protocol.RPCError
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == protocol.MethodNotFound:
		report.recommend("The server does not implement the check method; pass a supported method")
	case errors.As(err, &rpcErr) && rpcErr.Code == protocol.MCPRateLimited:
		report.recommend("The server is rate limiting requests; lower the request count or raise the server limit")
	case errors.Is(err, domain.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		report.recommend("Requests timed out; raise the timeout or check server responsiveness")
	case errors.Is(err, domain.ErrTransportClosed), errors.Is(err, domain.ErrNotConnected):
		report.recommend("The transport closed during the run; check server logs for disconnects")
	default:
		report.recommend("Check server logs for handler failures")
	}
}

// summarize computes latency statistics. P95 uses the nearest-rank method.
func summarize(samples []time.Duration) LatencyStats {
	stats := LatencyStats{Samples: len(samples)}
	if len(samples) == 0 {
		return stats
	}

	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	stats.Min = sorted[0]
	stats.Max = sorted[len(sorted)-1]
	stats.Avg = total / time.Duration(len(sorted))

	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	stats.P95 = sorted[max(rank, 0)]
	return stats
}
