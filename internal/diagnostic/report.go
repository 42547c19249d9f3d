package diagnostic

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Status is the outcome of a single check
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusFail    Status = "fail"
	StatusSkipped Status = "skipped"
)

// Severity summarizes a whole report
type Severity string

const (
	SeverityHealthy  Severity = "HEALTHY"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// CheckResult records one diagnostic check
type CheckResult struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message"`
	Duration time.Duration  `json:"duration_ns"`
	Data     map[string]any `json:"data,omitempty"`
}

// LatencyStats summarizes a series of round trips
type LatencyStats struct {
	Samples  int           `json:"samples"`
	Failures int           `json:"failures"`
	Min      time.Duration `json:"min_ns"`
	Avg      time.Duration `json:"avg_ns"`
	Max      time.Duration `json:"max_ns"`
	P95      time.Duration `json:"p95_ns"`
}

// Report is the result of a diagnostic run
type Report struct {
	Timestamp       time.Time     `json:"timestamp"`
	Transport       string        `json:"transport"`
	Endpoint        string        `json:"endpoint"`
	Checks          []CheckResult `json:"checks"`
	IssuesFound     int           `json:"issues_found"`
	Severity        Severity      `json:"severity"`
	Recommendations []string      `json:"recommendations"`
	Latency         *LatencyStats `json:"latency,omitempty"`
}

func (r *Report) add(res CheckResult) {
	r.Checks = append(r.Checks, res)
	if res.Status == StatusWarning || res.Status == StatusFail {
		r.IssuesFound++
	}
}

func (r *Report) recommend(rec string) {
	for _, existing := range r.Recommendations {
		if existing == rec {
			return
		}
	}
	r.Recommendations = append(r.Recommendations, rec)
}

func (r *Report) finish() {
	switch {
	case r.IssuesFound == 0:
		r.Severity = SeverityHealthy
	case r.IssuesFound < 3:
		r.Severity = SeverityWarning
	default:
		r.Severity = SeverityCritical
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
}

// Healthy reports whether no check produced an issue
func (r *Report) Healthy() bool {
	return r.IssuesFound == 0
}

// WriteJSON writes the report as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Save writes the report to path. An empty path picks a timestamped name in
// the working directory. The path written is returned.
func (r *Report) Save(path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("mcp-diagnostic-report-%s.json", r.Timestamp.Format("20060102_150405"))
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if err := r.WriteJSON(f); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
