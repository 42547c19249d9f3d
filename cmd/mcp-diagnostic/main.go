package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/swissknife-mcp/internal/config"
	"github.com/swissknife-mcp/internal/diagnostic"
	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/client"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

type options struct {
	Config      string            `short:"c" long:"config" description:"config file providing the default transport"`
	Type        string            `short:"T" long:"type" description:"transport type (websocket, libp2p, webrtc, https)"`
	Endpoint    string            `short:"e" long:"endpoint" description:"transport endpoint"`
	Headers     map[string]string `short:"H" long:"header" description:"request header as name:value (websocket, https, webrtc)"`
	Method      string            `short:"m" long:"method" default:"ping" description:"method sent by every check"`
	Timeout     time.Duration     `short:"t" long:"timeout" default:"10s" description:"per request timeout"`
	Count       int               `short:"n" long:"count" default:"10" description:"benchmark request count"`
	Concurrency int               `short:"p" long:"concurrency" default:"5" description:"concurrent requests"`
	Attempts    uint              `short:"a" long:"attempts" default:"3" description:"connect attempts"`
	Report      string            `short:"r" long:"report" description:"path of the JSON report (default: timestamped file)"`
	NoReport    bool              `long:"no-report" description:"do not write a JSON report"`
	Verbose     bool              `short:"v" long:"verbose" description:"enable debug logging"`
}

func main() {
	opts := &options{}
	if _, err := flags.Parse(opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, opts, os.Stdout))
}

func run(ctx context.Context, opts *options, out io.Writer) int {
	logCfg := domain.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"}
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(out, "Failed to create logger: %v\n", err)
		return 1
	}

	tcfg, err := transportConfig(opts)
	if err != nil {
		fmt.Fprintf(out, "%v\n", err)
		return 1
	}

	c, err := client.NewFromConfig(tcfg, transport.NewFactory(logger),
		client.WithLogger(logger),
		client.WithRequestTimeout(opts.Timeout),
	)
	if err != nil {
		fmt.Fprintf(out, "Failed to create client: %v\n", err)
		return 1
	}
	defer c.Close()

	runner := diagnostic.NewRunner(c, tcfg.Endpoint, diagnostic.Settings{
		Method:          opts.Method,
		Timeout:         opts.Timeout,
		ConnectAttempts: opts.Attempts,
		Count:           opts.Count,
		Concurrency:     opts.Concurrency,
	}, logger)
	report := runner.Run(ctx)

	printSummary(out, report)

	if !opts.NoReport {
		path, err := report.Save(opts.Report)
		if err != nil {
			logger.WithError(err).Error("Failed to save diagnostic report")
			return 1
		}
		fmt.Fprintf(out, "Report saved to %s\n", path)
	}

	if !report.Healthy() {
		return 1
	}
	return 0
}

// transportConfig builds the transport description from flags, falling
// back to the configuration file for anything not given on the command line
func transportConfig(opts *options) (transport.Config, error) {
	var cfg transport.Config
	if opts.Type == "" || opts.Endpoint == "" {
		manager, err := config.NewManager(opts.Config)
		if err != nil {
			return cfg, err
		}
		cfg = transport.ConfigFromDomain(manager.GetMCPConfig().Transport)
	}

	if opts.Type != "" {
		kind, err := transport.ParseTransportType(opts.Type)
		if err != nil {
			return cfg, err
		}
		cfg.Type = kind
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = opts.Endpoint
	}
	if len(opts.Headers) > 0 {
		merged := make(map[string]any, len(cfg.Options)+1)
		for k, v := range cfg.Options {
			merged[k] = v
		}
		merged["headers"] = opts.Headers
		cfg.Options = merged
	}
	return cfg, nil
}

func printSummary(out io.Writer, report *diagnostic.Report) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "MCP Diagnostic Summary (%s %s)\n", report.Transport, report.Endpoint)
	fmt.Fprintln(out, rule)

	for _, check := range report.Checks {
		fmt.Fprintf(out, "  %-12s %-8s %s\n", check.Name, strings.ToUpper(string(check.Status)), check.Message)
	}
	if l := report.Latency; l != nil && l.Samples > 0 {
		fmt.Fprintf(out, "\nLatency: min %s  avg %s  p95 %s  max %s\n", l.Min, l.Avg, l.P95, l.Max)
	}

	fmt.Fprintf(out, "\nOverall status: %s\n", report.Severity)
	fmt.Fprintf(out, "Issues found: %d\n", report.IssuesFound)
	if len(report.Recommendations) > 0 {
		fmt.Fprintln(out, "\nRecommendations:")
		for i, rec := range report.Recommendations {
			fmt.Fprintf(out, "  %d. %s\n", i+1, rec)
		}
	}
	fmt.Fprintln(out, rule)
}
