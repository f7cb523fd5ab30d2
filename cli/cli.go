// Package cli provides the gopkd command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopkd/audit"
	"github.com/georgepadayatti/gopkd/config"
	"github.com/georgepadayatti/gopkd/store"
	"github.com/georgepadayatti/gopkd/store/memory"
	"github.com/georgepadayatti/gopkd/store/relational"
	"github.com/georgepadayatti/gopkd/trust"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// ErrVerificationFailed is returned by commands whose verdict is negative,
// so that the process exits non-zero.
var ErrVerificationFailed = errors.New("verification failed")

// app holds the state shared by all commands of one invocation.
type app struct {
	configPath string
	jsonOutput bool
	noColor    bool

	out    io.Writer
	errOut io.Writer

	cfg      *config.AppConfig
	logger   log.Logger
	registry *stdprometheus.Registry
	store    store.Store
	svc      trust.Service
	closers  []io.Closer
}

// Run executes the CLI with the given arguments, args[0] being the program
// name, and returns the process exit code.
func Run(args []string) int {
	if len(args) > 0 {
		args = args[1:]
	}
	if err := Execute(args, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, ErrVerificationFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// Execute runs one command line, writing results to stdout.
func Execute(args []string, stdout, stderr io.Writer) (err error) {
	a := &app{out: stdout, errOut: stderr}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gopkd",
		Short: "Inspect and validate ICAO 9303 PKD objects",
		Long: "gopkd detects, parses and validates the objects published through the ICAO Public Key Directory: " +
			"CSCA, link and document signer certificates, CRLs, Master Lists, Deviation Lists and passport SODs.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.noColor {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output as JSON")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		a.detectCommand(),
		a.parseCommand(),
		a.classifyCommand(),
		a.validateCommand(),
		a.revocationCommand(),
		a.linkcertCommand(),
		a.sodCommand(),
		a.dvlCommand(),
		a.masterlistCommand(),
		a.importCommand(),
		a.versionCommand(),
	)
	return root
}

// service builds the trust service on first use, so that commands which
// never touch the store do not need a reachable database.
func (a *app) service(ctx context.Context) (trust.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}

	cfg := config.DefaultAppConfig()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadAppConfig(a.configPath); err != nil {
			return nil, err
		}
	}
	a.cfg = cfg

	logger, closer, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closer)
	a.logger = logger
	a.registry = stdprometheus.NewRegistry()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	if c, ok := st.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	metricsSink, err := audit.NewPrometheusMetricsSink(a.registry, cfg.Metrics.Namespace)
	if err != nil {
		return nil, err
	}

	svc, err := trust.NewService(st,
		trust.WithAuditSink(audit.Multi{audit.NewLogSink(logger), metricsSink}),
		trust.WithUnknownRevocationBlocking(cfg.Revocation.UnknownIsBlocking),
	)
	if err != nil {
		return nil, err
	}

	fieldKeys := []string{"method", "error"}
	requestCount := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: cfg.Metrics.Namespace,
		Subsystem: "trust",
		Name:      "request_count",
		Help:      "Number of trust service calls.",
	}, fieldKeys)
	requestLatency := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: cfg.Metrics.Namespace,
		Subsystem: "trust",
		Name:      "request_latency_seconds",
		Help:      "Duration of trust service calls in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, fieldKeys)
	for _, c := range []stdprometheus.Collector{requestCount, requestLatency} {
		if err := a.registry.Register(c); err != nil {
			return nil, err
		}
	}

	svc = trust.LoggingMiddleware(level.Debug(log.With(logger, "component", "trust")))(svc)
	svc = trust.NewInstrumentingMiddleware(
		kitprometheus.NewCounter(requestCount),
		kitprometheus.NewHistogram(requestLatency),
	)(svc)
	a.svc = svc
	return svc, nil
}

func openStore(ctx context.Context, c *config.StoreConfig, logger log.Logger) (store.Store, error) {
	switch c.Driver {
	case config.DriverPostgres, config.DriverPgx:
		db, err := relational.Open(ctx, c.Driver, c.DSN, logger)
		if err != nil {
			return nil, err
		}
		if c.Migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		return db, nil
	default:
		s := memory.New(memory.WithLogger(logger))
		for _, dir := range []string{c.CSCADir, c.CRLDir} {
			if dir == "" {
				continue
			}
			if _, err := s.LoadDir(ctx, dir); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}

// close exports metrics and releases the store and log output.
func (a *app) close() error {
	var firstErr error
	if a.registry != nil && a.cfg != nil && a.cfg.Metrics.TextfilePath != "" {
		if err := stdprometheus.WriteToTextfile(a.cfg.Metrics.TextfilePath, a.registry); err != nil {
			level.Error(a.logger).Log("msg", "failed to write metrics", "path", a.cfg.Metrics.TextfilePath, "err", err)
			firstErr = err
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOutput {
				return printJSON(a.out, map[string]string{"version": Version, "buildTime": BuildTime})
			}
			fmt.Fprintf(a.out, "gopkd version %s\n", Version)
			fmt.Fprintf(a.out, "Build time: %s\n", BuildTime)
			return nil
		},
	}
}
