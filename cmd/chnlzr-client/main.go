package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/gochnlzr/internal/client"
	"github.com/rjboer/gochnlzr/internal/config"
	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/monitor"
	"github.com/rjboer/gochnlzr/internal/spectrum"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runClient is replaced in tests.
var runClient = func(ctx context.Context, opts client.Options) error {
	c, err := client.New(opts)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

type cliConfig struct {
	host            string
	pool            string
	configPath      string
	frequency       float64
	bandwidth       float64
	sampleRate      int64
	maxRateDiff     int64
	polarization    int32
	latitude        float64
	longitude       float64
	maxLocationDiff float64
	metricsAddr     string
	logLevel        string
	logFormat       string
	multicastGroup  string
	multicastPort   int
	reportInterval  time.Duration
}

func run(ctx context.Context, args []string, out io.Writer, getenv func(string) string) error {
	root := newRootCmd(ctx, out, getenv)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func newRootCmd(ctx context.Context, out io.Writer, getenv func(string) string) *cobra.Command {
	var cli cliConfig

	root := &cobra.Command{
		Use:   "chnlzr-client",
		Short: "Request a channel from a channelizer or broker pool and monitor its samples",
		Example: `  chnlzr-client --host chnlzr://radio:7070 -f 101.1e6 -b 200e3 -r 250000
  chnlzr-client --pool mdns -f 433.92e6 -b 25e3 -r 50000 --lat 52.37 --lon 4.89 --max-location-diff 50`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChannel(ctx, cmd, cli)
		},
	}

	f := root.Flags()
	f.StringVarP(&cli.host, "host", "H", envString(getenv, "CHNLZR_HOST", ""), "Channelizer or broker URI (chnlzr://host:port or brkr://host:port)")
	f.StringVarP(&cli.pool, "pool", "p", envString(getenv, "CHNLZR_POOL", ""), `Broker pool: "mdns" or a directory host (brkr://host:port)`)
	f.StringVarP(&cli.configPath, "config", "c", envString(getenv, "CHNLZR_CONFIG", ""), "Optional YAML config file")
	f.Float64VarP(&cli.frequency, "frequency", "f", 0, "Channel center frequency in Hz")
	f.Float64VarP(&cli.bandwidth, "bandwidth", "b", 0, "Channel bandwidth in Hz")
	f.Int64VarP(&cli.sampleRate, "sample-rate", "r", 0, "Requested sample rate in samples per second")
	f.Int64Var(&cli.maxRateDiff, "max-rate-diff", 0, "Largest acceptable sample rate deviation")
	f.Int32Var(&cli.polarization, "polarization", 0, "Antenna polarization (0 = any)")
	f.Float64Var(&cli.latitude, "lat", 0, "Receiver latitude in degrees")
	f.Float64Var(&cli.longitude, "lon", 0, "Receiver longitude in degrees")
	f.Float64Var(&cli.maxLocationDiff, "max-location-diff", 0, "Maximum distance to the channelizer in km (0 = unconstrained)")
	f.StringVar(&cli.metricsAddr, "metrics-addr", "", "Serve /metrics and /api/channel on this address (e.g. :9464)")
	f.StringVar(&cli.logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	f.StringVar(&cli.logFormat, "log-format", "", "Log format (text|json)")
	f.StringVar(&cli.multicastGroup, "multicast-group", "", "Multicast group carrying out-of-band samples")
	f.IntVar(&cli.multicastPort, "multicast-port", 0, "Multicast port")
	f.DurationVar(&cli.reportInterval, "report-interval", time.Second, "Interval between channel power reports")
	_ = root.MarkFlagRequired("frequency")
	_ = root.MarkFlagRequired("bandwidth")
	_ = root.MarkFlagRequired("sample-rate")

	root.AddCommand(newDiscoverCmd(ctx, out))
	return root
}

func runChannel(ctx context.Context, cmd *cobra.Command, cli cliConfig) error {
	cfg, err := config.Resolve(cli.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cmd, cli, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.Logger()
	logging.SetDefault(logger)

	target, err := client.ParseTarget(cli.host, cli.pool)
	if err != nil {
		return err
	}
	spec, err := spectrum.NewChannelSpec(cli.frequency, cli.bandwidth)
	if err != nil {
		return err
	}
	req := spectrum.ChannelRequest{
		Spec:            spec,
		SampleRate:      cli.sampleRate,
		MaxRateDiff:     cli.maxRateDiff,
		Polarization:    cli.polarization,
		Latitude:        cli.latitude,
		Longitude:       cli.longitude,
		MaxLocationDiff: cli.maxLocationDiff,
	}

	var (
		reg     *prometheus.Registry
		current atomic.Pointer[monitor.Monitor]
	)
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	opts := client.Options{
		Config:  cfg,
		Target:  target,
		Request: req,
		NewConsumer: monitor.Factory(monitor.Options{Logger: logger, Interval: cli.reportInterval}, func(m *monitor.Monitor) {
			current.Store(m)
		}),
		Logger: logger,
	}
	if reg != nil {
		opts.Registerer = reg
	}

	logger.Info("requesting channel",
		logging.F("target", target.String()),
		logging.F("spec", spec.String()),
		logging.F("sample_rate", req.SampleRate))

	g, gctx := errgroup.WithContext(ctx)
	if reg != nil {
		srv := newMetricsServer(cfg.Metrics.Addr, reg, &current)
		g.Go(func() error {
			logger.Info("metrics listening", logging.F("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	g.Go(func() error {
		// The metrics server stops with the session.
		defer cancelRun()
		err := runClient(runCtx, opts)
		if err == nil && reg != nil {
			return errSessionEnded
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

var errSessionEnded = errors.New("session ended")

func newMetricsServer(addr string, reg *prometheus.Registry, current *atomic.Pointer[monitor.Monitor]) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/api/channel", func(w http.ResponseWriter, r *http.Request) {
		m := current.Load()
		if m == nil {
			http.Error(w, "no channel yet", http.StatusServiceUnavailable)
			return
		}
		m.ServeHTTP(w, r)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cmd *cobra.Command, cli cliConfig, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr = cli.metricsAddr
	}
	if f.Changed("log-level") {
		cfg.Log.Level = cli.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = cli.logFormat
	}
	if f.Changed("multicast-group") {
		cfg.Multicast.Group = cli.multicastGroup
	}
	if f.Changed("multicast-port") {
		cfg.Multicast.Port = cli.multicastPort
	}
}

func envString(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}
