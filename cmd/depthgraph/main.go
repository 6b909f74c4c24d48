// Package main implements the depthgraph command. It builds a pipeline from
// configuration, opens a device session, runs the pipeline and streams the
// configured consumer queues to NATS and a websocket preview until it is
// interrupted.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"io"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/depthgraph/config"
	"github.com/c360/depthgraph/device"
	"github.com/c360/depthgraph/device/sim"
	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/health"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/natsclient"
	outnats "github.com/c360/depthgraph/output/nats"
	"github.com/c360/depthgraph/output/websocket"
	"github.com/c360/depthgraph/pipeline"
	"github.com/c360/depthgraph/pkg/retry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "depthgraph"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Starting depthgraph",
		"build_time", BuildTime,
		"config", cli.ConfigPaths,
		"pipeline", cfg.Pipeline.Name,
		"simulate", cfg.Device.Simulate)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	if cli.Validate {
		logger.Info("Configuration is valid",
			"nodes", len(cfg.Pipeline.Nodes),
			"links", len(cfg.Pipeline.Links),
			"consumers", len(a.consumers))
		return a.pipeline.Close()
	}

	if cli.DumpMetrics {
		a.metricsDump = os.Stderr
	}
	return runWithSignalHandling(a, cli.ShutdownTimeout)
}

// initializeCLI parses and validates flags
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cli, err := parseFlags(fs, args)
	if stderrors.Is(err, flag.ErrHelp) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cli.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil, true, nil
	}
	if cli.ShowHelp {
		printDetailedHelp(fs)
		return nil, true, nil
	}
	return cli, false, nil
}

// initializeConfiguration loads the config layers and applies the flags
// given on the command line on top.
func initializeConfiguration(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlags(cli, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cli *CLIConfig, cfg *config.Config) {
	if cli.set["log-level"] {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.set["log-format"] {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.set["simulate"] {
		cfg.Device.Simulate = cli.Simulate
	}
	if cli.set["wait-device"] {
		cfg.Device.Wait = cli.WaitDevice
	}
	if cli.set["device-id"] {
		cfg.Device.ID = cli.DeviceID
	}
}

func runWithSignalHandling(a *app, shutdownTimeout time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.start(ctx); err != nil {
		_ = a.shutdown(shutdownTimeout)
		return fmt.Errorf("start: %w", err)
	}
	a.logger.Info("depthgraph running", "device", a.session.ID())

	<-ctx.Done()
	a.logger.Info("Received shutdown signal")

	if err := a.shutdown(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	a.logger.Info("depthgraph shutdown complete")
	return nil
}

// app owns everything the command starts.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	checker   *health.Checker
	pipeline  *pipeline.Pipeline
	consumers []consumer

	transport device.Transport
	broker    *device.Broker
	session   *device.Session

	metrics *metric.Server
	nats    *natsclient.Client
	natsOut *outnats.Output
	preview *websocket.Output

	drains      *errgroup.Group
	metricsDump io.Writer
}

// newApp builds and validates the pipeline. Nothing is opened or started.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		checker:  health.NewChecker(appName),
	}
	a.pipeline = pipeline.New(
		pipeline.WithName(cfg.Pipeline.Name),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(a.registry),
	)

	consumers, err := buildPipeline(cfg.Pipeline, a.pipeline)
	if err != nil {
		_ = a.pipeline.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	a.consumers = consumers

	result, err := a.pipeline.Build()
	if err != nil {
		_ = a.pipeline.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	logger.Debug("Pipeline built",
		"status", result.ValidationStatus,
		"edges", len(result.Edges),
		"clusters", len(result.ConnectedComponents))

	a.checker.SetPipeline(a.pipeline)
	for _, c := range a.consumers {
		a.checker.WatchQueue(c.queue)
	}
	return a, nil
}

func (a *app) start(ctx context.Context) error {
	transport, err := newTransport(a.cfg.Device, a.logger)
	if err != nil {
		return err
	}
	a.transport = transport
	a.broker = device.NewBroker(transport, device.WithLogger(a.logger), device.WithMetrics(a.registry))

	sess, err := openSession(ctx, a.broker, transport, a.cfg.Device, a.logger)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	a.session = sess
	a.checker.SetSession(sess)

	if a.cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(a.cfg.Metrics.Addr, a.cfg.Metrics.Path, a.registry, a.checker.Err)
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	if a.cfg.NATS.Enabled {
		if err := a.startNATS(ctx); err != nil {
			return err
		}
	}
	if a.cfg.Preview.Enabled {
		if err := a.startPreview(ctx); err != nil {
			return err
		}
	}

	drains, drainCtx := errgroup.WithContext(ctx)
	for _, c := range a.consumers {
		drains.Go(func() error { return drain(drainCtx, c, a.logger) })
	}
	a.drains = drains

	if err := a.pipeline.Start(ctx, a.session); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}

func (a *app) startNATS(ctx context.Context) error {
	nc := a.cfg.NATS
	monitor := a.checker.Monitor()

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithName(appName + "/" + a.cfg.Pipeline.Name),
		natsclient.WithTimeout(nc.ConnectWait.D()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("nats", "Connected")
			} else {
				monitor.UpdateUnhealthy("nats", errors.ErrConnectionLost)
			}
		}),
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}

	client, err := natsclient.NewClient(nc.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client

	connectCtx, cancel := context.WithTimeout(ctx, nc.ConnectWait.D())
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	out, err := outnats.New(client, outnats.Config{
		SubjectPrefix: nc.SubjectPrefix,
		Compress:      nc.Compress,
		Workers:       nc.Workers,
		BufferSize:    nc.Buffer,
	}, outnats.WithLogger(a.logger), outnats.WithHealth(monitor), outnats.WithMetrics(a.registry))
	if err != nil {
		return fmt.Errorf("create NATS output: %w", err)
	}
	if err := out.Start(ctx); err != nil {
		return fmt.Errorf("start NATS output: %w", err)
	}
	a.natsOut = out

	for _, c := range a.consumers {
		if !c.tapped("nats") {
			continue
		}
		if err := out.Tap(c.queue); err != nil {
			return fmt.Errorf("tap %s: %w", c.ref, err)
		}
		a.logger.Info("Publishing queue to NATS",
			"queue", c.queue.Name(),
			"subject", outnats.Subject(nc.SubjectPrefix, c.queue.Name()))
	}
	return nil
}

func (a *app) startPreview(ctx context.Context) error {
	pc := a.cfg.Preview
	out, err := websocket.New(websocket.Config{
		Addr:         pc.Addr,
		Path:         pc.Path,
		ClientBuffer: pc.ClientBuffer,
		WriteTimeout: pc.WriteTimeout.D(),
		PingInterval: pc.PingInterval.D(),
		Compress:     pc.Compress,
		MaxFPS:       pc.MaxFPS,
		AuthSecret:   pc.AuthSecret,
	}, websocket.WithLogger(a.logger), websocket.WithMetrics(a.registry))
	if err != nil {
		return fmt.Errorf("create preview server: %w", err)
	}
	if err := out.Start(ctx); err != nil {
		return fmt.Errorf("start preview server: %w", err)
	}
	a.preview = out

	for _, c := range a.consumers {
		if !c.tapped("preview") {
			continue
		}
		if err := out.Tap(c.queue); err != nil {
			return fmt.Errorf("tap %s: %w", c.ref, err)
		}
	}
	a.logger.Info("Preview server listening", "addr", out.Addr(), "path", pc.Path)
	return nil
}

// shutdown stops everything start created, in reverse order. It is safe to
// call after a partial start.
func (a *app) shutdown(timeout time.Duration) error {
	var errs []error

	if a.pipeline.IsRunning() {
		if err := a.pipeline.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if a.preview != nil {
		if err := a.preview.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if a.natsOut != nil {
		if err := a.natsOut.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
		stats := a.natsOut.Stats()
		a.logger.Info("NATS output stats",
			"submitted", stats.Submitted,
			"processed", stats.Processed,
			"failed", stats.Failed,
			"dropped", stats.Dropped)
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	logQueueStats(a.logger, a.consumers)

	if err := a.pipeline.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.drains != nil {
		if err := a.drains.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.metricsDump != nil {
		if err := metric.WriteText(a.metricsDump, a.registry); err != nil {
			errs = append(errs, err)
		}
	}
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// newTransport returns the device transport. Only the simulated transport
// is built in.
func newTransport(dc config.DeviceConfig, logger *slog.Logger) (device.Transport, error) {
	if !dc.Simulate {
		return nil, errors.WrapFatal(errors.ErrDeviceUnavailable, "main", "newTransport",
			"no hardware transport available, run with --simulate")
	}
	infos := make([]device.DeviceInfo, len(dc.Sim.Devices))
	for i, id := range dc.Sim.Devices {
		infos[i] = sim.NewDevice(id)
	}
	return sim.New(
		sim.WithDevices(infos...),
		sim.WithFPS(dc.Sim.FPS),
		sim.WithFrameSize(dc.Sim.Width, dc.Sim.Height),
		sim.WithLogger(logger),
	), nil
}

// openSession opens the configured device, or the default one. With Wait
// set it retries transient failures until WaitTimeout.
func openSession(
	ctx context.Context,
	broker *device.Broker,
	transport device.Transport,
	dc config.DeviceConfig,
	logger *slog.Logger,
) (*device.Session, error) {
	open := func(ctx context.Context) (*device.Session, error) {
		if dc.ID == "" {
			return broker.Open(ctx)
		}
		info, err := findDevice(ctx, transport, dc.ID)
		if err != nil {
			return nil, err
		}
		return broker.OpenWith(ctx, info)
	}

	if !dc.Wait {
		return open(ctx)
	}

	if timeout := dc.WaitTimeout.D(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg := retry.Persistent()
	cfg.MaxAttempts = 1 << 20 // bounded by WaitTimeout
	cfg.Retryable = errors.IsTransient
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Info("Waiting for device", "attempt", attempt, "retry_in", delay, "reason", err)
	}
	return retry.DoWithResult(ctx, cfg, func() (*device.Session, error) {
		return open(ctx)
	})
}

func findDevice(ctx context.Context, transport device.Transport, id string) (device.DeviceInfo, error) {
	devices, err := transport.ListDevices(ctx, device.AnyState)
	if err != nil {
		return device.DeviceInfo{}, errors.WrapTransient(err, "main", "findDevice", "list devices")
	}
	for _, d := range devices {
		if d.DeviceID == id || d.Name == id {
			return d, nil
		}
	}
	return device.DeviceInfo{}, errors.WrapTransient(errors.ErrDeviceUnavailable, "main", "findDevice",
		fmt.Sprintf("device %q not found", id))
}

// drain reads a consumer queue so untapped and tapped queues alike keep
// flowing; taps run on Send, before the message is queued. Cancellation and
// a closed queue end it cleanly.
func drain(ctx context.Context, c consumer, logger *slog.Logger) error {
	var n int64
	for {
		_, err := c.queue.GetWithContext(ctx)
		if err == nil {
			n++
			continue
		}
		logger.Debug("Consumer drained", "queue", c.queue.Name(), "messages", n)
		if stderrors.Is(err, errors.ErrQueueClosed) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("drain %s: %w", c.queue.Name(), err)
	}
}

func logQueueStats(logger *slog.Logger, consumers []consumer) {
	for _, c := range consumers {
		st := c.queue.Stats()
		logger.Info("Queue stats",
			"queue", c.queue.Name(),
			"writes", st.Writes,
			"reads", st.Reads,
			"drops", st.Drops,
			"drop_rate", st.DropRate,
			"max_size", c.queue.MaxSize())
	}
}
