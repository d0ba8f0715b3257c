// Command push-coordinator keeps one upstream state stream open, caches the
// latest document and fans it out to the roller devices, MQTT and the HTTP status page.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/push-coordinator/internal/config"
	"github.com/sweeney/push-coordinator/internal/coordinator"
	"github.com/sweeney/push-coordinator/internal/device"
	"github.com/sweeney/push-coordinator/internal/led"
	"github.com/sweeney/push-coordinator/internal/mqtt"
	"github.com/sweeney/push-coordinator/internal/state"
	"github.com/sweeney/push-coordinator/internal/status"
	"github.com/sweeney/push-coordinator/internal/subscriber"
	"github.com/sweeney/push-coordinator/internal/transport"
	"github.com/sweeney/push-coordinator/internal/web"
)

const (
	statusInterval  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "push-coordinator: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(opts.cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if err := run(opts, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type options struct {
	cfg          config.Config
	printState   bool
	printTimeout time.Duration
}

// parseFlags loads -config first, then applies only the flags set explicitly.
func parseFlags(args []string) (options, error) {
	def := config.Default()
	fs := flag.NewFlagSet("push-coordinator", flag.ContinueOnError)

	path := fs.String("config", "", "YAML config file; flags given on the command line override it")
	endpoint := fs.String("endpoint", def.Upstream.Endpoint, "Upstream state server (ws://, wss://, tcp://, mqtt://, nats://)")
	token := fs.String("token", "", "Bearer token for the upstream server")
	codec := fs.String("codec", def.Upstream.Codec, "Frame encoding: json or cbor")
	host := fs.String("host", def.Hub.Host, "Hub name; roller ids derive from it")
	rollers := fs.Int("rollers", def.Hub.Rollers, "Number of roller devices")
	merge := fs.String("merge-policy", def.Hub.MergePolicy, "replace or merge")
	maxAttempts := fs.Int("max-attempts", def.Reconnect.MaxAttempts, "Consecutive failures before the circuit opens (0 never opens)")
	cooldown := fs.Duration("cooldown", def.Reconnect.Cooldown, "Open circuit wait before a half-open attempt (0 fails for good)")
	broker := fs.String("broker", "", "MQTT broker for entity states (empty disables)")
	httpAddr := fs.String("http", def.HTTP.Addr, "HTTP status address (empty to disable)")
	ledPin := fs.Int("led-pin", def.LEDPin, "BCM pin of the link LED (-1 to disable)")
	logLevel := fs.String("log-level", def.Log.Level, "debug, info, warn or error")
	logFormat := fs.String("log-format", def.Log.Format, "text or json")
	printState := fs.Bool("print-state", false, "Print the first received state and exit")
	printTimeout := fs.Duration("print-timeout", 30*time.Second, "How long -print-state waits")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg := def
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return options{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Upstream.Endpoint = *endpoint
		case "token":
			cfg.Upstream.Token = *token
		case "codec":
			cfg.Upstream.Codec = *codec
		case "host":
			cfg.Hub.Host = *host
		case "rollers":
			cfg.Hub.Rollers = *rollers
		case "merge-policy":
			cfg.Hub.MergePolicy = *merge
		case "max-attempts":
			cfg.Reconnect.MaxAttempts = *maxAttempts
		case "cooldown":
			cfg.Reconnect.Cooldown = *cooldown
		case "broker":
			cfg.MQTT.Broker = *broker
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "led-pin":
			cfg.LEDPin = *ledPin
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		return options{}, err
	}
	return options{cfg: cfg, printState: *printState, printTimeout: *printTimeout}, nil
}

func newLogger(c config.Log, w io.Writer) *slog.Logger {
	lvl, err := c.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(opts options, logger *slog.Logger) error {
	cfg := opts.cfg
	session, err := transport.New(cfg.Transport())
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}

	if opts.printState {
		ctx, cancel := context.WithTimeout(context.Background(), opts.printTimeout)
		defer cancel()
		return printState(ctx, cfg, session, os.Stdout, logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := &daemon{
		cfg:      cfg,
		session:  session,
		registry: reg,
		logger:   logger,
		now:      time.Now,
	}

	if mc, ok := cfg.MQTTConfig(); ok {
		pub := mqtt.NewRealPublisher(mc, logger)
		d.publisher = pub
		d.mqttStatus = pub
	}

	if cfg.LEDPin != config.LEDDisabled {
		ind, err := led.NewRealIndicator(cfg.LEDPin)
		if err != nil {
			// The LED is cosmetic: run without it.
			logger.Warn("led disabled", "pin", cfg.LEDPin, "error", err)
		} else {
			d.indicator = ind
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return d.run(context.Background(), sigCh)
}

// daemon wires the coordinator to its consumers. Optional parts are nil when disabled.
type daemon struct {
	cfg        config.Config
	session    transport.Session
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	indicator  led.Indicator
	registry   *prometheus.Registry
	logger     *slog.Logger
	now        func() time.Time
}

func newDecoder(cfg config.Config) (*state.Decoder, error) {
	codec, err := state.NewCodec(cfg.Upstream.Codec)
	if err != nil {
		return nil, err
	}
	return state.NewDecoder(codec, state.TemperaturePath), nil
}

// run blocks until a signal arrives or the coordinator fails for good, then
// publishes SHUTDOWN and tears everything down in reverse order.
func (d *daemon) run(ctx context.Context, sig <-chan os.Signal) error {
	cfg := d.cfg
	log := d.logger

	var reg prometheus.Registerer
	if d.registry != nil {
		reg = d.registry
	}
	metrics, err := coordinator.NewMetrics(reg)
	if err != nil {
		return err
	}
	decoder, err := newDecoder(cfg)
	if err != nil {
		return err
	}

	c, err := coordinator.New(cfg.Coordinator(), d.session,
		coordinator.WithLogger(log),
		coordinator.WithMetrics(metrics),
		coordinator.WithDecoder(decoder),
		coordinator.WithClock(d.now))
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	var sink device.Sink = device.LogSink{Logger: log}
	if d.publisher != nil {
		sink = mqtt.Sink{Publisher: d.publisher}
	}
	sensors := device.NewIlluminanceSensors(c.Rollers(), sink)
	for _, s := range sensors {
		if err := s.Added(); err != nil {
			log.Warn("announce sensor failed", "entity", s.UniqueID(), "error", err)
		}
	}

	tracker := status.NewTracker(d.now(), statusConfig(cfg))
	d.refreshStatus(tracker)
	tracker.Follow(c)

	if d.indicator != nil {
		led.Follow(c, d.indicator, log)
	}

	d.publishSystem(tracker, "STARTUP", "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Addr != "" {
		var metricsHandler http.Handler
		if d.registry != nil {
			metricsHandler = promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})
		}
		srv := web.New(cfg.HTTP.Addr, tracker, c, metricsHandler)
		ln, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			d.stop(c, sensors)
			return fmt.Errorf("http listen: %w", err)
		}
		log.Info("http status server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Info("started",
		"endpoint", cfg.Upstream.Endpoint,
		"host", cfg.Hub.Host,
		"rollers", len(c.Rollers()),
		"codec", cfg.Upstream.Codec,
		"broker", cfg.MQTT.Broker)

	reason := "UNKNOWN"
	g.Go(func() error {
		defer cancel()
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case s := <-sig:
				reason = signalName(s)
				log.Info("received signal, shutting down", "signal", s.String())
				return nil
			case <-c.Done():
				reason = "FAILED"
				if err := c.Err(); err != nil {
					return fmt.Errorf("upstream failed: %w", err)
				}
				return errors.New("upstream stopped")
			case <-gctx.Done():
				reason = "ERROR"
				return nil
			case <-ticker.C:
				d.refreshStatus(tracker)
			}
		}
	})

	err = g.Wait()
	d.refreshStatus(tracker)
	d.publishSystem(tracker, "SHUTDOWN", reason)
	d.stop(c, sensors)
	return err
}

func (d *daemon) stop(c *coordinator.Coordinator, sensors []*device.IlluminanceSensor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		d.logger.Warn("coordinator stop", "error", err)
	}
	for _, s := range sensors {
		s.Removed()
	}
	if d.indicator != nil {
		if err := d.indicator.Close(); err != nil {
			d.logger.Warn("led close", "error", err)
		}
	}
	if d.publisher != nil {
		d.publisher.Close()
	}
}

func (d *daemon) refreshStatus(tracker *status.Tracker) {
	if d.mqttStatus != nil {
		tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
	if info := readNetworkInfo(); info != nil {
		tracker.SetNetwork(info)
	}
}

// publishSystem sends a lifecycle event carrying a full status snapshot.
func (d *daemon) publishSystem(tracker *status.Tracker, event, reason string) {
	if d.publisher == nil {
		return
	}
	snap := tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(ev); err != nil {
		d.logger.Warn("publish system event failed", "event", event, "error", err)
		return
	}
	d.logger.Info("published system event", "event", event)
}

func statusConfig(cfg config.Config) status.Config {
	return status.Config{
		Endpoint:    cfg.Upstream.Endpoint,
		Codec:       cfg.Upstream.Codec,
		Host:        cfg.Hub.Host,
		Rollers:     cfg.Hub.Rollers,
		MergePolicy: cfg.Hub.MergePolicy,
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
		LEDPin:      cfg.LEDPin,
	}
}

// printState connects, waits for the first accepted document and writes it to w.
func printState(ctx context.Context, cfg config.Config, session transport.Session, w io.Writer, logger *slog.Logger) error {
	decoder, err := newDecoder(cfg)
	if err != nil {
		return err
	}
	c, err := coordinator.New(cfg.Coordinator(), session,
		coordinator.WithLogger(logger),
		coordinator.WithDecoder(decoder))
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	got := make(chan struct{}, 1)
	c.Subscribe(subscriber.Entry{
		Name:    "print-state",
		Context: "print",
		Notify: func() error {
			select {
			case got <- struct{}{}:
			default:
			}
			return nil
		},
	})

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop(context.Background())

	select {
	case <-got:
	case <-c.Done():
		if err := c.Err(); err != nil {
			return fmt.Errorf("no state received: %w", err)
		}
		return fmt.Errorf("no state received: %w", ctx.Err())
	case <-ctx.Done():
		return fmt.Errorf("no state received: %w", ctx.Err())
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c.Snapshot())
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
