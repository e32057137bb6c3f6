// Command water-sensor coordinates the water relays, ingests sensor readings
// and publishes relay and water-quality events to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/sweeney/water-sensor/internal/alert"
	"github.com/sweeney/water-sensor/internal/config"
	"github.com/sweeney/water-sensor/internal/gpio"
	"github.com/sweeney/water-sensor/internal/ingest"
	"github.com/sweeney/water-sensor/internal/metrics"
	"github.com/sweeney/water-sensor/internal/mqtt"
	"github.com/sweeney/water-sensor/internal/poller"
	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/relay"
	"github.com/sweeney/water-sensor/internal/status"
	"github.com/sweeney/water-sensor/internal/store"
	"github.com/sweeney/water-sensor/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("fatal: config: %v", err)
	}
	cfg, printState, err := parseFlags(os.Args[1:], cfg)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if err := run(cfg, printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// parseFlags applies command-line overrides on top of cfg.
func parseFlags(args []string, cfg config.Config) (config.Config, bool, error) {
	fs := flag.NewFlagSet("water-sensor", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Store backend: postgres, sqlite or memory")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection URL")
	fs.StringVar(&cfg.SQLitePath, "sqlite", cfg.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.MQTTBroker, "broker", cfg.MQTTBroker, `MQTT broker address ("" to disable)`)
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Relay reconcile interval")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Per-request relay timeout")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Heartbeat interval")
	fs.StringVar(&cfg.EvaluateSchedule, "evaluate", cfg.EvaluateSchedule, "Quality evaluation cron schedule")
	fs.StringVar(&cfg.GPIOChip, "gpio-chip", cfg.GPIOChip, `GPIO chip for relay outputs ("" for no hardware)`)
	channels := fs.String("channels", cfg.ChannelsFile, "YAML relay channel definitions")
	printState := fs.Bool("print-state", false, "Print current relay state and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if *channels != cfg.ChannelsFile {
		chs, err := config.LoadChannels(*channels)
		if err != nil {
			return cfg, false, err
		}
		cfg.ChannelsFile = *channels
		cfg.Channels = chs
	}
	if cfg.Store == config.StorePostgres && cfg.DatabaseURL == "" {
		return cfg, false, errors.New("DATABASE_URL is required for the postgres store")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, false, err
	}
	return cfg, *printState, nil
}

// stores bundles the backends chosen by configuration.
type stores struct {
	relays   relay.Store
	readings ingest.Store
	closer   io.Closer
}

func (s stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// openStores opens the configured backend and seeds a row per channel.
func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	ids := make([]int, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		ids = append(ids, ch.ID)
	}

	switch cfg.Store {
	case config.StoreMemory:
		return stores{relays: relay.NewMemoryStore(ids...), readings: ingest.NewMemoryStore()}, nil

	case config.StoreSQLite:
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		if err := db.SeedRelays(ctx, ids); err != nil {
			db.Close()
			return stores{}, err
		}
		return stores{relays: db, readings: db, closer: db}, nil

	case config.StorePostgres:
		db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return stores{}, err
		}
		if err := db.SeedRelays(ctx, ids); err != nil {
			db.Close()
			return stores{}, err
		}
		return stores{relays: db, readings: db, closer: db}, nil
	}
	return stores{}, fmt.Errorf("unknown store %q", cfg.Store)
}

func run(cfg config.Config, printState bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	// Print state mode
	if printState {
		coord, err := relay.NewCoordinator(cfg.Channels, st.relays)
		if err != nil {
			return err
		}
		snap, err := coord.GetSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("read relays: %w", err)
		}
		for _, ch := range coord.Channels() {
			on, _ := snap.State(ch.ID)
			fmt.Printf("%d %s: %s\n", ch.ID, ch.Label, relay.StateString(on))
		}
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize MQTT
	var publisher mqtt.Publisher = nopPublisher{}
	var mqttStatus mqtt.ConnectionStatus = nopPublisher{}
	if cfg.MQTTBroker != "" {
		p, err := mqtt.NewRealPublisher(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			log.Printf("mqtt: %v; continuing without MQTT", err)
		} else {
			publisher, mqttStatus = p, p
		}
	}
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), cfg.Channels, status.Config{
		PollMs:      cfg.PollInterval.Milliseconds(),
		HeartbeatMs: cfg.HeartbeatInterval.Milliseconds(),
		Broker:      cfg.MQTTBroker,
		HTTPAddr:    cfg.HTTPAddr,
		Store:       cfg.Store,
		Schedule:    cfg.EvaluateSchedule,
	})

	// Relay outputs
	var driver *gpio.Driver
	if cfg.GPIOChip != "" {
		w, err := gpio.NewRealWriter(cfg.GPIOChip, cfg.GPIOActiveLow)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		driver = gpio.NewDriver(w, cfg.Channels)
		defer driver.Close()
	}

	opts := []relay.Option{
		relay.WithRecorder(m),
		relay.WithObserver(tracker),
		relay.WithObserver(mqtt.RelayObserver{Publisher: publisher}),
	}
	if driver != nil {
		opts = append(opts, relay.WithObserver(driver))
	}
	coord, err := relay.NewCoordinator(cfg.Channels, st.relays, opts...)
	if err != nil {
		return fmt.Errorf("init relays: %w", err)
	}

	// Reconcile loop: keeps the status view and the output lines in step
	// with the store, including writes made by another process.
	reconcile := poller.New(coord, cfg.Channels, poller.Config{
		Interval:   cfg.PollInterval,
		Timeout:    cfg.RequestTimeout,
		StaleAfter: cfg.StaleAfter,
		MaxBackoff: cfg.MaxBackoff,
	}, poller.WithRecorder(m), poller.WithListener(syncListener(tracker, driver)))

	var sender alert.Sender
	if cfg.AlertsEnabled() {
		tg, err := alert.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("alert: %v; alerts disabled", err)
		} else {
			sender = tg
		}
	}
	alerter := alert.New(sender, cfg.AlertInterval, alert.WithRecorder(alertCounters{tracker, m}))

	eval := &evaluator{
		tracker:   tracker,
		publisher: publisher,
		alerter:   alerter,
		metrics:   m,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
	}
	gate := ingest.NewGate(st.readings,
		ingest.WithWindows(ingest.Windows{
			Recent:          cfg.RecentWindow,
			Historical:      cfg.HistoricalWindow,
			HistoricalRange: cfg.HistoricalRange,
		}),
		ingest.WithOnAccept(func(r quality.Reading) {
			tracker.ReadingAccepted(r)
			m.ReadingIngested()
			eval.notify()
		}),
	)
	eval.gate = gate

	if err := reconcile.PollOnce(ctx); err != nil {
		log.Printf("initial relay sync failed: %v", err)
	}
	tracker.SetMQTTConnected(mqttStatus.IsConnected())

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	pollTicker := time.NewTicker(cfg.PollInterval)
	defer pollTicker.Stop()
	go reconcile.Run(ctx, pollTicker.C)

	statusTicker := time.NewTicker(time.Second)
	defer statusTicker.Stop()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.EvaluateSchedule, func() {
		if _, err := eval.run(ctx); err != nil {
			log.Printf("scheduled evaluation failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule evaluation: %w", err)
	}
	if _, err := eval.run(ctx); err != nil {
		log.Printf("initial evaluation failed: %v", err)
	}
	go eval.loop(ctx)
	scheduler.Start()
	defer scheduler.Stop()

	// Start HTTP server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, coord, gate, tracker,
			web.WithGatherer(reg),
			web.WithRequestTimeout(cfg.RequestTimeout))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server error: %v", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		log.Printf("http server listening on %s", cfg.HTTPAddr)
	}

	log.Printf("started: store=%s poll=%v broker=%s heartbeat=%v evaluate=%q channels=%d",
		cfg.Store, cfg.PollInterval, cfg.MQTTBroker, cfg.HeartbeatInterval, cfg.EvaluateSchedule, len(cfg.Channels))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(publisher, mqttStatus, tracker, cfg.HeartbeatInterval, time.Now, statusTicker.C, sigCh)
}

// syncListener mirrors the reconcile view into the tracker and drives the
// output lines from it. driver may be nil.
func syncListener(tracker *status.Tracker, driver *gpio.Driver) func(poller.View) {
	return func(v poller.View) {
		tracker.SetSync(v)
		snap := v.Snapshot()
		if len(snap.States) == 0 {
			return
		}
		tracker.SetRelays(snap)
		if driver != nil {
			if err := driver.Apply(snap); err != nil {
				log.Printf("gpio: %v", err)
			}
		}
	}
}

// runLoop publishes heartbeats until a signal arrives, then publishes the
// SHUTDOWN event and returns.
func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastBeat := now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
			snap := tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  now(),
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
			if heartbeat <= 0 || t.Sub(lastBeat) < heartbeat {
				continue
			}
			lastBeat = t

			snap := tracker.Snapshot()
			log.Printf("heartbeat: uptime=%v commands=%d readings=%d alerts=%d",
				snap.Uptime().Truncate(time.Second), snap.Counts.Commands, snap.Counts.Readings, snap.Counts.Alerts)
			hbEvent := mqtt.SystemEvent{
				Timestamp:  t,
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}
			if err := publisher.PublishSystem(hbEvent); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}
	}
}

// nopPublisher stands in when MQTT is disabled.
type nopPublisher struct{}

func (nopPublisher) PublishRelay(relay.Event) error { return nil }
func (nopPublisher) PublishQuality(mqtt.QualityEvent) error { return nil }
func (nopPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }
func (nopPublisher) Close() error { return nil }
func (nopPublisher) IsConnected() bool { return false }
