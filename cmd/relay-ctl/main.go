// Command relay-ctl reads and commands the relays of a water-sensor daemon
// over HTTP.
//
//	relay-ctl [-url URL] [-channels FILE] get
//	relay-ctl [-url URL] [-channels FILE] set -relay N -state on|off
//	relay-ctl [-url URL] [-channels FILE] watch [-interval D]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/water-sensor/internal/client"
	"github.com/sweeney/water-sensor/internal/config"
	"github.com/sweeney/water-sensor/internal/poller"
	"github.com/sweeney/water-sensor/internal/relay"
)

var errUsage = errors.New("usage: relay-ctl [-url URL] [-channels FILE] get | set -relay N -state on|off | watch [-interval D]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, nil); err != nil {
		log.Fatalf("relay-ctl: %v", err)
	}
}

// run executes one command. tick drives watch; nil uses a real ticker.
func run(ctx context.Context, args []string, out io.Writer, tick <-chan time.Time) error {
	fs := flag.NewFlagSet("relay-ctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", envOr("WATER_SENSOR_URL", "http://127.0.0.1:8080"), "water-sensor base URL")
	channelsFile := fs.String("channels", "", "YAML relay channel definitions")
	timeout := fs.Duration("timeout", 5*time.Second, "Per-request timeout")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	channels := config.DefaultChannels()
	if *channelsFile != "" {
		chs, err := config.LoadChannels(*channelsFile)
		if err != nil {
			return err
		}
		channels = chs
	}

	c := client.New(*baseURL, nil)
	cfg := poller.DefaultConfig()
	cfg.Timeout = *timeout

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "get":
		return get(ctx, c, channels, cfg, out)
	case "set":
		return set(ctx, c, channels, cfg, rest, out)
	case "watch":
		return watch(ctx, c, channels, cfg, rest, out, tick)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func get(ctx context.Context, src poller.Source, channels []relay.Channel, cfg poller.Config, out io.Writer) error {
	p := poller.New(src, channels, cfg)
	if err := p.PollOnce(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, formatView(p.View()))
	return nil
}

func set(ctx context.Context, src poller.Source, channels []relay.Channel, cfg poller.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Int("relay", 0, "relay id")
	state := fs.String("state", "", "on or off")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	on, err := parseState(*state)
	if err != nil {
		return err
	}

	p := poller.New(src, channels, cfg)
	if err := p.PollOnce(ctx); err != nil {
		log.Printf("relay-ctl: initial read failed: %v", err)
	}
	err = p.Toggle(ctx, *id, on)
	fmt.Fprintln(out, formatView(p.View()))
	return err
}

func watch(ctx context.Context, src poller.Source, channels []relay.Channel, cfg poller.Config, args []string, out io.Writer, tick <-chan time.Time) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "poll interval")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if tick == nil {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var last string
	p := poller.New(src, channels, cfg, poller.WithListener(func(v poller.View) {
		line := formatView(v)
		if line == last {
			return
		}
		last = line
		fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05"), line)
	}))
	return p.Run(ctx, tick)
}

func parseState(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1":
		return true, nil
	case "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: state must be on or off, got %q", errUsage, s)
}

// formatView renders one line per view, e.g. "Filter(1)=ON Dispenser(2)=OFF*".
// A trailing * marks a pending toggle.
func formatView(v poller.View) string {
	parts := make([]string, 0, len(v.Channels)+1)
	for _, c := range v.Channels {
		s := fmt.Sprintf("%s(%d)=%s", c.Label, c.ID, c.State)
		if c.Pending {
			s += "*"
		}
		parts = append(parts, s)
	}
	if v.Stale {
		parts = append(parts, fmt.Sprintf("[stale: %d failures]", v.Failures))
	}
	return strings.Join(parts, " ")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
